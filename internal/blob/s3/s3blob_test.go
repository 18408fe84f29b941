package s3blob_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/marketfactory/internal/blob/s3"
)

type objectServer struct {
	mu      sync.Mutex
	path    string
	ctype   string
	body    string
	calls   int
	failing bool
}

func (o *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.failing {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	data, _ := io.ReadAll(r.Body)
	o.path, o.ctype, o.body = r.URL.Path, r.Header.Get("Content-Type"), string(data)
	w.Header().Set("ETag", `"abc"`)
	w.WriteHeader(http.StatusOK)
}

func newClient(t *testing.T, srv *httptest.Server, prefix string) *s3blob.Client {
	t.Helper()
	c, err := s3blob.New(context.Background(), s3blob.Config{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "reports",
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
		Prefix:         prefix,
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := s3blob.New(context.Background(), s3blob.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket, region")
}

func TestClient_Key(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	assert.Equal(t, "settlements/a.json", newClient(t, srv, "").Key("/settlements/a.json"))
	assert.Equal(t, "factory/settlements/a.json", newClient(t, srv, "/factory/").Key("settlements/a.json"))
}

func TestArchive_Put(t *testing.T) {
	obj := &objectServer{}
	srv := httptest.NewServer(obj)
	defer srv.Close()

	a := s3blob.NewArchive(newClient(t, srv, "factory"))
	err := a.Put(context.Background(), "settlements/2025/01/02/run.json", strings.NewReader(`{"settled":1}`), "application/json")
	require.NoError(t, err)

	assert.Equal(t, "/reports/factory/settlements/2025/01/02/run.json", obj.path)
	assert.Equal(t, "application/json", obj.ctype)
	assert.Contains(t, obj.body, `{"settled":1}`)
}

func TestArchive_PutReportsFailure(t *testing.T) {
	obj := &objectServer{failing: true}
	srv := httptest.NewServer(obj)
	defer srv.Close()

	a := s3blob.NewArchive(newClient(t, srv, ""))
	err := a.Put(context.Background(), "x.json", strings.NewReader("{}"), "application/json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3blob: upload x.json")
}

func TestArchive_WithoutClient(t *testing.T) {
	err := s3blob.NewArchive(nil).Put(context.Background(), "x", strings.NewReader(""), "text/plain")
	assert.Error(t, err)
}
