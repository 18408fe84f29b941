package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// partSize is the S3 multipart minimum; reports are far smaller and go up
// as a single PUT.
const partSize = 5 * 1024 * 1024

// Archive uploads objects under the client's prefix.
type Archive struct {
	client   *Client
	uploader *manager.Uploader
}

// NewArchive creates an Archive backed by c.
func NewArchive(c *Client) *Archive {
	a := &Archive{client: c}
	if c != nil {
		a.uploader = manager.NewUploader(c.api, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = 2
		})
	}
	return a
}

// Put uploads body under the prefixed key.
func (a *Archive) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if a.uploader == nil {
		return errNoClient
	}
	objKey := a.client.Key(key)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(objKey),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", objKey, err)
	}
	return nil
}

var _ domain.ReportArchive = (*Archive)(nil)
