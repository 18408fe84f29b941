package domain

import (
	"context"
	"io"
)

// ReportArchive stores settlement run reports outside the database. Keys
// are relative; implementations add their own prefix.
type ReportArchive interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}
