// Package blob stages uploaded files between the HTTP request and the
// ingestion run that consumes them. Staged objects are temporary: the
// ingestion coordinator removes them on every exit path.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open when the key does not exist.
var ErrNotFound = errors.New("staged object not found")

// Staged identifies a staged object.
type Staged struct {
	Key  string
	Size int64
}

// Stager stores and retrieves staged uploads.
type Stager interface {
	Stage(ctx context.Context, r io.Reader, size int64) (Staged, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

func newKey(now time.Time) string {
	return fmt.Sprintf("staging/%04d/%02d/%02d/%s", now.Year(), now.Month(), now.Day(), uuid.NewString())
}
