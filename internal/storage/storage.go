package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	// ContentType may be left empty; backends that support media types
	// infer one from the artifact kind.
	ContentType string
	// Metadata is attached as user metadata where the backend supports
	// it. Shard writers record per-object row counts here.
	Metadata map[string]string
}

// ObjectStore is the durable sink for every export artifact: schema text,
// query text, shard files, and the final metrics document.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
