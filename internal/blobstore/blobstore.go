package blobstore

import (
	"context"
	"time"
)

// Object describes one stored object.
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the external object store the mirror writes to.
// PutIfAbsent has create-do-not-overwrite semantics: an existing
// object at the path is reported, not clobbered, which is what makes
// re-processing after a crash safe without content hashing.
type ObjectStore interface {
	PutIfAbsent(ctx context.Context, path string, data []byte) (alreadyExisted bool, err error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, path string) ([]byte, error)
}
