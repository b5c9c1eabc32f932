// Package objectstore is the Object Store Adapter: a capability surface over
// a remote object store (list/get/put/delete/head) with an S3-compatible
// production backend and a local-folder backend for tests and offline mode.
package objectstore

import (
	"context"

	"github.com/JimEverest/fastshot/internal/errs"
)

// Entry describes one object returned from List.
type Entry struct {
	Key  string
	Size int64
	ETag string
}

// Store is the capability surface every backend implements. Put accepts an
// optional ifMatch ETag for compare-and-swap publish (see cache.Manager); an
// empty ifMatch means unconditional write. Put returns the new ETag on
// success.
type Store interface {
	List(ctx context.Context, prefix string) ([]Entry, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, body []byte, ifMatch string) (string, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (size int64, etag string, exists bool, err error)
}

// ErrPreconditionFailed is returned as-is by Put when ifMatch was given
// and did not match the object's current ETag. It is classified Transient
// because the caller's correct response is to re-read, recompute, and retry
// the Put — not to give up — but unlike a network Transient error the retry
// must rebuild the request body around the new ETag, not just resend it.
var ErrPreconditionFailed = errs.New(errs.Transient, "objectstore.Put", errPrecondition{})

type errPrecondition struct{}

func (errPrecondition) Error() string { return "precondition failed: etag mismatch" }
