package lfs

import (
	"context"
	"io"
)

// Repository is an authorized view of a large object store for a single request.
// Resolvers produce one per batch request; it must not be reused across requests.
type Repository interface {
	// Stat returns the size of a stored object or ErrObjectNotFound.
	Stat(ctx context.Context, oid OID) (int64, error)
	// DownloadAction returns the action for fetching an object.
	DownloadAction(ctx context.Context, oid OID, size int64) (*Action, error)
	// UploadAction returns the action for sending an object.
	UploadAction(ctx context.Context, oid OID, size int64) (*Action, error)
	// VerifyAction returns the action a client calls after an upload.
	// A nil action means the repository does not need verification.
	VerifyAction(ctx context.Context, oid OID, size int64) (*Action, error)
}

// ContentStore is implemented by Repositories which also serve object content
// for the basic transfer adapter.
type ContentStore interface {
	// Open returns the content of an object and its size.
	Open(ctx context.Context, oid OID) (io.ReadCloser, int64, error)
	// Put stores size bytes from r under oid.
	// The content must hash to oid.
	Put(ctx context.Context, oid OID, size int64, r io.Reader) error
}
