// Package lfstest provides an in-memory lfs.Repository for tests.
package lfstest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"blobcache.io/bclfs/src/lfs"
)

var (
	_ lfs.Repository   = &MemRepo{}
	_ lfs.ContentStore = &MemRepo{}
)

// MemRepo stores objects in a map.
// Actions point at BaseURL + "/objects/" + oid.
type MemRepo struct {
	BaseURL string
	// NoVerify disables verify actions.
	NoVerify bool

	mu   sync.RWMutex
	objs map[lfs.OID][]byte
}

func NewMemRepo(baseURL string) *MemRepo {
	return &MemRepo{BaseURL: baseURL, objs: make(map[lfs.OID][]byte)}
}

// Add stores data and returns its ObjectSpec.
func (r *MemRepo) Add(data []byte) lfs.ObjectSpec {
	oid := lfs.Hash(data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objs[oid] = append([]byte{}, data...)
	return lfs.ObjectSpec{OID: oid.String(), Size: int64(len(data))}
}

func (r *MemRepo) Stat(ctx context.Context, oid lfs.OID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.objs[oid]
	if !ok {
		return 0, lfs.ErrObjectNotFound
	}
	return int64(len(data)), nil
}

func (r *MemRepo) DownloadAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	return &lfs.Action{Href: r.href(oid)}, nil
}

func (r *MemRepo) UploadAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	return &lfs.Action{Href: r.href(oid)}, nil
}

func (r *MemRepo) VerifyAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	if r.NoVerify {
		return nil, nil
	}
	return &lfs.Action{Href: r.href(oid) + "/verify"}, nil
}

func (r *MemRepo) Open(ctx context.Context, oid lfs.OID) (io.ReadCloser, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.objs[oid]
	if !ok {
		return nil, 0, lfs.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (r *MemRepo) Put(ctx context.Context, oid lfs.OID, size int64, rd io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(rd, size+1))
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return lfs.ErrSizeMismatch{OID: oid, Expected: size, Actual: int64(len(data))}
	}
	if actual := lfs.Hash(data); actual != oid {
		return lfs.ErrDigestMismatch{Expected: oid, Actual: actual}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objs[oid] = data
	return nil
}

func (r *MemRepo) href(oid lfs.OID) string {
	return r.BaseURL + "/objects/" + oid.String()
}
