package lfsstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"blobcache.io/bclfs/src/lfs"
)

var (
	_ lfs.Repository   = &Repo{}
	_ lfs.ContentStore = &Repo{}
)

// Repo is the handle for a single request against one repository.
type Repo struct {
	store *Store
	name  string
	// auth is the caller's Authorization header, echoed in actions.
	auth string
}

func (r *Repo) Name() string {
	return r.name
}

func (r *Repo) Stat(ctx context.Context, oid lfs.OID) (int64, error) {
	var size int64
	err := r.store.db.GetContext(ctx, &size, `SELECT size FROM objects WHERE repo = ? AND oid = ?`, r.name, oid.String())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, lfs.ErrObjectNotFound
	} else if err != nil {
		return 0, errors.Wrapf(err, "looking up object %v", oid)
	}
	return size, nil
}

func (r *Repo) DownloadAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	return r.action(r.objectURL(oid)), nil
}

func (r *Repo) UploadAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	return r.action(r.objectURL(oid)), nil
}

func (r *Repo) VerifyAction(ctx context.Context, oid lfs.OID, size int64) (*lfs.Action, error) {
	return r.action(r.objectURL(oid) + "/verify"), nil
}

func (r *Repo) action(href string) *lfs.Action {
	act := &lfs.Action{Href: href}
	if r.auth != "" {
		act.Header = map[string]string{"Authorization": r.auth}
	}
	return act
}

func (r *Repo) objectURL(oid lfs.OID) string {
	return strings.TrimSuffix(r.store.cfg.BaseURL, "/") + "/" + r.name + ".git/info/lfs/objects/" + oid.String()
}

func (r *Repo) Open(ctx context.Context, oid lfs.OID) (io.ReadCloser, int64, error) {
	size, err := r.Stat(ctx, oid)
	if err != nil {
		return nil, 0, err
	}
	if err := r.store.chargeBandwidth(r.name, size); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(r.store.objectPath(oid))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening object %v", oid)
	}
	return f, size, nil
}

// Put writes the content to a temporary file, checks it, and then moves it into place.
// Content is shared between repositories, only the metadata row is per repository.
func (r *Repo) Put(ctx context.Context, oid lfs.OID, size int64, rd io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Join(r.store.objectsDir(), "tmp"), oid.String()+"-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(rd, size+1))
	if err != nil {
		return errors.Wrap(err, "receiving object content")
	}
	if n != size {
		return lfs.ErrSizeMismatch{OID: oid, Expected: size, Actual: n}
	}
	var actual lfs.OID
	copy(actual[:], h.Sum(nil))
	if actual != oid {
		return lfs.ErrDigestMismatch{Expected: oid, Actual: actual}
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "syncing object")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing object")
	}
	p := r.store.objectPath(oid)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating object directory")
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrap(err, "moving object into place")
	}
	_, err = r.store.db.ExecContext(ctx, `INSERT INTO objects (repo, oid, size, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (repo, oid) DO NOTHING`, r.name, oid.String(), size, time.Now().Unix())
	return errors.Wrapf(err, "recording object %v", oid)
}

// objectPath returns objects/<aa>/<bb>/<oid>
func (s *Store) objectPath(oid lfs.OID) string {
	hexOID := oid.String()
	return filepath.Join(s.objectsDir(), hexOID[0:2], hexOID[2:4], hexOID)
}
