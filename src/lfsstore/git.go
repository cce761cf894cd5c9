package lfsstore

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"

	"blobcache.io/bclfs/src/pipeconn"
)

var _ server.Loader = &Store{}

// Load implements server.Loader for the bare repositories in the store.
// Every call returns a new storer, which the caller must close.
func (s *Store) Load(ep *transport.Endpoint) (storer.Storer, error) {
	name, err := ParseRepoName(ep.Path)
	if err != nil {
		return nil, transport.ErrRepositoryNotFound
	}
	if _, err := s.GetRepo(context.Background(), name); err != nil {
		if errors.Is(err, ErrRepoNotFound) {
			return nil, transport.ErrRepositoryNotFound
		}
		return nil, err
	}
	return s.gitStorage(name), nil
}

func (s *Store) gitStorage(name string) *filesystem.Storage {
	fs := osfs.New(s.gitDir(name))
	return filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
}

func (s *Store) initGitRepo(name string) error {
	sto := s.gitStorage(name)
	defer sto.Close()
	if _, err := git.Init(sto, nil); err != nil {
		return errors.Wrapf(err, "initializing git repository for %s", name)
	}
	return nil
}

// AuthorizeGit decides whether a push to ep may proceed.
// It accepts the token either as an http.TokenAuth or as the password of an http.BasicAuth.
func (s *Store) AuthorizeGit(ctx context.Context, ep *transport.Endpoint, auth transport.AuthMethod) error {
	var token string
	switch x := auth.(type) {
	case *http.TokenAuth:
		token = x.Token
	case *http.BasicAuth:
		token = x.Password
	case nil:
		return transport.ErrAuthenticationRequired
	default:
		return fmt.Errorf("%w: unsupported auth method %s", transport.ErrAuthorizationFailed, auth.Name())
	}
	name, err := ParseRepoName(ep.Path)
	if err != nil {
		return pipeconn.ErrServiceNotEnabled
	}
	info, err := s.GetRepo(ctx, name)
	if errors.Is(err, ErrRepoNotFound) {
		return pipeconn.ErrServiceNotEnabled
	} else if err != nil {
		return err
	}
	if info.ReadOnly {
		return fmt.Errorf("%w: repository %s is read only", pipeconn.ErrServiceNotEnabled, name)
	}
	g, err := s.lookupGrant(ctx, name, token)
	if err != nil {
		return err
	}
	if g == nil || !g.CanWrite {
		return fmt.Errorf("%w: token cannot push to %s", transport.ErrAuthorizationFailed, name)
	}
	return nil
}
