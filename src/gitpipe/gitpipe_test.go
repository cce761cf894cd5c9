package gitpipe

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"blobcache.io/bclfs/src/internal/testutil"
	"blobcache.io/bclfs/src/pipeconn"
)

// closingStorer counts how often the session releases it.
type closingStorer struct {
	storer.Storer
	closed atomic.Int32
}

func (s *closingStorer) Close() error {
	s.closed.Add(1)
	return nil
}

type testLoader struct {
	sto *closingStorer
}

func (l testLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	if ep.Path != "/repo.git" {
		return nil, transport.ErrRepositoryNotFound
	}
	return l.sto, nil
}

func setup(t testing.TB) (Env, *transport.Endpoint, *closingStorer) {
	sto := &closingStorer{Storer: memory.NewStorage()}
	ep, err := transport.NewEndpoint("bclfs://localhost/repo.git")
	require.NoError(t, err)
	return Env{Loader: testLoader{sto: sto}}, ep, sto
}

func newSourceRepo(t testing.TB, files map[string]string) (*git.Repository, plumbing.Hash) {
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		f, err := fs.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(f, content)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	h, err := wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return repo, h
}

func TestPush(t *testing.T) {
	ctx := testutil.Context(t)
	env, ep, sto := setup(t)
	src, head := newSourceRepo(t, map[string]string{
		"README.md":  "hello",
		"data.bin":   "version https://git-lfs.github.com/spec/v1\n",
		".gitignore": "*.tmp\n",
	})

	rs, err := PushRepository(ctx, env, ep, nil, src, []plumbing.ReferenceName{plumbing.Master})
	require.NoError(t, err)
	require.Equal(t, "ok", rs.UnpackStatus)
	require.Len(t, rs.CommandStatuses, 1)
	require.Equal(t, "ok", rs.CommandStatuses[0].Status)

	ref, err := sto.Reference(plumbing.Master)
	require.NoError(t, err)
	require.Equal(t, head, ref.Hash())
	commit, err := object.GetCommit(sto, head)
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)
	f, err := tree.File("README.md")
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	require.Equal(t, "hello", content)
	require.EqualValues(t, 1, sto.closed.Load())

	adv, err := ListRefs(ctx, env, ep, nil)
	require.NoError(t, err)
	require.Equal(t, head, adv.References[plumbing.Master.String()])

	_, err = PushRepository(ctx, env, ep, nil, src, []plumbing.ReferenceName{plumbing.Master})
	require.ErrorIs(t, err, git.NoErrAlreadyUpToDate)
}

func TestListRefsEmpty(t *testing.T) {
	ctx := testutil.Context(t)
	env, ep, sto := setup(t)
	adv, err := ListRefs(ctx, env, ep, nil)
	require.NoError(t, err)
	require.Empty(t, adv.References)
	require.EqualValues(t, 1, sto.closed.Load())
}

func TestRefused(t *testing.T) {
	ctx := testutil.Context(t)
	tcs := []struct {
		Name    string
		AuthErr error
		Expect  error
	}{
		{"AuthorizationFailed", transport.ErrAuthorizationFailed, pipeconn.ErrNotAuthorized},
		{"AuthenticationRequired", transport.ErrAuthenticationRequired, pipeconn.ErrNotAuthorized},
		{"NotEnabled", pipeconn.ErrServiceNotEnabled, pipeconn.ErrServiceNotEnabled},
	}
	for _, tc := range tcs {
		t.Run(tc.Name, func(t *testing.T) {
			env, ep, sto := setup(t)
			env.Authorize = func(ctx context.Context, ep *transport.Endpoint, auth transport.AuthMethod) error {
				return tc.AuthErr
			}
			_, err := OpenPush(ctx, env, ep, nil)
			require.ErrorIs(t, err, pipeconn.ErrConnReset)
			require.ErrorIs(t, err, tc.Expect)
			require.EqualValues(t, 1, sto.closed.Load())
		})
	}
}

func TestRepositoryNotFound(t *testing.T) {
	ctx := testutil.Context(t)
	env, _, sto := setup(t)
	ep, err := transport.NewEndpoint("bclfs://localhost/other.git")
	require.NoError(t, err)
	_, err = OpenPush(ctx, env, ep, nil)
	require.ErrorIs(t, err, transport.ErrRepositoryNotFound)
	require.EqualValues(t, 0, sto.closed.Load())
}

func TestPushRejected(t *testing.T) {
	ctx := testutil.Context(t)
	env, ep, _ := setup(t)
	src, head := newSourceRepo(t, map[string]string{"a.txt": "a"})
	pc, err := OpenPush(ctx, env, ep, nil)
	require.NoError(t, err)
	defer pc.Close()

	// updating a ref which does not exist is refused per command
	req := newUpdateRequest(pc, plumbing.Master, plumbing.NewHash("1111111111111111111111111111111111111111"), head)
	req.Packfile = packObjects(t, src, head)
	rs, err := pc.Push(ctx, req)
	require.Error(t, err)
	require.NotNil(t, rs)
	require.Equal(t, "ok", rs.UnpackStatus)
	require.NoError(t, pc.Close())
}

func newUpdateRequest(pc *PushConn, name plumbing.ReferenceName, old, new plumbing.Hash) *packp.ReferenceUpdateRequest {
	req := packp.NewReferenceUpdateRequestFromCapabilities(pc.AdvertisedRefs().Capabilities)
	req.Commands = []*packp.Command{{Name: name, Old: old, New: new}}
	return req
}

func packObjects(t testing.TB, src *git.Repository, head plumbing.Hash) io.ReadCloser {
	hashes, err := revlist.Objects(src.Storer, []plumbing.Hash{head}, nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = packfile.NewEncoder(&buf, src.Storer, false).Encode(hashes, 10)
	require.NoError(t, err)
	return io.NopCloser(&buf)
}
