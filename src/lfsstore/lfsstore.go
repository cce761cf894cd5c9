// Package lfsstore keeps LFS objects and git repositories on the local filesystem,
// with metadata in sqlite.
package lfsstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"blobcache.io/bclfs/src/internal/dbutil"
)

// Config tunes the limits applied by the Resolver.
type Config struct {
	// BaseURL is the externally visible URL of the server, used in action hrefs.
	BaseURL string
	// RequestRate is the number of requests per second allowed per credential.  0 disables the limit.
	RequestRate rate.Limit
	RequestBurst int
	// Bandwidth is the number of download bytes per second allowed per repository,
	// averaged over BandwidthWindow.  0 disables the limit.
	Bandwidth int64
	BandwidthWindow time.Duration
	// DefaultQuota applies to repositories created without a quota.  0 is unlimited.
	DefaultQuota int64
}

const (
	repoCacheSize    = 256
	limiterCacheSize = 4096
)

// Store is the metadata database plus the content and git directories under a root.
type Store struct {
	db   *sqlx.DB
	root string
	cfg  Config

	// mu guards reposGen.  reposGen is bumped on every metadata change,
	// so a GetRepo that read before the change does not cache stale info.
	mu          sync.Mutex
	reposGen    uint64
	repos       *lru.Cache[string, RepoInfo]
	reqLimits   *lru.Cache[string, *rate.Limiter]
	bwLimits    *lru.Cache[string, *rate.Limiter]
	unavailable atomic.Bool
}

// New creates a Store.  SetupDB must have been called on db.
func New(db *sqlx.DB, root string, cfg Config) *Store {
	repos, _ := lru.New[string, RepoInfo](repoCacheSize)
	reqLimits, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	bwLimits, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &Store{
		db:   db,
		root: root,
		cfg:  cfg,

		repos:     repos,
		reqLimits: reqLimits,
		bwLimits:  bwLimits,
	}
}

func SetupDB(ctx context.Context, db *sqlx.DB) error {
	return dbutil.DoTx(ctx, db, func(tx *sqlx.Tx) error {
		return dbutil.EnsureAll(tx, migs)
	})
}

var migs = []dbutil.Migration{
	{
		RowID: 1,
		Name:  "create_repos_table",
		SQLText: `
		CREATE TABLE repos (
			name TEXT NOT NULL PRIMARY KEY,
			read_only INTEGER NOT NULL DEFAULT 0,
			public_read INTEGER NOT NULL DEFAULT 0,
			quota INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		) WITHOUT ROWID, STRICT`,
	},
	{
		RowID: 2,
		Name:  "create_objects_table",
		SQLText: `
		CREATE TABLE objects (
			repo TEXT NOT NULL REFERENCES repos(name),
			oid TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (repo, oid)
		) WITHOUT ROWID, STRICT`,
	},
	{
		RowID: 3,
		Name:  "create_tokens_table",
		SQLText: `
		CREATE TABLE tokens (
			token_hash TEXT NOT NULL,
			repo TEXT NOT NULL REFERENCES repos(name),
			can_write INTEGER NOT NULL,
			PRIMARY KEY (token_hash, repo)
		) WITHOUT ROWID, STRICT`,
	},
}

// RepoInfo is the metadata for a repository.
type RepoInfo struct {
	Name       string `db:"name"`
	ReadOnly   bool   `db:"read_only"`
	PublicRead bool   `db:"public_read"`
	Quota      int64  `db:"quota"`
	CreatedAt  int64  `db:"created_at"`
}

// RepoOptions are set when a repository is created.
type RepoOptions struct {
	ReadOnly   bool
	PublicRead bool
	// Quota is the maximum number of object bytes.  0 uses the configured default.
	Quota int64
}

// ErrRepoNotFound is returned for repositories which do not exist.
var ErrRepoNotFound = errors.New("repository not found")

var repoNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(/[a-zA-Z0-9][a-zA-Z0-9._-]*)*$`)

// ParseRepoName turns a request path like "/org/project.git" into a repository name.
func ParseRepoName(p string) (string, error) {
	name := strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	if !repoNameRe.MatchString(name) || strings.Contains(name, "..") {
		return "", errors.Errorf("invalid repository name %q", p)
	}
	return name, nil
}

// CreateRepo creates the metadata and an empty bare git repository for name.
func (s *Store) CreateRepo(ctx context.Context, name string, opts RepoOptions) error {
	name, err := ParseRepoName(name)
	if err != nil {
		return err
	}
	if opts.Quota < 0 {
		return errors.Errorf("negative quota %d", opts.Quota)
	}
	if err := dbutil.DoTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO repos (name, read_only, public_read, quota, created_at) VALUES (?, ?, ?, ?, ?)`,
			name, opts.ReadOnly, opts.PublicRead, opts.Quota, time.Now().Unix())
		return err
	}); err != nil {
		return errors.Wrapf(err, "creating repository %s", name)
	}
	return s.initGitRepo(name)
}

// GetRepo returns the metadata for name, or ErrRepoNotFound.
func (s *Store) GetRepo(ctx context.Context, name string) (*RepoInfo, error) {
	if info, ok := s.repos.Get(name); ok {
		return &info, nil
	}
	s.mu.Lock()
	gen := s.reposGen
	s.mu.Unlock()
	var info RepoInfo
	if err := s.db.GetContext(ctx, &info, `SELECT name, read_only, public_read, quota, created_at FROM repos WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRepoNotFound
		}
		return nil, errors.Wrapf(err, "loading repository %s", name)
	}
	s.mu.Lock()
	if s.reposGen == gen {
		s.repos.Add(name, info)
	}
	s.mu.Unlock()
	return &info, nil
}

func (s *Store) ListRepos(ctx context.Context) ([]RepoInfo, error) {
	var ret []RepoInfo
	if err := s.db.SelectContext(ctx, &ret, `SELECT name, read_only, public_read, quota, created_at FROM repos ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "listing repositories")
	}
	return ret, nil
}

// SetReadOnly changes whether the repository accepts uploads and pushes.
func (s *Store) SetReadOnly(ctx context.Context, name string, readOnly bool) error {
	return s.updateRepo(ctx, name, `UPDATE repos SET read_only = ? WHERE name = ?`, readOnly, name)
}

// SetQuota changes the quota of a repository.  0 uses the configured default.
func (s *Store) SetQuota(ctx context.Context, name string, quota int64) error {
	if quota < 0 {
		return errors.Errorf("negative quota %d", quota)
	}
	return s.updateRepo(ctx, name, `UPDATE repos SET quota = ? WHERE name = ?`, quota, name)
}

func (s *Store) updateRepo(ctx context.Context, name string, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	s.invalidate(name)
	if err != nil {
		return errors.Wrapf(err, "updating repository %s", name)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrRepoNotFound
	}
	return nil
}

func (s *Store) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reposGen++
	s.repos.Remove(name)
}

// SetUnavailable turns the LFS API off for every repository, or back on.
func (s *Store) SetUnavailable(x bool) {
	s.unavailable.Store(x)
}

// Grant gives token access to a repository.  A token without write access can only download.
func (s *Store) Grant(ctx context.Context, repo string, token string, canWrite bool) error {
	if token == "" {
		return errors.New("empty token")
	}
	if _, err := s.GetRepo(ctx, repo); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens (token_hash, repo, can_write) VALUES (?, ?, ?)
		ON CONFLICT (token_hash, repo) DO UPDATE SET can_write = excluded.can_write`,
		hashToken(token), repo, canWrite)
	return errors.Wrap(err, "granting token")
}

// Revoke removes every grant for token and returns how many there were.
func (s *Store) Revoke(ctx context.Context, token string) (int64, error) {
	n, err := dbutil.DoTx1(ctx, s.db, func(tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token_hash = ?`, hashToken(token))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	return n, errors.Wrap(err, "revoking token")
}

// Usage returns the number of object bytes stored for a repository.
func (s *Store) Usage(ctx context.Context, repo string) (int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(size), 0) FROM objects WHERE repo = ?`, repo); err != nil {
		return 0, errors.Wrapf(err, "computing usage for %s", repo)
	}
	return total, nil
}

type grant struct {
	CanWrite bool `db:"can_write"`
}

// lookupGrant returns nil if token has no access to repo.
func (s *Store) lookupGrant(ctx context.Context, repo string, token string) (*grant, error) {
	if token == "" {
		return nil, nil
	}
	var g grant
	if err := s.db.GetContext(ctx, &g, `SELECT can_write FROM tokens WHERE token_hash = ? AND repo = ?`, hashToken(token), repo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "looking up token")
	}
	return &g, nil
}

// GenerateToken returns a new random token.
func GenerateToken() string {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

// tokens are only stored hashed
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Store) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *Store) gitDir(name string) string {
	return filepath.Join(s.root, "git", filepath.FromSlash(name)+".git")
}

// Setup creates the directories under the root.
func (s *Store) Setup() error {
	for _, p := range []string{s.objectsDir(), filepath.Join(s.objectsDir(), "tmp"), filepath.Join(s.root, "git")} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errors.Wrap(err, "creating store directories")
		}
	}
	return nil
}
