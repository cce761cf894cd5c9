package lfsstore

import (
	"context"
	"encoding/base64"
	"math"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"blobcache.io/bclfs/src/lfs"
	"blobcache.io/bclfs/src/lfshttp"
)

var _ lfshttp.Resolver = &Store{}

// Resolve checks that the caller may perform req on the repository at path,
// and returns a *Repo handle for the request.
// The checks are made in this order: availability, existence, validity, credentials,
// write access, request rate, bandwidth and quota.
func (s *Store) Resolve(ctx context.Context, req *lfs.BatchRequest, path string, auth string) (lfs.Repository, error) {
	if s.unavailable.Load() {
		return nil, lfs.NewError(lfs.Unavailable, "LFS is temporarily unavailable")
	}
	name, err := ParseRepoName(path)
	if err != nil {
		return nil, lfs.Errorf(lfs.RepositoryNotFound, "repository %s not found", path)
	}
	info, err := s.GetRepo(ctx, name)
	if errors.Is(err, ErrRepoNotFound) {
		return nil, lfs.Errorf(lfs.RepositoryNotFound, "repository %s not found", name)
	} else if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	token := ParseCredential(auth)
	g, err := s.lookupGrant(ctx, name, token)
	if err != nil {
		return nil, err
	}
	write := req.Operation == lfs.Upload
	switch {
	case write && g == nil:
		return nil, lfs.NewError(lfs.Unauthorized, "credentials are required to upload")
	case !write && g == nil && !info.PublicRead:
		return nil, lfs.NewError(lfs.Unauthorized, "credentials are required")
	case write && (info.ReadOnly || !g.CanWrite):
		return nil, lfs.Errorf(lfs.RepositoryReadOnly, "repository %s is read only", name)
	}

	limKey := "anon/" + name
	if token != "" {
		limKey = hashToken(token)
	}
	if !s.requestLimiter(limKey).Allow() {
		return nil, lfs.NewError(lfs.RateLimitExceeded, "rate limit exceeded")
	}

	switch req.Operation {
	case lfs.Download:
		if err := s.checkBandwidth(name, req.Objects); err != nil {
			return nil, err
		}
	case lfs.Upload:
		if err := s.checkQuota(ctx, info, req.Objects); err != nil {
			return nil, err
		}
	}
	return &Repo{
		store: s,
		name:  name,
		auth:  auth,
	}, nil
}

// ParseCredential extracts the token from an Authorization header.
// Bearer tokens are used as is, Basic credentials carry the token as the password.
func ParseCredential(auth string) string {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(auth), " ")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(scheme) {
	case "bearer":
		return rest
	case "basic":
		data, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return ""
		}
		_, pass, _ := strings.Cut(string(data), ":")
		return pass
	default:
		return ""
	}
}

func (s *Store) requestLimiter(key string) *rate.Limiter {
	if s.cfg.RequestRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.RequestBurst
	if burst < 1 {
		burst = 1
	}
	return getLimiter(s.reqLimits, key, func() *rate.Limiter {
		return rate.NewLimiter(s.cfg.RequestRate, burst)
	})
}

// checkBandwidth admits a download batch if the repository's byte budget covers it.
// Nothing is consumed here, bytes are charged by chargeBandwidth when content is served.
func (s *Store) checkBandwidth(repo string, objs []lfs.ObjectSpec) error {
	lim := s.bandwidthLimiter(repo)
	if lim == nil {
		return nil
	}
	budget := int64(lim.Burst())
	if tokens := lim.Tokens(); tokens < float64(budget) {
		budget = int64(math.Max(tokens, 0))
	}
	var total int64
	for _, obj := range objs {
		if obj.Size > budget-total {
			return lfs.Errorf(lfs.BandwidthLimitExceeded, "bandwidth limit exceeded for %s", repo)
		}
		total += obj.Size
	}
	return nil
}

// chargeBandwidth takes n bytes from the repository's budget.
func (s *Store) chargeBandwidth(repo string, n int64) error {
	lim := s.bandwidthLimiter(repo)
	if lim == nil || n == 0 {
		return nil
	}
	if n > int64(lim.Burst()) || !lim.AllowN(time.Now(), int(n)) {
		return lfs.Errorf(lfs.BandwidthLimitExceeded, "bandwidth limit exceeded for %s", repo)
	}
	return nil
}

// bandwidthLimiter returns nil if there is no bandwidth limit.
// The burst is one window's worth of bytes, at least 1.
func (s *Store) bandwidthLimiter(repo string) *rate.Limiter {
	if s.cfg.Bandwidth <= 0 {
		return nil
	}
	window := s.cfg.BandwidthWindow
	if window <= 0 {
		window = time.Minute
	}
	burst := math.MaxInt
	// float64(math.MaxInt) rounds up to 2^63
	if b := float64(s.cfg.Bandwidth) * window.Seconds(); b < float64(math.MaxInt) {
		burst = max(1, int(b))
	}
	return getLimiter(s.bwLimits, repo, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(s.cfg.Bandwidth), burst)
	})
}

func (s *Store) checkQuota(ctx context.Context, info *RepoInfo, objs []lfs.ObjectSpec) error {
	quota := info.Quota
	if quota == 0 {
		quota = s.cfg.DefaultQuota
	}
	if quota == 0 {
		return nil
	}
	used, err := s.Usage(ctx, info.Name)
	if err != nil {
		return err
	}
	r := &Repo{store: s, name: info.Name}
	for _, obj := range objs {
		oid, err := lfs.ParseOID(obj.OID)
		if err != nil {
			continue
		}
		if _, err := r.Stat(ctx, oid); err == nil {
			continue
		} else if !errors.Is(err, lfs.ErrObjectNotFound) {
			return err
		}
		if obj.Size > quota-used {
			return overQuota(info.Name, quota)
		}
		used += obj.Size
	}
	if used > quota {
		return overQuota(info.Name, quota)
	}
	return nil
}

func overQuota(repo string, quota int64) error {
	return lfs.Errorf(lfs.InsufficientStorage, "repository %s is over its quota of %d bytes", repo, quota)
}

// getLimiter returns the limiter for key, creating it if the cache does not have one.
func getLimiter(cache *lru.Cache[string, *rate.Limiter], key string, mk func() *rate.Limiter) *rate.Limiter {
	if lim, ok := cache.Get(key); ok {
		return lim
	}
	lim := mk()
	if prev, ok, _ := cache.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}
