// Package lfshttp serves the Git LFS batch API and the basic transfer adapter over HTTP.
package lfshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"blobcache.io/bclfs/src/lfs"
)

// Resolver produces the Repository a request operates on.
// Authorization, quotas and limits are the Resolver's concern; failures should be *lfs.Error.
type Resolver interface {
	Resolve(ctx context.Context, req *lfs.BatchRequest, path string, auth string) (lfs.Repository, error)
}

type ResolverFunc func(ctx context.Context, req *lfs.BatchRequest, path string, auth string) (lfs.Repository, error)

func (f ResolverFunc) Resolve(ctx context.Context, req *lfs.BatchRequest, path string, auth string) (lfs.Repository, error) {
	return f(ctx, req, path, auth)
}

const lfsPrefix = "/info/lfs/"

var _ http.Handler = &Server{}

// Server routes batch requests to strategies.
// It holds no state across requests.
type Server struct {
	Resolver Resolver
	// Strategies defaults to lfs.DefaultStrategies for any nil field.
	Strategies lfs.Strategies
	Log        *zap.Logger
}

// Batch resolves the repository for path and runs the strategy for req.Operation.
// The strategy's response is returned unmodified.
func (s *Server) Batch(ctx context.Context, req *lfs.BatchRequest, path string, auth string) (*lfs.BatchResponse, error) {
	if _, err := lfs.ParseOperation(string(req.Operation)); err != nil {
		return nil, err
	}
	repo, err := s.Resolver.Resolve(ctx, req, path, auth)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		s.log().Error("resolver returned no repository", zap.String("path", path), zap.String("operation", string(req.Operation)))
		return nil, lfs.Errorf(lfs.Generic, "failed to get repository for %s", path)
	}
	return s.strategies().ForOperation(req.Operation).Process(ctx, repo, req.Objects)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
		return
	}
	repoPath, rest, ok := splitPath(r.URL.Path)
	if !ok {
		s.writeMessage(w, r, http.StatusNotFound, "not found")
		return
	}
	switch {
	case rest == "objects/batch":
		if r.Method != http.MethodPost {
			s.writeMessage(w, r, http.StatusMethodNotAllowed, "batch requires POST")
			return
		}
		s.handleBatch(w, r, repoPath)
	case strings.HasPrefix(rest, "objects/"):
		oidStr, verify := strings.CutSuffix(strings.TrimPrefix(rest, "objects/"), "/verify")
		oid, err := lfs.ParseOID(oidStr)
		if err != nil {
			s.writeError(w, r, repoPath, "", lfs.NewError(lfs.Validation, err.Error()))
			return
		}
		switch {
		case verify && r.Method == http.MethodPost:
			s.handleVerify(w, r, repoPath, oid)
		case !verify && r.Method == http.MethodGet:
			s.handleDownload(w, r, repoPath, oid)
		case !verify && r.Method == http.MethodPut:
			s.handleUpload(w, r, repoPath, oid)
		default:
			s.writeMessage(w, r, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		}
	default:
		s.writeMessage(w, r, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, repoPath string) {
	var req lfs.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var lerr *lfs.Error
		if !errors.As(err, &lerr) {
			lerr = lfs.Errorf(lfs.Validation, "malformed batch request: %v", err)
		}
		s.writeError(w, r, repoPath, "", lerr)
		return
	}
	resp, err := s.Batch(r.Context(), &req, repoPath, r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, r, repoPath, req.Operation, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, repoPath string, oid lfs.OID) {
	ctx := r.Context()
	cs, err := s.contentStore(ctx, r, repoPath, lfs.Download, lfs.ObjectSpec{OID: oid.String()})
	if err != nil {
		s.writeError(w, r, repoPath, lfs.Download, err)
		return
	}
	rc, size, err := cs.Open(ctx, oid)
	if errors.Is(err, lfs.ErrObjectNotFound) {
		s.writeMessage(w, r, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		s.writeError(w, r, repoPath, lfs.Download, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logctx.Warn(ctx, "writing object content", zap.String("oid", oid.String()), zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, repoPath string, oid lfs.OID) {
	ctx := r.Context()
	if r.ContentLength < 0 {
		s.writeError(w, r, repoPath, lfs.Upload, lfs.NewError(lfs.Validation, "upload requires a Content-Length"))
		return
	}
	spec := lfs.ObjectSpec{OID: oid.String(), Size: r.ContentLength}
	cs, err := s.contentStore(ctx, r, repoPath, lfs.Upload, spec)
	if err != nil {
		s.writeError(w, r, repoPath, lfs.Upload, err)
		return
	}
	if err := cs.Put(ctx, oid, spec.Size, r.Body); err != nil {
		if lfs.IsErrSizeMismatch(err) || lfs.IsErrDigestMismatch(err) {
			err = lfs.NewError(lfs.Validation, err.Error())
		}
		s.writeError(w, r, repoPath, lfs.Upload, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, repoPath string, oid lfs.OID) {
	ctx := r.Context()
	var vreq lfs.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&vreq); err != nil {
		s.writeError(w, r, repoPath, lfs.Verify, lfs.Errorf(lfs.Validation, "malformed verify request: %v", err))
		return
	}
	if vreq.OID != oid.String() {
		s.writeError(w, r, repoPath, lfs.Verify, lfs.Errorf(lfs.Validation, "verify request for %q sent to %v", vreq.OID, oid))
		return
	}
	spec := lfs.ObjectSpec{OID: vreq.OID, Size: vreq.Size}
	resp, err := s.Batch(ctx, &lfs.BatchRequest{
		Operation: lfs.Verify,
		Objects:   []lfs.ObjectSpec{spec},
		HashAlgo:  lfs.HashAlgo_SHA256,
	}, repoPath, r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, r, repoPath, lfs.Verify, err)
		return
	}
	for _, obj := range resp.Objects {
		if obj.Error != nil {
			s.writeMessage(w, r, obj.Error.Code, obj.Error.Message)
			return
		}
	}
	s.writeJSON(w, r, http.StatusOK, struct{}{})
}

// contentStore resolves the repository for a single object transfer.
func (s *Server) contentStore(ctx context.Context, r *http.Request, repoPath string, op lfs.Operation, spec lfs.ObjectSpec) (lfs.ContentStore, error) {
	req := &lfs.BatchRequest{
		Operation: op,
		Transfers: []string{"basic"},
		Objects:   []lfs.ObjectSpec{spec},
		HashAlgo:  lfs.HashAlgo_SHA256,
	}
	repo, err := s.Resolver.Resolve(ctx, req, repoPath, r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	if repo == nil {
		s.log().Error("resolver returned no repository", zap.String("path", repoPath), zap.String("operation", string(op)))
		return nil, lfs.Errorf(lfs.Generic, "failed to get repository for %s", repoPath)
	}
	cs, ok := repo.(lfs.ContentStore)
	if !ok {
		return nil, errNoContent
	}
	return cs, nil
}

var errNoContent = errors.New("repository does not serve object content")

// writeError maps err to a status and message.
// Errors which are not *lfs.Error are logged, the client only sees lfs.InternalMessage.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, repoPath string, op lfs.Operation, err error) {
	if errors.Is(err, errNoContent) {
		s.writeMessage(w, r, http.StatusNotImplemented, err.Error())
		return
	}
	var lerr *lfs.Error
	if !errors.As(err, &lerr) {
		s.log().Error("handling lfs request",
			zap.String("path", repoPath),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
	} else {
		s.log().Debug("lfs request failed",
			zap.String("path", repoPath),
			zap.String("operation", string(op)),
			zap.Stringer("kind", lfs.KindOf(err)),
		)
	}
	e := lfs.AsError(err)
	s.writeMessage(w, r, e.StatusCode(), e.Message)
}

type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, code int, msg string) {
	s.writeJSON(w, r, code, errorBody{Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, x any) {
	data, err := json.Marshal(x)
	if err != nil {
		s.log().Error("marshaling lfs response", zap.Error(err))
		code = http.StatusInternalServerError
		data, _ = json.Marshal(errorBody{Message: lfs.InternalMessage})
	}
	w.Header().Set("Content-Type", lfs.MediaType)
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		logctx.Warn(r.Context(), "writing http response", zap.Error(err))
	}
}

func (s *Server) strategies() lfs.Strategies {
	ret := s.Strategies
	def := lfs.DefaultStrategies()
	if ret.Upload == nil {
		ret.Upload = def.Upload
	}
	if ret.Download == nil {
		ret.Download = def.Download
	}
	if ret.Verify == nil {
		ret.Verify = def.Verify
	}
	return ret
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// splitPath splits an url path into the repository path and the path below /info/lfs/.
func splitPath(p string) (repoPath, rest string, ok bool) {
	i := strings.Index(p, lfsPrefix)
	if i < 0 {
		return "", "", false
	}
	return p[:i], p[i+len(lfsPrefix):], true
}
