// Package gitpipe runs git receive-pack sessions in-process.
// The client and the go-git server talk the real pkt-line protocol over a pipeconn.Conn.
package gitpipe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"go.uber.org/zap"

	"blobcache.io/bclfs/src/pipeconn"
)

// Env is everything a session needs from its host.
type Env struct {
	Loader server.Loader
	// Authorize is called by the worker before anything is advertised.
	// It may return pipeconn.ErrNotAuthorized or pipeconn.ErrServiceNotEnabled to refuse the session.
	// A nil Authorize allows everything.
	Authorize func(ctx context.Context, ep *transport.Endpoint, auth transport.AuthMethod) error
	Log       *zap.Logger
}

func (env *Env) log() *zap.Logger {
	if env.Log == nil {
		return zap.NewNop()
	}
	return env.Log
}

// PushConn is the client side of a receive-pack session.
type PushConn struct {
	conn *pipeconn.Conn
	adv  *packp.AdvRefs
}

// OpenPush loads the repository for ep and starts a receive-pack worker for it.
// OpenPush returns once the ref advertisement has been read.
// If the worker refuses the session the error wraps pipeconn.ErrConnReset.
func OpenPush(ctx context.Context, env Env, ep *transport.Endpoint, auth transport.AuthMethod) (*PushConn, error) {
	sto, err := env.Loader.Load(ep)
	if err != nil {
		return nil, err
	}
	var resource io.Closer
	if c, ok := sto.(io.Closer); ok {
		resource = c
	}
	adv := packp.NewAdvRefs()
	conn, err := pipeconn.Dial(ctx, env.receivePack(sto, ep, auth), resource, adv.Decode)
	if err != nil {
		return nil, err
	}
	return &PushConn{conn: conn, adv: adv}, nil
}

// AdvertisedRefs returns the advertisement the server sent when the connection was opened.
func (pc *PushConn) AdvertisedRefs() *packp.AdvRefs {
	return pc.adv
}

// Push sends req and its packfile, and returns the server's report status.
// A PushConn can only be used for a single Push.
func (pc *PushConn) Push(ctx context.Context, req *packp.ReferenceUpdateRequest) (*packp.ReportStatus, error) {
	stop := context.AfterFunc(ctx, func() { pc.conn.Close() })
	defer stop()
	if err := req.Encode(pc.conn); err != nil {
		return nil, fmt.Errorf("sending update request: %w", err)
	}
	// the server reads the packfile to EOF
	if err := pc.conn.CloseWrite(); err != nil {
		return nil, err
	}
	if !req.Capabilities.Supports(capability.ReportStatus) {
		return nil, nil
	}
	rs := packp.NewReportStatus()
	if err := rs.Decode(pc.conn); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(fmt.Errorf("reading report status: %w", err), pc.conn.Close())
	}
	return rs, rs.Error()
}

// Close ends the session and waits for the worker to release the repository.
func (pc *PushConn) Close() error {
	return pc.conn.Close()
}

// ListRefs returns the refs advertised for ep.
func ListRefs(ctx context.Context, env Env, ep *transport.Endpoint, auth transport.AuthMethod) (*packp.AdvRefs, error) {
	pc, err := OpenPush(ctx, env, ep, auth)
	if err != nil {
		return nil, err
	}
	adv := pc.AdvertisedRefs()
	if err := pc.Close(); err != nil {
		return nil, err
	}
	return adv, nil
}

// receivePack returns the worker side of a session for sto.
func (env *Env) receivePack(sto storer.Storer, ep *transport.Endpoint, auth transport.AuthMethod) pipeconn.ServerFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		if env.Authorize != nil {
			if err := env.Authorize(ctx, ep, auth); err != nil {
				env.log().Info("refusing receive-pack", zap.String("path", ep.Path), zap.Error(err))
				return mapAuthError(err)
			}
		}
		sess, err := server.NewServer(fixedLoader{sto}).NewReceivePackSession(ep, auth)
		if err != nil {
			return err
		}
		defer sess.Close()

		ar, err := sess.AdvertisedReferencesContext(ctx)
		if err != nil {
			return fmt.Errorf("advertising references: %w", err)
		}
		if err := ar.Encode(w); err != nil {
			return fmt.Errorf("encoding advertised references: %w", err)
		}

		br := bufio.NewReader(r)
		if done, err := sessionEnded(br); err != nil {
			return err
		} else if done {
			return nil
		}
		req := packp.NewReferenceUpdateRequest()
		if err := req.Decode(br); err != nil {
			return fmt.Errorf("decoding update request: %w", err)
		}
		rs, err := sess.ReceivePack(ctx, req)
		if err != nil {
			env.log().Warn("receive-pack", zap.String("path", ep.Path), zap.Error(err))
		}
		// the client does not read until it has written everything
		if _, err := io.Copy(io.Discard, br); err != nil {
			return err
		}
		if rs != nil {
			if err := rs.Encode(w); err != nil {
				return fmt.Errorf("encoding report status: %w", err)
			}
			// failures were reported to the client in the status
			return nil
		}
		return err
	}
}

var flushPkt = []byte("0000")

// sessionEnded returns true if the client hung up or sent a flush instead of an update request.
func sessionEnded(br *bufio.Reader) (bool, error) {
	data, err := br.Peek(len(flushPkt))
	switch {
	case errors.Is(err, io.EOF) && len(data) == 0:
		return true, nil
	case err != nil:
		return false, err
	}
	return bytes.Equal(data, flushPkt), nil
}

func mapAuthError(err error) error {
	if errors.Is(err, transport.ErrAuthorizationFailed) || errors.Is(err, transport.ErrAuthenticationRequired) {
		return fmt.Errorf("%w: %w", pipeconn.ErrNotAuthorized, err)
	}
	return err
}

// fixedLoader serves a storer which was loaded before the session started.
type fixedLoader struct {
	sto storer.Storer
}

func (l fixedLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	return l.sto, nil
}
