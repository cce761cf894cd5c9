// Package pipeconn connects a synchronous protocol client to a protocol server
// running on its own goroutine, without a socket.
//
// A Conn is made of two pipes.  The client writes to the first and reads from the second,
// the server does the opposite.  The server runs as a ServerFunc on exactly one worker
// goroutine, which owns an optional resource and closes it when it exits.
package pipeconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

var (
	// ErrServiceNotEnabled is returned by a ServerFunc which refuses to serve the resource.
	ErrServiceNotEnabled = errors.New("pipeconn: service not enabled")
	// ErrNotAuthorized is returned by a ServerFunc which refuses to serve the caller.
	ErrNotAuthorized = errors.New("pipeconn: not authorized")
	// ErrConnReset is returned by Dial when the worker refused before the handshake completed.
	ErrConnReset = errors.New("pipeconn: connection reset")
)

// IsRefusal returns true for the errors a ServerFunc returns to decline a session.
// Refusals end the session cleanly.
func IsRefusal(err error) bool {
	return errors.Is(err, ErrServiceNotEnabled) || errors.Is(err, ErrNotAuthorized)
}

// WorkerError is returned from Close when the worker failed unexpectedly.
type WorkerError struct {
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("pipeconn: worker failed: %v", e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// ServerFunc serves one session.
// It reads the client's bytes from r and writes its own to w.
type ServerFunc func(ctx context.Context, r io.Reader, w io.Writer) error

var _ io.ReadWriteCloser = &Conn{}

// Conn is the client side of a session.
type Conn struct {
	r *io.PipeReader
	w *io.PipeWriter

	closing  atomic.Bool
	closeAll sync.Once

	done     chan struct{}
	workErr  error
	closeErr error
}

// Open starts srv on a new goroutine and returns the client side of the session.
// resource may be nil.  Once Open is called, the worker owns resource and will
// close it exactly once, no matter how srv returns.
func Open(ctx context.Context, srv ServerFunc, resource io.Closer) *Conn {
	// client -> server
	ar, aw := io.Pipe()
	// server -> client
	br, bw := io.Pipe()
	c := &Conn{
		r:    br,
		w:    aw,
		done: make(chan struct{}),
	}
	go c.work(ctx, srv, ar, bw, resource)
	return c
}

// Dial calls Open and then handshake, which should read the server's first message from the Conn.
// If the handshake fails the Conn is closed.  When the worker refused the session,
// the returned error wraps both ErrConnReset and the refusal.
func Dial(ctx context.Context, srv ServerFunc, resource io.Closer, handshake func(io.Reader) error) (*Conn, error) {
	c := Open(ctx, srv, resource)
	if err := handshake(c); err != nil {
		closeErr := c.Close()
		if werr := c.Wait(); IsRefusal(werr) {
			return nil, fmt.Errorf("%w: %w", ErrConnReset, werr)
		}
		return nil, errors.Join(fmt.Errorf("pipeconn: handshake: %w", err), closeErr)
	}
	return c, nil
}

func (c *Conn) work(ctx context.Context, srv ServerFunc, r *io.PipeReader, w *io.PipeWriter, resource io.Closer) {
	defer close(c.done)
	err := runServer(ctx, srv, r, w)
	if err == nil || IsRefusal(err) {
		w.Close()
	} else {
		w.CloseWithError(err)
	}
	r.Close()
	if resource != nil {
		if cerr := resource.Close(); cerr != nil {
			c.closeErr = fmt.Errorf("closing resource: %w", cerr)
		}
	}
	c.workErr = err
	if c.result() != nil {
		logctx.Warn(ctx, "pipeconn worker failed", zap.Error(c.result()))
	}
}

func runServer(ctx context.Context, srv ServerFunc, r io.Reader, w io.Writer) (retErr error) {
	defer func() {
		if x := recover(); x != nil {
			retErr = fmt.Errorf("panic: %v", x)
		}
	}()
	return srv(ctx, r, w)
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// CloseWrite closes the client to server direction.  The server reads io.EOF.
func (c *Conn) CloseWrite() error {
	return c.w.Close()
}

// Done is closed when the worker has exited and released the resource.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the worker exits and returns everything it ended with, including refusals.
func (c *Conn) Wait() error {
	<-c.done
	return errors.Join(c.workErr, c.closeErr)
}

// Close closes both client ends and waits for the worker to exit.
// It returns a *WorkerError if the worker failed, and nil for success or a refusal.
func (c *Conn) Close() error {
	return c.Shutdown(context.Background())
}

// Shutdown is like Close, but stops waiting when ctx is done and returns ctx.Err().
// The worker still releases the resource when it eventually exits.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.closeAll.Do(func() {
		c.closing.Store(true)
		c.w.Close()
		c.r.Close()
	})
	select {
	case <-c.done:
		return c.result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result is the outcome reported to Close.
// It must only be called after the worker has set workErr and closeErr.
func (c *Conn) result() error {
	var errs []error
	if err := c.workErr; err != nil && !IsRefusal(err) && !(c.closing.Load() && isInterruption(err)) {
		errs = append(errs, err)
	}
	if c.closeErr != nil {
		errs = append(errs, c.closeErr)
	}
	if len(errs) == 0 {
		return nil
	}
	return &WorkerError{Err: errors.Join(errs...)}
}

// isInterruption returns true for the errors a worker sees when the client hangs up on it.
func isInterruption(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
