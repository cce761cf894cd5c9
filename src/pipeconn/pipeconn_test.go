package pipeconn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blobcache.io/bclfs/src/internal/testutil"
)

type countingCloser struct {
	n   atomic.Int32
	err error
}

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return c.err
}

// lineServer writes a greeting and then echoes every line in upper case.
func lineServer(ctx context.Context, r io.Reader, w io.Writer) error {
	if _, err := io.WriteString(w, "HELLO\n"); err != nil {
		return err
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if _, err := io.WriteString(w, strings.ToUpper(sc.Text())+"\n"); err != nil {
			return err
		}
	}
	return sc.Err()
}

func readGreeting(r io.Reader) error {
	buf := make([]byte, 6)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf) != "HELLO\n" {
		return errors.New("bad greeting " + string(buf))
	}
	return nil
}

func TestRoundTrip(t *testing.T) {
	ctx := testutil.Context(t)
	res := &countingCloser{}
	c, err := Dial(ctx, lineServer, res, readGreeting)
	require.NoError(t, err)

	// pipes are synchronous, so writes need a concurrent reader
	go func() {
		io.WriteString(c, "first line\nsecond line\n")
		c.CloseWrite()
	}()
	data, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "FIRST LINE\nSECOND LINE\n", string(data))

	require.NoError(t, c.Close())
	require.NoError(t, c.Wait())
	require.EqualValues(t, 1, res.n.Load())
}

func TestCloseImmediately(t *testing.T) {
	ctx := testutil.Context(t)
	for _, srv := range []ServerFunc{
		lineServer,
		func(ctx context.Context, r io.Reader, w io.Writer) error {
			_, err := io.Copy(io.Discard, r)
			return err
		},
	} {
		res := &countingCloser{}
		c := Open(ctx, srv, res)
		require.NoError(t, c.Close())
		require.EqualValues(t, 1, res.n.Load())
		// closing again does not close the resource again
		require.NoError(t, c.Close())
		require.EqualValues(t, 1, res.n.Load())
	}
}

func TestRefusal(t *testing.T) {
	ctx := testutil.Context(t)
	for _, refusal := range []error{ErrNotAuthorized, ErrServiceNotEnabled} {
		res := &countingCloser{}
		c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
			return refusal
		}, res)
		buf := make([]byte, 1)
		_, err := c.Read(buf)
		require.Equal(t, io.EOF, err)
		require.NoError(t, c.Close())
		require.ErrorIs(t, c.Wait(), refusal)
		require.EqualValues(t, 1, res.n.Load())
	}
}

func TestDialRefused(t *testing.T) {
	ctx := testutil.Context(t)
	res := &countingCloser{}
	_, err := Dial(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		return ErrServiceNotEnabled
	}, res, readGreeting)
	require.ErrorIs(t, err, ErrConnReset)
	require.ErrorIs(t, err, ErrServiceNotEnabled)
	require.EqualValues(t, 1, res.n.Load())
}

func TestWorkerFailure(t *testing.T) {
	ctx := testutil.Context(t)
	failure := errors.New("disk failure")
	res := &countingCloser{}
	c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		return failure
	}, res)
	_, err := io.ReadAll(c)
	require.ErrorIs(t, err, failure)

	err = c.Close()
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	require.ErrorIs(t, err, failure)
	require.EqualValues(t, 1, res.n.Load())
}

func TestWorkerPanic(t *testing.T) {
	ctx := testutil.Context(t)
	res := &countingCloser{}
	c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		panic("oops")
	}, res)
	err := c.Close()
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	require.Contains(t, err.Error(), "oops")
	require.EqualValues(t, 1, res.n.Load())
}

func TestResourceCloseError(t *testing.T) {
	ctx := testutil.Context(t)
	res := &countingCloser{err: errors.New("already closed")}
	c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		return nil
	}, res)
	err := c.Close()
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	require.ErrorIs(t, err, res.err)
}

func TestNilResource(t *testing.T) {
	ctx := testutil.Context(t)
	c := Open(ctx, lineServer, nil)
	require.NoError(t, readGreeting(c))
	require.NoError(t, c.Close())
}

func TestShutdown(t *testing.T) {
	ctx := testutil.Context(t)
	release := make(chan struct{})
	res := &countingCloser{}
	c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		// ignores the pipes entirely
		<-release
		return nil
	}, res)

	sctx, cf := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cf()
	require.ErrorIs(t, c.Shutdown(sctx), context.DeadlineExceeded)
	require.EqualValues(t, 0, res.n.Load())

	close(release)
	<-c.Done()
	require.NoError(t, c.Close())
	require.EqualValues(t, 1, res.n.Load())
}

func TestWriteAfterExit(t *testing.T) {
	ctx := testutil.Context(t)
	c := Open(ctx, func(ctx context.Context, r io.Reader, w io.Writer) error {
		return nil
	}, nil)
	<-c.Done()
	_, err := c.Write([]byte("late"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.NoError(t, c.Close())
}
