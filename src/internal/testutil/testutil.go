package testutil

import (
	"context"
	"net"
	"testing"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap/zaptest"
)

// Context returns a context carrying a test logger.
// It is cancelled when the test ends.
func Context(t testing.TB) context.Context {
	ctx, cf := context.WithCancel(context.Background())
	t.Cleanup(cf)
	return logctx.NewContext(ctx, zaptest.NewLogger(t))
}

func Listen(t testing.TB) net.Listener {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		lis.Close()
	})
	return lis
}
