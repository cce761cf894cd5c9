// Package lfsd runs the LFS server over a state directory.
package lfsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blobcache.io/bclfs/src/gitpipe"
	"blobcache.io/bclfs/src/internal/dbutil"
	"blobcache.io/bclfs/src/internal/testutil"
	"blobcache.io/bclfs/src/lfshttp"
	"blobcache.io/bclfs/src/lfsstore"
)

const DBFilename = "bclfs.db"

// Daemon manages the state and configuration for running an LFS server.
type Daemon struct {
	StateDir string
	Config   Config
	Log      *zap.Logger
}

// Run serves the LFS API on lis until the context is cancelled.
// If the context is cancelled, Run returns nil.  Run returns an error if it returns for any other reason.
func (d *Daemon) Run(ctx context.Context, lis net.Listener) error {
	store, db, err := d.OpenStore(ctx, "http://"+lis.Addr().String())
	if err != nil {
		return err
	}
	defer db.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := http.Serve(lis, &lfshttp.Server{
			Resolver: store,
			Log:      d.log(),
		})
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})
	logctx.Info(ctx, "serving lfs", zap.String("addr", lis.Addr().String()), zap.String("state_dir", d.StateDir))
	if err := eg.Wait(); errors.Is(err, context.Canceled) {
		err = nil
	} else if err != nil {
		return err
	}
	return nil
}

// OpenStore opens the database and content directories in the state directory.
// baseURL is used when the config does not set one.  The caller must close the returned database.
func (d *Daemon) OpenStore(ctx context.Context, baseURL string) (*lfsstore.Store, *sqlx.DB, error) {
	if d.StateDir == "" {
		return nil, nil, fmt.Errorf("StateDir is required")
	}
	if err := d.Config.Validate(); err != nil {
		return nil, nil, err
	}
	db, err := dbutil.OpenDB(filepath.Join(d.StateDir, DBFilename))
	if err != nil {
		return nil, nil, err
	}
	if err := lfsstore.SetupDB(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := lfsstore.New(db, d.StateDir, d.Config.storeConfig(baseURL))
	if err := store.Setup(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// GitEnv returns the environment for pushing into the store's git repositories.
func (d *Daemon) GitEnv(store *lfsstore.Store) gitpipe.Env {
	return gitpipe.Env{
		Loader:    store,
		Authorize: store.AuthorizeGit,
		Log:       d.log(),
	}
}

func (d *Daemon) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func AwaitHealthy(ctx context.Context, c *lfshttp.Client) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if func() bool {
			ctx, cf := context.WithTimeout(ctx, 3*time.Second)
			defer cf()
			err := c.Healthy(ctx)
			if err == nil {
				logctx.Info(ctx, "service is healthy")
				return true
			}
			logctx.Info(ctx, "waiting for service to come up", zap.Error(err))
			return false
		}() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// RunTestDaemon launches a test daemon and returns it and the API URL.
// This function will block until the daemon is healthy.
// The daemon will be stopped at the end of the test, and the test will not
// complete until Run has returned.
func RunTestDaemon(t testing.TB) (*Daemon, string) {
	ctx := testutil.Context(t)
	ctx, cf := context.WithCancel(ctx)
	d := Daemon{StateDir: t.TempDir(), Config: DefaultConfig()}
	lis := testutil.Listen(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx, lis); err != nil {
			t.Log(err)
		}
	}()
	t.Cleanup(func() {
		cf()
		<-done
	})
	apiURL := "http://" + lis.Addr().String()
	t.Log("awaiting healthy", apiURL)
	require.NoError(t, AwaitHealthy(ctx, lfshttp.NewClient(nil, apiURL, "")))
	return &d, apiURL
}
