package bclfscmd

import (
	"fmt"
	"net"
	"strings"

	"go.brendoncarroll.net/star"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"blobcache.io/bclfs/src/internal/lfsd"
	"blobcache.io/bclfs/src/lfsstore"
)

const (
	EnvStateDir = "BCLFS_STATE"
	EnvLog      = "BCLFS_LOG"
)

func Main() {
	star.Main(rootCmd)
}

func Root() star.Command {
	return rootCmd
}

var rootCmd = star.NewDir(
	star.Metadata{
		Short: "bclfs serves Git LFS objects and the git repositories they belong to",
	}, map[string]star.Command{
		"daemon": daemonCmd,

		"mkrepo":   mkRepoCmd,
		"repos":    reposCmd,
		"readonly": readOnlyCmd,
		"grant":    grantCmd,
		"revoke":   revokeCmd,

		"push": pushCmd,
		"refs": refsCmd,

		"batch":    batchCmd,
		"upload":   uploadCmd,
		"download": downloadCmd,
	},
)

var daemonCmd = star.Command{
	Metadata: star.Metadata{
		Short: "runs the LFS daemon",
	},
	Flags: map[string]star.Flag{
		"state":     stateDirParam,
		"serve-api": serveAPIParam,
	},
	F: func(c star.Context) error {
		d, err := newDaemon(c)
		if err != nil {
			return err
		}
		l, err := newLogger(c.Env)
		if err != nil {
			return err
		}
		defer l.Sync()
		d.Log = l
		lis := serveAPIParam.Load(c)
		defer lis.Close()
		l.Info("serving API", zap.String("net", lis.Addr().Network()), zap.String("addr", lis.Addr().String()))
		return d.Run(logctx.NewContext(c.Context, l), lis)
	},
}

// newDaemon loads the configuration from the state directory.
func newDaemon(c star.Context) (*lfsd.Daemon, error) {
	stateDir, ok := stateDirParam.LoadOpt(c)
	if !ok {
		stateDir, ok = c.Env[EnvStateDir]
	}
	if !ok || stateDir == "" {
		return nil, fmt.Errorf("a state directory is required, use --state or %s", EnvStateDir)
	}
	cfg, err := lfsd.LoadConfig(stateDir)
	if err != nil {
		return nil, err
	}
	return &lfsd.Daemon{StateDir: stateDir, Config: cfg}, nil
}

// openStore opens the store in the state directory for an admin command.
func openStore(c star.Context) (*lfsd.Daemon, *lfsstore.Store, func(), error) {
	d, err := newDaemon(c)
	if err != nil {
		return nil, nil, nil, err
	}
	store, db, err := d.OpenStore(c.Context, "")
	if err != nil {
		return nil, nil, nil, err
	}
	return d, store, func() { db.Close() }, nil
}

func newLogger(env map[string]string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.ToLower(env[EnvLog]) == "debug" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

var stateDirParam = star.Optional[string]{
	ID:       "state",
	ShortDoc: "the directory holding the database, objects and git repositories",
	Parse:    star.ParseString,
}

var serveAPIParam = star.Required[net.Listener]{
	ID:       "serve-api",
	ShortDoc: "the address to serve the LFS API on, e.g. tcp://127.0.0.1:8080",
	Parse: func(s string) (net.Listener, error) {
		parts := strings.Split(s, "://")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid address: %s", s)
		}
		return net.Listen(parts[0], parts[1])
	},
}

var repoNameParam = star.Required[string]{
	ID:       "repo",
	ShortDoc: "the repository name, e.g. org/project",
	Parse:    lfsstore.ParseRepoName,
}
