package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/agentic-research/extidcache/api"
	"github.com/agentic-research/extidcache/internal/config"
	"github.com/agentic-research/extidcache/internal/extids"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/agentic-research/extidcache/internal/persist"
	"github.com/agentic-research/extidcache/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globals holds the persistent flags and what is derived from them.
type globals struct {
	repo       string
	ref        string
	configPath string
	debug      bool
	trace      bool

	cfg           api.CacheConfig
	log           *zap.Logger
	shutdownTrace func(context.Context) error
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "extidcache",
		Short:         "Versioned external id store with an incremental snapshot cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			g.cfg = cfg
			if g.log, err = newLogger(g.debug); err != nil {
				return err
			}
			if g.trace {
				g.shutdownTrace, err = telemetry.Setup(cmd.ErrOrStderr())
			}
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.shutdownTrace != nil {
				if err := g.shutdownTrace(context.Background()); err != nil {
					g.log.Warn("flushing trace spans failed", zap.Error(err))
				}
			}
			_ = g.log.Sync() // stderr sync fails on some platforms, safe to ignore
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.repo, "repo", ".", "Path to the bare note store repository")
	f.StringVar(&g.ref, "ref", notes.DefaultRef, "Ref holding the external ids")
	f.StringVar(&g.configPath, "config", "", "Path to an HCL config file")
	f.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	f.BoolVar(&g.trace, "trace", false, "Write trace spans to stderr as JSON")

	root.AddCommand(
		newInitCmd(g),
		newPutCmd(g),
		newRmCmd(g),
		newLookupCmd(g),
		newDumpCmd(g),
		newServeCmd(g),
	)
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func (g *globals) openStore() (*notes.GitStore, error) {
	return notes.OpenDir(g.repo, notes.WithShardingThreshold(g.cfg.ShardingThreshold))
}

// openIDs opens the store and wires the read facade. close releases the
// persistent tier, if any.
func (g *globals) openIDs() (ids *extids.ExternalIDs, closeFn func(), err error) {
	store, err := g.openStore()
	if err != nil {
		return nil, nil, err
	}

	opts := []extids.Option{extids.WithRef(g.ref), extids.WithLogger(g.log)}
	closeFn = func() {}
	if g.cfg.DiskPath != "" {
		disk, err := persist.Open(g.cfg.DiskPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, extids.WithDisk(disk))
		closeFn = func() { _ = disk.Close() }
	}

	ids, err = extids.New(store, g.cfg, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return ids, closeFn, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
