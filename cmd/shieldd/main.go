// Shield Daemon - keeps an account's shielded state in sync with the ledger
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/app"
	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/p2p"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/pkg/types"
)

const (
	version = "0.1.0"
	banner  = `
      _     _      _     _     _
  ___| |__ (_) ___| | __| | __| |
 / __| '_ \| |/ _ \ |/ _' |/ _' |
 \__ \ | | | |  __/ | (_| | (_| |
 |___/_| |_|_|\___|_|\__,_|\__,_|

  Shield Daemon v%s
`
)

var (
	configPath  string
	keysPath    string
	accountName string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "shieldd",
		Short:        "Shielded pool sync daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf(banner, version)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "shield.yaml", "config file")
	rootCmd.Flags().StringVar(&keysPath, "keys", "", "account keys file")
	rootCmd.Flags().StringVar(&accountName, "account", "", "account name in the postgres accounts table")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shieldd v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	acc, err := app.LoadAccount(ctx, cfg, keysPath, accountName, logger)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, acc, app.Options{}, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("session ready",
		zap.String("account", acc.PublicKeyString()),
		zap.String("tree", a.Tree.String()),
		zap.String("source", cfg.Source),
		zap.Uint64("leaves", a.Session.Replica().Size()))

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if cfg.P2P.Enabled {
		node, err := startRelay(ctx, cfg, a, logger)
		if err != nil {
			return err
		}
		defer node.Close()
	}

	return syncLoop(ctx, a, cfg.SyncInterval, logger)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// startRelay joins the gossip network. Peer events feed the gossip
// source; events this daemon indexes and envelopes it sends go out to
// peers.
func startRelay(ctx context.Context, cfg *config.Config, a *app.App, logger *zap.Logger) (*p2p.Node, error) {
	node, err := p2p.NewNode(ctx, cfg.P2P, logger.Named("p2p"))
	if err != nil {
		return nil, fmt.Errorf("failed to start p2p node: %w", err)
	}

	// light nodes have no ledger to forward envelopes to
	var forward submitter.Transport
	if cfg.Source == config.SourceRPC {
		forward = a.RPC
	}
	relay := p2p.NewRelay(node, a.Gossip, a.Tree, forward, logger.Named("relay"))
	relay.Attach(node)
	a.Submitter.OnBroadcast(relay.BroadcastEnvelope)
	if cfg.Source == config.SourceRPC {
		a.Session.OnEvents(func(events []*types.ParsedIndexedTransaction, cp *indexer.Checkpoint) {
			if err := relay.AnnounceEvents(events, cp); err != nil {
				logger.Warn("failed to announce events", zap.Error(err))
			}
		})
	}
	node.Start()

	logger.Info("p2p node started",
		zap.String("id", node.ID().String()),
		zap.Int("listen_addrs", len(node.Addrs())))
	return node, nil
}

func syncLoop(ctx context.Context, a *app.App, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := a.Session.Sync(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("daemon stopped")
			return nil
		case err != nil:
			logger.Warn("sync failed", zap.Error(err))
		default:
			for _, w := range report.Warnings {
				logger.Warn("reconcile warning",
					zap.String("signature", w.Signature.String()),
					zap.Error(w.Err))
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
		}
	}
}
