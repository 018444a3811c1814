// Command harvest sweeps a paginated prediction-market catalog, keeps the
// markets relevant to a keyword profile and exports the top N by volume.
//
//   - Concurrent waves of page requests with retry, backoff and failover
//   - First-wins deduplication by market id
//   - Timestamped CSV/JSON snapshots, optional ledger CSV and Postgres sinks
//   - Embedded /metrics (Prometheus exposition) and /debug/pprof/*
//   - Daemon mode with a random pause between runs
//
// Every flag has an environment variable and a config file key; flags win.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"marketplace-harvest/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "harvest",
		Short:         "Harvest and rank markets from a paginated catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return logger.Initialize(v.GetBool("json_logs"), v.GetBool("verbose"))
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Cleanup()
		},
	}
	registerFlags(root, true, globalSettings)
	root.AddCommand(newRunCmd(), newMarketCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Logger.Errorw("harvest failed", "error", err)
		logger.Cleanup()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
