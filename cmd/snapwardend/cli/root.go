// Package cli wires the daemon's command line. The root command runs the
// daemon itself; subcommands print the build version and validate the
// configuration without touching any filesystem state.
package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/daemon"
	"github.com/wardenfs/snapwarden/pkg/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "snapwardend",
	Short: "Btrfs snapshot and backup orchestration daemon",
	Long: `Snapwarden manages btrfs-backed datasets: it takes scheduled read-only
snapshots, prunes them under tiered retention policies, replicates them
to local directories and restic repositories, and watches pool health
through periodic scrubs.

Every filesystem mutation is bracketed by intent and completion records
in a journal, so a crash mid-snapshot or mid-transfer is finished or
cleanly discarded on the next start, never left half-applied.

Configuration is layered: built-in defaults, then the config file, then
SNAPWARDEN_* environment variables. Without --config the file is taken
from $SNAPWARDEN_CONFIG or the first of ` + strings.Join(config.DefaultConfigPaths, ", ") + `.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: search standard locations)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// SIGINT and SIGTERM request a graceful stop: in-flight mutations run
	// to their next journaled checkpoint, then the services wind down.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return daemon.New(cfg).Run(ctx)
}
