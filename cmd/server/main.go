// Package main runs a tessera Server: the host process that registers with
// the Brain, launches one cluster process per granted range and keeps them
// running under its restart policy.
//
// Example usage:
//
//	tessera-server --host 10.0.0.1 --port 7600 --token s3cret \
//	  --worker-entrypoint /usr/local/bin/tessera-cluster
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/server"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "tessera-server",
	Short: "Run a tessera Server",
	Long: `A Server connects to the Brain, receives its planned shard ranges and
launches one cluster process per range from the worker entry point. Clusters
dial back to the Server's own listener; the Server relays their
registrations and folds their health into its heartbeats.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadFile(v, cfgFile)
	},
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	flags := rootCmd.Flags()
	flags.String("host", "", "Brain host")
	flags.Int("port", 0, "Brain port")
	flags.String("token", "", "shared authentication token")
	flags.String("listen", "", "address clusters connect to")
	flags.String("worker-entrypoint", "", "cluster executable")
	flags.StringSlice("worker-args", nil, "arguments passed to the cluster executable")
	flags.String("log-level", "", "debug, info, warn or error")
	config.BindFlags(v, flags, map[string]string{
		"host":              "host",
		"port":              "port",
		"token":             "token",
		"listen":            "server.listen",
		"worker-entrypoint": "server.worker_entrypoint",
		"worker-args":       "server.worker_args",
		"log-level":         "logging.level",
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := server.OptionsFromConfig(cfg, logger)
	if err != nil {
		return err
	}

	// A signal cancels Run, which drains the clusters like a SHUTDOWN.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server", zap.String("brain", cfg.Addr()), zap.String("worker", cfg.Server.WorkerEntrypoint))
	err = server.New(opts).Run(ctx)
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
