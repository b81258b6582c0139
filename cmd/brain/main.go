package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/shard"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "tessera-brain",
	Short: "Run the tessera Brain",
	Long: `The Brain is the root of a tessera tree. Servers register with it and
receive contiguous shard ranges in registration order; the Brain then asks
each Server to launch one cluster per range and keeps the tree in line with
the plan as nodes come and go.

Configuration comes from a YAML file, TESSERA_* environment variables and
flags, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadFile(v, cfgFile)
	},
	RunE: runBrain,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the topology of a running Brain",
	Long: `Fetches /topology from the Brain's status API and prints it.

Example:
  tessera-brain status --status-addr 127.0.0.1:7601 -o json`,
	RunE: runStatus,
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Clear degraded ranges so the Brain launches them again",
	RunE:  runRebalance,
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Drain every server and cluster, then stop the Brain",
	RunE:  runShutdown,
}

func init() {
	pflags := rootCmd.PersistentFlags()
	pflags.StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	pflags.String("status-addr", "", "address of the HTTP status API")
	_ = v.BindPFlag("brain.status_addr", pflags.Lookup("status-addr"))

	flags := rootCmd.Flags()
	flags.String("host", "", "interface servers connect to")
	flags.Int("port", 0, "port servers connect to")
	flags.String("token", "", "shared authentication token")
	flags.Int("total-servers", 0, "number of servers that own shards")
	flags.Int("clusters-per-server", 0, "clusters launched on each server")
	flags.Int("shards-per-cluster", 0, "shards owned by each cluster")
	flags.String("log-level", "", "debug, info, warn or error")
	config.BindFlags(v, flags, map[string]string{
		"host":                "host",
		"port":                "port",
		"token":               "token",
		"total-servers":       "brain.total_servers",
		"clusters-per-server": "brain.clusters_per_server",
		"shards-per-cluster":  "brain.shards_per_cluster",
		"log-level":           "logging.level",
	})

	statusCmd.Flags().StringP("output", "o", "yaml", "output format: yaml or json")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	rebalanceCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	shutdownCmd.Flags().String("reason", "operator", "reason recorded in the logs of every node")
	shutdownCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the drain")
	rootCmd.AddCommand(statusCmd, rebalanceCmd, shutdownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadBrain(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := coordinator.OptionsFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	brain := coordinator.New(opts)

	signals, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The Brain's context is not tied to the signal: a signal drains the
	// tree first and Shutdown ends Run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpSrv := &http.Server{
		Addr:              cfg.Brain.StatusAddr,
		Handler:           newAPI(brain, cfg.Timing.StatusTimeout, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return brain.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("status api listening", zap.String("addr", cfg.Brain.StatusAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		select {
		case <-signals.Done():
		case <-gctx.Done():
			return nil
		}
		logger.Info("signal received, draining")
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.Timing.DrainTimeout+cfg.Timing.StatusTimeout+time.Second)
		defer dcancel()
		if err := brain.Shutdown(dctx, "signal"); err != nil {
			logger.Warn("drain incomplete", zap.Error(err))
		}
		cancel()
		return nil
	})

	err = g.Wait()
	logger.Info("brain stopped")
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var view coordinator.View
	if err := cluster.GetJSON(ctx, apiURL("/topology", nil), &view); err != nil {
		return err
	}
	return printView(cmd.OutOrStdout(), view, format)
}

func runRebalance(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var out struct {
		Cleared []shard.Range `json:"cleared"`
	}
	if err := cluster.PostJSON(ctx, apiURL("/rebalance", nil), nil, &out); err != nil {
		return err
	}
	if len(out.Cleared) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no degraded ranges")
		return nil
	}
	for _, r := range out.Cleared {
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", r)
	}
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := cluster.PostJSON(ctx, apiURL("/shutdown", url.Values{"reason": {reason}}), nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "drained")
	return nil
}

// apiURL builds a status API URL from the configured address.
func apiURL(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: v.GetString("brain.status_addr"), Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// printView writes view as YAML or JSON.
func printView(w io.Writer, view coordinator.View, format string) error {
	switch format {
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	return fmt.Errorf("unknown output format %q", format)
}
