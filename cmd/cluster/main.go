// Package main is the reference cluster process. A Server launches it with
// its range and parent address in TESSERA_* environment variables; it
// registers, serves the range with an idle workload and exits with
//
//	0  drained on request
//	1  failure, the Server's restart policy applies
//	2  parent lost past the grace window
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadCluster(config.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return worker.ExitFailure
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return worker.ExitFailure
	}
	defer func() { _ = logger.Sync() }()

	opts, err := worker.OptionsFromConfig(cfg, logger)
	if err != nil {
		logger.Error("bad configuration", zap.Error(err))
		return worker.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = worker.New(opts, &worker.Idle{Logger: logger}).Run(ctx)
	code := worker.ExitCode(err)
	if err != nil {
		logger.Error("cluster stopped", zap.Error(err), zap.Int("exit_code", code))
	}
	return code
}
