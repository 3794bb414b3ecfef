package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cohortworks/segpool/internal/catalog"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/metrics"
	"github.com/cohortworks/segpool/internal/runner"
	"github.com/cohortworks/segpool/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		workerID   = flag.String("worker-id", "", "worker identity (default: random)")
		runnerCmd  = flag.String("runner", "", "external computation command (overrides config)")
		extraArgs  = flag.String("extra-args", "", "extra arguments appended to every invocation")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *workerID != "" {
		cfg.Worker.ID = *workerID
	}
	if *runnerCmd != "" {
		cfg.Runner.Command = strings.Fields(*runnerCmd)
	}
	if *extraArgs != "" {
		cfg.Runner.ExtraArgs = strings.Fields(*extraArgs)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-worker")

	if cfg.Paths.InProgressDir == "" || cfg.Paths.DoneDir == "" || cfg.Paths.FailedDir == "" || cfg.Paths.OutputsDir == "" {
		log.Error("in_progress_dir, done_dir, failed_dir and outputs_dir must all be configured")
		os.Exit(2)
	}
	if len(cfg.Runner.Command) == 0 {
		log.Error("no runner command configured")
		os.Exit(2)
	}

	metrics.Init("segpool")
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	cat, err := catalog.NewWriter(catalog.Config{DSN: cfg.Catalog.DSN, Namespace: cfg.Catalog.Namespace})
	if err != nil {
		log.Warn("catalog unavailable, continuing without it", "error", err)
		cat = nil
	} else {
		defer cat.Close()
	}

	invoker := &runner.ExecInvoker{
		Command:   cfg.Runner.Command,
		ExtraArgs: cfg.Runner.ExtraArgs,
		Log:       log,
	}

	w, err := worker.New(cfg, invoker, cat)
	if err != nil {
		log.Error("worker init failed", "error", err)
		os.Exit(1)
	}

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped", "worker_id", w.ID())
}
