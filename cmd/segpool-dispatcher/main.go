package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/dispatch"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		workers    = flag.Int("workers", 0, "number of worker queues to feed (overrides config)")
		workerIDs  = flag.String("worker-ids", "", "comma-separated explicit worker ids (overrides --workers)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *workers > 0 {
		cfg.Dispatcher.Workers = *workers
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-dispatcher")

	if cfg.Paths.PoolDir == "" || cfg.Paths.InProgressDir == "" || cfg.Paths.OutputsDir == "" {
		log.Error("pool_dir, in_progress_dir and outputs_dir must all be configured")
		os.Exit(2)
	}

	var ids []string
	if *workerIDs != "" {
		for _, id := range strings.Split(*workerIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
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

	d, err := dispatch.New(cfg, ids)
	if err != nil {
		log.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("dispatcher failed", "error", err)
		os.Exit(1)
	}
	log.Info("dispatcher stopped")
}
