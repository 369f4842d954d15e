package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/config"
	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/logger"
	"github.com/nmslite/collector/internal/poller"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/server"
	"github.com/nmslite/collector/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	connectorsDir := flag.String("connectors", "", "connector directory, overrides connectors.directory")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	once := flag.Bool("once", false, "run detection, discovery and a single collect, then exit")
	flag.Parse()

	if *dumpConfig {
		if err := config.DumpExampleConfig(os.Stdout); err != nil {
			log.Fatalf("Failed to dump configuration: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *connectorsDir != "" {
		cfg.Connectors.Directory = *connectorsDir
	}

	rootLogger, closer, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer closer.Close()

	if err := run(cfg, rootLogger, *once); err != nil && !errors.Is(err, context.Canceled) {
		rootLogger.Error().Err(err).Msg("Collector stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, rootLogger zerolog.Logger, once bool) error {
	connectors, err := connector.LoadDir(cfg.Connectors.Directory)
	if err != nil {
		return fmt.Errorf("failed to load connectors: %w", err)
	}

	host := cfg.HostInfo()
	rootLogger.Info().
		Str("hostname", host.Hostname).
		Str("host_type", string(host.Type)).
		Strs("protocols", host.Protocols.Configured()).
		Int("connectors", connectors.Len()).
		Msg("Starting collector")

	session := telemetry.NewHostSession(host, connectors)
	engine := poller.NewEngine(protocols.NewClients(rootLogger), rootLogger)
	scheduler := poller.NewScheduler(session, engine, cfg.Poller, rootLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		return scheduler.RunOnce(ctx)
	}

	if cfg.MetricsListener.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(engine.Metrics.Collectors()...)
		registry.MustRegister(engine.Dispatcher.Collectors()...)

		srv := server.NewServer(session, scheduler, registry, rootLogger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.MetricsListener); err != nil {
				rootLogger.Error().Err(err).Msg("HTTP listener failed")
				cancel()
			}
		}()
	}

	err = scheduler.Run(ctx)
	rootLogger.Info().Msg("Collector stopped gracefully")
	return err
}
