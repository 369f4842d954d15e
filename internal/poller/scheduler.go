package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/config"
	"github.com/nmslite/collector/internal/telemetry"
)

// Scheduler drives the strategies of one host session: detection and
// discovery, then a collect cycle on every tick, with a new discovery every
// DiscoveryCycle cycles.
type Scheduler struct {
	session *telemetry.HostSession
	engine  *Engine
	logger  zerolog.Logger

	// Configuration
	collectInterval time.Duration
	jobTimeout      time.Duration
	strategyTimeout time.Duration
	poolSize        int
	discoveryCycle  int

	// Lifecycle management
	running bool
	runMu   sync.Mutex
	cycles  int
}

// NewScheduler creates a scheduler for the session.
func NewScheduler(session *telemetry.HostSession, engine *Engine, cfg config.PollerConfig, logger zerolog.Logger) *Scheduler {
	cfg.ApplyDefaults()
	return &Scheduler{
		session:         session,
		engine:          engine,
		logger:          logger.With().Str("component", "scheduler").Logger(),
		collectInterval: cfg.CollectInterval(),
		jobTimeout:      cfg.JobTimeout(),
		strategyTimeout: cfg.StrategyTimeout(),
		poolSize:        cfg.JobPoolSize,
		discoveryCycle:  cfg.DiscoveryCycle,
	}
}

// Run discovers the host and then collects on every tick until the context
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	s.logger.Info().
		Str("hostname", s.session.Hostname()).
		Dur("collect_interval", s.collectInterval).
		Dur("job_timeout", s.jobTimeout).
		Int("job_pool_size", s.poolSize).
		Int("discovery_cycle", s.discoveryCycle).
		Msg("Starting scheduler")

	if err := s.RunOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler context cancelled, shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce detects, discovers and runs one collect cycle.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.Discover(ctx); err != nil {
		return err
	}
	return s.Collect(ctx)
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) tick(ctx context.Context) error {
	s.cycles++
	if s.discoveryCycle > 0 && s.cycles%s.discoveryCycle == 0 {
		if err := s.Discover(ctx); err != nil {
			return err
		}
	}
	return s.Collect(ctx)
}

// Discover runs detection then discovery.
func (s *Scheduler) Discover(ctx context.Context) error {
	logger := s.cycleLogger()
	return s.runStrategies(ctx, logger,
		NewDetectionStrategy(s.session, s.engine, s.strategyTimeout, logger),
		NewDiscoveryStrategy(s.session, s.engine, s.strategyTimeout, logger),
	)
}

// Collect runs one collect cycle.
func (s *Scheduler) Collect(ctx context.Context) error {
	logger := s.cycleLogger()
	return s.runStrategies(ctx, logger,
		NewPrepareCollectStrategy(s.session, s.engine, s.strategyTimeout, logger),
		NewProtocolHealthCheckStrategy(s.session, s.engine, s.strategyTimeout, logger),
		NewCollectStrategy(s.session, s.engine, s.poolSize, s.jobTimeout, s.strategyTimeout, logger),
		NewSimpleStrategy(s.session, s.engine, s.strategyTimeout, logger),
		NewPostCollectStrategy(s.session, s.engine, s.strategyTimeout, logger),
	)
}

func (s *Scheduler) cycleLogger() zerolog.Logger {
	return s.logger.With().Str("run_id", uuid.New().String()).Logger()
}

// runStrategies runs the strategies in order. Only a cancelled context stops
// the sequence.
func (s *Scheduler) runStrategies(ctx context.Context, logger zerolog.Logger, strategies ...Strategy) error {
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := strategy.Run(ctx)
		elapsed := time.Since(start)

		s.engine.Metrics.strategyDuration.WithLabelValues(strategy.Name()).Observe(elapsed.Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.engine.Metrics.strategyRuns.WithLabelValues(strategy.Name(), outcome).Inc()

		if elapsed > strategy.Timeout() {
			logger.Warn().
				Str("strategy", strategy.Name()).
				Dur("elapsed", elapsed).
				Dur("timeout", strategy.Timeout()).
				Msg("Strategy ran past its timeout")
		}
		if err != nil {
			return fmt.Errorf("%s strategy: %w", strategy.Name(), err)
		}
		logger.Debug().Str("strategy", strategy.Name()).Dur("elapsed", elapsed).Msg("Strategy complete")
	}
	return nil
}
