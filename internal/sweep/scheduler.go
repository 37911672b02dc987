// Package sweep runs the periodic maintenance of stored entities: timing out
// stalled work, dropping orphaned verifications and applying retention.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metrics"
)

// Defaults for Config.
const (
	DefaultInitialDelay = 5 * time.Minute
	DefaultFrequency    = time.Hour
)

// Sweep is one periodic job.
type Sweep interface {
	Name() string
	Run(ctx context.Context) error
}

// Config sets when sweeps run.
type Config struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Frequency    time.Duration `yaml:"frequency"`
}

// Scheduler runs each sweep after an initial delay and then again a fixed
// delay after the previous run finished, so a sweep never overlaps itself.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	sweeps  []Sweep
}

func NewScheduler(cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics, sweeps ...Sweep) *Scheduler {
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   clk,
		logger:  logging.OrDiscard(logger).With("component", "sweeps"),
		metrics: metrics.OrDiscard(m),
		sweeps:  sweeps,
	}
}

// Run blocks until ctx ends. It always returns nil; sweep failures are logged.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sw := range s.sweeps {
		g.Go(func() error {
			s.loop(ctx, sw)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sw Sweep) {
	delay := s.cfg.InitialDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		s.RunOnce(ctx, sw)
		delay = s.cfg.Frequency
	}
}

// RunOnce runs sw and records how long it took.
func (s *Scheduler) RunOnce(ctx context.Context, sw Sweep) {
	start := s.clock.Now()
	err := sw.Run(ctx)
	s.metrics.SweepDuration.WithLabelValues(sw.Name()).Observe(s.clock.Now().Sub(start).Seconds())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Sweep failed", "sweep", sw.Name(), "error", err)
	}
}
