package risk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AttemptSweeper is the part of Lifecycle the sweeper drives.
type AttemptSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// GeoPurger is the part of GeoLookupCache the sweeper drives.
type GeoPurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SweeperConfig sets how often each background job runs.
type SweeperConfig struct {
	SweepInterval    time.Duration
	GeoPurgeInterval time.Duration
	GeoRetention     time.Duration
}

// DefaultSweeperConfig returns the default schedule
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval:    time.Minute,
		GeoPurgeInterval: 24 * time.Hour,
		GeoRetention:     30 * 24 * time.Hour,
	}
}

// Sweeper expires stale attempts and purges aged geo records in the
// background.
type Sweeper struct {
	attempts AttemptSweeper
	geo      GeoPurger
	config   SweeperConfig
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. geo may be nil to disable purging.
func NewSweeper(attempts AttemptSweeper, geo GeoPurger, config SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultSweeperConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = d.SweepInterval
	}
	if config.GeoPurgeInterval <= 0 {
		config.GeoPurgeInterval = d.GeoPurgeInterval
	}
	if config.GeoRetention <= 0 {
		config.GeoRetention = d.GeoRetention
	}
	return &Sweeper{
		attempts: attempts,
		geo:      geo,
		config:   config,
		logger:   logger.With(zap.String("component", "sweeper")),
	}
}

// Start runs the jobs until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting attempt sweeper",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("geo_purge_interval", s.config.GeoPurgeInterval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sweep := time.NewTicker(s.config.SweepInterval)
		defer sweep.Stop()
		purge := time.NewTicker(s.config.GeoPurgeInterval)
		defer purge.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Attempt sweeper stopped")
				return
			case <-sweep.C:
				s.sweepAttempts(ctx)
			case <-purge.C:
				s.purgeGeo(ctx)
			}
		}
	}()
}

// Wait blocks until the background loop has exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// RunOnce runs both jobs immediately.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweepAttempts(ctx)
	s.purgeGeo(ctx)
}

func (s *Sweeper) sweepAttempts(ctx context.Context) {
	if _, err := s.attempts.Sweep(ctx); err != nil {
		s.logger.Error("Failed to sweep expired attempts", zap.Error(err))
	}
}

func (s *Sweeper) purgeGeo(ctx context.Context) {
	if s.geo == nil {
		return
	}
	if _, err := s.geo.Purge(ctx, s.config.GeoRetention); err != nil {
		s.logger.Error("Failed to purge geo records", zap.Error(err))
	}
}
