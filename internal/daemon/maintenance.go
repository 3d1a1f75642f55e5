package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper prunes completion markers older than a TTL
type Sweeper interface {
	Sweep(ttl time.Duration) int
}

// MaintenanceConfig holds maintenance configuration
type MaintenanceConfig struct {
	// Schedule is a cron spec or descriptor, e.g. "@every 5m"
	Schedule  string
	MarkerTTL time.Duration
	Sweeper   Sweeper
	Logger    zerolog.Logger
}

// Maintenance runs periodic housekeeping of the turn pipeline on a cron schedule
type Maintenance struct {
	cron    *cron.Cron
	entry   cron.EntryID
	ttl     time.Duration
	sweeper Sweeper
	logger  zerolog.Logger
}

// NewMaintenance parses the schedule and registers the marker sweep
func NewMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	if cfg.MarkerTTL <= 0 {
		return nil, fmt.Errorf("marker TTL must be positive")
	}

	m := &Maintenance{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ttl:     cfg.MarkerTTL,
		sweeper: cfg.Sweeper,
		logger:  cfg.Logger.With().Str("component", "maintenance").Logger(),
	}

	id, err := m.cron.AddFunc(cfg.Schedule, m.RunSweep)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	m.entry = id
	return m, nil
}

// RunSweep prunes stale completion markers once
func (m *Maintenance) RunSweep() {
	removed := m.sweeper.Sweep(m.ttl)
	m.logger.Debug().Int("removed", removed).Dur("ttl", m.ttl).Msg("Completion marker sweep finished")
}

// Next returns when the sweep runs next; zero before Start
func (m *Maintenance) Next() time.Time {
	return m.cron.Entry(m.entry).Next
}

// Start starts the schedule in the background
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop stops the schedule and waits for a running sweep, bounded by ctx
func (m *Maintenance) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
