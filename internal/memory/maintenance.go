package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axonhq/axon/internal/observability"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions, plus @every descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// MaintenanceConfig configures the periodic flush/archive job.
type MaintenanceConfig struct {
	// Schedule is a cron expression. Defaults to "@every 10m".
	Schedule string

	// FlushAge is how long a session may hold uncheckpointed messages
	// before the sweep flushes it. Defaults to 1 minute.
	FlushAge time.Duration

	// ArchiveAfter moves sessions idle past this horizon to archived.
	// 0 disables archiving.
	ArchiveAfter time.Duration

	// ArchiveBatch caps how many sessions one sweep archives.
	// Defaults to 100.
	ArchiveBatch int

	// SweepTimeout bounds one sweep. Defaults to 5 minutes.
	SweepTimeout time.Duration
}

// Maintenance periodically checkpoints dirty sessions and archives
// sessions idle beyond the configured horizon.
type Maintenance struct {
	store  *TieredStore
	logger *observability.Logger
	cfg    MaintenanceConfig
	cron   *cron.Cron
}

// NewMaintenance builds the maintenance job. Call Start to schedule it.
func NewMaintenance(store *TieredStore, logger *observability.Logger, cfg MaintenanceConfig) *Maintenance {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.FlushAge <= 0 {
		cfg.FlushAge = time.Minute
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 100
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}
	return &Maintenance{store: store, logger: logger, cfg: cfg}
}

// Start schedules the sweep. Returns an error if the cron expression does
// not parse.
func (m *Maintenance) Start() error {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(m.cfg.Schedule, m.sweep)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", m.cfg.Schedule, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info(context.Background(), "memory maintenance started", "schedule", m.cfg.Schedule)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.logger.Info(context.Background(), "memory maintenance stopped")
}

func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepTimeout)
	defer cancel()

	flushed, archived, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Warn(ctx, "maintenance sweep finished with errors",
			"flushed", flushed, "archived", archived, "error", err)
		return
	}
	if flushed > 0 || archived > 0 {
		m.logger.Info(ctx, "maintenance sweep complete", "flushed", flushed, "archived", archived)
	}
}

// RunOnce performs a single sweep: checkpoint sessions that have carried
// dirty messages past FlushAge, then archive sessions idle beyond
// ArchiveAfter. Failures on individual sessions are collected, not fatal.
func (m *Maintenance) RunOnce(ctx context.Context) (flushed, archived int, err error) {
	var errs []error

	for _, sessionID := range m.store.DirtySessions(m.cfg.FlushAge) {
		n, cerr := m.store.Checkpoint(ctx, sessionID)
		if cerr != nil {
			m.logger.Warn(ctx, "failed to flush dirty session", "session_id", sessionID, "error", cerr)
			errs = append(errs, fmt.Errorf("flush %s: %w", sessionID, cerr))
			continue
		}
		if n > 0 {
			flushed++
		}
	}

	if m.cfg.ArchiveAfter > 0 {
		cutoff := time.Now().UTC().Add(-m.cfg.ArchiveAfter)
		ids, serr := m.store.cold.StaleSessions(ctx, cutoff, m.cfg.ArchiveBatch)
		if serr != nil {
			errs = append(errs, serr)
		}
		for _, sessionID := range ids {
			if aerr := m.store.ArchiveSession(ctx, sessionID); aerr != nil {
				m.logger.Warn(ctx, "failed to archive session", "session_id", sessionID, "error", aerr)
				errs = append(errs, fmt.Errorf("archive %s: %w", sessionID, aerr))
				continue
			}
			archived++
		}
	}

	return flushed, archived, errors.Join(errs...)
}
