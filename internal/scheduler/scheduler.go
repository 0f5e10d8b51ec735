// Package scheduler periodically syncs data sources whose sync schedule has
// elapsed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/sourcesync/internal/operation"
	"github.com/kalambet/sourcesync/internal/source"
	"github.com/kalambet/sourcesync/internal/storage"
)

// MetaSyncSchedule is the data source metadata key naming its schedule.
const MetaSyncSchedule = "syncSchedule"

// Schedule names how often a data source is synced automatically.
type Schedule string

const (
	Daily   Schedule = "DAILY"
	Weekly  Schedule = "WEEKLY"
	Monthly Schedule = "MONTHLY"
)

// Next returns the time of the next sync after last, or the zero time for an
// unknown schedule.
func (s Schedule) Next(last time.Time) time.Time {
	switch Schedule(strings.ToUpper(string(s))) {
	case Daily:
		return last.Add(24 * time.Hour)
	case Weekly:
		return last.AddDate(0, 0, 7)
	case Monthly:
		return last.AddDate(0, 1, 0)
	}
	return time.Time{}
}

// Valid reports whether s names a known schedule.
func (s Schedule) Valid() bool {
	switch Schedule(strings.ToUpper(string(s))) {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Lister pages through data sources.
type Lister interface {
	ListDataSources(ctx context.Context, limit, offset int) ([]storage.DataSource, error)
}

// Syncer starts a sync run.
type Syncer interface {
	Sync(ctx context.Context, dataSourceID string, manual bool) (storage.DataSource, error)
}

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to look for due sources. Default: 1 hour.
	CheckInterval time.Duration
	// PageSize is the number of sources read per query. Default: 100.
	PageSize int
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
}

// Scheduler triggers automatic syncs.
type Scheduler struct {
	list   Lister
	sync   Syncer
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func New(list Lister, sync Syncer, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{list: list, sync: sync, config: cfg, logger: logger, now: time.Now}
}

// Run checks for due sources on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.SyncDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncDue(ctx)
		}
	}
}

// Due reports whether ds has a schedule whose next run is at or before now.
// The schedule counts from the last automatic sync, or from creation when
// there has been none.
func Due(ds storage.DataSource, now time.Time) bool {
	schedule := Schedule(storage.StringValue(ds.Metadata, MetaSyncSchedule))
	last := ds.CreatedAt
	if ds.LastAutomaticSync != nil {
		last = *ds.LastAutomaticSync
	}
	next := schedule.Next(last)
	return !next.IsZero() && !now.Before(next)
}

// SyncDue syncs every due source once and returns how many syncs started.
func (s *Scheduler) SyncDue(ctx context.Context) int {
	now := s.now()
	started := 0
	for offset := 0; ; offset += s.config.PageSize {
		page, err := s.list.ListDataSources(ctx, s.config.PageSize, offset)
		if err != nil {
			s.logger.Error("scheduler: list data sources", "error", err)
			return started
		}
		for _, ds := range page {
			if ctx.Err() != nil {
				return started
			}
			if !Due(ds, now) {
				continue
			}
			if s.syncOne(ctx, ds) {
				started++
			}
		}
		if len(page) < s.config.PageSize {
			break
		}
	}
	if started > 0 {
		s.logger.Info("scheduler: automatic syncs started", "count", started)
	}
	return started
}

func (s *Scheduler) syncOne(ctx context.Context, ds storage.DataSource) bool {
	_, err := s.sync.Sync(ctx, ds.ID, false)
	var conflict *operation.ConflictError
	var unsupported *source.UnsupportedTypeError
	switch {
	case err == nil:
		return true
	case errors.As(err, &conflict), errors.As(err, &unsupported):
		s.logger.Debug("scheduler: skipping data source", "data_source_id", ds.ID, "error", err)
		return false
	default:
		// The run started and failed; its operation records why.
		s.logger.Warn("scheduler: sync failed", "data_source_id", ds.ID, "error", err)
		return true
	}
}
