// Package history records every reload the reloader dispatched.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
	"github.com/fruitsalade/autoreload/internal/reloader"
	"github.com/fruitsalade/autoreload/internal/retry"
)

// Record is one dispatched reload.
type Record struct {
	ID          string
	Instance    string
	StartedAt   time.Time
	Duration    time.Duration
	Load        []string
	Reload      []string
	Unload      []string
	Differences []diff.Difference
	Error       string // empty on success
}

// FromReport converts a reloader report into a new record.
func FromReport(rep reloader.Report) Record {
	r := Record{
		ID:          uuid.NewString(),
		Instance:    rep.Instance,
		StartedAt:   rep.StartedAt,
		Duration:    rep.Duration,
		Load:        rep.Request.Load,
		Reload:      rep.Request.Reload,
		Unload:      rep.Request.Unload,
		Differences: rep.Differences,
	}
	if rep.Err != nil {
		r.Error = rep.Err.Error()
	}
	return r
}

// Store persists records.
type Store interface {
	Add(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Recorder writes a record for every finished reload. It is a
// reloader.Observer.
type Recorder struct {
	store Store
	retry retry.Config
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, retry: retry.DefaultConfig()}
}

func (r *Recorder) ReloadFinished(ctx context.Context, rep reloader.Report) {
	rec := FromReport(rep)
	cfg := r.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Debug("retrying history write",
			zap.String("id", rec.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
	err := retry.Do(ctx, cfg, func() error {
		return retry.Retryable(r.store.Add(ctx, rec))
	})
	metrics.RecordHistoryWrite(err == nil)
	if err != nil {
		logging.Warn("record reload history failed",
			zap.String("id", rec.ID), zap.Error(err))
	}
}
