package reloader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

// Outcome is the result of one detection cycle. Scan and host query
// errors are Skipped rather than Fatal, so a host that is briefly
// unavailable does not stop the worker.
type Outcome int

const (
	// Completed means the cycle ran to a commit, with or without a reload.
	Completed Outcome = iota
	// Skipped means nothing was committed; the next tick retries.
	Skipped
	// Fatal stops the worker.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var errStopped = errors.New("reloader stopped")

// runCycle turns a panic anywhere in the cycle into a Fatal outcome.
func (r *Reloader) runCycle(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = Fatal, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.checkAndReload(ctx)
}

// checkAndReload runs one debounced detection. A change must be visible in
// two scans separated by the reload delay, both compared against the same
// baseline, before it is dispatched.
func (r *Reloader) checkAndReload(ctx context.Context) (Outcome, error) {
	if r.baseline == nil {
		snap, err := r.scanner.Scan(ctx)
		if err != nil {
			return Skipped, err
		}
		r.baseline = snap
		return Completed, nil
	}

	first, err := r.check(ctx)
	if err != nil {
		return Skipped, err
	}
	if first.Empty() {
		r.baseline = first.Snapshot
		return Completed, nil
	}

	r.logger().Info(fmt.Sprintf("found %d plugin file changes", len(first.Differences)))
	r.publish(events.Event{Type: events.EventChangesDetected, Differences: first.Differences})

	if r.stop.Wait(r.settings.Current().ReloadDelay()) {
		return Skipped, errStopped
	}

	second, err := r.check(ctx)
	if err != nil {
		return Skipped, err
	}
	r.baseline = second.Snapshot

	if second.Empty() {
		r.logger().Info("got no diff in second check")
		metrics.RecordTransientChange()
		r.publish(events.Event{Type: events.EventChangesTransient, Differences: first.Differences})
		return Completed, nil
	}

	r.dispatch(second)
	return Completed, nil
}

func (r *Reloader) check(ctx context.Context) (*diff.Result, error) {
	snap, err := r.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan plugin files: %w", err)
	}
	return diff.Compute(ctx, r.baseline, snap, r.host), nil
}

// logSkip stays quiet for cycles interrupted by Stop.
func logSkip(log *zap.Logger, err error) {
	if err == nil || errors.Is(err, errStopped) {
		return
	}
	log.Warn("detection cycle skipped", zap.Error(err))
}
