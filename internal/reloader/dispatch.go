package reloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

// ErrDropped is reported when the host's execution context discarded the
// request without running it, typically because the host shut down.
var ErrDropped = errors.New("reload request dropped by host")

// Report describes one dispatched reload after the host finished with it.
type Report struct {
	Instance    string
	StartedAt   time.Time
	Duration    time.Duration
	Request     host.ChangeRequest
	Differences []diff.Difference
	Err         error
}

// Observer is notified after every dispatched reload, successful or not.
// Calls happen on a goroutine separate from the worker.
type Observer interface {
	ReloadFinished(ctx context.Context, rep Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rep Report)

func (f ObserverFunc) ReloadFinished(ctx context.Context, rep Report) {
	f(ctx, rep)
}

// dispatch posts the change request to the host's execution context and
// waits for it, giving up as soon as the reloader is stopped.
func (r *Reloader) dispatch(res *diff.Result) {
	log := r.logger()
	r.logTriggered(res.Differences)
	for _, d := range res.Differences {
		metrics.RecordDifference(d.Reason.String())
	}

	req := res.Request()
	r.publish(events.Event{Type: events.EventReloadDispatched, Differences: res.Differences, Request: &req})

	rep := Report{
		Instance:    r.name,
		StartedAt:   time.Now(),
		Request:     req,
		Differences: res.Differences,
	}

	var (
		ran      bool
		applyErr error
	)
	applied := r.sched.Schedule(func() {
		ran = true
		applyErr = r.host.ApplyChanges(context.Background(), req)
	})

	r.notifying.Add(1)
	go func() {
		defer r.notifying.Done()
		<-applied
		rep.Duration = time.Since(rep.StartedAt)
		switch {
		case !ran:
			rep.Err = ErrDropped
			metrics.RecordDispatch("abandoned")
			log.Warn("auto plugin reload was not executed")
		case applyErr != nil:
			rep.Err = applyErr
			metrics.RecordDispatch("error")
			log.Error("auto plugin reload failed", zap.Error(applyErr))
		default:
			metrics.RecordDispatch("success")
			log.Debug("auto plugin reload done", zap.Duration("duration", rep.Duration))
		}
		if rep.Err != nil {
			r.publish(events.Event{Type: events.EventReloadFailed, Request: &req, Error: rep.Err.Error()})
		}
		r.notify(rep)
	}()

	select {
	case <-applied:
	case <-r.stop.Done():
		log.Info("stopped while waiting for plugin reload")
	}
}

func (r *Reloader) notify(rep Report) {
	for _, o := range r.observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger().Error("reload observer panicked", zap.String("panic", fmt.Sprint(p)))
				}
			}()
			o.ReloadFinished(context.Background(), rep)
		}()
	}
}

func (r *Reloader) logTriggered(diffs []diff.Difference) {
	log := r.logger()
	wd, _ := os.Getwd()

	log.Info("auto plugin reload triggered, changes:")
	for _, d := range diffs {
		msg := fmt.Sprintf("- %s: %s", displayPath(wd, d.Path), d.Reason)
		if d.PluginID != "" {
			msg += fmt.Sprintf(" (id=%s)", d.PluginID)
		}
		log.Info(msg)
	}
	log.Info("applying plugin changes")
}

// displayPath shortens p to a path relative to wd when p lies below it.
func displayPath(wd, p string) string {
	if wd == "" {
		return p
	}
	rel, err := filepath.Rel(wd, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}
