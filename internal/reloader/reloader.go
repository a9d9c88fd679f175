// Package reloader watches the host's plugin files and reloads changed
// plugins once a change has been seen by two consecutive scans.
package reloader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/config"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
	"github.com/fruitsalade/autoreload/internal/snapshot"
)

// DefaultName prefixes the instance display name.
const DefaultName = "autoreload"

var instanceCounter atomic.Uint32

// SettingsSource supplies the live settings. *config.Live satisfies it.
type SettingsSource interface {
	Current() config.Settings
}

// Config wires a Reloader to its collaborators.
type Config struct {
	Name      string
	Host      host.Host
	Scheduler host.Scheduler
	Settings  SettingsSource
	Events    *events.Broadcaster // optional
	Observers []Observer          // optional
}

// Reloader owns the polling worker. Start, Stop, Join, IsRunning and the
// detection time accessors are safe for concurrent use.
type Reloader struct {
	name      string
	host      host.Host
	sched     host.Scheduler
	settings  SettingsSource
	events    *events.Broadcaster
	observers []Observer
	scanner   *snapshot.Scanner

	stop *stopSignal

	// mu guards worker and the Idle/Running transition. Never held while
	// waiting for the worker.
	mu     sync.Mutex
	worker *worker

	lastDetection atomic.Int64 // unix nanoseconds

	// notifying counts observer goroutines that have not returned yet.
	notifying sync.WaitGroup

	// baseline is only touched by the worker goroutine.
	baseline *snapshot.Snapshot
}

type worker struct {
	done chan struct{}
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// New creates an idle reloader and takes the initial baseline snapshot.
// When that scan fails the first successful scan of the worker becomes
// the baseline instead.
func New(cfg Config) *Reloader {
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	id := instanceCounter.Add(1) & 0xffff

	r := &Reloader{
		name:      fmt.Sprintf("%s @ %04x", name, id),
		host:      cfg.Host,
		sched:     cfg.Scheduler,
		settings:  cfg.Settings,
		events:    cfg.Events,
		observers: cfg.Observers,
		stop:      newStopSignal(),
	}
	r.scanner = snapshot.NewScanner(cfg.Host, func(file string) bool {
		return r.settings.Current().Blacklisted(file)
	})
	r.resetDetectionTime()

	snap, err := r.scanner.Scan(context.Background())
	if err != nil {
		r.logger().Warn("initial scan failed", zap.Error(err))
	} else {
		r.baseline = snap
	}
	return r
}

// Name returns the instance display name.
func (r *Reloader) Name() string {
	return r.name
}

// IsRunning reports whether a worker exists and has not exited.
func (r *Reloader) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Reloader) runningLocked() bool {
	return r.worker != nil && r.worker.alive()
}

// Start spawns the worker unless one is alive. A worker that was told to
// stop but has not exited yet still counts as alive.
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return
	}
	r.stop.Clear()
	r.resetDetectionTime()
	w := &worker{done: make(chan struct{})}
	r.worker = w
	go r.loop(w)
}

// Stop asks the worker to exit. It does not wait.
func (r *Reloader) Stop() {
	r.stop.Set()
}

// Join waits for the current worker, if any, to exit, and then for every
// dispatched reload to reach its observers. A reload still queued on the
// host keeps Join waiting until the host runs or drops it.
func (r *Reloader) Join() {
	r.joinWorker()
	r.notifying.Wait()
}

func (r *Reloader) joinWorker() {
	r.mu.Lock()
	w := r.worker
	r.mu.Unlock()
	if w != nil {
		<-w.done
	}
}

// OnConfigChanged starts or stops the worker to match the enabled flag.
// When enabling while a worker is still winding down, it waits for that
// worker to exit first.
func (r *Reloader) OnConfigChanged() {
	if r.settings.Current().Enabled {
		if r.stop.IsSet() {
			r.joinWorker()
		}
		r.Start()
	} else {
		r.Stop()
	}
}

// NextDetection returns when the next detection is due and how long that is
// from now. remaining is negative when a detection is overdue.
func (r *Reloader) NextDetection() (at time.Time, remaining time.Duration) {
	last := time.Unix(0, r.lastDetection.Load())
	at = last.Add(r.settings.Current().DetectionInterval())
	return at, time.Until(at)
}

// PrettyNextDetection formats NextDetection for humans, in local time.
func (r *Reloader) PrettyNextDetection() string {
	at, remaining := r.NextDetection()
	return fmt.Sprintf("%s (%.1f seconds later)", at.Local().Format("2006-01-02 15:04:05"), remaining.Seconds())
}

func (r *Reloader) resetDetectionTime() {
	r.lastDetection.Store(time.Now().UnixNano())
}

func (r *Reloader) logger() *zap.Logger {
	return logging.L().With(zap.String("instance", r.name))
}

func (r *Reloader) publish(e events.Event) {
	e.Instance = r.name
	r.events.Publish(e)
}

func (r *Reloader) loop(w *worker) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := r.logger()
	log.Info(r.name + " started")
	metrics.SetWorkerRunning(true)
	r.publish(events.Event{Type: events.EventWorkerStarted})

	for {
		at, _ := r.NextDetection()
		if r.stop.Wait(time.Until(at)) {
			break
		}

		outcome, err := r.runCycle(ctx)
		r.resetDetectionTime()
		metrics.RecordCycle(outcome.String())

		switch outcome {
		case Skipped:
			if ctx.Err() == nil {
				logSkip(log, err)
			}
		case Fatal:
			log.Error("error ticking "+r.name, zap.Error(err))
			r.Stop()
		}
	}

	log.Info(r.name + " stopped")
	metrics.SetWorkerRunning(false)
	r.publish(events.Event{Type: events.EventWorkerStopped})
}
