package reloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fruitsalade/autoreload/internal/config"
	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
)

const waitTimeout = 3 * time.Second

type fakeHost struct {
	mu         sync.Mutex
	dir        string
	plugins    []host.Plugin
	changed    map[string]bool
	pluginsErr error
	applyErr   error
	panicOn    int
	calls      int
	applied    chan host.ChangeRequest
}

func newFakeHost(dir string) *fakeHost {
	return &fakeHost{
		dir:     dir,
		changed: make(map[string]bool),
		applied: make(chan host.ChangeRequest, 16),
	}
}

func (h *fakeHost) Plugins(context.Context) ([]host.Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.panicOn != 0 && h.calls >= h.panicOn {
		panic("plugin registry corrupted")
	}
	if h.pluginsErr != nil {
		return nil, h.pluginsErr
	}
	return append([]host.Plugin(nil), h.plugins...), nil
}

func (h *fakeHost) PluginDirectories(context.Context) ([]string, error) {
	return []string{h.dir}, nil
}

func (h *fakeHost) PluginFileChanged(_ context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed[id], nil
}

func (h *fakeHost) ApplyChanges(_ context.Context, req host.ChangeRequest) error {
	h.mu.Lock()
	err := h.applyErr
	h.mu.Unlock()
	h.applied <- req
	return err
}

func (h *fakeHost) set(fn func(h *fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

type syncScheduler struct{}

func (syncScheduler) Schedule(fn func()) <-chan struct{} {
	fn()
	done := make(chan struct{})
	close(done)
	return done
}

// stuckScheduler never runs anything until released.
type stuckScheduler struct {
	release chan struct{}
}

func (s stuckScheduler) Schedule(func()) <-chan struct{} {
	return s.release
}

func fastSettings() *config.Live {
	return config.NewLive(config.Settings{
		Enabled:              true,
		Permission:           config.PermissionOwner,
		DetectionIntervalSec: 0.02,
		ReloadDelaySec:       0.02,
	})
}

type fixture struct {
	dir    string
	host   *fakeHost
	events chan events.Event
	r      *Reloader
}

func newFixture(t *testing.T, settings *config.Live, sched host.Scheduler, setup func(f *fixture), observers ...Observer) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, host: newFakeHost(dir)}
	if setup != nil {
		setup(f)
	}
	if sched == nil {
		sched = syncScheduler{}
	}

	b := events.NewBroadcaster()
	f.events = b.Subscribe()
	t.Cleanup(func() { b.Unsubscribe(f.events) })

	f.r = New(Config{
		Host:      f.host,
		Scheduler: sched,
		Settings:  settings,
		Events:    b,
		Observers: observers,
	})
	t.Cleanup(func() {
		f.r.Stop()
		f.r.Join()
	})
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	touch(t, path, mtime)
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, ch chan events.Event, typ string) events.Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitApplied(t *testing.T, h *fakeHost) host.ChangeRequest {
	t.Helper()
	select {
	case req := <-h.applied:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ApplyChanges")
	}
	return host.ChangeRequest{}
}

func joinWithin(t *testing.T, r *Reloader) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Join did not return")
	}
}

var (
	t1 = time.Unix(1700000000, 0)
	t2 = time.Unix(1700000100, 0)
	t3 = time.Unix(1700000200, 0)
)

func TestNewUntrackedFileIsLoaded(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, nil)
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	req := waitApplied(t, f.host)

	if len(req.Load) != 1 || req.Load[0] != f.path("a.py") {
		t.Fatalf("Load = %v, want [%s]", req.Load, f.path("a.py"))
	}
	if len(req.Reload) != 0 || len(req.Unload) != 0 {
		t.Errorf("unexpected reload/unload: %+v", req)
	}

	select {
	case req := <-f.host.applied:
		t.Fatalf("unexpected second apply %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeletedPluginIsUnloaded(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, func(f *fixture) {
		writeFile(t, f.path("p1.py"), t1)
		f.host.plugins = []host.Plugin{{ID: "p1", Path: f.path("p1.py"), Kind: host.KindSolo}}
		f.host.changed["p1"] = true
	})

	if err := os.Remove(f.path("p1.py")); err != nil {
		t.Fatal(err)
	}
	f.r.Start()
	req := waitApplied(t, f.host)

	if len(req.Unload) != 1 || req.Unload[0] != "p1" {
		t.Fatalf("Unload = %v, want [p1]", req.Unload)
	}
	if len(req.Load) != 0 || len(req.Reload) != 0 {
		t.Errorf("unexpected load/reload: %+v", req)
	}
}

func TestTouchDuringDelayStillReloads(t *testing.T) {
	settings := config.NewLive(config.Settings{
		Enabled:              true,
		DetectionIntervalSec: 0.02,
		ReloadDelaySec:       0.3,
	})
	f := newFixture(t, settings, nil, func(f *fixture) {
		writeFile(t, f.path("b.py"), t1)
		f.host.plugins = []host.Plugin{{ID: "b", Path: f.path("b.py"), Kind: host.KindSolo}}
		f.host.changed["b"] = true
	})

	touch(t, f.path("b.py"), t2)
	f.r.Start()

	waitEvent(t, f.events, events.EventChangesDetected)
	touch(t, f.path("b.py"), t3)

	req := waitApplied(t, f.host)
	if len(req.Reload) != 1 || req.Reload[0] != "b" {
		t.Fatalf("Reload = %v, want [b]", req.Reload)
	}
}

func TestRevertDuringDelayIsTransient(t *testing.T) {
	settings := config.NewLive(config.Settings{
		Enabled:              true,
		DetectionIntervalSec: 0.02,
		ReloadDelaySec:       0.3,
	})
	f := newFixture(t, settings, nil, func(f *fixture) {
		writeFile(t, f.path("b.py"), t1)
		f.host.plugins = []host.Plugin{{ID: "b", Path: f.path("b.py"), Kind: host.KindSolo}}
		f.host.changed["b"] = true
	})

	touch(t, f.path("b.py"), t2)
	f.r.Start()

	detected := waitEvent(t, f.events, events.EventChangesDetected)
	if len(detected.Differences) != 1 || detected.Differences[0].Reason != diff.FileModified {
		t.Fatalf("unexpected differences %+v", detected.Differences)
	}
	// Back to the baseline mtime. The second scan differs from the first
	// but not from the baseline, so nothing is reloaded.
	touch(t, f.path("b.py"), t1)

	waitEvent(t, f.events, events.EventChangesTransient)

	// Later ticks compare against the second scan and see nothing new.
	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case req := <-f.host.applied:
			t.Fatalf("unexpected apply %+v", req)
		case e := <-f.events:
			if e.Type == events.EventChangesDetected {
				t.Fatalf("change detected again: %+v", e.Differences)
			}
		case <-timeout:
			return
		}
	}
}

func TestOracleDenialSuppressesReload(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, func(f *fixture) {
		writeFile(t, f.path("b.py"), t1)
		f.host.plugins = []host.Plugin{{ID: "b", Path: f.path("b.py"), Kind: host.KindSolo}}
	})

	touch(t, f.path("b.py"), t2)
	f.r.Start()

	select {
	case req := <-f.host.applied:
		t.Fatalf("unexpected apply %+v", req)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransientChangeIsNotDispatched(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(zap.NewNop()) })

	settings := config.NewLive(config.Settings{
		Enabled:              true,
		DetectionIntervalSec: 0.02,
		ReloadDelaySec:       0.3,
	})
	f := newFixture(t, settings, nil, nil)
	writeFile(t, f.path("c.py"), t1)

	f.r.Start()
	detected := waitEvent(t, f.events, events.EventChangesDetected)
	if len(detected.Differences) != 1 || detected.Differences[0].Reason != diff.FileAdded {
		t.Fatalf("unexpected differences %+v", detected.Differences)
	}
	if err := os.Remove(f.path("c.py")); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, f.events, events.EventChangesTransient)

	select {
	case req := <-f.host.applied:
		t.Fatalf("unexpected apply %+v", req)
	case <-time.After(100 * time.Millisecond):
	}

	if logs.FilterMessage("got no diff in second check").Len() == 0 {
		t.Error("expected second check log line")
	}
	if logs.FilterMessageSnippet("found 1 plugin file changes").Len() == 0 {
		t.Error("expected first check log line")
	}
}

func TestDispatchLogBlock(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(zap.NewNop()) })

	f := newFixture(t, fastSettings(), nil, func(f *fixture) {
		writeFile(t, f.path("p1.py"), t1)
		f.host.plugins = []host.Plugin{{ID: "p1", Path: f.path("p1.py"), Kind: host.KindSolo}}
		f.host.changed["p1"] = true
	})
	touch(t, f.path("p1.py"), t2)

	f.r.Start()
	waitApplied(t, f.host)

	var found bool
	for _, entry := range logs.All() {
		if strings.HasSuffix(entry.Message, "p1.py: file_modified (id=p1)") {
			found = true
			if entry.ContextMap()["instance"] != f.r.Name() {
				t.Errorf("log line missing instance field: %v", entry.ContextMap())
			}
		}
	}
	if !found {
		t.Error("expected a log line for the modified plugin")
	}
}

func TestStartTwiceRunsOneWorker(t *testing.T) {
	settings := config.NewLive(config.Settings{Enabled: true, DetectionIntervalSec: 60})
	f := newFixture(t, settings, nil, nil)

	f.r.Start()
	f.r.Start()
	if !f.r.IsRunning() {
		t.Fatal("expected reloader to be running")
	}

	waitEvent(t, f.events, events.EventWorkerStarted)
	select {
	case e := <-f.events:
		if e.Type == events.EventWorkerStarted {
			t.Fatal("second worker started")
		}
	case <-time.After(100 * time.Millisecond):
	}

	f.r.Stop()
	joinWithin(t, f.r)
	if f.r.IsRunning() {
		t.Error("expected reloader to be stopped after Join")
	}
	waitEvent(t, f.events, events.EventWorkerStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, nil)

	f.r.Stop()
	f.r.Stop()
	joinWithin(t, f.r)
	if f.r.IsRunning() {
		t.Fatal("never started reloader reports running")
	}

	f.r.Start()
	f.r.Stop()
	f.r.Stop()
	joinWithin(t, f.r)
	if f.r.IsRunning() {
		t.Fatal("expected reloader to be stopped")
	}

	// A stopped reloader can be started again.
	f.r.Start()
	if !f.r.IsRunning() {
		t.Fatal("expected restart to work")
	}
}

func TestCycleFailureStopsWorker(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, func(f *fixture) {
		// Call 1 is the initial scan in New.
		f.host.panicOn = 2
	})

	f.r.Start()
	joinWithin(t, f.r)
	if f.r.IsRunning() {
		t.Fatal("worker should stop itself after a fatal cycle")
	}
}

func TestHostErrorSkipsCycle(t *testing.T) {
	f := newFixture(t, fastSettings(), nil, nil)
	f.host.set(func(h *fakeHost) { h.pluginsErr = errors.New("registry busy") })
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	time.Sleep(100 * time.Millisecond)
	if !f.r.IsRunning() {
		t.Fatal("host errors must not stop the worker")
	}

	f.host.set(func(h *fakeHost) { h.pluginsErr = nil })
	req := waitApplied(t, f.host)
	if len(req.Load) != 1 {
		t.Fatalf("Load = %v", req.Load)
	}
}

func TestApplyFailureKeepsWorker(t *testing.T) {
	reports := make(chan Report, 4)
	obs := ObserverFunc(func(_ context.Context, rep Report) { reports <- rep })

	applyErr := errors.New("plugin failed to load")
	f := newFixture(t, fastSettings(), nil, func(f *fixture) {
		f.host.applyErr = applyErr
	}, obs)
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	failed := waitEvent(t, f.events, events.EventReloadFailed)
	if failed.Error != applyErr.Error() {
		t.Errorf("event error = %q", failed.Error)
	}

	select {
	case rep := <-reports:
		if !errors.Is(rep.Err, applyErr) {
			t.Errorf("report error = %v", rep.Err)
		}
		if rep.Instance != f.r.Name() {
			t.Errorf("report instance = %q", rep.Instance)
		}
		if len(rep.Request.Load) != 1 {
			t.Errorf("report request = %+v", rep.Request)
		}
	case <-time.After(waitTimeout):
		t.Fatal("observer not notified")
	}

	if !f.r.IsRunning() {
		t.Fatal("apply failure must not stop the worker")
	}
}

func TestStopDuringDelayAbortsCycle(t *testing.T) {
	settings := config.NewLive(config.Settings{
		Enabled:              true,
		DetectionIntervalSec: 0.02,
		ReloadDelaySec:       60,
	})
	f := newFixture(t, settings, nil, nil)
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	waitEvent(t, f.events, events.EventChangesDetected)
	f.r.Stop()
	joinWithin(t, f.r)

	select {
	case req := <-f.host.applied:
		t.Fatalf("unexpected apply %+v", req)
	default:
	}
}

func TestStopDuringPendingApply(t *testing.T) {
	reports := make(chan Report, 1)
	obs := ObserverFunc(func(_ context.Context, rep Report) { reports <- rep })

	sched := stuckScheduler{release: make(chan struct{})}
	f := newFixture(t, fastSettings(), sched, nil, obs)
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	waitEvent(t, f.events, events.EventReloadDispatched)
	f.r.Stop()

	// The worker exits while the apply is still queued on the host.
	exited := make(chan struct{})
	go func() {
		f.r.joinWorker()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(waitTimeout):
		t.Fatal("worker did not exit while the apply was pending")
	}

	close(sched.release)
	joinWithin(t, f.r)
	select {
	case rep := <-reports:
		if !errors.Is(rep.Err, ErrDropped) {
			t.Errorf("report error = %v, want ErrDropped", rep.Err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("observer not notified")
	}
}

func TestJoinWaitsForObservers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	obs := ObserverFunc(func(context.Context, Report) {
		close(entered)
		<-release
	})
	f := newFixture(t, fastSettings(), nil, nil, obs)
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	writeFile(t, f.path("a.py"), t1)

	f.r.Start()
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("observer not notified")
	}
	f.r.Stop()

	joined := make(chan struct{})
	go func() {
		f.r.Join()
		close(joined)
	}()
	select {
	case <-joined:
		t.Fatal("Join returned while an observer was still running")
	case <-time.After(100 * time.Millisecond):
	}

	unblock()
	select {
	case <-joined:
	case <-time.After(waitTimeout):
		t.Fatal("Join did not return after the observer finished")
	}
}

func TestOnConfigChanged(t *testing.T) {
	settings := config.NewLive(config.Settings{Enabled: true, DetectionIntervalSec: 60})
	f := newFixture(t, settings, nil, nil)

	f.r.OnConfigChanged()
	if !f.r.IsRunning() {
		t.Fatal("enabled settings should start the worker")
	}

	if _, err := settings.Update(func(s *config.Settings) { s.Enabled = false }); err != nil {
		t.Fatal(err)
	}
	f.r.OnConfigChanged()
	joinWithin(t, f.r)
	if f.r.IsRunning() {
		t.Fatal("disabled settings should stop the worker")
	}
}

func TestOnConfigChangedReenableRightAfterDisable(t *testing.T) {
	settings := config.NewLive(config.Settings{Enabled: true, DetectionIntervalSec: 60})
	f := newFixture(t, settings, nil, nil)
	f.r.OnConfigChanged()

	settings.Update(func(s *config.Settings) { s.Enabled = false })
	f.r.OnConfigChanged()
	settings.Update(func(s *config.Settings) { s.Enabled = true })
	f.r.OnConfigChanged()

	if !f.r.IsRunning() {
		t.Fatal("worker should run again after re-enabling")
	}
}

func TestNextDetection(t *testing.T) {
	settings := config.NewLive(config.Settings{DetectionIntervalSec: 10})
	f := newFixture(t, settings, nil, nil)

	at, remaining := f.r.NextDetection()
	if remaining <= 9*time.Second || remaining > 10*time.Second {
		t.Errorf("remaining = %v", remaining)
	}
	pretty := f.r.PrettyNextDetection()
	if !strings.HasPrefix(pretty, at.Local().Format("2006-01-02 15:04:05")) {
		t.Errorf("pretty = %q", pretty)
	}
	if !strings.HasSuffix(pretty, "seconds later)") {
		t.Errorf("pretty = %q", pretty)
	}
}

func TestInstanceNamesAreDistinct(t *testing.T) {
	a := newFixture(t, fastSettings(), nil, nil)
	b := newFixture(t, fastSettings(), nil, nil)

	if a.r.Name() == b.r.Name() {
		t.Fatalf("instance names collide: %q", a.r.Name())
	}
	if !strings.HasPrefix(a.r.Name(), DefaultName+" @ ") {
		t.Errorf("name = %q", a.r.Name())
	}
}

func TestDisplayPath(t *testing.T) {
	wd := filepath.FromSlash("/srv/host")
	tests := []struct {
		path string
		want string
	}{
		{filepath.FromSlash("/srv/host/plugins/a.py"), filepath.FromSlash("plugins/a.py")},
		{filepath.FromSlash("/opt/plugins/a.py"), filepath.FromSlash("/opt/plugins/a.py")},
		{filepath.FromSlash("/srv/host..x/a.py"), filepath.FromSlash("/srv/host..x/a.py")},
	}
	for _, tt := range tests {
		if got := displayPath(wd, tt.path); got != tt.want {
			t.Errorf("displayPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
