package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/detection"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/internal/storage"
	"github.com/samvad-hq/vidrelay/pkg/channels"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

const testChannel = "UCchan"

type runFunc func(ctx context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error)

func (f runFunc) Run(ctx context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
	return f(ctx, item)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) count(kind notify.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	sched    *Scheduler
	notifier *recordingNotifier
	tracker  *status.Tracker
}

func newFixture(t *testing.T, concurrency int, grace time.Duration, run runFunc) *fixture {
	t.Helper()
	st, err := storage.NewStore(storage.TypeMemory, "", storage.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ch := channels.ChannelConfig{
		ID:           testChannel,
		Name:         "Test",
		DetectMethod: channels.DetectPush,
		Concurrency:  concurrency,
	}
	eng, err := detection.New(detection.Options{
		Channel: ch,
		Gate:    detection.NewGate(st, ch.ID, time.Hour, nil),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	session := credentials.NewStaticSession(credentials.SessionMaterial{
		Cookies: []credentials.Cookie{{Name: "sessionid", Value: "abc", Session: true}},
	}, []string{"sessionid"})

	f := &fixture{notifier: &recordingNotifier{}, tracker: status.NewTracker(status.Options{})}
	f.sched, err = New(Options{
		Channel:     ch,
		Engine:      eng,
		Pipeline:    run,
		Credentials: &credentials.Store{ChannelID: ch.ID, Session: session},
		Tracker:     f.tracker,
		Notifier:    f.notifier,
		Global:      semaphore.NewWeighted(4),
		GracePeriod: grace,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) start(t *testing.T) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	waitFor(t, "scheduler start", f.sched.Running)
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatalf("scheduler did not stop")
			return nil
		}
	}
}

func entry(id string) push.Entry {
	return push.Entry{VideoID: id, ChannelID: testChannel, Published: time.Now().Add(-time.Minute)}
}

func published(item domain.ItemDescriptor) domain.PipelineRun {
	return domain.PipelineRun{Item: item, Stage: domain.StagePublished, Outcome: domain.OutcomePublished, PlatformID: "p-" + item.SourceID}
}

func TestPushedItemIsPublished(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, 1, 0, func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		runs.Add(1)
		return published(item), nil
	})
	stop := f.start(t)

	f.sched.HandlePush(context.Background(), entry("vid1"))
	f.sched.HandlePush(context.Background(), entry("vid1"))
	waitFor(t, "publish notification", func() bool { return f.notifier.count(notify.KindItemPublished) == 1 })

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if f.notifier.count(notify.KindItemDetected) != 1 {
		t.Fatalf("detected notifications = %d", f.notifier.count(notify.KindItemDetected))
	}
	if h, _ := f.tracker.Health(testChannel); h.State != status.StateStopped {
		t.Fatalf("state = %s", h.State)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	var done atomic.Int32
	f := newFixture(t, 1, 0, func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return published(item), nil
	})
	stop := f.start(t)

	for _, id := range []string{"vid1", "vid2", "vid3"} {
		f.sched.HandlePush(context.Background(), entry(id))
	}
	waitFor(t, "three runs", func() bool { return done.Load() == 3 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestSessionInvalidNotifiesOnce(t *testing.T) {
	f := newFixture(t, 1, 0, func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		err := domain.Errorf(domain.KindSessionInvalid, "publish", "status 401")
		return domain.PipelineRun{Item: item, Stage: domain.StageFailed, FailedAt: domain.StagePublishing, ErrorKind: domain.KindSessionInvalid}, err
	})
	stop := f.start(t)

	f.sched.HandlePush(context.Background(), entry("vid1"))
	f.sched.HandlePush(context.Background(), entry("vid2"))
	waitFor(t, "halt", func() bool {
		h, _ := f.tracker.Health(testChannel)
		return h.PublishHalted
	})
	waitFor(t, "both runs", func() bool { return f.notifier.count(notify.KindItemDetected) == 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.notifier.count(notify.KindSessionInvalid); n != 1 {
		t.Fatalf("session notifications = %d, want 1", n)
	}
	if n := f.notifier.count(notify.KindItemFailed); n != 1 {
		t.Fatalf("item failures = %d, want 1 for the item after the halt", n)
	}
}

func TestHaltedItemsReportFailure(t *testing.T) {
	f := newFixture(t, 1, 0, func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		err := domain.Errorf(domain.KindSessionInvalid, "pipeline", "session invalidated")
		return domain.PipelineRun{Item: item, Stage: domain.StageFailed, FailedAt: domain.StageDetected, ErrorKind: domain.KindSessionInvalid}, err
	})
	stop := f.start(t)
	// Run re-reads the still valid session, so halt as a previous failure would.
	f.sched.markHalted()

	f.sched.HandlePush(context.Background(), entry("vid7"))
	waitFor(t, "item_failed", func() bool { return f.notifier.count(notify.KindItemFailed) == 1 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	var failed notify.Event
	for _, e := range f.notifier.events {
		if e.Kind == notify.KindItemFailed {
			failed = e
		}
	}
	if failed.ItemID != "vid7" || failed.ErrorKind != string(domain.KindSessionInvalid) || failed.Stage != string(domain.StageDetected) {
		t.Fatalf("event = %+v", failed)
	}
	for _, e := range f.notifier.events {
		if e.Kind == notify.KindSessionInvalid {
			t.Fatalf("halted channel re-sent session_invalid: %+v", e)
		}
	}
}

func TestTriggerManualRun(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, 1, 0, func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		runs.Add(1)
		return published(item), nil
	})
	if _, err := f.sched.Trigger("https://youtu.be/dQw4w9WgXcQ", false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}

	stop := f.start(t)
	item, err := f.sched.Trigger("https://youtu.be/dQw4w9WgXcQ", false)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if item.Source != domain.SourceManual || item.SourceID != "dQw4w9WgXcQ" {
		t.Fatalf("item = %+v", item)
	}
	waitFor(t, "first run", func() bool { return f.notifier.count(notify.KindItemPublished) == 1 })

	if _, err := f.sched.Trigger("dQw4w9WgXcQ", false); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if _, err := f.sched.Trigger("dQw4w9WgXcQ", true); err != nil {
		t.Fatalf("forced Trigger: %v", err)
	}
	waitFor(t, "forced run", func() bool { return f.notifier.count(notify.KindItemPublished) == 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
}

func TestWorkerPanicStopsScheduler(t *testing.T) {
	f := newFixture(t, 1, 0, func(context.Context, domain.ItemDescriptor) (domain.PipelineRun, error) {
		panic("boom")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	waitFor(t, "scheduler start", f.sched.Running)

	f.sched.HandlePush(context.Background(), entry("vid1"))
	select {
	case err := <-done:
		if domain.KindOf(err) != domain.KindUnexpectedFault {
			t.Fatalf("kind = %s (err=%v)", domain.KindOf(err), err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduler did not stop after panic")
	}
	if h, _ := f.tracker.Health(testChannel); h.State != status.StateCrashed {
		t.Fatalf("state = %s", h.State)
	}
}

type failingLister struct {
	calls atomic.Int32
	err   error
}

func (l *failingLister) List(context.Context, string, string, string) ([]domain.ItemDescriptor, error) {
	l.calls.Add(1)
	return nil, l.err
}

func TestListingConfigurationInvalidEndsRun(t *testing.T) {
	st, err := storage.NewStore(storage.TypeMemory, "", storage.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ch := channels.ChannelConfig{
		ID:                  testChannel,
		APIKeys:             []string{"key-a"},
		DetectMethod:        channels.DetectPoll,
		PollIntervalSeconds: 1,
	}
	lister := &failingLister{err: domain.Errorf(domain.KindConfigurationInvalid, "youtube.list", "playlistNotFound")}
	eng, err := detection.New(detection.Options{
		Channel: ch,
		Lister:  lister,
		Gate:    detection.NewGate(st, ch.ID, time.Hour, nil),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	session := credentials.NewStaticSession(credentials.SessionMaterial{
		Cookies: []credentials.Cookie{{Name: "sessionid", Value: "abc", Session: true}},
	}, []string{"sessionid"})
	pipe := runFunc(func(_ context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		return published(item), nil
	})
	tracker := status.NewTracker(status.Options{})
	sched, err := New(Options{
		Channel:     ch,
		Engine:      eng,
		Pipeline:    pipe,
		Credentials: &credentials.Store{ChannelID: ch.ID, Session: session},
		Tracker:     tracker,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()
	select {
	case err := <-done:
		if domain.KindOf(err) != domain.KindConfigurationInvalid {
			t.Fatalf("kind = %s (err=%v)", domain.KindOf(err), err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduler kept running after configuration_invalid")
	}
	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("lister calls = %d, want 1", n)
	}
	if h, _ := tracker.Health(testChannel); h.State != status.StateInvalid {
		t.Fatalf("state = %s", h.State)
	}
}

func TestGracePeriodThenCancel(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})
	f := newFixture(t, 1, 50*time.Millisecond, func(ctx context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return domain.PipelineRun{Item: item, Stage: domain.StageFailed}, ctx.Err()
	})
	stop := f.start(t)

	f.sched.HandlePush(context.Background(), entry("vid1"))
	<-started
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cancelled.Load() {
		t.Fatalf("pipeline was not cancelled after the grace period")
	}
	if n := f.notifier.count(notify.KindItemFailed); n != 0 {
		t.Fatalf("cancelled run must not notify, got %d", n)
	}
}
