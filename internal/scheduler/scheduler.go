// Package scheduler runs one channel: its detection loop plus a bounded pool
// of item pipelines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/detection"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/pkg/channels"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

var (
	// ErrNotRunning is returned for manual runs on a stopped scheduler.
	ErrNotRunning = errors.New("channel scheduler is not running")
	// ErrDuplicate is returned for a manual run of an already processed item
	// without force.
	ErrDuplicate = errors.New("item already processed")
	// ErrInFlight is returned when the item is already being processed.
	ErrInFlight = errors.New("item already in flight")
)

// Runner executes one item end to end. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error)
}

// Notifier receives channel events. *notify.Dispatcher satisfies it.
type Notifier interface {
	Notify(evt notify.Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Event) {}

// Options wires a Scheduler.
type Options struct {
	Channel     channels.ChannelConfig
	Engine      *detection.Engine
	Pipeline    Runner
	Credentials *credentials.Store
	Tracker     *status.Tracker
	Notifier    Notifier
	// Global caps in-flight pipelines across all channels. Nil means no cap.
	Global *semaphore.Weighted
	// GracePeriod is how long in-flight pipelines may keep running after
	// the scheduler is told to stop.
	GracePeriod time.Duration
	Log         logger.Logger
	Now         func() time.Time
}

// Scheduler is one channel's long-lived loop.
type Scheduler struct {
	channel  channels.ChannelConfig
	engine   *detection.Engine
	pipeline Runner
	creds    *credentials.Store
	tracker  *status.Tracker
	notifier Notifier
	global   *semaphore.Weighted
	slots    *semaphore.Weighted
	grace    time.Duration
	log      logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	workCtx  context.Context
	inFlight map[string]struct{}
	halted   bool
	wg       sync.WaitGroup
	faults   chan error
}

// New validates opts.
func New(opts Options) (*Scheduler, error) {
	if opts.Engine == nil || opts.Pipeline == nil || opts.Credentials == nil {
		return nil, fmt.Errorf("scheduler %s: engine, pipeline and credentials are required", opts.Channel.ID)
	}
	if opts.Tracker == nil {
		opts.Tracker = status.NewTracker(status.Options{})
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	concurrency := opts.Channel.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		channel:  opts.Channel,
		engine:   opts.Engine,
		pipeline: opts.Pipeline,
		creds:    opts.Credentials,
		tracker:  opts.Tracker,
		notifier: opts.Notifier,
		global:   opts.Global,
		slots:    semaphore.NewWeighted(int64(concurrency)),
		grace:    opts.GracePeriod,
		log:      logger.Ensure(opts.Log),
		now:      opts.Now,
		inFlight: make(map[string]struct{}),
		faults:   make(chan error, 1),
	}, nil
}

// ID returns the channel id.
func (s *Scheduler) ID() string { return s.channel.ID }

// Channel returns the channel configuration.
func (s *Scheduler) Channel() channels.ChannelConfig { return s.channel }

// Credentials returns the channel's credential store.
func (s *Scheduler) Credentials() *credentials.Store { return s.creds }

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run detects and processes items until ctx is done, then lets in-flight
// pipelines finish within the grace period before cancelling them. It returns
// an UnexpectedFault error when a pipeline worker panics.
func (s *Scheduler) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s already running", s.channel.ID)
	}
	s.running = true
	s.workCtx = workCtx
	s.mu.Unlock()

	// A fault raised while the previous run was draining belongs to that run.
	select {
	case <-s.faults:
	default:
	}

	s.tracker.Register(s.channel.ID, status.StateRunning)
	s.refreshHalted()
	s.log.InfoObj("channel scheduler started", "channel", map[string]any{
		"id":          s.channel.ID,
		"name":        s.channel.Name,
		"detect":      s.channel.DetectMethod,
		"publish":     s.channel.PublishMethod,
		"concurrency": s.channel.Concurrency,
	})

	detectCtx, cancelDetect := context.WithCancel(ctx)
	detectDone := make(chan error, 1)
	go func() { detectDone <- s.engine.Run(detectCtx, s.onCycle) }()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-s.faults:
			runErr = err
			break loop
		case err := <-detectDone:
			detectDone = nil
			if err != nil {
				runErr = err
				if domain.KindOf(err) != domain.KindConfigurationInvalid {
					runErr = domain.Wrap(domain.KindUnexpectedFault, "detect", err)
				}
				break loop
			}
		case item := <-s.engine.Items():
			if err := s.dispatch(ctx, item); err != nil && !errors.Is(err, ErrInFlight) {
				s.log.WarnObj("admitted item not started", "item", map[string]any{
					"source": item.SourceID,
					"error":  err.Error(),
				})
			}
		}
	}
	cancelDetect()
	if detectDone != nil {
		<-detectDone
	}

	s.mu.Lock()
	s.workCtx = nil
	s.mu.Unlock()
	s.drain(cancelWork)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	state := status.StateStopped
	switch {
	case domain.KindOf(runErr) == domain.KindConfigurationInvalid:
		state = status.StateInvalid
	case runErr != nil:
		state = status.StateCrashed
	}
	s.tracker.UpdateHealth(s.channel.ID, func(h *domain.ChannelHealth) {
		h.State = state
		if runErr != nil {
			h.LastError = runErr.Error()
		}
	})
	s.log.InfoObj("channel scheduler stopped", "channel", map[string]any{"id": s.channel.ID, "state": state})
	return runErr
}

// drain waits for pipelines, cancelling them once the grace period passes.
func (s *Scheduler) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if s.grace > 0 {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			s.log.WarnObj("grace period elapsed, cancelling pipelines", "channel", map[string]any{"id": s.channel.ID, "grace": s.grace.String()})
		}
	}
	cancelWork()
	<-done
}

// HandlePush forwards a push entry to the detection engine.
func (s *Scheduler) HandlePush(ctx context.Context, entry push.Entry) {
	if _, err := s.engine.HandlePush(ctx, entry); err != nil && ctx.Err() == nil {
		s.log.ErrorObj("push entry not admitted", "push", map[string]any{"video": entry.VideoID, "error": err.Error()})
	}
}

// Trigger starts a one-off run for rawURL outside detection. The freshness
// window does not apply; an already processed item needs force.
func (s *Scheduler) Trigger(rawURL string, force bool) (domain.ItemDescriptor, error) {
	s.mu.Lock()
	workCtx := s.workCtx
	s.mu.Unlock()
	if workCtx == nil {
		return domain.ItemDescriptor{}, ErrNotRunning
	}

	item, err := detection.ManualItem(s.channel.ID, rawURL, s.now())
	if err != nil {
		return domain.ItemDescriptor{}, err
	}
	v, err := s.engine.Gate().AdmitManual(item)
	if err != nil {
		return item, err
	}
	if v == detection.Duplicate && !force {
		return item, ErrDuplicate
	}
	s.log.InfoObj("manual run requested", "item", map[string]any{"source": item.SourceID, "force": force, "verdict": v})
	go func() {
		if err := s.dispatch(workCtx, item); err != nil {
			s.log.WarnObj("manual run not started", "item", map[string]any{"source": item.SourceID, "error": err.Error()})
		}
	}()
	return item, nil
}

// ReloadSession re-imports the destination session and resumes publishing
// when it validates.
func (s *Scheduler) ReloadSession() error {
	err := s.creds.Session.Reload()
	s.refreshHalted()
	if err != nil {
		return err
	}
	s.log.InfoObj("session reloaded", "channel", map[string]any{"id": s.channel.ID})
	return nil
}

// dispatch reserves a channel slot and a global slot, then runs item in the
// background. It blocks while the channel is at its concurrency limit.
func (s *Scheduler) dispatch(ctx context.Context, item domain.ItemDescriptor) error {
	s.mu.Lock()
	if s.workCtx == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if _, busy := s.inFlight[item.SourceID]; busy {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.inFlight[item.SourceID] = struct{}{}
	workCtx := s.workCtx
	s.wg.Add(1)
	s.mu.Unlock()

	unmark := func() {
		s.mu.Lock()
		delete(s.inFlight, item.SourceID)
		s.mu.Unlock()
	}
	abort := func(err error) error {
		unmark()
		s.wg.Done()
		return err
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return abort(err)
	}
	if s.global != nil {
		if err := s.global.Acquire(ctx, 1); err != nil {
			s.slots.Release(1)
			return abort(err)
		}
	}

	s.notifier.Notify(s.event(notify.KindItemDetected, notify.SeverityInfo, item, "new item detected via "+string(item.Source)))

	go func() {
		defer s.wg.Done()
		run, err := s.runItem(workCtx, item, func() {
			if s.global != nil {
				s.global.Release(1)
			}
			s.slots.Release(1)
			unmark()
		})
		s.finished(item, run, err)
	}()
	return nil
}

// runItem frees the item's slots before returning so outcome handling never
// holds capacity. A panic becomes an UnexpectedFault reported to Run.
func (s *Scheduler) runItem(ctx context.Context, item domain.ItemDescriptor, done func()) (run domain.PipelineRun, err error) {
	defer done()
	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.KindUnexpectedFault, "pipeline", "panic: %v", r)
			run = domain.PipelineRun{Item: item, Stage: domain.StageFailed, ErrorKind: domain.KindUnexpectedFault}
			s.log.ErrorObj("pipeline panic", "panic", map[string]any{"source": item.SourceID, "error": err.Error(), "stack": string(debug.Stack())})
			select {
			case s.faults <- err:
			default:
			}
		}
	}()
	return s.pipeline.Run(ctx, item)
}

func (s *Scheduler) finished(item domain.ItemDescriptor, run domain.PipelineRun, err error) {
	if err == nil {
		evt := s.event(notify.KindItemPublished, notify.SeverityInfo, item, "published as "+run.PlatformID)
		evt.Stage = string(run.Stage)
		s.notifier.Notify(evt)
		return
	}

	switch domain.KindOf(err) {
	case domain.KindCanceled:
		return
	case domain.KindSessionInvalid:
		if s.markHalted() {
			evt := s.event(notify.KindSessionInvalid, notify.SeverityError, item, "destination session needs a manual refresh: "+err.Error())
			evt.Stage = string(run.FailedAt)
			evt.ErrorKind = string(domain.KindSessionInvalid)
			s.notifier.Notify(evt)
			return
		}
		// Later items still report, so none vanish while publishing is halted.
		evt := s.event(notify.KindItemFailed, notify.SeverityWarning, item, "publishing halted until the session is reloaded: "+err.Error())
		evt.Stage = string(run.FailedAt)
		evt.ErrorKind = string(domain.KindSessionInvalid)
		s.notifier.Notify(evt)
		return
	}

	evt := s.event(notify.KindItemFailed, notify.SeverityError, item, err.Error())
	evt.Stage = string(run.FailedAt)
	evt.ErrorKind = string(run.ErrorKind)
	s.notifier.Notify(evt)
}

// markHalted flags publishing as halted and reports whether it was not
// halted before.
func (s *Scheduler) markHalted() bool {
	s.mu.Lock()
	first := !s.halted
	s.halted = true
	s.mu.Unlock()
	s.tracker.UpdateHealth(s.channel.ID, func(h *domain.ChannelHealth) { h.PublishHalted = true })
	return first
}

func (s *Scheduler) refreshHalted() {
	halted := !s.creds.Session.Valid()
	s.mu.Lock()
	s.halted = halted
	s.mu.Unlock()
	s.tracker.UpdateHealth(s.channel.ID, func(h *domain.ChannelHealth) { h.PublishHalted = halted })
}

func (s *Scheduler) onCycle(c detection.Cycle, err error) {
	if err == nil {
		s.tracker.ScanSucceeded(s.channel.ID)
		return
	}
	s.tracker.ScanFailed(s.channel.ID, err)
	s.log.WarnObj("poll cycle failed", "cycle", map[string]any{
		"channel": s.channel.ID,
		"kind":    domain.KindOf(err),
		"error":   err.Error(),
	})
}

func (s *Scheduler) event(kind notify.EventKind, sev notify.Severity, item domain.ItemDescriptor, summary string) notify.Event {
	evt := notify.NewEvent(kind, sev, s.channel.ID, summary)
	evt.ChannelName = s.channel.Name
	evt.ItemID = item.SourceID
	evt.URL = item.URL
	return evt
}
