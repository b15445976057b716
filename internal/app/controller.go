package app

import (
	"fmt"

	"github.com/samvad-hq/vidrelay/internal/control"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/status"
)

var _ control.Controller = (*Orchestrator)(nil)

func (o *Orchestrator) lookup(id string) (*channelRuntime, error) {
	rt, ok := o.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, control.ErrUnknownChannel)
	}
	return rt, nil
}

// runnable returns the runtime for id when it has a scheduler.
func (o *Orchestrator) runnable(id string) (*channelRuntime, error) {
	rt, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	invalid := rt.invalid
	o.mu.Unlock()
	if invalid != nil {
		return nil, invalid
	}
	return rt, nil
}

// Summary implements control.Controller.
func (o *Orchestrator) Summary() control.Summary {
	o.mu.Lock()
	sum := control.Summary{
		StartedAt:         o.startedAt,
		Channels:          len(o.order),
		GlobalConcurrency: o.cfg.GlobalConcurrency,
	}
	sub, srv := o.subscriber, o.pushServer
	for _, id := range o.order {
		rt := o.runtimes[id]
		if rt.invalid != nil {
			sum.Invalid++
			continue
		}
		if rt.sched.Running() {
			sum.Running++
		}
	}
	o.mu.Unlock()

	for _, h := range o.tracker.All() {
		sum.InFlight += h.InFlight
	}
	if sub != nil {
		sum.PushCallback = sub.Callback()
	}
	if srv != nil {
		stats := srv.Snapshot()
		sum.Push = &stats
	}
	sum.NotificationsSent, sum.NotificationFailures = o.dispatcher.Stats()
	return sum
}

// Channels implements control.Controller.
func (o *Orchestrator) Channels() []control.ChannelView {
	out := make([]control.ChannelView, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.view(o.runtimes[id]))
	}
	return out
}

func (o *Orchestrator) view(rt *channelRuntime) control.ChannelView {
	v := control.ChannelView{
		ID:            rt.cfg.ID,
		Name:          rt.cfg.Name,
		Enabled:       rt.cfg.Active(),
		DetectMethod:  rt.cfg.DetectMethod,
		PublishMethod: rt.cfg.PublishMethod,
	}
	o.mu.Lock()
	if rt.invalid != nil {
		v.Invalid = rt.invalid.Error()
	}
	o.mu.Unlock()
	if rt.sched != nil {
		v.Running = rt.sched.Running()
	}
	if h, ok := o.tracker.Health(rt.cfg.ID); ok {
		v.Health = h
	}
	return v
}

// Channel implements control.Controller.
func (o *Orchestrator) Channel(id string) (control.ChannelDetail, error) {
	rt, err := o.lookup(id)
	if err != nil {
		return control.ChannelDetail{}, err
	}
	detail := control.ChannelDetail{ChannelView: o.view(rt)}
	if rt.creds == nil {
		return detail, nil
	}
	detail.Keys = rt.creds.Keys.Status()
	if _, err := rt.creds.Session.Current(); err != nil {
		detail.SessionError = err.Error()
	} else {
		detail.SessionValid = true
	}
	if sub := o.pushSubscriber(); sub != nil {
		for _, s := range sub.Snapshot() {
			if s.ChannelID == id {
				detail.Subscription = &s
				break
			}
		}
	}
	detail.Active = o.tracker.Active(id)
	runs, err := o.store.RecentRuns(id, recentRunsInDetail)
	if err != nil {
		o.log.WarnObj("recent runs unavailable", "error", err.Error())
	}
	detail.RecentRuns = runs
	return detail, nil
}

// Start implements control.Controller.
func (o *Orchestrator) Start(id string) error {
	rt, err := o.runnable(id)
	if err != nil {
		return err
	}
	if err := o.launch(rt); err != nil {
		return err
	}
	if sub := o.pushSubscriber(); sub != nil && rt.cfg.UsesPush() && !sub.Known(id) {
		o.mu.Lock()
		ctx := o.runCtx
		o.mu.Unlock()
		if ctx != nil {
			go func() { _ = sub.Subscribe(ctx, id) }()
		}
	}
	o.log.InfoObj("channel start requested", "channel", map[string]any{"id": id})
	return nil
}

// Stop implements control.Controller. It returns once the scheduler has been
// told to stop; in-flight pipelines drain within the grace period.
func (o *Orchestrator) Stop(id string) error {
	rt, err := o.runnable(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !rt.active() {
		return fmt.Errorf("channel %s not running: %w", id, control.ErrConflict)
	}
	rt.cancel()
	o.log.InfoObj("channel stop requested", "channel", map[string]any{"id": id})
	return nil
}

// Trigger implements control.Controller.
func (o *Orchestrator) Trigger(id, rawURL string, force bool) (domain.ItemDescriptor, error) {
	rt, err := o.runnable(id)
	if err != nil {
		return domain.ItemDescriptor{}, err
	}
	return rt.sched.Trigger(rawURL, force)
}

// ReloadSession implements control.Controller.
func (o *Orchestrator) ReloadSession(id string) error {
	rt, err := o.runnable(id)
	if err != nil {
		return err
	}
	return rt.sched.ReloadSession()
}

// Logs implements control.Controller.
func (o *Orchestrator) Logs(id string, limit int) ([]status.LogLine, error) {
	if _, err := o.lookup(id); err != nil {
		return nil, err
	}
	return o.tracker.Logs(id, limit), nil
}

// Events implements control.Controller.
func (o *Orchestrator) Events(id string, limit int) ([]domain.ProgressEvent, error) {
	if _, err := o.lookup(id); err != nil {
		return nil, err
	}
	return o.tracker.Events(id, limit), nil
}
