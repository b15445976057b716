package app

import (
	"context"
	"fmt"
	"time"

	"github.com/samvad-hq/vidrelay/internal/control"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/scheduler"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

// launch starts a supervisor for rt under the current run context.
func (o *Orchestrator) launch(rt *channelRuntime) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx == nil || o.runCtx.Err() != nil {
		return scheduler.ErrNotRunning
	}
	if rt.active() {
		return fmt.Errorf("channel %s: %w", rt.cfg.ID, control.ErrConflict)
	}
	ctx, cancel := context.WithCancel(o.runCtx)
	done := make(chan struct{})
	rt.cancel, rt.done = cancel, done
	o.supervised.Add(1)
	go func() {
		defer o.supervised.Done()
		defer close(done)
		defer cancel()
		o.supervise(ctx, rt)
	}()
	return nil
}

// active reports whether a supervisor still owns the runtime. Callers hold o.mu.
func (rt *channelRuntime) active() bool {
	if rt.done == nil {
		return false
	}
	select {
	case <-rt.done:
		return false
	default:
		return true
	}
}

// supervise runs the scheduler until ctx is done. An UnexpectedFault restarts
// it after a backoff that doubles up to the configured maximum and resets once
// a run outlasts that maximum.
func (o *Orchestrator) supervise(ctx context.Context, rt *channelRuntime) {
	id := rt.cfg.ID
	backoff := o.cfg.RestartBackoff
	for {
		started := o.now()
		err := o.runScheduler(ctx, rt)
		if err == nil || ctx.Err() != nil {
			return
		}
		if domain.KindOf(err) == domain.KindConfigurationInvalid {
			o.log.ErrorObj("channel stopped: configuration invalid", "channel", map[string]any{"id": id, "error": err.Error()})
			o.notifyChannel(rt, notify.KindConfigInvalid, notify.SeverityError, err)
			return
		}
		if o.now().Sub(started) > o.cfg.RestartBackoffMax {
			backoff = o.cfg.RestartBackoff
		}

		o.tracker.UpdateHealth(id, func(h *domain.ChannelHealth) {
			h.State = status.StateCrashed
			h.LastError = err.Error()
		})
		o.log.ErrorObj("channel scheduler crashed", "channel", map[string]any{
			"id":      id,
			"error":   err.Error(),
			"restart": backoff.String(),
		})
		o.notifyChannel(rt, notify.KindChannelFault, notify.SeverityError, err)

		if err := o.sleep(ctx, backoff); err != nil {
			return
		}
		backoff = nextBackoff(backoff, o.cfg.RestartBackoffMax)

		o.tracker.UpdateHealth(id, func(h *domain.ChannelHealth) { h.Restarts++ })
		o.log.WarnObj("channel scheduler restarting", "channel", map[string]any{"id": id})
		o.notifyChannel(rt, notify.KindChannelRestarted, notify.SeverityWarning, nil)
	}
}

// runScheduler turns a panic anywhere in the scheduler loop into an
// UnexpectedFault so the supervisor can restart it.
func (o *Orchestrator) runScheduler(ctx context.Context, rt *channelRuntime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.KindUnexpectedFault, "scheduler "+rt.cfg.ID, "panic: %v", r)
		}
	}()
	return rt.sched.Run(ctx)
}

func (o *Orchestrator) notifyChannel(rt *channelRuntime, kind notify.EventKind, sev notify.Severity, err error) {
	summary := string(kind)
	if err != nil {
		summary = err.Error()
	}
	evt := notify.NewEvent(kind, sev, rt.cfg.ID, summary)
	evt.ChannelName = rt.cfg.Name
	if err != nil {
		evt.ErrorKind = string(domain.KindOf(err))
	}
	o.dispatcher.Notify(evt)
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}
