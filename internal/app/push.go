package app

import (
	"context"
	"fmt"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/internal/tunnel"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

// startPush brings up the hub callback endpoint when any enabled channel
// detects by push. The public URL is push_base_url or, failing that, the
// local ngrok agent's. Without a public URL push-only channels become invalid
// and channels that also poll keep polling.
func (o *Orchestrator) startPush(ctx context.Context) error {
	ids := o.pushChannelIDs()
	if len(ids) == 0 {
		return nil
	}

	base := o.cfg.PushBaseURL
	if base == "" {
		t := tunnel.New(tunnel.Options{
			APIURL:    o.cfg.TunnelAPIURL,
			Binary:    o.cfg.TunnelBinary,
			AuthToken: o.cfg.TunnelAuthToken,
		}, o.log)
		o.mu.Lock()
		o.tunnel = t
		o.mu.Unlock()
		url, err := t.Ensure(ctx, o.cfg.PushPort)
		if err != nil {
			o.pushUnavailable(ids, err)
			return nil
		}
		base = url
	}

	sub, err := push.NewSubscriber(push.SubscriberOptions{
		HubURL:   o.cfg.HubURL,
		Callback: base + o.cfg.PushPath,
		Secret:   o.cfg.PushSecret,
		Lease:    o.cfg.Lease,
		Timeout:  o.cfg.HTTPTimeout,
		Now:      o.now,
	}, o.log)
	if err != nil {
		o.pushUnavailable(ids, err)
		return nil
	}
	srv := push.NewServer(o.cfg.PushPath, o.cfg.PushSecret, sub, o.routePush, o.log)
	if err := srv.Start(ctx, fmt.Sprintf(":%d", o.cfg.PushPort)); err != nil {
		return err
	}

	o.mu.Lock()
	o.subscriber, o.pushServer = sub, srv
	o.mu.Unlock()
	o.log.InfoObj("push detection ready", "push", map[string]any{
		"callback": sub.Callback(),
		"channels": len(ids),
		"signed":   o.cfg.PushSecret != "",
	})
	return nil
}

// pushChannelIDs lists enabled, valid channels that detect by push.
func (o *Orchestrator) pushChannelIDs() []string {
	var ids []string
	for _, id := range o.order {
		rt := o.runtimes[id]
		if rt.invalid == nil && rt.cfg.Active() && rt.cfg.UsesPush() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) pushSubscriber() *push.Subscriber {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subscriber
}

func (o *Orchestrator) pushUnavailable(ids []string, cause error) {
	o.log.ErrorObj("push detection unavailable", "error", cause.Error())
	for _, id := range ids {
		rt := o.runtimes[id]
		if rt.cfg.UsesPoll() {
			evt := notify.NewEvent(notify.KindChannelWarning, notify.SeverityWarning, id, "push detection unavailable, polling only: "+cause.Error())
			evt.ChannelName = rt.cfg.Name
			o.dispatcher.Notify(evt)
			continue
		}
		err := domain.Wrap(domain.KindConfigurationInvalid, "push", cause)
		o.mu.Lock()
		rt.invalid = err
		o.mu.Unlock()
		o.tracker.Register(id, status.StateInvalid)
		o.tracker.UpdateHealth(id, func(h *domain.ChannelHealth) { h.LastError = err.Error() })
		o.notifyChannel(rt, notify.KindConfigInvalid, notify.SeverityError, err)
	}
}

// routePush hands a verified entry to its channel's scheduler. Entries for
// stopped channels are dropped; polling or a manual run picks them up later.
func (o *Orchestrator) routePush(ctx context.Context, e push.Entry) {
	rt, ok := o.runtimes[e.ChannelID]
	if !ok || rt.sched == nil || !rt.sched.Running() {
		o.log.DebugObj("push entry for idle channel", "entry", map[string]any{"channel": e.ChannelID, "video": e.VideoID})
		return
	}
	rt.sched.HandlePush(ctx, e)
}
