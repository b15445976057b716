package push

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

// SubscriptionState tracks the hub handshake.
type SubscriptionState string

const (
	StatePending  SubscriptionState = "pending"
	StateVerified SubscriptionState = "verified"
	StateFailed   SubscriptionState = "failed"
	StateUnsubbed SubscriptionState = "unsubscribed"
)

const (
	renewFraction = 0.8
	maintainTick  = time.Minute
	defaultLease  = 5 * 24 * time.Hour
)

// Subscription is the hub-side registration for one channel.
type Subscription struct {
	ChannelID   string            `json:"channel_id"`
	Topic       string            `json:"topic"`
	State       SubscriptionState `json:"state"`
	Lease       time.Duration     `json:"lease"`
	RequestedAt time.Time         `json:"requested_at"`
	VerifiedAt  time.Time         `json:"verified_at,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// RenewAt is when the subscription should be refreshed.
func (s Subscription) RenewAt() time.Time {
	base := s.VerifiedAt
	if base.IsZero() {
		base = s.RequestedAt
	}
	return base.Add(time.Duration(float64(s.Lease) * renewFraction))
}

// SubscriberOptions configures the hub client.
type SubscriberOptions struct {
	HubURL   string
	Callback string
	Secret   string
	Lease    time.Duration
	Timeout  time.Duration
	Now      func() time.Time
}

// Subscriber registers channel topics with the hub and renews them before
// the lease runs out.
type Subscriber struct {
	client   *resty.Client
	hubURL   string
	callback string
	secret   string
	lease    time.Duration
	now      func() time.Time
	log      logger.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewSubscriber builds a Subscriber. Callback must be publicly reachable.
func NewSubscriber(opts SubscriberOptions, log logger.Logger) (*Subscriber, error) {
	if strings.TrimSpace(opts.HubURL) == "" {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "push", "hub url not configured")
	}
	if strings.TrimSpace(opts.Callback) == "" {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "push", "public callback url not configured")
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Subscriber{
		client:   httpclient.NewRestyHTTPClient(httpclient.Options{Timeout: opts.Timeout}),
		hubURL:   opts.HubURL,
		callback: opts.Callback,
		secret:   opts.Secret,
		lease:    opts.Lease,
		now:      opts.Now,
		log:      logger.Ensure(log),
		subs:     make(map[string]*Subscription),
	}, nil
}

// Callback returns the registered callback URL.
func (s *Subscriber) Callback() string { return s.callback }

// Subscribe asks the hub to start delivering notifications for channelID.
// The hub confirms asynchronously through the callback.
func (s *Subscriber) Subscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	sub, ok := s.subs[channelID]
	if !ok {
		sub = &Subscription{ChannelID: channelID, Topic: TopicURL(channelID)}
		s.subs[channelID] = sub
	}
	sub.State = StatePending
	sub.Lease = s.lease
	sub.RequestedAt = s.now()
	topic := sub.Topic
	s.mu.Unlock()

	err := s.request(ctx, "subscribe", topic)
	s.mu.Lock()
	if err != nil {
		sub.State = StateFailed
		sub.LastError = err.Error()
	} else {
		sub.LastError = ""
	}
	s.mu.Unlock()
	if err != nil {
		s.log.WarnObj("hub subscribe failed", "subscription", map[string]any{"channel": channelID, "error": err.Error()})
		return err
	}
	s.log.InfoObj("hub subscribe requested", "subscription", map[string]any{"channel": channelID, "callback": s.callback})
	return nil
}

// Unsubscribe removes channelID from the hub.
func (s *Subscriber) Unsubscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	sub, ok := s.subs[channelID]
	if ok {
		sub.State = StateUnsubbed
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.request(ctx, "unsubscribe", TopicURL(channelID))
}

func (s *Subscriber) request(ctx context.Context, mode, topic string) error {
	form := map[string]string{
		"hub.callback":      s.callback,
		"hub.topic":         topic,
		"hub.mode":          mode,
		"hub.verify":        "async",
		"hub.lease_seconds": strconv.FormatInt(int64(s.lease/time.Second), 10),
	}
	if s.secret != "" {
		form["hub.secret"] = s.secret
	}
	resp, err := s.client.R().SetContext(ctx).SetFormData(form).Post(s.hubURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Wrap(domain.KindTransientNetwork, "push."+mode, err)
	}
	switch resp.StatusCode() {
	case http.StatusAccepted, http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusTooManyRequests:
		return domain.RateLimited("push."+mode, 0, fmt.Errorf("hub status %d", resp.StatusCode()))
	default:
		kind := domain.KindTransientNetwork
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			kind = domain.KindConfigurationInvalid
		}
		return domain.Errorf(kind, "push."+mode, "hub status %d: %s", resp.StatusCode(), httpclient.Snippet(resp.Body()))
	}
}

// Confirm answers a hub verification request. It accepts only topics this
// subscriber asked for, in the mode it asked for.
func (s *Subscriber) Confirm(mode, topic string, leaseSeconds int64) bool {
	channelID := ChannelFromTopic(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[channelID]
	if !ok {
		return false
	}
	switch mode {
	case "subscribe":
		if sub.State == StateUnsubbed {
			return false
		}
		now := s.now()
		sub.State = StateVerified
		sub.VerifiedAt = now
		if leaseSeconds > 0 {
			sub.Lease = time.Duration(leaseSeconds) * time.Second
		}
		sub.ExpiresAt = now.Add(sub.Lease)
		sub.LastError = ""
		return true
	case "unsubscribe":
		return sub.State == StateUnsubbed
	case "denied":
		sub.State = StateFailed
		sub.LastError = "hub denied subscription"
		return true
	default:
		return false
	}
}

// Known reports whether channelID has an active or pending subscription.
func (s *Subscriber) Known(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[channelID]
	return ok && sub.State != StateUnsubbed
}

// Due returns channels whose subscription needs renewing at now.
func (s *Subscriber) Due(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sub := range s.subs {
		switch sub.State {
		case StateFailed:
			if now.Sub(sub.RequestedAt) >= maintainTick {
				out = append(out, id)
			}
		case StatePending, StateVerified:
			if !now.Before(sub.RenewAt()) {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Maintain subscribes every channel, then renews each one before its lease
// expires until ctx is done.
func (s *Subscriber) Maintain(ctx context.Context, channelIDs []string) {
	for _, id := range channelIDs {
		_ = s.Subscribe(ctx, id)
	}
	ticker := time.NewTicker(maintainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.Due(s.now()) {
				_ = s.Subscribe(ctx, id)
			}
		}
	}
}

// Snapshot returns a copy of all subscriptions ordered by channel.
func (s *Subscriber) Snapshot() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}
