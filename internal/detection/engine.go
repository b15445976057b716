package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// Warning is a channel-level condition that does not stop detection.
type Warning struct {
	Kind    domain.Kind `json:"kind"`
	Key     string      `json:"key,omitempty"`
	Message string      `json:"message"`
}

// Cycle summarizes one poll.
type Cycle struct {
	At        time.Time               `json:"at"`
	Listed    int                     `json:"listed"`
	Admitted  []domain.ItemDescriptor `json:"admitted,omitempty"`
	Stale     int                     `json:"stale"`
	Duplicate int                     `json:"duplicate"`
}

// Options wires an Engine.
type Options struct {
	Channel  channels.ChannelConfig
	Keys     *credentials.CredentialSet
	Lister   Lister
	Resolver Resolver
	Gate     *Gate
	// Limiter paces listing calls. Nil allows one call per second with a
	// burst of one per key.
	Limiter   *rate.Limiter
	Log       logger.Logger
	Now       func() time.Time
	OnWarning func(Warning)
	Buffer    int
}

// Engine is one channel's Detection Engine. Both paths feed the same gate
// and the same output channel.
type Engine struct {
	channel   channels.ChannelConfig
	keys      *credentials.CredentialSet
	lister    Lister
	resolver  Resolver
	gate      *Gate
	limiter   *rate.Limiter
	log       logger.Logger
	now       func() time.Time
	onWarning func(Warning)
	out       chan domain.ItemDescriptor
}

// New validates options and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Gate == nil {
		return nil, fmt.Errorf("detection: gate required")
	}
	if opts.Channel.UsesPoll() && opts.Lister == nil {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "detection", "poll enabled without a lister")
	}
	if opts.Keys == nil {
		opts.Keys = credentials.NewCredentialSet(opts.Channel.APIKeys, 0, opts.Now)
	}
	if opts.Limiter == nil {
		burst := opts.Keys.Len()
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Every(time.Second), burst)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Engine{
		channel:   opts.Channel,
		keys:      opts.Keys,
		lister:    opts.Lister,
		resolver:  opts.Resolver,
		gate:      opts.Gate,
		limiter:   opts.Limiter,
		log:       logger.Ensure(opts.Log),
		now:       opts.Now,
		onWarning: opts.OnWarning,
		out:       make(chan domain.ItemDescriptor, opts.Buffer),
	}, nil
}

// Items is the lazy stream of admitted items.
func (e *Engine) Items() <-chan domain.ItemDescriptor { return e.out }

// Gate exposes the admission gate for manual runs.
func (e *Engine) Gate() *Gate { return e.gate }

// Run polls at the channel interval until ctx is done. onCycle, if set, is
// called after every poll with its outcome. A ConfigurationInvalid listing
// error ends Run with that error; other failures are retried next interval.
func (e *Engine) Run(ctx context.Context, onCycle func(Cycle, error)) error {
	if !e.channel.UsesPoll() {
		<-ctx.Done()
		return nil
	}
	interval := e.channel.PollInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cycle, err := e.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if onCycle != nil {
			onCycle(cycle, err)
		}
		if domain.KindOf(err) == domain.KindConfigurationInvalid {
			return err
		}
		for _, item := range cycle.Admitted {
			if !e.emit(ctx, item) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one listing cycle and returns the admitted items, oldest first,
// without emitting them.
func (e *Engine) Poll(ctx context.Context) (Cycle, error) {
	cycle := Cycle{At: e.now()}
	items, err := e.list(ctx)
	if err != nil {
		return cycle, err
	}
	cycle.Listed = len(items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].PublishedAt.Before(items[j].PublishedAt) })

	for _, item := range items {
		if item.ChannelID == "" {
			item.ChannelID = e.channel.ID
		}
		v, err := e.gate.Admit(item)
		if err != nil {
			return cycle, err
		}
		switch v {
		case Admitted:
			cycle.Admitted = append(cycle.Admitted, item)
		case Duplicate:
			cycle.Duplicate++
		default:
			cycle.Stale++
		}
	}
	if len(cycle.Admitted) > 0 {
		e.log.InfoObj("poll admitted items", "cycle", map[string]any{
			"channel":  e.channel.ID,
			"admitted": len(cycle.Admitted),
			"listed":   cycle.Listed,
		})
	}
	return cycle, nil
}

// HandlePush resolves a push entry and emits it when admitted.
func (e *Engine) HandlePush(ctx context.Context, entry push.Entry) (Verdict, error) {
	if !e.channel.UsesPush() {
		return "", nil
	}
	if entry.ChannelID == "" {
		entry.ChannelID = e.channel.ID
	}
	item := domain.ItemDescriptor{
		ChannelID:   entry.ChannelID,
		SourceID:    entry.VideoID,
		Title:       entry.Title,
		URL:         domain.WatchURL(entry.VideoID),
		PublishedAt: entry.Published,
		Source:      domain.SourcePush,
	}
	if e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.log.WarnObj("push resolve failed, using feed data", "resolve", map[string]any{
				"channel": e.channel.ID,
				"video":   entry.VideoID,
				"error":   err.Error(),
			})
		}
		if resolved.SourceID != "" {
			item = resolved
		}
	}

	v, err := e.gate.Admit(item)
	if err != nil {
		return "", err
	}
	e.log.DebugObj("push entry gated", "push", map[string]any{"channel": e.channel.ID, "video": item.SourceID, "verdict": v})
	if v == Admitted {
		e.emit(ctx, item)
	}
	return v, nil
}

func (e *Engine) emit(ctx context.Context, item domain.ItemDescriptor) bool {
	select {
	case e.out <- item:
		return true
	case <-ctx.Done():
		e.log.WarnObj("admitted item dropped on shutdown", "item", item)
		return false
	}
}

func (e *Engine) list(ctx context.Context) ([]domain.ItemDescriptor, error) {
	keys := e.keys.Available()
	if len(keys) == 0 {
		return nil, e.allExhausted(nil)
	}
	if e.channel.ScanMethod == channels.ScanParallel && len(keys) > 1 {
		return e.listParallel(ctx, keys)
	}
	return e.listSequential(ctx, keys)
}

// listSequential tries keys in order, moving on only when a key fails.
func (e *Engine) listSequential(ctx context.Context, keys []string) ([]domain.ItemDescriptor, error) {
	var errs []error
	for _, key := range keys {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		items, err := e.lister.List(ctx, key, e.channel.ID, e.channel.ListingAPI)
		if err == nil {
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if domain.KindOf(err) == domain.KindConfigurationInvalid {
			return nil, err
		}
		e.keyFailed(key, err)
		errs = append(errs, err)
	}
	return nil, e.cycleFailed(errs)
}

type listResult struct {
	key   string
	items []domain.ItemDescriptor
	err   error
}

// listParallel queries every key at once and keeps the first success.
// Failures that arrive after a success are discarded.
func (e *Engine) listParallel(ctx context.Context, keys []string) ([]domain.ItemDescriptor, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan listResult, len(keys))
	for _, key := range keys {
		go func(key string) {
			if err := e.limiter.Wait(runCtx); err != nil {
				results <- listResult{key: key, err: err}
				return
			}
			items, err := e.lister.List(runCtx, key, e.channel.ID, e.channel.ListingAPI)
			results <- listResult{key: key, items: items, err: err}
		}(key)
	}

	var errs []error
	for range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.err == nil {
				return res.items, nil
			}
			if domain.KindOf(res.err) == domain.KindCanceled {
				continue
			}
			if domain.KindOf(res.err) == domain.KindConfigurationInvalid {
				return nil, res.err
			}
			e.keyFailed(res.key, res.err)
			errs = append(errs, res.err)
		}
	}
	return nil, e.cycleFailed(errs)
}

func (e *Engine) keyFailed(key string, err error) {
	var ke *KeyError
	if !errors.As(err, &ke) {
		e.log.WarnObj("listing call failed", "listing", map[string]any{
			"channel": e.channel.ID,
			"key":     credentials.MaskKey(key),
			"error":   err.Error(),
		})
		return
	}
	until := e.keys.MarkExhausted(key, ke.Reason)
	w := Warning{
		Kind:    domain.KindCredentialExhausted,
		Key:     credentials.MaskKey(key),
		Message: fmt.Sprintf("credential %s out of rotation until %s (%s): %v", credentials.MaskKey(key), until.UTC().Format(time.RFC3339), ke.Reason, ke.Err),
	}
	e.log.WarnObj("credential exhausted", "warning", w)
	if e.onWarning != nil {
		e.onWarning(w)
	}
}

func (e *Engine) cycleFailed(errs []error) error {
	if len(e.keys.Available()) == 0 {
		return e.allExhausted(errs)
	}
	return domain.Wrap(domain.KindTransientNetwork, "poll", errors.Join(errs...))
}

func (e *Engine) allExhausted(errs []error) error {
	err := domain.Errorf(domain.KindCredentialExhausted, "poll", "all %d credentials exhausted", e.keys.Len())
	if len(errs) > 0 {
		err = domain.Wrap(domain.KindCredentialExhausted, "poll", fmt.Errorf("all %d credentials exhausted: %w", e.keys.Len(), errors.Join(errs...)))
	}
	w := Warning{Kind: domain.KindCredentialExhausted, Message: err.Error()}
	if e.onWarning != nil {
		e.onWarning(w)
	}
	return err
}
