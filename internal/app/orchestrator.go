package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/samvad-hq/vidrelay/internal/config"
	"github.com/samvad-hq/vidrelay/internal/control"
	"github.com/samvad-hq/vidrelay/internal/detection"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/pipeline"
	"github.com/samvad-hq/vidrelay/internal/publish"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/internal/retry"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/internal/storage"
	"github.com/samvad-hq/vidrelay/internal/tunnel"
	"github.com/samvad-hq/vidrelay/pkg/channels"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

const (
	lockFileName       = "vidrelay.lock"
	notifyQueueSize    = 256
	notifyCloseTimeout = 10 * time.Second
	recentRunsInDetail = 20
)

// Options replaces external collaborators. Zero values use the real tools
// named in the config.
type Options struct {
	Fetcher    pipeline.Fetcher
	Renderer   pipeline.Renderer
	Publishers publish.Registry
	Lister     detection.Lister
	Resolver   detection.Resolver
	// Sinks are added to the sinks loaded from config.
	Sinks []notify.Sink
	Now   func() time.Time
	Sleep retry.SleepFunc
}

// Orchestrator runs one Channel Scheduler per configured channel under a
// global concurrency cap, restarts crashed schedulers with backoff and serves
// the control surface.
type Orchestrator struct {
	cfg        *config.Config
	opts       Options
	registry   *channels.Registry
	store      storage.Store
	dispatcher *notify.Dispatcher
	tracker    *status.Tracker
	global     *semaphore.Weighted
	log        logger.Logger
	now        func() time.Time
	sleep      retry.SleepFunc

	order    []string
	runtimes map[string]*channelRuntime

	mu         sync.Mutex
	runCtx     context.Context
	startedAt  time.Time
	supervised sync.WaitGroup
	subscriber *push.Subscriber
	pushServer *push.Server
	tunnel     *tunnel.Tunnel
}

// New builds an orchestrator runtime from config files.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Publishers == nil {
		opts.Publishers = publish.DefaultRegistry()
	}

	registry, err := channels.LoadRegistry(cfg.ChannelsFile)
	if err != nil {
		return nil, fmt.Errorf("load channels registry: %w", err)
	}
	log.InfoObj("channels registry loaded", "channels_meta", map[string]any{
		"count":   len(registry.All()),
		"active":  len(registry.Active()),
		"invalid": len(registry.Invalid()),
		"ids":     registry.IDs(),
	})

	sinks, err := loadSinks(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, opts.Sinks...)
	dispatcher := notify.NewDispatcher(notify.NewFanout(sinks), log, notifyQueueSize)
	log.InfoObj("notification sinks loaded", "notify_meta", map[string]any{"count": len(sinks)})

	store, err := openStore(cfg)
	if err != nil {
		_ = dispatcher.Close(ctx)
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type":                     cfg.StorageType,
		"path":                     storePath(cfg),
		"seen_ttl_seconds":         int(cfg.SeenTTL.Seconds()),
		"cleanup_interval_seconds": int(cfg.StorageCleanupInterval.Seconds()),
	})

	o := &Orchestrator{
		cfg:        cfg,
		opts:       opts,
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		global:     semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		log:        log,
		now:        opts.Now,
		sleep:      opts.Sleep,
		runtimes:   make(map[string]*channelRuntime),
	}
	o.tracker = status.NewTracker(status.Options{Now: opts.Now})

	for _, ch := range registry.All() {
		rt, err := o.buildChannel(ctx, ch)
		if err != nil {
			o.addInvalid(ch, err)
			continue
		}
		o.order = append(o.order, ch.ID)
		o.runtimes[ch.ID] = rt
	}
	for _, inv := range registry.Invalid() {
		id := inv.ID
		if _, dup := o.runtimes[id]; dup || id == "" {
			id = fmt.Sprintf("%s#%d", inv.ID, inv.Index+1)
		}
		o.addInvalid(channels.ChannelConfig{ID: id, Name: id}, inv.Err)
	}
	return o, nil
}

// Run starts every enabled channel and blocks until ctx is cancelled, then
// gives in-flight pipelines the grace period before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o == nil || o.store == nil {
		return fmt.Errorf("orchestrator is not initialized")
	}
	defer o.closeStore()
	defer o.closeDispatcher()

	lock, err := o.acquireLock()
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			o.log.WarnObj("release lock failed", "error", err.Error())
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	o.mu.Lock()
	o.runCtx = gctx
	o.startedAt = o.now()
	o.mu.Unlock()

	o.reportInvalid()

	if err := o.startPush(gctx); err != nil {
		return err
	}
	defer o.closeTunnel()
	if o.cfg.ControlAddr != "" {
		srv := control.NewServer(o, o.cfg.ControlToken, o.log)
		if err := srv.Start(gctx, o.cfg.ControlAddr); err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
	}

	started := 0
	for _, id := range o.order {
		rt := o.runtimes[id]
		if rt.invalid != nil || !rt.cfg.Active() {
			continue
		}
		if err := o.launch(rt); err == nil {
			started++
		}
	}
	o.log.InfoObj("orchestrator running", "orchestrator_state", map[string]any{
		"channels":           len(o.order),
		"started":            started,
		"global_concurrency": o.cfg.GlobalConcurrency,
		"grace_period":       o.cfg.GracePeriod.String(),
	})

	if sub := o.pushSubscriber(); sub != nil {
		ids := o.pushChannelIDs()
		g.Go(func() error {
			sub.Maintain(gctx, ids)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		o.mu.Lock()
		o.runCtx = nil
		o.mu.Unlock()
		o.supervised.Wait()
		return nil
	})

	err = g.Wait()
	o.log.InfoObj("orchestrator stopped", "reason", ctx.Err())
	return err
}

func (o *Orchestrator) acquireLock() (*flock.Flock, error) {
	dir := o.cfg.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another vidrelay instance is already running")
	}
	return lock, nil
}

// reportInvalid notifies every channel that cannot run.
func (o *Orchestrator) reportInvalid() {
	for _, id := range o.order {
		rt := o.runtimes[id]
		if rt.invalid == nil {
			continue
		}
		o.log.ErrorObj("channel configuration invalid", "channel", map[string]any{"id": id, "error": rt.invalid.Error()})
		evt := notify.NewEvent(notify.KindConfigInvalid, notify.SeverityError, id, rt.invalid.Error())
		evt.ChannelName = rt.cfg.Name
		o.dispatcher.Notify(evt)
	}
}

func (o *Orchestrator) closeStore() {
	if o.store == nil {
		return
	}
	if err := o.store.Close(); err != nil {
		o.log.ErrorObj("storage close failed", "error", err)
	}
}

func (o *Orchestrator) closeDispatcher() {
	ctx, cancel := context.WithTimeout(context.Background(), notifyCloseTimeout)
	defer cancel()
	if err := o.dispatcher.Close(ctx); err != nil {
		o.log.WarnObj("notifications not flushed", "error", err.Error())
	}
}

func (o *Orchestrator) closeTunnel() {
	o.mu.Lock()
	t := o.tunnel
	o.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		o.log.WarnObj("tunnel close failed", "error", err.Error())
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	return storage.NewStore(cfg.StorageType, storePath(cfg), storage.Options{
		SeenTTL:         cfg.SeenTTL,
		CleanupInterval: cfg.StorageCleanupInterval,
	})
}

func storePath(cfg *config.Config) string {
	switch cfg.StorageType {
	case storage.TypeSQLite:
		return cfg.SQLitePath
	case storage.TypeBBolt:
		return cfg.BBoltPath
	}
	return ""
}

// loadSinks builds the shared sinks: the notifiers file plus the global
// alert destinations.
func loadSinks(ctx context.Context, cfg *config.Config, log logger.Logger) ([]notify.Sink, error) {
	var cfgs []notify.SinkConfig
	if cfg.NotifiersFile != "" {
		reg, err := notify.LoadRegistry(cfg.NotifiersFile)
		if err != nil {
			return nil, fmt.Errorf("load notifiers registry: %w", err)
		}
		cfgs = append(cfgs, reg.Enabled()...)
	}
	alerts, err := notify.ParseAlertDestinations("global", cfg.Alerts)
	if err != nil {
		return nil, fmt.Errorf("parse alerts: %w", err)
	}
	cfgs = append(cfgs, alerts...)
	sinks, err := notify.BuildAll(ctx, notify.DefaultRegistry(), cfgs, log)
	if err != nil {
		return nil, fmt.Errorf("build notification sinks: %w", err)
	}
	return sinks, nil
}
