package app

import (
	"context"
	"fmt"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/detection"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/fetch"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/media/ffprobe"
	"github.com/samvad-hq/vidrelay/internal/pipeline"
	"github.com/samvad-hq/vidrelay/internal/publish"
	"github.com/samvad-hq/vidrelay/internal/render"
	"github.com/samvad-hq/vidrelay/internal/retry"
	"github.com/samvad-hq/vidrelay/internal/scheduler"
	"github.com/samvad-hq/vidrelay/internal/status"
	"github.com/samvad-hq/vidrelay/pkg/channels"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
	"github.com/samvad-hq/vidrelay/pkg/notify"
)

// channelRuntime is everything built for one channel. invalid is set when the
// channel cannot run; cancel and done are set while a supervisor owns it.
type channelRuntime struct {
	cfg     channels.ChannelConfig
	sched   *scheduler.Scheduler
	creds   *credentials.Store
	invalid error

	cancel context.CancelFunc
	done   chan struct{}
}

func (o *Orchestrator) addInvalid(ch channels.ChannelConfig, err error) {
	if domain.KindOf(err) != domain.KindConfigurationInvalid {
		err = domain.Wrap(domain.KindConfigurationInvalid, "channel "+ch.ID, err)
	}
	o.order = append(o.order, ch.ID)
	o.runtimes[ch.ID] = &channelRuntime{cfg: ch, invalid: err}
	o.tracker.Register(ch.ID, status.StateInvalid)
	o.tracker.UpdateHealth(ch.ID, func(h *domain.ChannelHealth) { h.LastError = err.Error() })
}

// buildChannel wires the credential store, detection engine, pipeline and
// scheduler for a validated channel. Any error leaves the channel invalid.
func (o *Orchestrator) buildChannel(ctx context.Context, ch channels.ChannelConfig) (*channelRuntime, error) {
	cfg := o.cfg
	log := o.tracker.Logger(ch.ID, channelLogger(o.log, ch.ID))

	creds, err := credentials.NewStore(ch, credentials.Options{
		Cooldown:        cfg.CredentialCooldown,
		RequiredCookies: cfg.RequiredCookies(),
		Now:             o.now,
	})
	if err != nil {
		return nil, err
	}

	lister := o.opts.Lister
	if lister == nil && ch.UsesPoll() {
		lister = detection.NewYouTubeLister(detection.YouTubeOptions{
			Endpoint:  cfg.ListingEndpoint,
			UserAgent: ch.UserAgent,
		})
	}
	resolver := o.opts.Resolver
	if resolver == nil {
		client := httpclient.NewRestyClientWithOptions(httpclient.Options{
			Timeout:   cfg.HTTPTimeout,
			ProxyURL:  creds.ProxyURL(),
			UserAgent: ch.UserAgent,
		})
		resolver = detection.NewWatchPageResolver(client, cfg.MetadataBaseURL)
	}
	engine, err := detection.New(detection.Options{
		Channel:   ch,
		Keys:      creds.Keys,
		Lister:    lister,
		Resolver:  resolver,
		Gate:      detection.NewGate(o.store, ch.ID, ch.Freshness(), o.now),
		Log:       log,
		Now:       o.now,
		OnWarning: o.warningNotifier(ch),
	})
	if err != nil {
		return nil, err
	}

	publisher, err := o.opts.Publishers.Build(publish.Deps{
		Config:  cfg,
		Channel: ch,
		Store:   creds,
		Log:     log,
		Now:     o.now,
	}, o.retryRunner(cfg.PublishAttempts))
	if err != nil {
		return nil, err
	}

	fetcher := o.opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(cfg.YTDLPPath, log, fetch.WithProber(ffprobe.Binary(cfg.FFprobePath)))
	}
	renderer := o.opts.Renderer
	if renderer == nil {
		renderer = render.NewEngine(
			render.FFmpeg(cfg.FFmpegPath),
			ffprobe.Binary(cfg.FFprobePath),
			render.Range{Min: float64(cfg.RenderMinSeconds), Max: float64(cfg.RenderMaxSeconds)},
			render.Profile{
				Width:        cfg.RenderWidth,
				Height:       cfg.RenderHeight,
				VideoBitrate: cfg.RenderVideoBitrate,
				AudioBitrate: cfg.RenderAudioBitrate,
			},
			log,
		)
	}

	pipe, err := pipeline.New(pipeline.Options{
		Channel:     ch,
		Credentials: creds,
		Fetcher:     fetcher,
		Renderer:    renderer,
		Publisher:   publisher,
		FetchRetry:  o.retryRunner(cfg.FetchAttempts),
		WorkDir:     cfg.WorkDir,
		Recorder:    o.store,
		OnProgress:  o.tracker.Progress,
		Log:         log,
		Now:         o.now,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Options{
		Channel:     ch,
		Engine:      engine,
		Pipeline:    pipe,
		Credentials: creds,
		Tracker:     o.tracker,
		Notifier:    o.dispatcher,
		Global:      o.global,
		GracePeriod: cfg.GracePeriod,
		Log:         log,
		Now:         o.now,
	})
	if err != nil {
		return nil, err
	}

	if ch.Alerts != "" {
		alertCfgs, err := notify.ParseAlertDestinations(ch.ID, ch.Alerts)
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		sinks, err := notify.BuildAll(ctx, notify.DefaultRegistry(), alertCfgs, o.log)
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		o.dispatcher.AddChannelSinks(ch.ID, sinks...)
	}

	state := status.StateStopped
	if !creds.Session.Valid() {
		state = status.StateDegraded
	}
	o.tracker.Register(ch.ID, state)
	o.log.InfoObj("channel wired", "channel", map[string]any{
		"id":       ch.ID,
		"detect":   ch.DetectMethod,
		"publish":  ch.PublishMethod,
		"render":   ch.RenderEnabled(),
		"keys":     creds.Keys.Len(),
		"session":  creds.Session.Valid(),
		"proxy":    creds.Proxy != nil,
		"enabled":  ch.Active(),
		"interval": ch.PollInterval().String(),
	})
	return &channelRuntime{cfg: ch, sched: sched, creds: creds}, nil
}

// retryRunner bounds fetch and publish retries with the configured backoff.
func (o *Orchestrator) retryRunner(attempts int) retry.Runner {
	return retry.Runner{
		Config: retry.Config{
			MaxAttempts:    attempts,
			InitialBackoff: o.cfg.BackoffInitial,
			MaxBackoff:     o.cfg.BackoffMax,
			Multiplier:     2.0,
			JitterFraction: 0.2,
		},
		Classifier: domain.Retryable,
		Sleep:      o.sleep,
	}
}

func (o *Orchestrator) warningNotifier(ch channels.ChannelConfig) func(detection.Warning) {
	return func(w detection.Warning) {
		evt := notify.NewEvent(notify.KindChannelWarning, notify.SeverityWarning, ch.ID, w.Message)
		evt.ChannelName = ch.Name
		evt.Stage = string(domain.StageDetected)
		evt.ErrorKind = string(w.Kind)
		o.dispatcher.Notify(evt)
	}
}

func channelLogger(log logger.Logger, channelID string) logger.Logger {
	if z, ok := log.(*logger.ZapLogger); ok {
		return z.With(map[string]string{"channel_id": channelID})
	}
	return log
}
