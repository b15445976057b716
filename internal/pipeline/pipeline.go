// Package pipeline drives one detected item through fetch, render and
// publish. Every run ends Published or Failed and leaves no temporary media.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/fetch"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/publish"
	"github.com/samvad-hq/vidrelay/internal/render"
	"github.com/samvad-hq/vidrelay/internal/retry"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// Fetcher downloads source media.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Media, error)
}

// Renderer normalizes media duration.
type Renderer interface {
	Render(ctx context.Context, in, outDir, policy string) (render.Output, error)
}

// Recorder persists terminal runs. storage.Store satisfies it.
type Recorder interface {
	RecordRun(run domain.PipelineRun) error
}

// Options wires a Pipeline for one channel.
type Options struct {
	Channel     channels.ChannelConfig
	Credentials *credentials.Store
	Fetcher     Fetcher
	Renderer    Renderer
	Publisher   publish.Publisher
	// FetchRetry bounds download attempts. Its classifier defaults to
	// domain.Retryable.
	FetchRetry retry.Runner
	// WorkDir is the parent of each run's scoped temp dir. Empty means os.TempDir.
	WorkDir    string
	Recorder   Recorder
	OnProgress func(domain.ProgressEvent)
	Log        logger.Logger
	Now        func() time.Time
	NewID      func() string
}

// Pipeline runs items for a single channel. It is safe for concurrent use;
// each Run owns its own PipelineRun and temp dir.
type Pipeline struct {
	channel    channels.ChannelConfig
	creds      *credentials.Store
	fetcher    Fetcher
	renderer   Renderer
	publisher  publish.Publisher
	fetchRetry retry.Runner
	workDir    string
	recorder   Recorder
	onProgress func(domain.ProgressEvent)
	log        logger.Logger
	now        func() time.Time
	newID      func() string
}

// New validates opts.
func New(opts Options) (*Pipeline, error) {
	if opts.Fetcher == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("pipeline: fetcher and publisher are required")
	}
	if opts.Renderer == nil && opts.Channel.RenderEnabled() {
		return nil, fmt.Errorf("pipeline: renderer required when rendering is enabled")
	}
	if opts.Credentials == nil || opts.Credentials.Session == nil {
		return nil, fmt.Errorf("pipeline: credential store with session required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Pipeline{
		channel:    opts.Channel,
		creds:      opts.Credentials,
		fetcher:    opts.Fetcher,
		renderer:   opts.Renderer,
		publisher:  opts.Publisher,
		fetchRetry: opts.FetchRetry,
		workDir:    opts.WorkDir,
		recorder:   opts.Recorder,
		onProgress: opts.OnProgress,
		log:        logger.Ensure(opts.Log),
		now:        opts.Now,
		newID:      opts.NewID,
	}, nil
}

// Run drives item to a terminal stage. The returned run is a snapshot; err is
// the cause when the run failed.
func (p *Pipeline) Run(ctx context.Context, item domain.ItemDescriptor) (domain.PipelineRun, error) {
	run := domain.NewPipelineRun(p.newID(), item, p.now())
	p.emit(run, "", domain.StageDetected, nil)

	err := p.execute(ctx, run)
	if err != nil {
		from := run.Stage
		run.Fail(err, p.now())
		p.emit(run, from, domain.StageFailed, err)
	}

	snap := run.Snapshot()
	if p.recorder != nil {
		if recErr := p.recorder.RecordRun(snap); recErr != nil {
			p.log.ErrorObj("record run failed", "run", map[string]any{"run_id": run.ID, "error": recErr.Error()})
		}
	}

	fields := map[string]any{
		"run_id":   snap.ID,
		"channel":  item.ChannelID,
		"source":   item.SourceID,
		"outcome":  snap.Outcome,
		"attempts": snap.Attempts,
		"render":   snap.RenderPlan,
		"duration": snap.CompletedAt.Sub(snap.StartedAt).String(),
	}
	if err != nil {
		fields["failed_at"] = snap.FailedAt
		fields["error_kind"] = snap.ErrorKind
		fields["error"] = snap.Error
		p.log.ErrorObj("pipeline run failed", "run", fields)
		return snap, err
	}
	fields["platform_id"] = snap.PlatformID
	p.log.InfoObj("pipeline run published", "run", fields)
	return snap, nil
}

func (p *Pipeline) execute(ctx context.Context, run *domain.PipelineRun) error {
	if _, err := p.creds.Session.Current(); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(p.workDir, "run-*")
	if err != nil {
		return domain.Wrap(domain.KindUnexpectedFault, "pipeline.workdir", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.log.ErrorObj("temp media cleanup failed", "cleanup", map[string]any{"run_id": run.ID, "dir": dir, "error": rmErr.Error()})
		}
		run.MediaPath = ""
	}()

	if err := p.advance(run, domain.StageFetching); err != nil {
		return err
	}
	media, err := p.fetch(ctx, run, dir)
	if err != nil {
		return err
	}
	run.MediaPath = media.Path
	if err := p.advance(run, domain.StageFetched); err != nil {
		return err
	}

	if err := p.advance(run, domain.StageRendering); err != nil {
		return err
	}
	path, err := p.render(ctx, run, media.Path, dir)
	if err != nil {
		return err
	}
	run.MediaPath = path
	if err := p.advance(run, domain.StageRendered); err != nil {
		return err
	}

	if err := p.advance(run, domain.StagePublishing); err != nil {
		return err
	}
	res, err := p.publish(ctx, run, path)
	if err != nil {
		return err
	}
	run.PlatformID = res.PlatformID
	return p.advance(run, domain.StagePublished)
}

func (p *Pipeline) fetch(ctx context.Context, run *domain.PipelineRun, dir string) (fetch.Media, error) {
	req := fetch.Request{
		URL:         run.Item.URL,
		Dir:         dir,
		Format:      p.channel.VideoFormat,
		CookiesFile: p.channel.SourceCookiesFile,
		ProxyURL:    p.creds.ProxyURL(),
		UserAgent:   p.creds.UserAgent,
	}
	if req.URL == "" {
		req.URL = domain.WatchURL(run.Item.SourceID)
	}

	runner := p.fetchRetry
	onRetry := runner.OnRetry
	runner.OnRetry = func(a retry.Attempt) {
		p.log.WarnObj("fetch retry scheduled", "attempt", map[string]any{
			"run_id": run.ID,
			"number": a.Number,
			"delay":  a.Delay.String(),
			"error":  a.Err.Error(),
		})
		if onRetry != nil {
			onRetry(a)
		}
	}

	var media fetch.Media
	err := runner.Do(ctx, func(ctx context.Context) error {
		run.RecordAttempt(domain.StageFetching)
		m, err := p.fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		media = m
		return nil
	})
	return media, err
}

func (p *Pipeline) render(ctx context.Context, run *domain.PipelineRun, in, dir string) (string, error) {
	if !p.channel.RenderEnabled() {
		run.RenderPlan = string(render.ActionSkipped)
		return in, nil
	}
	run.RecordAttempt(domain.StageRendering)
	out, err := p.renderer.Render(ctx, in, dir, p.channel.RenderPolicy)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if domain.KindOf(err) == domain.KindUnexpectedFault {
			return "", err
		}
		return "", domain.Wrap(domain.KindContentDefect, "pipeline.render", err)
	}
	run.RenderPlan = string(out.Plan.Action)
	if out.Plan.Override {
		p.log.WarnObj("render policy override applied", "render", map[string]any{
			"run_id": run.ID,
			"policy": p.channel.RenderPolicy,
			"action": out.Plan.Action,
			"reason": out.Plan.Reason,
		})
	}
	return out.Path, nil
}

func (p *Pipeline) publish(ctx context.Context, run *domain.PipelineRun, path string) (publish.Result, error) {
	session, err := p.creds.Session.Current()
	if err != nil {
		return publish.Result{}, err
	}
	media := publish.Media{
		Path:      path,
		Title:     run.Item.Title,
		SourceID:  run.Item.SourceID,
		SourceURL: run.Item.URL,
	}
	res, err := p.publisher.Publish(ctx, media, session)
	if err != nil {
		run.Attempts[domain.StagePublishing] += publish.AttemptsOf(err)
		if domain.KindOf(err) == domain.KindSessionInvalid {
			p.creds.Session.Invalidate(err)
		}
		return publish.Result{}, err
	}
	run.Attempts[domain.StagePublishing] += res.Attempts
	return res, nil
}

func (p *Pipeline) advance(run *domain.PipelineRun, next domain.Stage) error {
	from := run.Stage
	if err := run.Advance(next, p.now()); err != nil {
		return domain.Wrap(domain.KindUnexpectedFault, "pipeline.advance", err)
	}
	p.emit(run, from, next, nil)
	return nil
}

func (p *Pipeline) emit(run *domain.PipelineRun, from, to domain.Stage, err error) {
	if p.onProgress == nil {
		return
	}
	evt := domain.ProgressEvent{
		RunID:     run.ID,
		ChannelID: run.Item.ChannelID,
		SourceID:  run.Item.SourceID,
		From:      from,
		To:        to,
		At:        p.now(),
	}
	if err != nil {
		evt.ErrorKind = domain.KindOf(err)
	}
	p.onProgress(evt)
}
