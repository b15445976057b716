package domain

import (
	"fmt"
	"time"
)

// Domain contains core models shared across the pipeline.

// DetectionSource says which path discovered an item.
type DetectionSource string

const (
	SourcePush   DetectionSource = "push"
	SourcePoll   DetectionSource = "poll"
	SourceManual DetectionSource = "manual"
)

// ItemDescriptor identifies a discovered source item. SourceID is the dedup key.
type ItemDescriptor struct {
	ChannelID   string          `json:"channel_id"`
	SourceID    string          `json:"source_id"`
	Title       string          `json:"title,omitempty"`
	URL         string          `json:"url"`
	PublishedAt time.Time       `json:"published_at"`
	Source      DetectionSource `json:"source"`
}

// Fingerprint returns the dedup key for the item.
func (d ItemDescriptor) Fingerprint() string { return d.SourceID }

// WatchURL builds the canonical source URL for a video id.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// Stage is a PipelineRun state.
type Stage string

const (
	StageDetected   Stage = "detected"
	StageFetching   Stage = "fetching"
	StageFetched    Stage = "fetched"
	StageRendering  Stage = "rendering"
	StageRendered   Stage = "rendered"
	StagePublishing Stage = "publishing"
	StagePublished  Stage = "published"
	StageFailed     Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageDetected:   0,
	StageFetching:   1,
	StageFetched:    2,
	StageRendering:  3,
	StageRendered:   4,
	StagePublishing: 5,
	StagePublished:  6,
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool { return s == StagePublished || s == StageFailed }

// Outcome is the final result of a PipelineRun.
type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
)

// PipelineRun is one item's journey through the pipeline.
type PipelineRun struct {
	ID          string         `json:"id"`
	Item        ItemDescriptor `json:"item"`
	Stage       Stage          `json:"stage"`
	FailedAt    Stage          `json:"failed_at,omitempty"`
	MediaPath   string         `json:"media_path,omitempty"`
	Attempts    map[Stage]int  `json:"attempts,omitempty"`
	Outcome     Outcome        `json:"outcome,omitempty"`
	ErrorKind   Kind           `json:"error_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	RenderPlan  string         `json:"render_action,omitempty"`
	PlatformID  string         `json:"platform_id,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// NewPipelineRun starts a run in the Detected stage.
func NewPipelineRun(id string, item ItemDescriptor, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Item:      item,
		Stage:     StageDetected,
		Attempts:  make(map[Stage]int),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the run forward. Regressions and moves out of a terminal
// stage are rejected.
func (r *PipelineRun) Advance(next Stage, now time.Time) error {
	if r.Stage.Terminal() {
		return fmt.Errorf("run %s already terminal at %s", r.ID, r.Stage)
	}
	if next == StageFailed {
		return fmt.Errorf("use Fail to move run %s to failed", r.ID)
	}
	cur, ok := stageOrder[r.Stage]
	nxt, ok2 := stageOrder[next]
	if !ok || !ok2 || nxt <= cur {
		return fmt.Errorf("run %s cannot move from %s to %s", r.ID, r.Stage, next)
	}
	r.Stage = next
	r.UpdatedAt = now
	if next == StagePublished {
		r.Outcome = OutcomePublished
		r.CompletedAt = now
	}
	return nil
}

// Fail moves the run into the Failed terminal stage, recording where it stopped.
func (r *PipelineRun) Fail(err error, now time.Time) {
	if r.Stage.Terminal() {
		return
	}
	r.FailedAt = r.Stage
	r.Stage = StageFailed
	r.Outcome = OutcomeFailed
	r.ErrorKind = KindOf(err)
	if err != nil {
		r.Error = err.Error()
	}
	r.UpdatedAt = now
	r.CompletedAt = now
}

// RecordAttempt bumps the attempt counter for a stage.
func (r *PipelineRun) RecordAttempt(stage Stage) int {
	if r.Attempts == nil {
		r.Attempts = make(map[Stage]int)
	}
	r.Attempts[stage]++
	return r.Attempts[stage]
}

// Snapshot returns a copy safe to hand to other goroutines.
func (r *PipelineRun) Snapshot() PipelineRun {
	cp := *r
	cp.Attempts = make(map[Stage]int, len(r.Attempts))
	for k, v := range r.Attempts {
		cp.Attempts[k] = v
	}
	return cp
}

// ProgressEvent is emitted on every stage transition.
type ProgressEvent struct {
	RunID     string    `json:"run_id"`
	ChannelID string    `json:"channel_id"`
	SourceID  string    `json:"source_id"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	ErrorKind Kind      `json:"error_kind,omitempty"`
	At        time.Time `json:"at"`
}

// ChannelHealth summarizes a channel scheduler's state.
type ChannelHealth struct {
	ChannelID           string    `json:"channel_id"`
	State               string    `json:"state"`
	LastSuccessfulScan  time.Time `json:"last_successful_scan,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InFlight            int       `json:"in_flight"`
	PublishHalted       bool      `json:"publish_halted"`
	LastError           string    `json:"last_error,omitempty"`
	Restarts            int       `json:"restarts"`
}
