// Package control exposes the operator surface over HTTP: channel status and
// logs, start/stop, manual runs and session reloads.
package control

import (
	"errors"
	"time"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/push"
	"github.com/samvad-hq/vidrelay/internal/status"
)

// ErrUnknownChannel is returned for ids not in the registry.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrConflict marks requests that clash with the channel's current state.
var ErrConflict = errors.New("conflict")

// Controller is implemented by the orchestrator.
type Controller interface {
	Summary() Summary
	Channels() []ChannelView
	Channel(id string) (ChannelDetail, error)
	Start(id string) error
	Stop(id string) error
	Trigger(id, rawURL string, force bool) (domain.ItemDescriptor, error)
	ReloadSession(id string) error
	Logs(id string, limit int) ([]status.LogLine, error)
	Events(id string, limit int) ([]domain.ProgressEvent, error)
}

// Summary is the daemon-wide view.
type Summary struct {
	StartedAt            time.Time   `json:"started_at"`
	Channels             int         `json:"channels"`
	Running              int         `json:"running"`
	Invalid              int         `json:"invalid"`
	InFlight             int         `json:"in_flight"`
	GlobalConcurrency    int         `json:"global_concurrency"`
	PushCallback         string      `json:"push_callback,omitempty"`
	Push                 *push.Stats `json:"push,omitempty"`
	NotificationsSent    int         `json:"notifications_sent"`
	NotificationFailures int         `json:"notification_failures"`
}

// ChannelView is one row of the channel list.
type ChannelView struct {
	ID            string               `json:"id"`
	Name          string               `json:"name,omitempty"`
	Enabled       bool                 `json:"enabled"`
	Running       bool                 `json:"running"`
	DetectMethod  string               `json:"detect_method,omitempty"`
	PublishMethod string               `json:"publish_method,omitempty"`
	Invalid       string               `json:"invalid,omitempty"`
	Health        domain.ChannelHealth `json:"health"`
}

// ChannelDetail adds credential, session and run data to a ChannelView.
type ChannelDetail struct {
	ChannelView
	Keys         []credentials.KeyStatus `json:"keys,omitempty"`
	SessionValid bool                    `json:"session_valid"`
	SessionError string                  `json:"session_error,omitempty"`
	Subscription *push.Subscription      `json:"subscription,omitempty"`
	Active       []domain.ProgressEvent  `json:"active,omitempty"`
	RecentRuns   []domain.PipelineRun    `json:"recent_runs,omitempty"`
}

// RunRequest asks for a manual run.
type RunRequest struct {
	URL   string `json:"url"`
	Force bool   `json:"force"`
}

// RunResponse acknowledges a manual run.
type RunResponse struct {
	Item domain.ItemDescriptor `json:"item"`
}

// ChannelsResponse wraps the channel list.
type ChannelsResponse struct {
	Channels []ChannelView `json:"channels"`
}

// LogsResponse wraps recent log lines.
type LogsResponse struct {
	Lines []status.LogLine `json:"lines"`
}

// EventsResponse wraps recent progress events.
type EventsResponse struct {
	Events []domain.ProgressEvent `json:"events"`
}
