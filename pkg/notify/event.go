package notify

import (
	"fmt"
	"strings"
	"time"
)

// EventKind names what happened.
type EventKind string

const (
	KindItemDetected     EventKind = "item_detected"
	KindItemPublished    EventKind = "item_published"
	KindItemFailed       EventKind = "item_failed"
	KindChannelWarning   EventKind = "channel_warning"
	KindSessionInvalid   EventKind = "session_invalid"
	KindConfigInvalid    EventKind = "configuration_invalid"
	KindChannelFault     EventKind = "channel_fault"
	KindChannelRestarted EventKind = "channel_restarted"
)

// Severity orders events for per-sink filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// ParseSeverity maps config text to a Severity, defaulting to def.
func ParseSeverity(raw string, def Severity) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "info":
		return SeverityInfo
	case "warn", "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return def
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Event is the structured payload delivered to sinks.
type Event struct {
	Kind        EventKind `json:"kind"`
	Severity    Severity  `json:"-"`
	Level       string    `json:"severity"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Summary     string    `json:"summary"`
	ItemID      string    `json:"item_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewEvent constructs an Event stamped with the current time.
func NewEvent(kind EventKind, sev Severity, channelID, summary string) Event {
	return Event{
		Kind:       kind,
		Severity:   sev,
		Level:      sev.String(),
		ChannelID:  channelID,
		Summary:    summary,
		OccurredAt: time.Now().UTC(),
	}
}

// Text renders a short human message for chat sinks.
func (e Event) Text() string {
	var b strings.Builder
	name := e.ChannelName
	if name == "" {
		name = e.ChannelID
	}
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(e.Level), name, e.Kind)
	if e.Stage != "" {
		fmt.Fprintf(&b, "\nstage: %s", e.Stage)
	}
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, "\nerror: %s", e.ErrorKind)
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, "\n%s", e.Summary)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "\n%s", e.URL)
	}
	return b.String()
}
