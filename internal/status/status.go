// Package status keeps the in-memory view served to operators: per-channel
// health, recent progress events, in-flight runs and recent log lines.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
)

const (
	defaultLogLines = 200
	defaultEvents   = 500
)

// Channel scheduler states reported in ChannelHealth.State.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateDegraded = "degraded"
	StateInvalid  = "invalid"
	StateCrashed  = "crashed"
)

// LogLine is one captured log entry.
type LogLine struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Key     string    `json:"key,omitempty"`
	Fields  any       `json:"fields,omitempty"`
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n entries, oldest first.
func (r *ring[T]) last(n int) []T {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

type channelState struct {
	health domain.ChannelHealth
	logs   *ring[LogLine]
	events *ring[domain.ProgressEvent]
	active map[string]domain.ProgressEvent
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]*channelState
	logLines int
	events   int
	now      func() time.Time
	listener func(domain.ProgressEvent)
}

// Options sizes the per-channel buffers.
type Options struct {
	LogLines int
	Events   int
	Now      func() time.Time
	// OnProgress observes every progress event after it is recorded.
	OnProgress func(domain.ProgressEvent)
}

// NewTracker builds an empty Tracker.
func NewTracker(opts Options) *Tracker {
	if opts.LogLines <= 0 {
		opts.LogLines = defaultLogLines
	}
	if opts.Events <= 0 {
		opts.Events = defaultEvents
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		channels: make(map[string]*channelState),
		logLines: opts.LogLines,
		events:   opts.Events,
		now:      opts.Now,
		listener: opts.OnProgress,
	}
}

// state must be called with mu held for writing.
func (t *Tracker) state(channelID string) *channelState {
	st, ok := t.channels[channelID]
	if !ok {
		st = &channelState{
			health: domain.ChannelHealth{ChannelID: channelID, State: StateStarting},
			logs:   newRing[LogLine](t.logLines),
			events: newRing[domain.ProgressEvent](t.events),
			active: make(map[string]domain.ProgressEvent),
		}
		t.channels[channelID] = st
	}
	return st
}

// Register makes channelID visible before anything else is recorded for it.
func (t *Tracker) Register(channelID, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(channelID).health.State = state
}

// Progress records a stage transition. Terminal transitions drop the run from
// the in-flight set.
func (t *Tracker) Progress(evt domain.ProgressEvent) {
	t.mu.Lock()
	st := t.state(evt.ChannelID)
	st.events.push(evt)
	if evt.To.Terminal() {
		delete(st.active, evt.RunID)
	} else {
		st.active[evt.RunID] = evt
	}
	st.health.InFlight = len(st.active)
	listener := t.listener
	t.mu.Unlock()

	if listener != nil {
		listener(evt)
	}
}

// Log appends a line to the channel's buffer.
func (t *Tracker) Log(channelID string, line LogLine) {
	if line.At.IsZero() {
		line.At = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(channelID).logs.push(line)
}

// UpdateHealth mutates a channel's health under the tracker lock.
func (t *Tracker) UpdateHealth(channelID string, fn func(h *domain.ChannelHealth)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(channelID)
	fn(&st.health)
	st.health.ChannelID = channelID
	st.health.InFlight = len(st.active)
}

// ScanSucceeded resets the failure streak.
func (t *Tracker) ScanSucceeded(channelID string) {
	now := t.now()
	t.UpdateHealth(channelID, func(h *domain.ChannelHealth) {
		h.LastSuccessfulScan = now
		h.ConsecutiveFailures = 0
		h.LastError = ""
		if h.State == StateDegraded || h.State == StateStarting {
			h.State = StateRunning
		}
	})
}

// ScanFailed extends the failure streak.
func (t *Tracker) ScanFailed(channelID string, err error) {
	t.UpdateHealth(channelID, func(h *domain.ChannelHealth) {
		h.ConsecutiveFailures++
		if err != nil {
			h.LastError = err.Error()
		}
		if h.State == StateRunning || h.State == StateStarting {
			h.State = StateDegraded
		}
	})
}

// Health returns one channel's health.
func (t *Tracker) Health(channelID string) (domain.ChannelHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[channelID]
	if !ok {
		return domain.ChannelHealth{}, false
	}
	return st.health, true
}

// All returns every channel's health sorted by id.
func (t *Tracker) All() []domain.ChannelHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.ChannelHealth, 0, len(t.channels))
	for _, st := range t.channels {
		out = append(out, st.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Logs returns up to limit recent lines, oldest first.
func (t *Tracker) Logs(channelID string, limit int) []LogLine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	return st.logs.last(limit)
}

// Events returns up to limit recent progress events, oldest first.
func (t *Tracker) Events(channelID string, limit int) []domain.ProgressEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	return st.events.last(limit)
}

// Active returns the latest event of every in-flight run.
func (t *Tracker) Active(channelID string) []domain.ProgressEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]domain.ProgressEvent, 0, len(st.active))
	for _, evt := range st.active {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Logger returns a logger that writes to next and copies every entry into
// channelID's buffer.
func (t *Tracker) Logger(channelID string, next logger.Logger) logger.Logger {
	return &teeLogger{next: logger.Ensure(next), tracker: t, channelID: channelID}
}

type teeLogger struct {
	next      logger.Logger
	tracker   *Tracker
	channelID string
}

func (l *teeLogger) capture(level, msg, key string, obj interface{}) {
	l.tracker.Log(l.channelID, LogLine{Level: level, Message: msg, Key: key, Fields: obj})
}

func (l *teeLogger) InfoObj(msg, key string, obj interface{}) {
	l.next.InfoObj(msg, key, obj)
	l.capture("info", msg, key, obj)
}

func (l *teeLogger) DebugObj(msg, key string, obj interface{}) {
	l.next.DebugObj(msg, key, obj)
}

func (l *teeLogger) WarnObj(msg, key string, obj interface{}) {
	l.next.WarnObj(msg, key, obj)
	l.capture("warn", msg, key, obj)
}

func (l *teeLogger) ErrorObj(msg, key string, obj interface{}) {
	l.next.ErrorObj(msg, key, obj)
	l.capture("error", msg, key, obj)
}
