package notify

import (
	"context"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 15 * time.Second
)

// Dispatcher delivers events asynchronously so a slow sink never blocks a
// pipeline. Channel-scoped sinks receive only that channel's events, in
// addition to the shared sinks.
type Dispatcher struct {
	base        *Fanout
	log         Logger
	sendTimeout time.Duration

	mu       sync.RWMutex
	extras   map[string]*Fanout
	closed   bool
	queue    chan Event
	done     chan struct{}
	sent     int
	failures int
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(base *Fanout, log Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		base:        base,
		log:         ensureLogger(log),
		sendTimeout: defaultSendTimeout,
		extras:      make(map[string]*Fanout),
		queue:       make(chan Event, queueSize),
		done:        make(chan struct{}),
	}
	go d.loop()
	return d
}

// AddChannelSinks registers sinks that only see events for channelID.
func (d *Dispatcher) AddChannelSinks(channelID string, sinks ...Sink) {
	if len(sinks) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extras[channelID] = d.extras[channelID].With(sinks...)
}

// Notify enqueues evt. When the queue is full the event is logged and dropped.
func (d *Dispatcher) Notify(evt Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.log.WarnObj("notification queue full, dropping event", "notify_drop", map[string]any{
			"kind":       evt.Kind,
			"channel_id": evt.ChannelID,
		})
	}
}

// Stats returns delivered and failed counts.
func (d *Dispatcher) Stats() (sent, failures int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sent, d.failures
}

// Close stops intake and waits for queued events to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for evt := range d.queue {
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt Event) {
	d.mu.RLock()
	fan := d.base.With()
	if extra := d.extras[evt.ChannelID]; extra != nil {
		fan = fan.With(extra.sinks...)
	}
	d.mu.RUnlock()

	if fan.Size() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	ok, err := fan.Send(ctx, evt)
	d.mu.Lock()
	d.sent += ok
	if err != nil {
		d.failures++
	}
	d.mu.Unlock()
	if err != nil {
		d.log.ErrorObj("notification delivery failed", "notify_error", map[string]any{
			"kind":       evt.Kind,
			"channel_id": evt.ChannelID,
			"delivered":  ok,
			"error":      err.Error(),
		})
	}
}
