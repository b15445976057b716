package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubSink struct {
	mu     sync.Mutex
	id     string
	typ    string
	err    error
	events []Event
}

func (s *stubSink) ID() string   { return s.id }
func (s *stubSink) Type() string { return s.typ }
func (s *stubSink) Send(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestFanoutSendAggregatesErrors(t *testing.T) {
	fanout := NewFanout([]Sink{
		&stubSink{id: "ok", typ: "http"},
		&stubSink{id: "bad", typ: "http", err: errors.New("failed")},
		nil,
	})

	count, err := fanout.Send(context.Background(), Event{})
	if count != 1 {
		t.Fatalf("expected 1 success, got %d", count)
	}
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if fanout.Size() != 2 {
		t.Fatalf("nil sink should be skipped, size=%d", fanout.Size())
	}
}

func TestWithMinSeverityFilters(t *testing.T) {
	inner := &stubSink{id: "tg", typ: TypeTelegram}
	sink := WithMinSeverity(inner, SeverityWarning)

	_ = sink.Send(context.Background(), NewEvent(KindItemPublished, SeverityInfo, "c", "ok"))
	_ = sink.Send(context.Background(), NewEvent(KindItemFailed, SeverityError, "c", "bad"))
	if inner.count() != 1 || inner.events[0].Kind != KindItemFailed {
		t.Fatalf("expected only the failure to pass, got %+v", inner.events)
	}
}

func TestBuildAllWithDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	sinks, err := BuildAll(context.Background(), reg, []SinkConfig{
		sanitizeSinkConfig(SinkConfig{ID: "hook", Type: TypeHTTP, HTTP: &HTTPConfig{URL: "https://example.com"}}),
		sanitizeSinkConfig(SinkConfig{ID: "tg", Type: TypeTelegram, Telegram: &TelegramConfig{ChatID: "1", BotToken: "t"}}),
	}, nil)
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(sinks))
	}
}

func TestDispatcherRoutesChannelSinks(t *testing.T) {
	shared := &stubSink{id: "shared", typ: "http"}
	alpha := &stubSink{id: "alpha", typ: TypeTelegram}
	d := NewDispatcher(NewFanout([]Sink{shared}), nil, 8)
	d.AddChannelSinks("alpha", alpha)

	d.Notify(NewEvent(KindItemFailed, SeverityError, "alpha", "x"))
	d.Notify(NewEvent(KindItemFailed, SeverityError, "beta", "y"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if shared.count() != 2 || alpha.count() != 1 {
		t.Fatalf("shared=%d alpha=%d", shared.count(), alpha.count())
	}
	sent, failures := d.Stats()
	if sent != 3 || failures != 0 {
		t.Fatalf("stats sent=%d failures=%d", sent, failures)
	}

	d.Notify(NewEvent(KindItemFailed, SeverityError, "alpha", "after close"))
	if alpha.count() != 1 {
		t.Fatalf("events after Close must be ignored")
	}
}
