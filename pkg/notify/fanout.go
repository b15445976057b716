package notify

import (
	"context"
	"errors"
	"fmt"
)

// Fanout dispatches events to all configured sinks.
type Fanout struct {
	sinks []Sink
}

// NewFanout builds a dispatcher that fans out events across sinks.
func NewFanout(sinks []Sink) *Fanout {
	cp := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		cp = append(cp, s)
	}
	return &Fanout{sinks: cp}
}

// Send forwards the event to every sink.
// It returns the number of sinks that successfully handled the event.
func (f *Fanout) Send(ctx context.Context, evt Event) (int, error) {
	if f == nil || len(f.sinks) == 0 {
		return 0, nil
	}

	var errs []error
	successful := 0
	for _, s := range f.sinks {
		if err := s.Send(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s sink[%s]: %w", s.Type(), s.ID(), err))
		} else {
			successful++
		}
	}
	return successful, errors.Join(errs...)
}

// With returns a new Fanout carrying f's sinks plus extra.
func (f *Fanout) With(extra ...Sink) *Fanout {
	var base []Sink
	if f != nil {
		base = f.sinks
	}
	all := make([]Sink, 0, len(base)+len(extra))
	all = append(all, base...)
	all = append(all, extra...)
	return NewFanout(all)
}

// Size returns the number of active sinks.
func (f *Fanout) Size() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// thresholdSink drops events below a minimum severity.
type thresholdSink struct {
	Sink
	min Severity
}

// WithMinSeverity wraps s so events below min are skipped.
func WithMinSeverity(s Sink, min Severity) Sink {
	if min <= SeverityInfo {
		return s
	}
	return &thresholdSink{Sink: s, min: min}
}

func (t *thresholdSink) Send(ctx context.Context, evt Event) error {
	if evt.Severity < t.min {
		return nil
	}
	return t.Sink.Send(ctx, evt)
}
