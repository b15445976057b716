package notify

import "context"

// Sink delivers events to a downstream destination (Telegram, SQS, HTTP, ...).
type Sink interface {
	ID() string
	Type() string
	Send(ctx context.Context, evt Event) error
}
