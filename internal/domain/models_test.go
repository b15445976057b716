package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPipelineRunAdvancesForwardOnly(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("r1", ItemDescriptor{SourceID: "v1"}, now)

	if err := run.Advance(StageFetching, now); err != nil {
		t.Fatalf("Advance fetching: %v", err)
	}
	if err := run.Advance(StageFetched, now); err != nil {
		t.Fatalf("Advance fetched: %v", err)
	}
	if err := run.Advance(StageFetching, now); err == nil {
		t.Fatalf("expected regression to be rejected")
	}
	if err := run.Advance(StageDetected, now); err == nil {
		t.Fatalf("expected regression to detected to be rejected")
	}
	if run.Stage != StageFetched {
		t.Fatalf("stage = %s", run.Stage)
	}
}

func TestPipelineRunFailIsTerminal(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("r1", ItemDescriptor{SourceID: "v1"}, now)
	_ = run.Advance(StageFetching, now)

	run.Fail(Wrap(KindContentDefect, "render", errors.New("bad")), now)
	if run.Stage != StageFailed || run.FailedAt != StageFetching {
		t.Fatalf("stage=%s failedAt=%s", run.Stage, run.FailedAt)
	}
	if run.ErrorKind != KindContentDefect {
		t.Fatalf("kind = %s", run.ErrorKind)
	}
	if err := run.Advance(StageFetched, now); err == nil {
		t.Fatalf("expected terminal run to reject Advance")
	}
}

func TestKindOfClassification(t *testing.T) {
	wrapped := fmt.Errorf("publish: %w", RateLimited("api", 5*time.Second, errors.New("429")))
	if KindOf(wrapped) != KindRateLimited {
		t.Fatalf("KindOf = %s", KindOf(wrapped))
	}
	if RetryAfterOf(wrapped) != 5*time.Second {
		t.Fatalf("RetryAfterOf = %s", RetryAfterOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Fatalf("rate limited should be retryable")
	}
	if Retryable(Wrap(KindSessionInvalid, "publish", nil)) {
		t.Fatalf("session invalid must not be retryable")
	}
	if KindOf(fmt.Errorf("x: %w", context.Canceled)) != KindCanceled {
		t.Fatalf("context cancel should map to canceled")
	}
	if KindOf(errors.New("boom")) != KindUnexpectedFault {
		t.Fatalf("untagged error should be unexpected fault")
	}
}
