package busiface

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_EncodeSuccess(t *testing.T) {
	env := OK(map[string]any{"count": 3})
	got := Encode(env)
	if !strings.Contains(got, `"success":true`) || !strings.Contains(got, `"count":3`) {
		t.Errorf("Encode() = %s, missing expected fields", got)
	}
}

func TestEnvelope_EncodeFailure(t *testing.T) {
	got := Encode(Fail("boom"))
	if !strings.Contains(got, `"success":false`) || !strings.Contains(got, `"error":"boom"`) {
		t.Errorf("Encode() = %s, missing expected fields", got)
	}
}

func TestDeadlineFor(t *testing.T) {
	if got := DeadlineFor("ApproveAll"); got != DeadlineBulk {
		t.Errorf("DeadlineFor(ApproveAll) = %v, want %v", got, DeadlineBulk)
	}
	if got := DeadlineFor("Approve"); got != DeadlineInteractive {
		t.Errorf("DeadlineFor(Approve) = %v, want %v", got, DeadlineInteractive)
	}
}

func TestDispatcher_CallReturnsHandlerResult(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()

	env := d.Call(context.Background(), "Approve", func(ctx context.Context, args string) Envelope {
		return OK(map[string]any{"id": args})
	}, "abc123")

	if !env.Success || env.Payload["id"] != "abc123" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDispatcher_CallTimesOut(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	env := d.Call(ctx, "Approve", func(ctx context.Context, args string) Envelope {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return OK(nil)
	}, "")

	if env.Success || env.Error != "timed out" {
		t.Errorf("expected timed-out failure envelope, got %+v", env)
	}
}
