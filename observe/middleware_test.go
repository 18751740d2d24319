package observe

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type recordingMetrics struct {
	noopMetrics
	executions int
	lastErr    error
}

func (m *recordingMetrics) RecordExecution(ctx context.Context, call Call, d time.Duration, err error) {
	m.executions++
	m.lastErr = err
}

func TestMiddleware_Wrap(t *testing.T) {
	var buf bytes.Buffer
	metrics := &recordingMetrics{}
	mw := NewMiddleware(Telemetry{
		Logger:  NewLoggerWithWriter("info", &buf),
		Metrics: metrics,
	})

	call := Call{Operation: "lookup", Permission: "read:customers", Subject: "user-123", Actor: "customer-agent"}
	wrapped := mw.Wrap(func(ctx context.Context, got Call, input any) (any, error) {
		if got != call {
			t.Errorf("call = %+v, want %+v", got, call)
		}
		return input, nil
	})

	out, err := wrapped(context.Background(), call, "in")
	if err != nil || out != "in" {
		t.Fatalf("wrapped() = %v, %v", out, err)
	}
	if metrics.executions != 1 {
		t.Errorf("executions = %d, want 1", metrics.executions)
	}

	entry := decodeLine(t, &buf)
	if entry["message"] != "tool execution completed" {
		t.Errorf("message = %v", entry["message"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("missing duration_ms")
	}
	if entry["enduser.id"] != "user-123" || entry["delegation.actor"] != "customer-agent" {
		t.Errorf("entry = %v, want subject and actor fields", entry)
	}
}

func TestMiddleware_PropagatesError(t *testing.T) {
	var buf bytes.Buffer
	metrics := &recordingMetrics{}
	mw := NewMiddleware(Telemetry{Logger: NewLoggerWithWriter("info", &buf), Metrics: metrics})
	boom := errors.New("boom")

	_, err := mw.Wrap(func(ctx context.Context, _ Call, input any) (any, error) {
		return nil, boom
	})(context.Background(), Call{Operation: "lookup"}, nil)

	if err != boom {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if metrics.lastErr != boom {
		t.Errorf("recorded error = %v", metrics.lastErr)
	}
	if entry := decodeLine(t, &buf); entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
}
