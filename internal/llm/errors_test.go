package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		expected ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{errors.New("401 unauthorized"), ErrorClassAuth},
		{errors.New("Invalid API key provided"), ErrorClassAuth},
		{errors.New("429 too many requests"), ErrorClassRateLimit},
		{errors.New("quota exceeded for project"), ErrorClassRateLimit},
		{errors.New("context deadline exceeded"), ErrorClassTimeout},
		{errors.New("request timed out"), ErrorClassTimeout},
		{errors.New("billing account not active"), ErrorClassBilling},
		{errors.New("prompt exceeds maximum context length"), ErrorClassContextOverflow},
		{errors.New("something odd happened"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.expected {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.expected)
		}
	}
}

func TestRetryable(t *testing.T) {
	if ErrorClassAuth.Retryable() || ErrorClassBilling.Retryable() || ErrorClassContextOverflow.Retryable() {
		t.Error("auth, billing, and overflow must not be retryable")
	}
	if !ErrorClassRateLimit.Retryable() || !ErrorClassTimeout.Retryable() || !ErrorClassUnknown.Retryable() {
		t.Error("rate limit, timeout, and unknown must be retryable")
	}
}

// scriptedBackend returns queued results in order.
type scriptedBackend struct {
	calls   int
	results []error
	reply   string
}

func (s *scriptedBackend) Complete(context.Context, Request) (string, error) {
	err := s.results[s.calls]
	s.calls++
	if err != nil {
		return "", err
	}
	return s.reply, nil
}

func (s *scriptedBackend) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	reply, err := s.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if err := onChunk(reply); err != nil {
		return "", err
	}
	return reply, nil
}

func TestCompleteWithRetryRecovers(t *testing.T) {
	b := &scriptedBackend{
		results: []error{wrap(errors.New("429 too many requests")), nil},
		reply:   "ok",
	}
	got, err := CompleteWithRetry(context.Background(), b, Request{Prompt: "hi"}, time.Millisecond)
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if got != "ok" || b.calls != 2 {
		t.Errorf("got %q after %d calls", got, b.calls)
	}
}

func TestCompleteWithRetrySkipsNonRetryable(t *testing.T) {
	b := &scriptedBackend{
		results: []error{wrap(errors.New("401 unauthorized")), nil},
	}
	_, err := CompleteWithRetry(context.Background(), b, Request{Prompt: "hi"}, time.Millisecond)
	if err == nil {
		t.Fatal("auth error must not be retried")
	}
	if b.calls != 1 {
		t.Errorf("backend called %d times, want 1", b.calls)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Class != ErrorClassAuth {
		t.Errorf("want wrapped auth error, got %v", err)
	}
}

func TestCompleteWithRetryExhaustion(t *testing.T) {
	first := wrap(fmt.Errorf("request timed out"))
	second := wrap(fmt.Errorf("request timed out again"))
	b := &scriptedBackend{results: []error{first, second}}
	_, err := CompleteWithRetry(context.Background(), b, Request{Prompt: "hi"}, time.Millisecond)
	if err == nil {
		t.Fatal("exhaustion must surface the last error")
	}
	if b.calls != 2 {
		t.Errorf("backend called %d times, want 2", b.calls)
	}
}
