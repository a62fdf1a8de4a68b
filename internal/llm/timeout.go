package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout bounds every call on b at limit. A call that dies because
// the limit hit surfaces as a TIMEOUT BackendError, so a hung provider
// degrades into the normal retryable-failure path instead of pinning
// the conversation's turn forever. A non-positive limit returns b
// unchanged.
func WithTimeout(b Backend, limit time.Duration) Backend {
	if limit <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, limit: limit}
}

type timeoutBackend struct {
	inner Backend
	limit time.Duration
}

func (t *timeoutBackend) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()
	reply, err := t.inner.Complete(callCtx, req)
	return reply, t.classify(ctx, callCtx, err)
}

func (t *timeoutBackend) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()
	reply, err := t.inner.Stream(callCtx, req, onChunk)
	return reply, t.classify(ctx, callCtx, err)
}

// classify reattributes a failure to the per-call deadline when the
// deadline is what expired. The caller's own cancellation passes
// through untouched so an aborted turn is not mistaken for a slow
// provider.
func (t *timeoutBackend) classify(parent, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &BackendError{
			Class: ErrorClassTimeout,
			Err:   fmt.Errorf("call exceeded %s: %w", t.limit, err),
		}
	}
	return err
}
