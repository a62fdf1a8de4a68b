package llm

import (
	"context"
	"errors"
	"time"
)

// CompleteWithRetry calls Complete and retries once after backoff when
// the failure class is retryable. Exhaustion returns the last error;
// the caller decides how to surface it.
func CompleteWithRetry(ctx context.Context, b Backend, req Request, backoff time.Duration) (string, error) {
	reply, err := b.Complete(ctx, req)
	if err == nil {
		return reply, nil
	}
	var be *BackendError
	if !errors.As(err, &be) || !be.Class.Retryable() {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(backoff):
	}
	return b.Complete(ctx, req)
}
