package provider

import (
	"context"
	"strings"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/errors"
	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

// CreateWithRetry allocates a sandbox, retrying transient provider
// failures up to attempts times with a fixed delay. After exhaustion the
// last error is surfaced as ProviderUnavailable.
func CreateWithRetry(ctx context.Context, p Provider, opts CreateOptions, attempts int, delay time.Duration) (*Handle, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := p.Create(ctx, opts)
		if err == nil {
			return handle, nil
		}
		if ResourceExhausted(err) {
			return nil, errors.ResourceExhausted(err.Error())
		}
		lastErr = err
		logging.Warn("sandbox create failed", "name", opts.Name, "attempt", attempt, "error", err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, errors.ProviderUnavailable("create", lastErr)
}

// ResourceExhausted reports whether a provider error indicates the host
// is out of disk or memory. These are fatal and never retried.
func ResourceExhausted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "disk quota exceeded")
}
