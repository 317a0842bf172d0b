package gateway

import (
	"context"
	"fmt"
	"time"
)

// withRetry runs fn up to attempts times, waiting b*2^k between attempt k
// and k+1. Returns the last error if every attempt fails.
func withRetry(ctx context.Context, attempts int, b time.Duration, fn func() error) error {
	var lastErr error
	for k := 0; k < attempts; k++ {
		if err := fn(); err != nil {
			lastErr = err
			if k == attempts-1 {
				break
			}
			delay := b * time.Duration(1<<uint(k))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}
