package resiliency

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^attempt plus random jitter, capped
// at Max. Attempt counting starts at zero (the delay before the second try).
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// Delay returns the pause before retrying after the given attempt index.
func (b Backoff) Delay(attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(b.Base) * factor)
	if delay < 0 || delay > b.Max {
		delay = b.Max
	}

	if b.MaxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(b.MaxJitter)))
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// sleep pauses for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
