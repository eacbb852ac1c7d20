package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Task is one attempt. It reports whether a failure is worth retrying.
type Task = func(ctx context.Context) (retry bool, err error)

// Backoff retries a task with exponentially growing, jittered pauses.
type Backoff struct {
	// Attempts caps the number of calls; 0 means unlimited, 1 disables retry.
	Attempts int
	// Min is the first pause. Defaults to 20ms.
	Min time.Duration
	// Max caps the pause before jitter. Defaults to 2s.
	Max time.Duration
	// NoJitter disables the +-5% spread; tests use it for exact timings.
	NoJitter bool
	Logger   *slog.Logger
}

// Do runs task until it succeeds, declines a retry, runs out of attempts or
// ctx ends. It returns the last error seen.
func (b Backoff) Do(ctx context.Context, name string, task Task) error {
	for attempt := 1; ; attempt++ {
		retry, err := task(ctx)
		if err == nil {
			return nil
		}
		wait := b.next(ctx, attempt, retry)
		if wait == 0 {
			if b.Logger != nil && attempt > 1 {
				b.Logger.Warn("retry exhausted", "op", name, "attempts", attempt, "err", err)
			}
			return err
		}
		if b.Logger != nil {
			b.Logger.Debug("retrying", "op", name, "attempt", attempt, "wait", wait, "err", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (b Backoff) next(ctx context.Context, attempt int, retry bool) time.Duration {
	if !retry || attempt == b.Attempts || ctx.Err() != nil {
		return 0
	}
	return b.Interval(attempt)
}

// Interval is the pause after the given failed attempt (1-based).
func (b Backoff) Interval(attempt int) time.Duration {
	lo := b.Min
	if lo <= 0 {
		lo = 20 * time.Millisecond
	}
	hi := b.Max
	if hi <= 0 {
		hi = 2 * time.Second
	}
	if hi < lo {
		hi = lo
	}
	factor := math.Pow(2, min(float64(attempt-1), math.Log2(float64(hi)/float64(lo))))
	if !b.NoJitter {
		factor *= .95 + .1*rand.Float64() // #nosec G404
	}
	return time.Duration(factor * float64(lo))
}
