// Package ratelimit caps agent invocations to a maximum count per
// wall-clock hour, and provides the exponential backoff used between
// consecutive loops when the agent reports no progress.
package ratelimit

import (
	"context"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// hourState is the persisted call-count window, keyed by HourBucket so a
// process restart mid-hour resumes the same window instead of resetting it.
type hourState struct {
	Bucket int64 `json:"bucket"`
	Calls  int   `json:"calls"`
}

// Limiter caps invocations per wall-clock hour, reset at the hour boundary
// rather than on a rolling window, matching the spec's "MAX_CALLS_PER_HOUR
// resets on the hour" semantics. The quota itself is enforced by a
// golang.org/x/time/rate.Limiter with a zero refill rate and burst
// maxPerHour: once its burst is spent it never refills on its own, so a
// fresh one is swapped in whenever the wall-clock hour bucket changes. The
// call count is additionally persisted so a process restart mid-hour
// resumes the same window (by replaying the recorded calls into a rebuilt
// limiter) instead of granting a fresh burst.
type Limiter struct {
	maxPerHour int
	clock      clock.Clock
	store      *statefile.Store

	bucket   *rate.Limiter
	bucketID int64
}

// New creates a Limiter persisting its call count at dir/.rate_limit_state.
func New(dir string, maxPerHour int, clk clock.Clock) *Limiter {
	return &Limiter{
		maxPerHour: maxPerHour,
		clock:      clk,
		store:      statefile.New(filepath.Join(dir, ".rate_limit_state"), nil),
	}
}

// Allow reports whether another invocation may start this hour, and if so,
// records it. It does not block; callers that need to wait should consult
// NextResetAt.
func (l *Limiter) Allow() (bool, error) {
	st, err := l.load()
	if err != nil {
		return false, err
	}

	now := l.clock.Now()
	currentBucket := clock.HourBucket(now)
	if st.Bucket != currentBucket {
		st = hourState{Bucket: currentBucket, Calls: 0}
	}

	if l.bucket == nil || l.bucketID != currentBucket {
		l.bucket = rate.NewLimiter(0, l.maxPerHour)
		l.bucketID = currentBucket
		// Replay calls already recorded for this bucket (a restart
		// mid-hour) so the rebuilt limiter's remaining burst matches.
		l.bucket.AllowN(now, st.Calls)
	}

	if !l.bucket.AllowN(now, 1) {
		return false, nil
	}
	st.Calls++
	return true, l.store.Store(st)
}

// NextResetAt returns the wall-clock time the current hour bucket expires.
func (l *Limiter) NextResetAt() time.Time {
	now := l.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
}

func (l *Limiter) load() (hourState, error) {
	var st hourState
	if _, err := l.store.Load(&st); err != nil {
		// A corrupt state file just costs the operator an hour's worth of
		// call-count memory, not a halted loop: discard and start fresh.
		return hourState{}, nil
	}
	return st, nil
}

// Backoff computes exponential backoff for the nth consecutive no-progress
// loop (n starting at 1), capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Sleep blocks until d elapses or ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
