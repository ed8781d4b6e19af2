package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter shapes outbound bandwidth with a token bucket. Tokens accrue at
// the configured bytes per second and are capped at one second's worth when
// they accrue, so a long idle period never allows more than one second of
// burst. A limit of 0 disables shaping.
type Limiter struct {
	mu             sync.RWMutex
	bytesPerSecond int
	bucket         *rate.Limiter
}

// NewLimiter creates a limiter for bytesPerSecond. Zero or negative disables shaping.
func NewLimiter(bytesPerSecond int) *Limiter {
	l := &Limiter{}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit changes the rate. The bucket keeps its current fill, clamped to
// the new capacity.
func (l *Limiter) SetLimit(bytesPerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bytesPerSecond <= 0 {
		l.bytesPerSecond = 0
		l.bucket = nil
		return
	}
	l.bytesPerSecond = bytesPerSecond
	if l.bucket == nil {
		l.bucket = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		return
	}
	l.bucket.SetLimit(rate.Limit(bytesPerSecond))
	l.bucket.SetBurst(bytesPerSecond)
}

// Limit returns the configured bytes per second, 0 when unlimited.
func (l *Limiter) Limit() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytesPerSecond
}

// Wait blocks until n bytes may be sent or ctx is done. Requests larger than
// the bucket capacity are debited in capacity-sized pieces.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	l.mu.RLock()
	bucket := l.bucket
	l.mu.RUnlock()

	if bucket == nil || n <= 0 {
		return nil
	}

	for n > 0 {
		take := min(n, bucket.Burst())
		if err := bucket.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
