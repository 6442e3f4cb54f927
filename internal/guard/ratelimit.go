package guard

import (
	"context"
	"sync"
	"time"
)

// LimiterConfig holds rate limiter settings for one named resource.
// PerMinute and PerHour are optional trailing-window ceilings; zero
// disables them. MinInterval is an optional cooldown between calls.
type LimiterConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	PerMinute         int           `json:"per_minute,omitempty"`
	PerHour           int           `json:"per_hour,omitempty"`
	MinInterval       time.Duration `json:"min_interval,omitempty"`
}

// LimiterStatus is a point-in-time snapshot for the control surface.
type LimiterStatus struct {
	Name           string        `json:"name"`
	Tokens         float64       `json:"tokens"`
	CallsLastMin   int           `json:"calls_last_minute"`
	CallsLastHour  int           `json:"calls_last_hour"`
	TotalAdmitted  int64         `json:"total_admitted"`
	TotalRejected  int64         `json:"total_rejected"`
	Config         LimiterConfig `json:"config"`
}

// Limiter is a token-bucket admission controller with optional trailing
// sliding-window ceilings. All state is guarded by the limiter's own lock;
// each TryAcquire runs atomically.
type Limiter struct {
	name string

	mu         sync.Mutex
	cfg        LimiterConfig
	tokens     float64
	lastRefill time.Time
	lastCall   time.Time
	history    []time.Time // admitted call timestamps, trimmed to the hour window
	admitted   int64
	rejected   int64
	now        func() time.Time // for testing
}

// NewLimiter creates a limiter for the named resource with a full bucket.
func NewLimiter(name string, cfg LimiterConfig) *Limiter {
	l := &Limiter{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	l.tokens = float64(cfg.Burst)
	l.lastRefill = l.now()
	return l
}

// TryAcquire attempts to admit n calls. Returns nil when admitted, or a
// *RateLimitedError carrying the suggested retry delay. State mutates only
// on admission (beyond the lazy refill bookkeeping).
func (l *Limiter) TryAcquire(n int) error {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Minimum-interval cooldown.
	if l.cfg.MinInterval > 0 && !l.lastCall.IsZero() {
		if since := now.Sub(l.lastCall); since < l.cfg.MinInterval {
			l.rejected++
			return &RateLimitedError{Name: l.name, RetryAfter: l.cfg.MinInterval - since}
		}
	}

	// Lazy refill, capped at burst. Tokens stay within [0, Burst].
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.cfg.RequestsPerSecond
	if l.tokens > float64(l.cfg.Burst) {
		l.tokens = float64(l.cfg.Burst)
	}
	l.lastRefill = now

	if l.tokens < float64(n) {
		l.rejected++
		deficit := float64(n) - l.tokens
		wait := time.Duration(deficit / l.cfg.RequestsPerSecond * float64(time.Second))
		return &RateLimitedError{Name: l.name, RetryAfter: wait}
	}

	l.trimHistory(now)

	// Trailing-window ceilings over the trimmed call history.
	if l.cfg.PerMinute > 0 {
		if count, oldest := l.window(now, time.Minute); count+n > l.cfg.PerMinute {
			l.rejected++
			return &RateLimitedError{Name: l.name, RetryAfter: time.Minute - now.Sub(oldest)}
		}
	}
	if l.cfg.PerHour > 0 {
		if count, oldest := l.window(now, time.Hour); count+n > l.cfg.PerHour {
			l.rejected++
			return &RateLimitedError{Name: l.name, RetryAfter: time.Hour - now.Sub(oldest)}
		}
	}

	l.tokens -= float64(n)
	for range n {
		l.history = append(l.history, now)
	}
	l.lastCall = now
	l.admitted += int64(n)
	return nil
}

// WaitAndAcquire retries TryAcquire with bounded sleeps until admission or
// ctx expires. It returns the limiter's rejection error on deadline rather
// than panicking or blocking forever.
func (l *Limiter) WaitAndAcquire(ctx context.Context, n int) error {
	const maxSleep = 500 * time.Millisecond
	for {
		err := l.TryAcquire(n)
		if err == nil {
			return nil
		}
		rle, ok := err.(*RateLimitedError)
		if !ok {
			return err
		}
		sleep := rle.RetryAfter
		if sleep > maxSleep {
			sleep = maxSleep
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// SetConfig replaces the limiter configuration at runtime. Tokens are
// clamped to the new burst size.
func (l *Limiter) SetConfig(cfg LimiterConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	if l.tokens > float64(cfg.Burst) {
		l.tokens = float64(cfg.Burst)
	}
}

// Status returns a snapshot of the limiter.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.trimHistory(now)
	minCount, _ := l.window(now, time.Minute)
	hourCount, _ := l.window(now, time.Hour)
	return LimiterStatus{
		Name:          l.name,
		Tokens:        l.tokens,
		CallsLastMin:  minCount,
		CallsLastHour: hourCount,
		TotalAdmitted: l.admitted,
		TotalRejected: l.rejected,
		Config:        l.cfg,
	}
}

// trimHistory drops timestamps older than the hour window.
// Must be called with l.mu held.
func (l *Limiter) trimHistory(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

// window counts calls within the trailing window and returns the oldest
// in-window timestamp. Must be called with l.mu held.
func (l *Limiter) window(now time.Time, span time.Duration) (count int, oldest time.Time) {
	cutoff := now.Add(-span)
	oldest = now
	for _, ts := range l.history {
		if !ts.Before(cutoff) {
			count++
			if ts.Before(oldest) {
				oldest = ts
			}
		}
	}
	return count, oldest
}
