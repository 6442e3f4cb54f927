package guard

import (
	"sync"
	"time"
)

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// BreakerStatus is a point-in-time snapshot for the control surface.
type BreakerStatus struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
}

// Breaker guards calls to a flaky dependency. It counts consecutive
// failures while closed and opens at FailureThreshold; after Timeout it
// lazily transitions to half-open on the next call, admits at most
// HalfOpenMaxCalls concurrent probes, reopens on any probe failure, and
// closes after SuccessThreshold probe successes.
//
// Closed-state semantics are consecutive, not a rolling rate: any success
// resets the failure count to zero. That behavior is load-bearing for
// callers tuned against it.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker for the named resource.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Execute runs fn if the breaker admits the call. The wrapped call runs
// outside the lock so slow calls do not serialize unrelated traffic.
// Returns *CircuitOpenError with the remaining cooldown when open.
func (b *Breaker) Execute(fn func() error) error {
	halfOpen, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if halfOpen {
		b.halfOpenCalls--
	}
	if callErr != nil {
		b.onFailure()
		return callErr
	}
	b.onSuccess()
	return nil
}

// admit decides whether the call may proceed, applying the lazy
// open-to-half-open transition. Reports whether the call counts against
// the half-open probe budget.
func (b *Breaker) admit() (halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.Timeout {
			return false, &CircuitOpenError{Name: b.name, RetryAfter: b.cfg.Timeout - elapsed}
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.halfOpenCalls = 0
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false, &CircuitOpenError{Name: b.name, RetryAfter: b.cfg.Timeout}
		}
		b.halfOpenCalls++
		return true, nil
	}
	return false, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen {
		// One probe failure reopens immediately.
		b.state = BreakerOpen
		b.failures = 0
		b.successes = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
		return
	}
	b.failures = 0
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}

// Status returns a snapshot of the breaker. The lazy open-to-half-open
// transition is applied first so the report matches what the next call
// would observe.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.halfOpenCalls = 0
	}
	return BreakerStatus{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.successes,
		LastFailure:  b.lastFailure,
	}
}
