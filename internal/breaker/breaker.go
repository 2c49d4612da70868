package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/monitoring"
)

// State of the breaker.
type State int32

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	}
	return "UNKNOWN"
}

// Config holds the trip thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	ResetTimeout     time.Duration // OPEN -> HALF_OPEN delay
	HalfOpenMaxCalls int           // probe budget while HALF_OPEN
}

// StateChange is delivered to the notification callback on every
// transition. The supervisor consumes these for alerting.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// Breaker is the three-state machine guarding document store calls.
// In OPEN, calls fail fast with ErrCircuitOpen. After ResetTimeout the
// breaker admits up to HalfOpenMaxCalls probes; one success closes it,
// any failure re-opens it and restarts the timer.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	halfOpenCalls int
	openedAt      time.Time

	onChange func(StateChange)
}

// New creates a closed breaker.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "breaker").Logger(),
	}
}

// OnStateChange registers the transition callback. Must be set before
// the breaker sees traffic; calls are made outside the lock.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.onChange = fn
}

// State returns the current state, applying the OPEN -> HALF_OPEN timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return b.state
}

// Allow reports whether a call may proceed right now. HALF_OPEN admits at
// most HalfOpenMaxCalls concurrent probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(time.Now())

	switch b.state {
	case Open:
		return domain.ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return domain.ErrCircuitOpen
		}
		b.halfOpenCalls++
	}
	return nil
}

// Success records a successful call. A single HALF_OPEN success closes
// the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	var change *StateChange
	if b.state == HalfOpen {
		change = b.transitionLocked(Closed)
	}
	b.mu.Unlock()
	b.notify(change)
}

// Failure records a failed call. CLOSED trips to OPEN at the failure
// threshold; any HALF_OPEN failure re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	var change *StateChange
	switch b.state {
	case HalfOpen:
		change = b.transitionLocked(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			change = b.transitionLocked(Open)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

// Do runs fn under the breaker, classifying its result.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		change := b.transitionLocked(HalfOpen)
		if change != nil {
			go b.notify(change)
		}
	}
}

func (b *Breaker) transitionLocked(to State) *StateChange {
	if b.state == to {
		return nil
	}
	change := &StateChange{From: b.state, To: to, At: time.Now()}
	b.state = to
	switch to {
	case Open:
		b.openedAt = change.At
	case HalfOpen:
		b.halfOpenCalls = 0
	case Closed:
		b.failures = 0
		b.halfOpenCalls = 0
	}
	monitoring.BreakerState.Set(float64(gaugeValue(to)))
	return change
}

func gaugeValue(s State) int {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	default:
		return 2
	}
}

func (b *Breaker) notify(change *StateChange) {
	if change == nil {
		return
	}
	b.logger.Warn().
		Str("from", change.From.String()).
		Str("to", change.To.String()).
		Msg("Circuit breaker state changed")
	if b.onChange != nil {
		b.onChange(*change)
	}
}
