package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
)

func newTestBreaker(reset time.Duration) *Breaker {
	return New(Config{
		FailureThreshold: 3,
		ResetTimeout:     reset,
		HalfOpenMaxCalls: 2,
	}, zerolog.Nop())
}

func TestTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be allowed while closed: %v", i, err)
		}
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("state = %s after 2 failures, want CLOSED", b.State())
	}

	b.Failure()
	if b.State() != Open {
		t.Fatalf("state = %s after threshold failures, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != Closed {
		t.Fatalf("state = %s, want CLOSED: success must reset the consecutive counter", b.State())
	}
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(15 * time.Millisecond)

	if b.State() != HalfOpen {
		t.Fatalf("state = %s after reset timeout, want HALF_OPEN", b.State())
	}
	// The probe budget is 2.
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("third probe returned %v, want ErrCircuitOpen", err)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state = %s after half-open success, want CLOSED", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("state = %s after half-open failure, want OPEN", b.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	b := newTestBreaker(time.Minute)
	var changes []StateChange
	b.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	if len(changes) != 1 {
		t.Fatalf("got %d state changes, want 1", len(changes))
	}
	if changes[0].From != Closed || changes[0].To != Open {
		t.Fatalf("change = %s -> %s, want CLOSED -> OPEN", changes[0].From, changes[0].To)
	}
}

func TestDoClassifiesResult(t *testing.T) {
	b := newTestBreaker(time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Do returned %v, want boom", err)
		}
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("Do on open breaker returned %v, want ErrCircuitOpen", err)
	}
}
