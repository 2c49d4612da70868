package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/breaker"
	"github.com/agencydesk/chatcore/internal/domain"
)

// fakeInner implements only the methods a test touches; anything else
// panics via the embedded nil interface.
type fakeInner struct {
	Store
	saveErr error
	findErr error
	saves   int
}

func (f *fakeInner) SaveMessage(ctx context.Context, m *domain.Message) error {
	f.saves++
	return f.saveErr
}

func (f *fakeInner) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &domain.Message{ID: id}, nil
}

func newTestGateway(inner Store) *Gateway {
	b := breaker.New(breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, zerolog.Nop())
	return NewGateway(inner, b, time.Second)
}

func TestGatewayWrapsInfraErrors(t *testing.T) {
	inner := &fakeInner{saveErr: errors.New("connection reset")}
	g := newTestGateway(inner)

	err := g.SaveMessage(context.Background(), &domain.Message{ID: "m1"})
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("SaveMessage returned %v, want ErrTransientStore wrap", err)
	}
}

func TestGatewayDomainErrorsPassThrough(t *testing.T) {
	inner := &fakeInner{findErr: domain.ErrNotFound}
	g := newTestGateway(inner)

	for i := 0; i < 10; i++ {
		_, err := g.FindMessageByID(context.Background(), "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("call %d returned %v, want ErrNotFound", i, err)
		}
		if errors.Is(err, domain.ErrTransientStore) {
			t.Fatalf("domain error must not be wrapped as transient")
		}
	}
	// Domain errors mean the store answered; the breaker must stay closed.
	if g.Breaker().State() != breaker.Closed {
		t.Fatalf("breaker state = %s, want CLOSED", g.Breaker().State())
	}
}

func TestGatewayTripsAndFailsFast(t *testing.T) {
	inner := &fakeInner{saveErr: errors.New("no reachable servers")}
	g := newTestGateway(inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.SaveMessage(ctx, &domain.Message{ID: "m1"}); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
	if g.Breaker().State() != breaker.Open {
		t.Fatalf("breaker state = %s after threshold failures, want OPEN", g.Breaker().State())
	}

	before := inner.saves
	err := g.SaveMessage(ctx, &domain.Message{ID: "m2"})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("open-breaker call returned %v, want ErrCircuitOpen", err)
	}
	if inner.saves != before {
		t.Fatal("open breaker must fail fast without touching the store")
	}
}

func TestGatewaySuccessResetsBreaker(t *testing.T) {
	inner := &fakeInner{saveErr: errors.New("timeout")}
	g := newTestGateway(inner)
	ctx := context.Background()

	g.SaveMessage(ctx, &domain.Message{ID: "m1"})
	g.SaveMessage(ctx, &domain.Message{ID: "m1"})

	inner.saveErr = nil
	if err := g.SaveMessage(ctx, &domain.Message{ID: "m1"}); err != nil {
		t.Fatalf("SaveMessage failed after recovery: %v", err)
	}

	inner.saveErr = errors.New("timeout")
	g.SaveMessage(ctx, &domain.Message{ID: "m1"})
	g.SaveMessage(ctx, &domain.Message{ID: "m1"})
	if g.Breaker().State() != breaker.Closed {
		t.Fatalf("breaker state = %s, want CLOSED: success resets the counter", g.Breaker().State())
	}
}
