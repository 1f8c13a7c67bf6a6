package venue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// flakyClient fails CurrentPrice with a transient error until fixed.
type flakyClient struct {
	*MockClient
	failing bool
}

func (f *flakyClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if f.failing {
		return 0, fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	return f.MockClient.CurrentPrice(ctx, symbol)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyClient{MockClient: NewStaticMockClient(), failing: true}
	b := NewBreaker(inner, BreakerConfig{MaxConsecutiveFailures: 3, Cooldown: time.Hour}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.CurrentPrice(ctx, "BTCUSDT"); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state=%s after threshold failures, want open", b.State())
	}

	// While open, calls short-circuit without reaching the inner client.
	inner.failing = false
	if _, err := b.CurrentPrice(ctx, "BTCUSDT"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("open breaker should short-circuit with ErrUnavailable, got %v", err)
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	inner := &flakyClient{MockClient: NewStaticMockClient(), failing: true}
	b := NewBreaker(inner, BreakerConfig{MaxConsecutiveFailures: 1, Cooldown: time.Millisecond}, zerolog.Nop())

	ctx := context.Background()
	if _, err := b.CurrentPrice(ctx, "BTCUSDT"); err == nil {
		t.Fatal("expected initial failure")
	}
	if b.State() != StateOpen {
		t.Fatalf("state=%s, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	inner.failing = false

	price, err := b.CurrentPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if price <= 0 {
		t.Errorf("price=%v", price)
	}
	if b.State() != StateClosed {
		t.Errorf("state=%s after successful probe, want closed", b.State())
	}
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	inner := NewStaticMockClient()
	b := NewBreaker(inner, BreakerConfig{MaxConsecutiveFailures: 1, Cooldown: time.Hour}, zerolog.Nop())

	ctx := context.Background()
	// Unknown symbol is an API rejection, not a venue outage.
	for i := 0; i < 5; i++ {
		if _, err := b.CurrentPrice(ctx, "NOPEUSDT"); err == nil {
			t.Fatal("expected unknown symbol error")
		}
	}
	if b.State() != StateClosed {
		t.Errorf("API rejections tripped the breaker: state=%s", b.State())
	}
}
