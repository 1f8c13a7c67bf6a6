package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState represents the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // normal operation
	StateOpen     BreakerState = "open"      // venue calls short-circuited
	StateHalfOpen BreakerState = "half_open" // probing recovery
)

// BreakerConfig tunes the venue circuit breaker.
type BreakerConfig struct {
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	Cooldown               time.Duration `json:"cooldown"`
}

// DefaultBreakerConfig returns safe defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveFailures: 5,
		Cooldown:               30 * time.Second,
	}
}

// Breaker wraps a venue client and short-circuits calls while the venue is
// misbehaving. Only transient failures (ErrUnavailable) count against the
// breaker; API rejections pass through without tripping it.
type Breaker struct {
	inner  Client
	config BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastTripTime time.Time
	onTrip       func(reason string)

	log zerolog.Logger
}

// NewBreaker wraps client with a circuit breaker.
func NewBreaker(client Client, config BreakerConfig, log zerolog.Logger) *Breaker {
	if config.MaxConsecutiveFailures <= 0 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		inner:  client,
		config: config,
		state:  StateClosed,
		log:    log.With().Str("component", "venue-breaker").Logger(),
	}
}

// OnTrip sets the callback invoked when the breaker opens.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides whether a call may proceed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastTripTime) < b.config.Cooldown {
			remaining := b.config.Cooldown - time.Since(b.lastTripTime)
			return fmt.Errorf("%w: circuit open, %v until probe", ErrUnavailable, remaining.Round(time.Second))
		}
		b.state = StateHalfOpen
		b.log.Info().Msg("breaker half-open, probing venue")
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !isTransient(err) {
		if b.state != StateClosed {
			b.log.Info().Msg("venue recovered, breaker closed")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.config.MaxConsecutiveFailures {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		reason := fmt.Sprintf("%d consecutive venue failures", b.failures)
		b.log.Warn().Str("reason", reason).Msg("breaker tripped")
		if b.onTrip != nil {
			go b.onTrip(reason)
		}
	}
}

func isTransient(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}

// PlaceOrder forwards through the breaker.
func (b *Breaker) PlaceOrder(ctx context.Context, symbol, side string, quantity float64) (*Fill, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	fill, err := b.inner.PlaceOrder(ctx, symbol, side, quantity)
	b.record(err)
	return fill, err
}

// ListOpenOrders forwards through the breaker.
func (b *Breaker) ListOpenOrders(ctx context.Context, symbol string) ([]int64, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	ids, err := b.inner.ListOpenOrders(ctx, symbol)
	b.record(err)
	return ids, err
}

// GetBalances forwards through the breaker.
func (b *Breaker) GetBalances(ctx context.Context) (map[string]Balance, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	balances, err := b.inner.GetBalances(ctx)
	b.record(err)
	return balances, err
}

// CurrentPrice forwards through the breaker.
func (b *Breaker) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.allow(); err != nil {
		return 0, err
	}
	price, err := b.inner.CurrentPrice(ctx, symbol)
	b.record(err)
	return price, err
}

var _ Client = (*Breaker)(nil)
