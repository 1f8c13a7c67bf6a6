package pricefeed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leverage-bot/internal/venue"
)

func TestPollerFillsWatchedSymbols(t *testing.T) {
	mock := venue.NewStaticMockClient()
	mock.SetPrice("DOGEUSDT", 0.25)

	cache := NewCache(time.Minute)
	p := NewPoller(mock, cache, time.Second, zerolog.Nop())
	p.Watch("DOGEUSDT")

	p.poll(context.Background())

	price, ok := cache.Price("DOGEUSDT")
	if !ok || price != 0.25 {
		t.Fatalf("price = %v ok = %v, want 0.25 true", price, ok)
	}
}

func TestPollerIncludesSourceSymbols(t *testing.T) {
	mock := venue.NewStaticMockClient()
	mock.SetPrice("DOGEUSDT", 0.25)
	mock.SetPrice("PEPEUSDT", 0.01)

	cache := NewCache(time.Minute)
	p := NewPoller(mock, cache, time.Second, zerolog.Nop())

	// The source grows between ticks, the way the engine's open-position set
	// does; the poller must pick up the new symbol without a Watch call.
	symbols := []string{"DOGEUSDT"}
	p.WatchSource(func() []string { return symbols })

	p.poll(context.Background())
	if _, ok := cache.Price("PEPEUSDT"); ok {
		t.Fatal("unwatched symbol should not be polled yet")
	}

	symbols = append(symbols, "PEPEUSDT")
	p.poll(context.Background())

	price, ok := cache.Price("PEPEUSDT")
	if !ok || price != 0.01 {
		t.Fatalf("price = %v ok = %v, want 0.01 true", price, ok)
	}
}
