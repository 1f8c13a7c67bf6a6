package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leverage-bot/internal/ledger"
	"leverage-bot/internal/position"
	"leverage-bot/internal/pricefeed"
	"leverage-bot/internal/venue"
)

// storeCloser closes straight through the store, the way the engine does.
type storeCloser struct {
	store *position.Store
	tok   atomic.Uint64
}

func (c *storeCloser) ClosePositionAt(_ context.Context, id string, price float64, reason string) (*position.Position, error) {
	return c.store.Close(id, price, reason, c.tok.Add(1))
}

// offlineVenue simulates a venue that dropped our order and cannot quote.
type offlineVenue struct{}

func (offlineVenue) PlaceOrder(context.Context, string, string, float64) (*venue.Fill, error) {
	return nil, errors.New("not implemented")
}
func (offlineVenue) ListOpenOrders(context.Context, string) ([]int64, error) {
	return nil, nil
}
func (offlineVenue) GetBalances(context.Context) (map[string]venue.Balance, error) {
	return nil, errors.New("not implemented")
}
func (offlineVenue) CurrentPrice(context.Context, string) (float64, error) {
	return 0, errors.New("no quote")
}

func newFixture(t *testing.T) (*position.Store, *storeCloser, *ledger.Ledger) {
	t.Helper()
	l := ledger.New()
	l.Credit("USDT", 1000)
	store := position.NewStore(l, "USDT", 0.0005, zerolog.Nop())
	return store, &storeCloser{store: store}, l
}

func newReconciler(store *position.Store, l *ledger.Ledger, feed pricefeed.Feed, vc venue.Client, closer Closer, writes *int32) *Reconciler {
	snapshot := func(context.Context) error {
		atomic.AddInt32(writes, 1)
		return nil
	}
	return New(store, l, "USDT", feed, vc, closer, nil, time.Minute, snapshot, zerolog.Nop())
}

func TestRunOnceClosesMissedTrigger(t *testing.T) {
	store, closer, l := newFixture(t)
	p, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: 0.25, StopLoss: 0.20, TakeProfit: 0.30,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	feed := pricefeed.NewCache(time.Minute)
	feed.Set("DOGEUSDT", 0.30)

	var writes int32
	r := newReconciler(store, l, feed, nil, closer, &writes)

	corrected, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if corrected != 1 {
		t.Fatalf("corrected = %d, want 1", corrected)
	}

	got, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if got.CloseReason != position.ReasonTakeProfit {
		t.Fatalf("close reason = %q, want %q", got.CloseReason, position.ReasonTakeProfit)
	}
	if atomic.LoadInt32(&writes) != 1 {
		t.Fatalf("snapshot writes = %d, want 1", writes)
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	store, closer, l := newFixture(t)
	if _, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: 0.25, StopLoss: 0.20, TakeProfit: 0.30,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	feed := pricefeed.NewCache(time.Minute)
	feed.Set("DOGEUSDT", 0.30)

	var writes int32
	r := newReconciler(store, l, feed, nil, closer, &writes)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	free1, locked1 := l.Balance("USDT")
	writes1 := atomic.LoadInt32(&writes)

	corrected, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if corrected != 0 {
		t.Fatalf("second pass corrected = %d, want 0", corrected)
	}
	if got := atomic.LoadInt32(&writes); got != writes1 {
		t.Fatalf("second pass wrote snapshots: %d -> %d", writes1, got)
	}
	free2, locked2 := l.Balance("USDT")
	if free1 != free2 || locked1 != locked2 {
		t.Fatalf("balances changed on no-op pass: free %v -> %v, locked %v -> %v",
			free1, free2, locked1, locked2)
	}
}

func TestRunOnceSkipsWithoutPrice(t *testing.T) {
	store, closer, l := newFixture(t)
	p, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: 0.25, StopLoss: 0.20, TakeProfit: 0.30,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var writes int32
	r := newReconciler(store, l, pricefeed.NewCache(time.Minute), nil, closer, &writes)

	corrected, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if corrected != 0 {
		t.Fatalf("corrected = %d, want 0", corrected)
	}
	got, _ := store.Get(p.ID)
	if got.Status != position.StatusOpen {
		t.Fatalf("position should stay open without a price, got %s", got.Status)
	}
	if atomic.LoadInt32(&writes) != 0 {
		t.Fatalf("snapshot writes = %d, want 0", writes)
	}
}

func TestDetectsExternallyClosedOrder(t *testing.T) {
	store, closer, l := newFixture(t)

	mock := venue.NewStaticMockClient()
	mock.SetPrice("DOGEUSDT", 0.27)
	fill, err := mock.PlaceOrder(context.Background(), "DOGEUSDT", "BUY", 10)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	p, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: fill.Price, StopLoss: 0.10, TakeProfit: 1.00,
		OrderID: fill.OrderID,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var writes int32
	r := newReconciler(store, l, pricefeed.NewCache(time.Minute), mock, closer, &writes)

	// Order still at the venue: nothing to do.
	if corrected, _ := r.RunOnce(context.Background()); corrected != 0 {
		t.Fatalf("corrected = %d before drop, want 0", corrected)
	}

	mock.DropOrder("DOGEUSDT", fill.OrderID)

	corrected, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if corrected != 1 {
		t.Fatalf("corrected = %d after drop, want 1", corrected)
	}

	got, _ := store.Get(p.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if got.CloseReason != position.ReasonExternal {
		t.Fatalf("close reason = %q, want %q", got.CloseReason, position.ReasonExternal)
	}
}

func TestFlagsConflictWhenExitPriceUnknown(t *testing.T) {
	store, closer, l := newFixture(t)
	p, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: 0.25, StopLoss: 0.10, TakeProfit: 1.00,
		OrderID: 42,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var writes int32
	r := newReconciler(store, l, pricefeed.NewCache(time.Minute), offlineVenue{}, closer, &writes)

	for i := 0; i < 2; i++ {
		if corrected, err := r.RunOnce(context.Background()); err != nil || corrected != 0 {
			t.Fatalf("pass %d: corrected=%d err=%v", i, corrected, err)
		}
	}

	conflicts := r.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want exactly 1 despite repeated passes", len(conflicts))
	}
	if conflicts[0].PositionID != p.ID {
		t.Fatalf("conflict position = %s, want %s", conflicts[0].PositionID, p.ID)
	}

	got, _ := store.Get(p.ID)
	if got.Status != position.StatusOpen {
		t.Fatalf("position must stay open on conflict, got %s", got.Status)
	}
}

func TestFlagsLockDrift(t *testing.T) {
	store, closer, l := newFixture(t)
	if _, err := store.Open(position.OpenSpec{
		Symbol: "DOGEUSDT", Side: position.SideBuy,
		Quantity: 10, EntryPrice: 0.25, StopLoss: 0.10, TakeProfit: 1.00,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	var writes int32
	r := newReconciler(store, l, pricefeed.NewCache(time.Minute), nil, closer, &writes)

	// Consistent state: no conflict.
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := r.Conflicts(); len(got) != 0 {
		t.Fatalf("conflicts = %d on consistent state, want 0", len(got))
	}

	// A lock the store knows nothing about, like a crash between the
	// position and balance document writes would leave behind.
	if !l.Lock("USDT", 5) {
		t.Fatal("lock failed")
	}

	for i := 0; i < 2; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	conflicts := r.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want exactly 1 despite repeated passes", len(conflicts))
	}
	if conflicts[0].Symbol != "USDT" || conflicts[0].PositionID != "" {
		t.Fatalf("unexpected conflict identity: %+v", conflicts[0])
	}
}
