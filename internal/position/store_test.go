package position

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"leverage-bot/internal/ledger"
)

const feeRate = 0.0005

func newTestStore(funds float64) (*Store, *ledger.Ledger) {
	l := ledger.New()
	l.Credit("USDT", funds)
	return NewStore(l, "USDT", feeRate, zerolog.Nop()), l
}

func TestOpenValidation(t *testing.T) {
	s, _ := newTestStore(1000)

	tests := []struct {
		name string
		spec OpenSpec
	}{
		{"zero quantity", OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 0, EntryPrice: 100}},
		{"negative quantity", OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: -1, EntryPrice: 100}},
		{"zero price", OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, EntryPrice: 0}},
		{"bad side", OpenSpec{Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, EntryPrice: 100}},
		{"no symbol", OpenSpec{Side: SideBuy, Quantity: 1, EntryPrice: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Open(tt.spec); !errors.Is(err, ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestOpenLocksFunds(t *testing.T) {
	s, l := newTestStore(1000)

	p, err := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 2, EntryPrice: 100})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if p.Notional != 200 {
		t.Errorf("notional=%v, want 200", p.Notional)
	}
	if math.Abs(p.EntryFee-0.1) > 1e-9 {
		t.Errorf("entry fee=%v, want 0.1", p.EntryFee)
	}

	free, locked := l.Balance("USDT")
	if math.Abs(locked-200.1) > 1e-9 {
		t.Errorf("locked=%v, want 200.1", locked)
	}
	if math.Abs(free-799.9) > 1e-9 {
		t.Errorf("free=%v, want 799.9", free)
	}
}

func TestOpenRejectedWhenLockFails(t *testing.T) {
	s, l := newTestStore(50)

	_, err := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, EntryPrice: 100})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if len(s.Active()) != 0 {
		t.Error("rejected open must not insert a position")
	}
	free, locked := l.Balance("USDT")
	if free != 50 || locked != 0 {
		t.Errorf("rejected open mutated ledger: free=%v locked=%v", free, locked)
	}
}

func TestCloseComputesPnL(t *testing.T) {
	tests := []struct {
		name       string
		side       Side
		entry      float64
		close      float64
		qty        float64
		wantGross  float64
	}{
		{"buy profit", SideBuy, 0.25, 0.30, 10, 0.5},
		{"buy loss", SideBuy, 100, 95, 1, -5},
		{"sell profit", SideSell, 100, 95, 1, 5},
		{"sell loss", SideSell, 100, 110, 2, -20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(10000)
			p, err := s.Open(OpenSpec{Symbol: "XUSDT", Side: tt.side, Quantity: tt.qty, EntryPrice: tt.entry})
			if err != nil {
				t.Fatalf("open: %v", err)
			}

			closed, err := s.Close(p.ID, tt.close, ReasonManual, 1)
			if err != nil {
				t.Fatalf("close: %v", err)
			}

			entryFee := tt.entry * tt.qty * feeRate
			exitFee := tt.close * tt.qty * feeRate
			want := tt.wantGross - entryFee - exitFee
			if closed.RealizedPnL == nil || math.Abs(*closed.RealizedPnL-want) > 1e-9 {
				t.Errorf("realized pnl=%v, want %v", closed.RealizedPnL, want)
			}
			if closed.Status != StatusClosed {
				t.Errorf("status=%s, want CLOSED", closed.Status)
			}
			if closed.ClosePrice == nil || *closed.ClosePrice != tt.close {
				t.Errorf("close price=%v, want %v", closed.ClosePrice, tt.close)
			}
		})
	}
}

func TestCloseReleasesLockedExactly(t *testing.T) {
	s, l := newTestStore(1000)
	p, err := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 10, EntryPrice: 0.25})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, locked := l.Balance("USDT")
	if math.Abs(locked-p.LockedAmount()) > 1e-9 {
		t.Fatalf("locked=%v, want %v", locked, p.LockedAmount())
	}

	if _, err := s.Close(p.ID, 0.30, ReasonTakeProfit, 1); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, locked = l.Balance("USDT")
	if locked != 0 {
		t.Errorf("locked=%v after close, want 0", locked)
	}
}

func TestCloseUnknownAndDouble(t *testing.T) {
	s, _ := newTestStore(1000)

	if _, err := s.Close("nope", 100, ReasonManual, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	p, _ := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, EntryPrice: 100})
	if _, err := s.Close(p.ID, 110, ReasonManual, 1); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := s.Close(p.ID, 110, ReasonManual, 2); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("want ErrAlreadyClosed, got %v", err)
	}
}

// TestConcurrentCloseExactlyOnce spawns K concurrent closers for the same
// position and asserts exactly one settlement lands in the ledger.
func TestConcurrentCloseExactlyOnce(t *testing.T) {
	const closers = 16

	s, l := newTestStore(1000)
	p, err := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 2, EntryPrice: 100})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	freeBefore, _ := l.Balance("USDT")

	var wins, losses atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func(token uint64) {
			defer wg.Done()
			_, err := s.Close(p.ID, 110, ReasonManual, token)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrCloseInFlight):
				losses.Add(1)
			default:
				t.Errorf("unexpected close error: %v", err)
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins=%d, want exactly 1", wins.Load())
	}
	if losses.Load() != closers-1 {
		t.Errorf("losses=%d, want %d", losses.Load(), closers-1)
	}

	// Ledger delta must equal a single settlement.
	gross := (110.0 - 100.0) * 2
	exitFee := 110.0 * 2 * feeRate
	wantFree := freeBefore + p.LockedAmount() + gross - p.EntryFee - exitFee
	free, locked := l.Balance("USDT")
	if math.Abs(free-wantFree) > 1e-9 {
		t.Errorf("free=%v, want %v (single settlement)", free, wantFree)
	}
	if locked != 0 {
		t.Errorf("locked=%v, want 0", locked)
	}
	if _, total := s.History(1, 10); total != 1 {
		t.Errorf("history count=%d, want 1", total)
	}
}

func TestTwoPhaseClose(t *testing.T) {
	s, _ := newTestStore(1000)
	p, _ := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, EntryPrice: 100})

	if err := s.TryBeginClose(p.ID, 7); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !s.IsClosing(p.ID) {
		t.Error("expected position to report closing")
	}
	// Competing claim loses while first is in flight.
	if err := s.TryBeginClose(p.ID, 8); !errors.Is(err, ErrCloseInFlight) {
		t.Errorf("want ErrCloseInFlight, got %v", err)
	}
	// Abort releases the claim for a later retry.
	s.AbortClose(p.ID, 7)
	if s.IsClosing(p.ID) {
		t.Error("claim not released by abort")
	}

	if err := s.TryBeginClose(p.ID, 9); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if _, err := s.Close(p.ID, 105, ReasonManual, 9); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	s, _ := newTestStore(100000)
	for i := 0; i < 5; i++ {
		p, _ := s.Open(OpenSpec{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, EntryPrice: 100})
		if _, err := s.Close(p.ID, 101+float64(i), ReasonManual, uint64(i+1)); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	page, total := s.History(1, 2)
	if total != 5 || len(page) != 2 {
		t.Fatalf("page1: total=%d len=%d, want 5/2", total, len(page))
	}
	// Newest first: last close was at 105.
	if *page[0].ClosePrice != 105 {
		t.Errorf("first item close=%v, want 105", *page[0].ClosePrice)
	}

	page, _ = s.History(3, 2)
	if len(page) != 1 {
		t.Errorf("page3 len=%d, want 1", len(page))
	}
	page, _ = s.History(4, 2)
	if len(page) != 0 {
		t.Errorf("page4 len=%d, want 0", len(page))
	}
}
