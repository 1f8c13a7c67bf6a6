package ledger

import (
	"math"
	"sync"
	"testing"
)

func TestLockUnlock(t *testing.T) {
	l := New()
	l.Credit("USDT", 100)

	if !l.Lock("USDT", 60) {
		t.Fatal("expected lock of 60 to succeed")
	}
	free, locked := l.Balance("USDT")
	if free != 40 || locked != 60 {
		t.Errorf("after lock: free=%v locked=%v, want 40/60", free, locked)
	}

	if l.Lock("USDT", 50) {
		t.Error("expected lock of 50 to fail with only 40 free")
	}
	// Failed lock must not mutate
	free, locked = l.Balance("USDT")
	if free != 40 || locked != 60 {
		t.Errorf("failed lock mutated state: free=%v locked=%v", free, locked)
	}

	if !l.Unlock("USDT", 60) {
		t.Fatal("expected unlock of 60 to succeed")
	}
	if l.Unlock("USDT", 1) {
		t.Error("expected unlock with nothing locked to fail")
	}
}

func TestDebitInsufficient(t *testing.T) {
	l := New()
	l.Credit("BTC", 1)
	if err := l.Debit("BTC", 2); err == nil {
		t.Error("expected debit beyond free balance to fail")
	}
	if err := l.Debit("BTC", 0.5); err != nil {
		t.Errorf("unexpected debit error: %v", err)
	}
}

func TestSettle(t *testing.T) {
	l := New()
	l.Credit("USDT", 100)
	l.Lock("USDT", 25)

	// Release 25 locked, apply pnl +5 with fee 1.
	if err := l.Settle("USDT", 25, 5, 1); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	free, locked := l.Balance("USDT")
	if math.Abs(free-104) > 1e-9 || locked != 0 {
		t.Errorf("after settle: free=%v locked=%v, want 104/0", free, locked)
	}
}

func TestSettleRejectsOverRelease(t *testing.T) {
	l := New()
	l.Credit("USDT", 100)
	l.Lock("USDT", 10)

	if err := l.Settle("USDT", 20, 0, 0); err == nil {
		t.Fatal("expected settle releasing more than locked to fail")
	}
	// Nothing may be applied on failure.
	free, locked := l.Balance("USDT")
	if free != 90 || locked != 10 {
		t.Errorf("failed settle mutated state: free=%v locked=%v", free, locked)
	}
}

// TestNonNegativity hammers the ledger with concurrent lock/unlock/settle
// sequences and asserts free/locked never dip below zero.
func TestNonNegativity(t *testing.T) {
	l := New()
	l.Credit("USDT", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if l.Lock("USDT", 7) {
					if j%2 == 0 {
						l.Unlock("USDT", 7)
					} else {
						if err := l.Settle("USDT", 7, 0.01, 0.01); err != nil {
							t.Errorf("settle of held lock failed: %v", err)
						}
					}
				}
				free, locked := l.Balance("USDT")
				if free < 0 || locked < 0 {
					t.Errorf("negative balance observed: free=%v locked=%v", free, locked)
				}
			}
		}()
	}
	wg.Wait()

	free, locked := l.Balance("USDT")
	if free < 0 || locked != 0 {
		t.Errorf("final state free=%v locked=%v", free, locked)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	l.Credit("USDT", 500)
	l.Lock("USDT", 100)
	l.Credit("BTC", 0.5)

	snap := l.Snapshot()

	restored := New()
	restored.Restore(snap)
	free, locked := restored.Balance("USDT")
	if free != 400 || locked != 100 {
		t.Errorf("restored USDT free=%v locked=%v, want 400/100", free, locked)
	}
	free, _ = restored.Balance("BTC")
	if free != 0.5 {
		t.Errorf("restored BTC free=%v, want 0.5", free)
	}
}
