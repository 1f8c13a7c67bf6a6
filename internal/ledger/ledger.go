// Package ledger tracks per-asset free and locked funds.
//
// Every mutation goes through Lock, Unlock, Credit, Debit or Settle, each of
// which serializes against other operations on the same asset while leaving
// operations on different assets free to proceed in parallel. Free and locked
// amounts never go negative.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// epsilon absorbs float64 dust from repeated fee arithmetic so that unlocking
// exactly what was locked never fails on the last ulp.
const epsilon = 1e-9

var (
	// ErrInsufficientFunds is returned when a lock or debit exceeds the free balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientLocked is returned when a release exceeds the locked balance.
	ErrInsufficientLocked = errors.New("insufficient locked funds")
)

// AssetBalance is the externally visible state of a single asset.
type AssetBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

type account struct {
	mu     sync.Mutex
	free   float64
	locked float64
}

// Ledger holds the balances for all assets.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map only
	accounts map[string]*account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

func (l *Ledger) account(asset string) *account {
	l.mu.RLock()
	acc, ok := l.accounts[asset]
	l.mu.RUnlock()
	if ok {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[asset]; ok {
		return acc
	}
	acc = &account{}
	l.accounts[asset] = acc
	return acc
}

// Lock moves amount from free to locked. It fails without mutating anything
// when free is insufficient.
func (l *Ledger) Lock(asset string, amount float64) bool {
	if amount <= 0 {
		return false
	}
	acc := l.account(asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.free+epsilon < amount {
		return false
	}
	acc.free -= amount
	acc.locked += amount
	acc.clampDust()
	return true
}

// Unlock moves amount from locked back to free.
func (l *Ledger) Unlock(asset string, amount float64) bool {
	if amount <= 0 {
		return false
	}
	acc := l.account(asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.locked+epsilon < amount {
		return false
	}
	acc.locked -= amount
	acc.free += amount
	acc.clampDust()
	return true
}

// Credit adds amount to the free balance.
func (l *Ledger) Credit(asset string, amount float64) {
	if amount <= 0 {
		return
	}
	acc := l.account(asset)
	acc.mu.Lock()
	acc.free += amount
	acc.mu.Unlock()
}

// Debit removes amount from the free balance.
func (l *Ledger) Debit(asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %v", amount)
	}
	acc := l.account(asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.free+epsilon < amount {
		return fmt.Errorf("%w: free %s balance %.8f < %.8f", ErrInsufficientFunds, asset, acc.free, amount)
	}
	acc.free -= amount
	acc.clampDust()
	return nil
}

// Settle is the composite close-time operation: it releases lockedRelease
// back to free, then applies pnlDelta - fee to the free balance. The whole
// settlement is a single atomic step relative to other callers; on error
// nothing is applied.
func (l *Ledger) Settle(asset string, lockedRelease, pnlDelta, fee float64) error {
	acc := l.account(asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if lockedRelease < 0 || fee < 0 {
		return fmt.Errorf("settle: negative release (%v) or fee (%v)", lockedRelease, fee)
	}
	if acc.locked+epsilon < lockedRelease {
		return fmt.Errorf("%w: locked %s balance %.8f < release %.8f",
			ErrInsufficientLocked, asset, acc.locked, lockedRelease)
	}

	free := acc.free + lockedRelease + pnlDelta - fee
	if free < -epsilon {
		return fmt.Errorf("%w: settlement would leave free %s balance at %.8f",
			ErrInsufficientFunds, asset, free)
	}

	acc.locked -= lockedRelease
	acc.free = free
	acc.clampDust()
	return nil
}

// Balance returns the current free and locked amounts for an asset.
func (l *Ledger) Balance(asset string) (free, locked float64) {
	acc := l.account(asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.free, acc.locked
}

// Snapshot returns a point-in-time copy of all non-empty balances.
func (l *Ledger) Snapshot() map[string]AssetBalance {
	l.mu.RLock()
	assets := make([]string, 0, len(l.accounts))
	for asset := range l.accounts {
		assets = append(assets, asset)
	}
	l.mu.RUnlock()

	out := make(map[string]AssetBalance, len(assets))
	for _, asset := range assets {
		free, locked := l.Balance(asset)
		if free == 0 && locked == 0 {
			continue
		}
		out[asset] = AssetBalance{Asset: asset, Free: free, Locked: locked}
	}
	return out
}

// Restore replaces the current balances with the given snapshot. Used once
// at startup before any concurrent access begins.
func (l *Ledger) Restore(balances map[string]AssetBalance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*account, len(balances))
	for asset, b := range balances {
		l.accounts[asset] = &account{free: b.Free, locked: b.Locked}
	}
}

// clampDust snaps near-zero balances to zero. Caller holds acc.mu.
func (a *account) clampDust() {
	if a.free < 0 && a.free > -epsilon {
		a.free = 0
	}
	if a.locked < 0 && a.locked > -epsilon {
		a.locked = 0
	}
}
