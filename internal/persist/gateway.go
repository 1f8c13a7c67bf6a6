// Package persist is the only writer of durable snapshots: a key-value
// snapshot store whose writes are atomic-replace, never partial in-place
// edits.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read for keys that were never written.
var ErrNotFound = errors.New("snapshot key not found")

// Snapshot document keys.
const (
	KeyActivePositions = "positions_active"
	KeyPositionHistory = "positions_history"
	KeyLedgerBalances  = "ledger_balances"
)

// Gateway is the durable snapshot store contract. WriteAtomic must never
// leave a partially written value observable; Read must see the latest
// completed write.
type Gateway interface {
	Read(ctx context.Context, key string) ([]byte, error)
	WriteAtomic(ctx context.Context, key string, data []byte) error
	Close() error
}
