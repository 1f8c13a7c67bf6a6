package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leverage-bot/internal/ledger"
	"leverage-bot/internal/position"
)

// snapshotVersion lets future layout changes migrate old documents.
const snapshotVersion = 1

// ActiveDocument is the durable record of all open positions.
type ActiveDocument struct {
	Version   int                           `json:"version"`
	SavedAt   time.Time                     `json:"saved_at"`
	Positions map[string]*position.Position `json:"positions"`
}

// HistoryDocument is the append-only record of closed positions.
type HistoryDocument struct {
	Version   int                  `json:"version"`
	SavedAt   time.Time            `json:"saved_at"`
	Positions []*position.Position `json:"positions"`
}

// LedgerDocument is the durable record of asset balances.
type LedgerDocument struct {
	Version  int                            `json:"version"`
	SavedAt  time.Time                      `json:"saved_at"`
	Balances map[string]ledger.AssetBalance `json:"balances"`
}

// SaveActive writes the open-position document.
func SaveActive(ctx context.Context, gw Gateway, open map[string]*position.Position) error {
	doc := ActiveDocument{Version: snapshotVersion, SavedAt: time.Now().UTC(), Positions: open}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal active positions: %w", err)
	}
	return gw.WriteAtomic(ctx, KeyActivePositions, data)
}

// LoadActive reads the open-position document; a missing key yields an empty map.
func LoadActive(ctx context.Context, gw Gateway) (map[string]*position.Position, error) {
	data, err := gw.Read(ctx, KeyActivePositions)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]*position.Position{}, nil
		}
		return nil, err
	}
	var doc ActiveDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse active positions: %w", err)
	}
	if doc.Positions == nil {
		doc.Positions = map[string]*position.Position{}
	}
	return doc.Positions, nil
}

// SaveHistory writes the closed-position document.
func SaveHistory(ctx context.Context, gw Gateway, history []*position.Position) error {
	doc := HistoryDocument{Version: snapshotVersion, SavedAt: time.Now().UTC(), Positions: history}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal position history: %w", err)
	}
	return gw.WriteAtomic(ctx, KeyPositionHistory, data)
}

// LoadHistory reads the closed-position document; a missing key yields nil.
func LoadHistory(ctx context.Context, gw Gateway) ([]*position.Position, error) {
	data, err := gw.Read(ctx, KeyPositionHistory)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var doc HistoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse position history: %w", err)
	}
	return doc.Positions, nil
}

// SaveLedger writes the balance document.
func SaveLedger(ctx context.Context, gw Gateway, balances map[string]ledger.AssetBalance) error {
	doc := LedgerDocument{Version: snapshotVersion, SavedAt: time.Now().UTC(), Balances: balances}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger balances: %w", err)
	}
	return gw.WriteAtomic(ctx, KeyLedgerBalances, data)
}

// LoadLedger reads the balance document; a missing key yields an empty map.
func LoadLedger(ctx context.Context, gw Gateway) (map[string]ledger.AssetBalance, error) {
	data, err := gw.Read(ctx, KeyLedgerBalances)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]ledger.AssetBalance{}, nil
		}
		return nil, err
	}
	var doc LedgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger balances: %w", err)
	}
	if doc.Balances == nil {
		doc.Balances = map[string]ledger.AssetBalance{}
	}
	return doc.Balances, nil
}
