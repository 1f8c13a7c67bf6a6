package database

import (
	"context"
	"fmt"
	"time"

	"leverage-bot/internal/position"
)

// Repository persists closed positions for reporting and audit.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the given database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ArchiveClosedPosition upserts a closed position. Positions still open are
// rejected so the archive only ever holds finalized rows.
func (r *Repository) ArchiveClosedPosition(ctx context.Context, p *position.Position) error {
	if p.Status != position.StatusClosed || p.ClosePrice == nil || p.CloseTime == nil || p.RealizedPnL == nil {
		return fmt.Errorf("position %s is not closed", p.ID)
	}

	query := `
		INSERT INTO closed_positions (
			id, symbol, side, quantity, entry_price, close_price,
			stop_loss, take_profit, notional, entry_fee, realized_pnl,
			close_reason, order_id, entry_time, close_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.Pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, *p.ClosePrice,
		p.StopLoss, p.TakeProfit, p.Notional, p.EntryFee, *p.RealizedPnL,
		p.CloseReason, p.OrderID, p.EntryTime, *p.CloseTime,
	)
	if err != nil {
		return fmt.Errorf("archive closed position: %w", err)
	}
	return nil
}

// ListClosedPositions returns archived positions newest first.
func (r *Repository) ListClosedPositions(ctx context.Context, symbol string, limit int) ([]*position.Position, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, symbol, side, quantity, entry_price, close_price,
		       stop_loss, take_profit, notional, entry_fee, realized_pnl,
		       close_reason, order_id, entry_time, close_time
		FROM closed_positions`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = $1`
		args = append(args, symbol)
	}
	query += fmt.Sprintf(` ORDER BY close_time DESC LIMIT %d`, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		var p position.Position
		var closePrice, realizedPnL float64
		var closeTime time.Time
		if err := rows.Scan(
			&p.ID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &closePrice,
			&p.StopLoss, &p.TakeProfit, &p.Notional, &p.EntryFee, &realizedPnL,
			&p.CloseReason, &p.OrderID, &p.EntryTime, &closeTime,
		); err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		p.Status = position.StatusClosed
		p.ClosePrice = &closePrice
		p.RealizedPnL = &realizedPnL
		p.CloseTime = &closeTime
		out = append(out, &p)
	}
	return out, rows.Err()
}
