// Package position owns the authoritative position map and its lifecycle.
//
// A position is created by Open and moves through exactly one transition,
// OPEN -> CLOSED. Close settles funds through the ledger before the position
// is marked closed; settlement failure leaves the position open.
package position

import (
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Close reasons recorded on the position.
const (
	ReasonStopLoss   = "Stop Loss"
	ReasonTakeProfit = "Take Profit"
	ReasonManual     = "manual"
	ReasonSignal     = "signal"
	ReasonExternal   = "external"
)

// Position is a single leveraged position. Close-time fields are nil until
// the position transitions to CLOSED and are never mutated afterwards.
type Position struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Notional   float64 `json:"notional"`
	EntryFee   float64 `json:"entry_fee"`
	Status     Status  `json:"status"`

	// OrderID is the venue order backing this position; zero in synthetic mode.
	OrderID int64 `json:"order_id,omitempty"`

	EntryTime   time.Time  `json:"entry_time"`
	ClosePrice  *float64   `json:"close_price,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	CloseTime   *time.Time `json:"close_time,omitempty"`
	RealizedPnL *float64   `json:"realized_pnl,omitempty"`
	CloseToken  uint64     `json:"close_token,omitempty"`
}

// GrossPnL is the price move captured by the position at the given exit
// price, before fees.
func (p *Position) GrossPnL(closePrice float64) float64 {
	if p.Side == SideBuy {
		return (closePrice - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - closePrice) * p.Quantity
}

// LockedAmount is what the ledger holds against this position while open.
func (p *Position) LockedAmount() float64 {
	return p.Notional + p.EntryFee
}

func (p *Position) clone() *Position {
	cp := *p
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		cp.ClosePrice = &v
	}
	if p.CloseTime != nil {
		v := *p.CloseTime
		cp.CloseTime = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		cp.RealizedPnL = &v
	}
	return &cp
}
