// Package monitor is the trigger loop: it compares live prices against every
// open position's stop-loss/take-profit and enqueues close tasks. Detection
// is decoupled from execution so a slow venue call can never stall price
// polling.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"leverage-bot/internal/position"
	"leverage-bot/internal/pricefeed"
	"leverage-bot/internal/queue"
)

// TaskTypeClose is the queue task type emitted on a trigger hit.
const TaskTypeClose = "close_position"

// ClosePayload is the task payload for a triggered close.
type ClosePayload struct {
	PositionID string  `json:"position_id"`
	Price      float64 `json:"price"`
	Reason     string  `json:"reason"`
}

// Evaluate applies the SL/TP rules for a position at the given price.
// Stop-loss wins when both could fire on the same tick.
func Evaluate(p *position.Position, price float64) (reason string, hit bool) {
	if p.Status != position.StatusOpen || p.ClosePrice != nil || p.CloseReason != "" {
		return "", false
	}

	if p.Side == position.SideBuy {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return position.ReasonStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return position.ReasonTakeProfit, true
		}
		return "", false
	}

	// SELL side mirrors: stop above entry, take-profit below.
	if p.StopLoss > 0 && price >= p.StopLoss {
		return position.ReasonStopLoss, true
	}
	if p.TakeProfit > 0 && price <= p.TakeProfit {
		return position.ReasonTakeProfit, true
	}
	return "", false
}

// Monitor polls open positions against the price feed.
type Monitor struct {
	store    *position.Store
	feed     pricefeed.Feed
	queue    *queue.Queue
	interval time.Duration

	// enqueued tracks positions with an in-flight close task so one trigger
	// produces one task even across many ticks.
	enqueued map[string]struct{}

	log zerolog.Logger
}

// New creates a trigger monitor with the given polling interval.
func New(store *position.Store, feed pricefeed.Feed, q *queue.Queue, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		store:    store,
		feed:     feed,
		queue:    q,
		interval: interval,
		enqueued: make(map[string]struct{}),
		log:      log.With().Str("component", "trigger-monitor").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick evaluates every open position once. Exported so the reconciler's
// tests and the engine can drive the monitor deterministically.
func (m *Monitor) Tick() {
	active := m.store.Active()

	// Forget positions that finished closing so ids can be GC'd.
	activeIDs := make(map[string]struct{}, len(active))
	for _, p := range active {
		activeIDs[p.ID] = struct{}{}
	}
	for id := range m.enqueued {
		if _, ok := activeIDs[id]; !ok {
			delete(m.enqueued, id)
		}
	}

	for _, p := range active {
		if _, pending := m.enqueued[p.ID]; pending {
			continue
		}
		if m.store.IsClosing(p.ID) {
			continue
		}

		price, ok := m.feed.Price(p.Symbol)
		if !ok {
			// No fresh price: no trigger evaluation this tick.
			continue
		}

		reason, hit := Evaluate(p, price)
		if !hit {
			continue
		}

		payload := ClosePayload{PositionID: p.ID, Price: price, Reason: reason}
		if _, err := m.queue.Enqueue(TaskTypeClose, payload); err != nil {
			m.log.Error().
				Err(err).
				Str("position_id", p.ID).
				Str("symbol", p.Symbol).
				Msg("failed to enqueue close task")
			continue
		}
		m.enqueued[p.ID] = struct{}{}

		m.log.Info().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("reason", reason).
			Float64("price", price).
			Msg("trigger hit, close enqueued")
	}
}
