// Package reconcile detects and corrects drift between the in-memory
// position store, the durable snapshot, and the venue's own order list.
// Every correction goes through the same close/settle path as live trading;
// the pass never mutates positions or balances directly.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leverage-bot/internal/events"
	"leverage-bot/internal/ledger"
	"leverage-bot/internal/monitor"
	"leverage-bot/internal/position"
	"leverage-bot/internal/pricefeed"
	"leverage-bot/internal/venue"
)

// Closer is the close path the pass corrects through. The engine implements
// it on top of the position store, persistence and archiving.
type Closer interface {
	ClosePositionAt(ctx context.Context, id string, price float64, reason string) (*position.Position, error)
}

// Conflict is a disagreement the pass cannot resolve automatically. It is
// retained for manual review, never guessed away.
type Conflict struct {
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// lockTolerance absorbs float64 dust when comparing the ledger's locked
// total against the sum over open positions.
const lockTolerance = 1e-6

// Reconciler runs the periodic and on-demand reconciliation pass.
type Reconciler struct {
	store      *position.Store
	ledger     *ledger.Ledger
	quoteAsset string
	feed       pricefeed.Feed
	venue      venue.Client // nil in synthetic mode
	closer     Closer
	bus        *events.EventBus
	interval   time.Duration

	// snapshot is invoked after a pass that changed state; a pass with no
	// changes must not write.
	snapshot func(ctx context.Context) error

	mu        sync.Mutex
	running   bool
	conflicts []Conflict
	flagged   map[string]struct{} // position ids already flagged

	log zerolog.Logger
}

// New builds a reconciler. venueClient may be nil (synthetic mode), in which
// case only missed-trigger detection runs.
func New(
	store *position.Store,
	l *ledger.Ledger,
	quoteAsset string,
	feed pricefeed.Feed,
	venueClient venue.Client,
	closer Closer,
	bus *events.EventBus,
	interval time.Duration,
	snapshot func(ctx context.Context) error,
	log zerolog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:      store,
		ledger:     l,
		quoteAsset: quoteAsset,
		feed:       feed,
		venue:      venueClient,
		closer:     closer,
		bus:        bus,
		interval:   interval,
		snapshot:   snapshot,
		flagged:    make(map[string]struct{}),
		log:        log.With().Str("component", "reconciler").Logger(),
	}
}

// Run executes the pass periodically until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// RunOnce executes a single pass and returns the number of positions it
// corrected. Re-running with no external state change is a no-op: no writes,
// no balance changes.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, nil // a pass is already in flight
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	changed := 0
	for _, p := range r.store.Active() {
		if r.store.IsClosing(p.ID) {
			continue
		}

		if r.checkMissedTrigger(ctx, p) {
			changed++
			continue
		}
		if r.checkClosedExternally(ctx, p) {
			changed++
		}
	}

	r.auditLocks()

	if changed > 0 && r.snapshot != nil {
		if err := r.snapshot(ctx); err != nil {
			return changed, err
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.EventReconcileCompleted,
			Data: map[string]interface{}{"corrected": changed},
		})
	}

	r.log.Info().Int("corrected", changed).Msg("reconciliation pass completed")
	return changed, nil
}

// checkMissedTrigger catches SL/TP hits missed while the process was down or
// the monitor was behind.
func (r *Reconciler) checkMissedTrigger(ctx context.Context, p *position.Position) bool {
	price, ok := r.currentPrice(ctx, p.Symbol)
	if !ok {
		return false
	}

	reason, hit := monitor.Evaluate(p, price)
	if !hit {
		return false
	}

	if _, err := r.closer.ClosePositionAt(ctx, p.ID, price, reason); err != nil {
		if errors.Is(err, position.ErrAlreadyClosed) || errors.Is(err, position.ErrCloseInFlight) {
			return false
		}
		r.log.Error().Err(err).Str("position_id", p.ID).Msg("missed-trigger close failed")
		return false
	}

	r.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Msg("closed position on missed trigger")
	return true
}

// checkClosedExternally detects real-mode positions whose backing order is
// gone from the venue and reconciles them through the normal close path.
func (r *Reconciler) checkClosedExternally(ctx context.Context, p *position.Position) bool {
	if r.venue == nil || p.OrderID == 0 {
		return false
	}

	ids, err := r.venue.ListOpenOrders(ctx, p.Symbol)
	if err != nil {
		// Transient venue trouble: skip, the next pass retries.
		r.log.Debug().Err(err).Str("symbol", p.Symbol).Msg("open-order listing failed")
		return false
	}
	for _, id := range ids {
		if id == p.OrderID {
			return false
		}
	}

	// Order vanished. Close at the best available exit price; with no
	// usable price the fill is ambiguous, which we flag instead of guessing.
	price, ok := r.currentPrice(ctx, p.Symbol)
	if !ok {
		r.flagConflict(p, "order missing at venue and no usable exit price")
		return false
	}

	if _, err := r.closer.ClosePositionAt(ctx, p.ID, price, position.ReasonExternal); err != nil {
		if errors.Is(err, position.ErrAlreadyClosed) || errors.Is(err, position.ErrCloseInFlight) {
			return false
		}
		r.flagConflict(p, "external close failed: "+err.Error())
		return false
	}

	r.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("price", price).
		Msg("position closed externally, reconciled")
	return true
}

func (r *Reconciler) currentPrice(ctx context.Context, symbol string) (float64, bool) {
	if price, ok := r.feed.Price(symbol); ok {
		return price, true
	}
	if r.venue != nil {
		if price, err := r.venue.CurrentPrice(ctx, symbol); err == nil && price > 0 {
			return price, true
		}
	}
	return 0, false
}

// auditLocks cross-checks the ledger's locked quote total against the sum of
// locked amounts over open positions. The two are written as separate
// documents, so a crash between writes can leave them disagreeing after a
// restore; such drift is flagged, never auto-corrected.
func (r *Reconciler) auditLocks() {
	if r.ledger == nil {
		return
	}

	var want float64
	for _, p := range r.store.Active() {
		want += p.LockedAmount()
	}
	_, locked := r.ledger.Balance(r.quoteAsset)

	diff := locked - want
	if diff < lockTolerance && diff > -lockTolerance {
		return
	}

	reason := fmt.Sprintf("ledger locked %s %.8f does not match %.8f held by open positions",
		r.quoteAsset, locked, want)
	r.flag("ledger-locks", "", r.quoteAsset, reason)
}

func (r *Reconciler) flagConflict(p *position.Position, reason string) {
	r.flag(p.ID, p.ID, p.Symbol, reason)
}

// flag records a conflict once per dedup key.
func (r *Reconciler) flag(key, positionID, symbol, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.flagged[key]; seen {
		return
	}
	r.flagged[key] = struct{}{}

	c := Conflict{
		PositionID: positionID,
		Symbol:     symbol,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
	r.conflicts = append(r.conflicts, c)

	r.log.Error().
		Str("position_id", positionID).
		Str("symbol", symbol).
		Str("reason", reason).
		Msg("reconciliation conflict flagged for manual review")

	if r.bus != nil {
		r.bus.PublishReconcileConflict(positionID, symbol, reason)
	}
}

// Conflicts returns the unresolved findings, oldest first.
func (r *Reconciler) Conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, len(r.conflicts))
	copy(out, r.conflicts)
	return out
}
