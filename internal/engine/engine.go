// Package engine assembles the trading core: ledger, position store, trigger
// monitor, task queue, reconciler and persistence, behind one lifecycle.
//
// The engine runs in one of two modes. In real mode every open and close is
// backed by a venue order; in synthetic mode fills are simulated at the
// current feed price and no venue is required.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"leverage-bot/config"
	"leverage-bot/internal/events"
	"leverage-bot/internal/ledger"
	"leverage-bot/internal/monitor"
	"leverage-bot/internal/persist"
	"leverage-bot/internal/position"
	"leverage-bot/internal/pricefeed"
	"leverage-bot/internal/queue"
	"leverage-bot/internal/reconcile"
	"leverage-bot/internal/venue"
)

// Queue task types owned by the engine.
const (
	TaskTypeOpen      = "open_position"
	TaskTypeReconcile = "reconcile"
)

// OpenPayload is the task payload for an asynchronous entry.
type OpenPayload struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// OpenRequest describes a position to open synchronously.
type OpenRequest struct {
	Symbol     string        `json:"symbol"`
	Side       position.Side `json:"side"`
	Quantity   float64       `json:"quantity"`
	StopLoss   float64       `json:"stop_loss"`
	TakeProfit float64       `json:"take_profit"`
}

// Signal is an external entry intent. The engine sizes it from configuration
// and runs it through the task queue.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence"`
}

// Archiver receives closed positions for long-term storage. Nil disables
// archiving; archive failures never block a close.
type Archiver interface {
	ArchiveClosedPosition(ctx context.Context, p *position.Position) error
}

// ErrMaxPositions is returned when opening would exceed the configured limit.
var ErrMaxPositions = errors.New("maximum open positions reached")

// ErrNoPrice is returned when no usable price exists for a symbol.
var ErrNoPrice = errors.New("no usable price for symbol")

// Engine is the assembled trading core.
type Engine struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	store    *position.Store
	feed     *pricefeed.Cache
	venue    venue.Client // nil in synthetic mode
	queue    *queue.Queue
	monitor  *monitor.Monitor
	recon    *reconcile.Reconciler
	gateway  persist.Gateway
	bus      *events.EventBus
	archiver Archiver

	// opToken identifies each close attempt so the store can tell a two-phase
	// finalization from a competing close.
	opToken atomic.Uint64

	realMode bool
	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// New wires the engine. venueClient must be non-nil in real mode; archiver
// may be nil.
func New(
	cfg *config.Config,
	gateway persist.Gateway,
	venueClient venue.Client,
	feed *pricefeed.Cache,
	bus *events.EventBus,
	archiver Archiver,
	log zerolog.Logger,
) *Engine {
	l := ledger.New()
	store := position.NewStore(l, cfg.TradingConfig.QuoteAsset, cfg.TradingConfig.FeeRate, log)

	policy := queue.RetryPolicy{
		MaxRetries: cfg.QueueConfig.MaxRetries,
		BaseDelay:  cfg.QueueConfig.BaseDelay.Std(),
		MaxDelay:   cfg.QueueConfig.MaxDelay.Std(),
	}
	q := queue.New(cfg.QueueConfig.Workers, cfg.QueueConfig.BufferSize, policy, log)

	e := &Engine{
		cfg:      cfg,
		ledger:   l,
		store:    store,
		feed:     feed,
		venue:    venueClient,
		queue:    q,
		gateway:  gateway,
		bus:      bus,
		archiver: archiver,
		realMode: cfg.TradingConfig.Mode == "real",
		log:      log.With().Str("component", "engine").Logger(),
	}

	e.monitor = monitor.New(store, feed, q, cfg.MonitorConfig.Interval.Std(), log)
	e.recon = reconcile.New(
		store, l, cfg.TradingConfig.QuoteAsset, feed, venueClient, e, bus,
		cfg.ReconcileConfig.Interval.Std(), e.saveSnapshot, log,
	)

	q.Register(monitor.TaskTypeClose, e.handleCloseTask)
	q.Register(TaskTypeOpen, e.handleOpenTask)
	q.Register(TaskTypeReconcile, func(ctx context.Context, _ json.RawMessage) error {
		_, err := e.recon.RunOnce(ctx)
		return err
	})
	q.OnFailure(func(t *queue.Task) {
		if bus != nil {
			bus.PublishTaskFailed(t.ID, t.Type, t.Error, t.RetryCount)
		}
	})

	return e
}

// Start restores durable state and launches the monitor, reconciler and
// queue workers. It is not safe to call twice.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restore durable state: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.queue.Start(runCtx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.recon.Run(runCtx)
	}()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventEngineStarted,
			Data: map[string]interface{}{"mode": e.cfg.TradingConfig.Mode},
		})
	}
	e.log.Info().
		Str("mode", e.cfg.TradingConfig.Mode).
		Int("open_positions", len(e.store.Active())).
		Msg("engine started")
	return nil
}

// Stop drains the queue, stops the loops and writes a final snapshot.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.queue.Stop()
	e.wg.Wait()

	err := e.saveSnapshot(ctx)
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventEngineStopped})
	}
	e.log.Info().Msg("engine stopped")
	return err
}

// OpenPosition opens a position. In real mode the venue order is placed first
// and the position records the actual fill; in synthetic mode the fill is the
// current feed price.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (*position.Position, error) {
	max := e.cfg.TradingConfig.MaxOpenPositions
	if max > 0 && len(e.store.Active()) >= max {
		return nil, fmt.Errorf("%w: limit %d", ErrMaxPositions, max)
	}

	spec := position.OpenSpec{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}

	if e.realMode {
		fill, err := e.venue.PlaceOrder(ctx, req.Symbol, string(req.Side), req.Quantity)
		if err != nil {
			return nil, fmt.Errorf("place entry order: %w", err)
		}
		spec.EntryPrice = fill.Price
		spec.OrderID = fill.OrderID
	} else {
		price, ok := e.symbolPrice(ctx, req.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, req.Symbol)
		}
		spec.EntryPrice = price
	}

	p, err := e.store.Open(spec)
	if err != nil {
		// In real mode the venue fill now has no backing position. The
		// reconciler will surface it as externally held; log loudly.
		if e.realMode {
			e.log.Error().Err(err).
				Str("symbol", req.Symbol).
				Int64("order_id", spec.OrderID).
				Msg("venue order filled but position open failed")
		}
		return nil, err
	}

	if e.bus != nil {
		e.bus.PublishPositionOpened(p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity)
	}
	if err := e.saveSnapshot(ctx); err != nil {
		e.log.Error().Err(err).Msg("snapshot after open failed")
	}
	return p, nil
}

// ClosePosition closes a position at the current market price.
func (e *Engine) ClosePosition(ctx context.Context, id, reason string) (*position.Position, error) {
	p, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	price, ok := e.symbolPrice(ctx, p.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, p.Symbol)
	}
	return e.ClosePositionAt(ctx, id, price, reason)
}

// ClosePositionAt closes a position at a known price. In real mode the
// position is claimed first, then the offsetting venue order is placed, and
// the position is finalized at the actual fill price; a venue failure
// releases the claim so a later attempt can retry.
func (e *Engine) ClosePositionAt(ctx context.Context, id string, price float64, reason string) (*position.Position, error) {
	tok := e.opToken.Add(1)

	if !e.realMode {
		p, err := e.store.Close(id, price, reason, tok)
		if err != nil {
			return nil, err
		}
		e.finishClose(ctx, p)
		return p, nil
	}

	if err := e.store.TryBeginClose(id, tok); err != nil {
		return nil, err
	}

	p, err := e.store.Get(id)
	if err != nil {
		e.store.AbortClose(id, tok)
		return nil, err
	}

	exitSide := position.SideSell
	if p.Side == position.SideSell {
		exitSide = position.SideBuy
	}
	fill, err := e.venue.PlaceOrder(ctx, p.Symbol, string(exitSide), p.Quantity)
	if err != nil {
		e.store.AbortClose(id, tok)
		return nil, fmt.Errorf("place exit order: %w", err)
	}
	if fill.Price > 0 {
		price = fill.Price
	}

	closed, err := e.store.Close(id, price, reason, tok)
	if err != nil {
		return nil, err
	}
	e.finishClose(ctx, closed)
	return closed, nil
}

func (e *Engine) finishClose(ctx context.Context, p *position.Position) {
	if e.bus != nil && p.ClosePrice != nil && p.RealizedPnL != nil {
		e.bus.PublishPositionClosed(p.ID, p.Symbol, p.CloseReason, *p.ClosePrice, *p.RealizedPnL)
	}
	if e.archiver != nil {
		if err := e.archiver.ArchiveClosedPosition(ctx, p); err != nil {
			e.log.Error().Err(err).Str("position_id", p.ID).Msg("archive closed position failed")
		}
	}
	if err := e.saveSnapshot(ctx); err != nil {
		e.log.Error().Err(err).Msg("snapshot after close failed")
	}
}

// symbolPrice resolves the current price for a symbol: fresh feed value
// first, then a venue quote, which also warms the cache so the monitor can
// evaluate the symbol immediately.
func (e *Engine) symbolPrice(ctx context.Context, symbol string) (float64, bool) {
	if price, ok := e.feed.Price(symbol); ok {
		return price, true
	}
	if e.venue != nil {
		if price, err := e.venue.CurrentPrice(ctx, symbol); err == nil && price > 0 {
			e.feed.Set(symbol, price)
			return price, true
		}
	}
	return 0, false
}

// HandleSignal converts an external signal to a sized entry and queues it.
func (e *Engine) HandleSignal(ctx context.Context, sig Signal) (*queue.Task, error) {
	side := position.Side(sig.Side)
	if side != position.SideBuy && side != position.SideSell {
		return nil, fmt.Errorf("%w: side %q", position.ErrValidation, sig.Side)
	}

	price, ok := e.symbolPrice(ctx, sig.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, sig.Symbol)
	}

	qty := e.cfg.TradingConfig.OrderNotional / price
	slPct := e.cfg.TradingConfig.StopLossPercent / 100
	tpPct := e.cfg.TradingConfig.TakeProfitPercent / 100

	payload := OpenPayload{
		Symbol:   sig.Symbol,
		Side:     string(side),
		Quantity: qty,
	}
	if side == position.SideBuy {
		payload.StopLoss = price * (1 - slPct)
		payload.TakeProfit = price * (1 + tpPct)
	} else {
		payload.StopLoss = price * (1 + slPct)
		payload.TakeProfit = price * (1 - tpPct)
	}
	return e.queue.Enqueue(TaskTypeOpen, payload)
}

// ConsumeSignals drains a signal channel until it closes or ctx is
// cancelled. Signals that cannot be sized or queued are logged and dropped;
// a signal source must never stall the engine.
func (e *Engine) ConsumeSignals(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if _, err := e.HandleSignal(ctx, sig); err != nil {
				e.log.Warn().Err(err).
					Str("symbol", sig.Symbol).
					Str("side", sig.Side).
					Msg("signal dropped")
			}
		}
	}
}

// handleCloseTask executes a queued close. A position already closed by a
// competing path counts as success.
func (e *Engine) handleCloseTask(ctx context.Context, raw json.RawMessage) error {
	var payload monitor.ClosePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Terminal(fmt.Errorf("decode close payload: %w", err))
	}

	_, err := e.ClosePositionAt(ctx, payload.PositionID, payload.Price, payload.Reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, position.ErrAlreadyClosed):
		return nil
	case errors.Is(err, position.ErrCloseInFlight):
		// Another attempt owns the claim; retry resolves either way.
		return err
	case errors.Is(err, position.ErrNotFound), errors.Is(err, position.ErrValidation):
		return queue.Terminal(err)
	default:
		return err
	}
}

// handleOpenTask executes a queued entry.
func (e *Engine) handleOpenTask(ctx context.Context, raw json.RawMessage) error {
	var payload OpenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Terminal(fmt.Errorf("decode open payload: %w", err))
	}

	_, err := e.OpenPosition(ctx, OpenRequest{
		Symbol:     payload.Symbol,
		Side:       position.Side(payload.Side),
		Quantity:   payload.Quantity,
		StopLoss:   payload.StopLoss,
		TakeProfit: payload.TakeProfit,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, position.ErrValidation),
		errors.Is(err, position.ErrInsufficientFunds),
		errors.Is(err, ErrMaxPositions):
		return queue.Terminal(err)
	default:
		return err
	}
}

// ReconcileNow runs a reconciliation pass on demand.
func (e *Engine) ReconcileNow(ctx context.Context) (int, error) {
	return e.recon.RunOnce(ctx)
}

// Conflicts returns unresolved reconciliation findings.
func (e *Engine) Conflicts() []reconcile.Conflict {
	return e.recon.Conflicts()
}

// ActivePositions returns copies of all open positions.
func (e *Engine) ActivePositions() []*position.Position {
	return e.store.Active()
}

// GetPosition returns a position by id, open or closed.
func (e *Engine) GetPosition(id string) (*position.Position, error) {
	return e.store.Get(id)
}

// History returns a page of closed positions, newest first.
func (e *Engine) History(page, pageSize int) ([]*position.Position, int) {
	return e.store.History(page, pageSize)
}

// Balances returns the ledger's per-asset balances.
func (e *Engine) Balances() map[string]ledger.AssetBalance {
	return e.ledger.Snapshot()
}

// QueueStats returns the task queue counters.
func (e *Engine) QueueStats() queue.Stats {
	return e.queue.Stats()
}

// FailedTasks returns tasks that exhausted their retries.
func (e *Engine) FailedTasks() []*queue.Task {
	return e.queue.Failed()
}

// TickMonitor runs one monitor pass synchronously.
func (e *Engine) TickMonitor() {
	e.monitor.Tick()
}

// saveSnapshot writes the three durable documents through the gateway.
func (e *Engine) saveSnapshot(ctx context.Context) error {
	if e.gateway == nil {
		return nil
	}
	if err := persist.SaveActive(ctx, e.gateway, e.store.SnapshotOpen()); err != nil {
		return err
	}
	if err := persist.SaveHistory(ctx, e.gateway, e.store.SnapshotHistory()); err != nil {
		return err
	}
	return persist.SaveLedger(ctx, e.gateway, e.ledger.Snapshot())
}

// restore loads the durable documents. A fresh synthetic deployment with no
// ledger document is seeded with the configured starting balance.
func (e *Engine) restore(ctx context.Context) error {
	if e.gateway == nil {
		e.seedIfSynthetic()
		return nil
	}

	balances, err := persist.LoadLedger(ctx, e.gateway)
	if err != nil {
		return err
	}
	open, err := persist.LoadActive(ctx, e.gateway)
	if err != nil {
		return err
	}
	history, err := persist.LoadHistory(ctx, e.gateway)
	if err != nil {
		return err
	}

	if len(balances) == 0 {
		e.seedIfSynthetic()
	} else {
		e.ledger.Restore(balances)
	}
	e.store.Restore(open, history)

	e.log.Info().
		Int("open", len(open)).
		Int("closed", len(history)).
		Int("assets", len(balances)).
		Msg("durable state restored")
	return nil
}

func (e *Engine) seedIfSynthetic() {
	if e.realMode {
		return
	}
	if bal := e.cfg.TradingConfig.InitialBalance; bal > 0 {
		e.ledger.Credit(e.cfg.TradingConfig.QuoteAsset, bal)
	}
}
