package position

import (
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leverage-bot/internal/ledger"
)

var (
	// ErrNotFound is returned when the position id is unknown.
	ErrNotFound = errors.New("position not found")
	// ErrAlreadyClosed is returned to close-race losers. Callers treat it as
	// a no-op success: the position was closed, just not by them.
	ErrAlreadyClosed = errors.New("position already closed")
	// ErrCloseInFlight is returned when another caller has claimed the close
	// but has not finished it yet.
	ErrCloseInFlight = errors.New("position close in flight")
	// ErrValidation is returned for bad open specs.
	ErrValidation = errors.New("invalid position spec")
	// ErrInsufficientFunds is returned when the ledger lock fails at open.
	ErrInsufficientFunds = errors.New("insufficient funds to open position")
)

// OpenSpec describes a position to be opened.
type OpenSpec struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	OrderID    int64
}

// Store is the authoritative, mutation-guarded map of positions.
type Store struct {
	mu      sync.RWMutex
	open    map[string]*Position
	closing map[string]uint64 // position id -> claim token
	history []*Position

	ledger     *ledger.Ledger
	quoteAsset string
	feeRate    float64
	log        zerolog.Logger
}

// NewStore creates a position store backed by the given ledger. All notional
// locks are taken in quoteAsset.
func NewStore(l *ledger.Ledger, quoteAsset string, feeRate float64, log zerolog.Logger) *Store {
	return &Store{
		open:       make(map[string]*Position),
		closing:    make(map[string]uint64),
		ledger:     l,
		quoteAsset: quoteAsset,
		feeRate:    feeRate,
		log:        log.With().Str("component", "position-store").Logger(),
	}
}

// Open validates the spec, locks notional+fee in the ledger, then inserts the
// position. The lock is taken before insertion so an un-backed open position
// can never be observed; if the lock fails the open is rejected outright.
func (s *Store) Open(spec OpenSpec) (*Position, error) {
	if spec.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %v", ErrValidation, spec.Quantity)
	}
	if spec.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive, got %v", ErrValidation, spec.EntryPrice)
	}
	if spec.Side != SideBuy && spec.Side != SideSell {
		return nil, fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrValidation, spec.Side)
	}
	if spec.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrValidation)
	}

	notional := spec.EntryPrice * spec.Quantity
	entryFee := notional * s.feeRate

	if !s.ledger.Lock(s.quoteAsset, notional+entryFee) {
		return nil, fmt.Errorf("%w: need %.8f %s", ErrInsufficientFunds, notional+entryFee, s.quoteAsset)
	}

	p := &Position{
		ID:         uuid.New().String(),
		Symbol:     spec.Symbol,
		Side:       spec.Side,
		Quantity:   spec.Quantity,
		EntryPrice: spec.EntryPrice,
		StopLoss:   spec.StopLoss,
		TakeProfit: spec.TakeProfit,
		Notional:   notional,
		EntryFee:   entryFee,
		Status:     StatusOpen,
		OrderID:    spec.OrderID,
		EntryTime:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.open[p.ID] = p
	s.mu.Unlock()

	s.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("quantity", p.Quantity).
		Float64("entry_price", p.EntryPrice).
		Float64("locked", p.LockedAmount()).
		Msg("position opened")

	return p.clone(), nil
}

// TryBeginClose claims the close of a position with the given operation
// token. It is used by two-phase closers (real mode) that must perform a
// venue call between claiming and finalizing. A claimed position stays OPEN
// but rejects competing claims until Close or AbortClose.
func (s *Store) TryBeginClose(id string, opToken uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(id, opToken)
}

// AbortClose releases a claim taken by TryBeginClose, leaving the position
// open for a later attempt.
func (s *Store) AbortClose(id string, opToken uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.closing[id]; ok && tok == opToken {
		delete(s.closing, id)
	}
}

// IsClosing reports whether a close is currently claimed for the position.
func (s *Store) IsClosing(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.closing[id]
	return ok
}

// Close transitions exactly one winner from OPEN to CLOSED. Concurrent
// callers for the same id lose with ErrAlreadyClosed. Funds are settled
// through the ledger before the status flips; if settlement fails the
// position stays open and the error is surfaced.
func (s *Store) Close(id string, closePrice float64, reason string, opToken uint64) (*Position, error) {
	if closePrice <= 0 {
		return nil, fmt.Errorf("%w: close price must be positive, got %v", ErrValidation, closePrice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Honor an existing claim (two-phase close) or take one now.
	if tok, ok := s.closing[id]; ok {
		if tok != opToken {
			return nil, fmt.Errorf("%w: id=%s", ErrCloseInFlight, id)
		}
	} else if err := s.claimLocked(id, opToken); err != nil {
		return nil, err
	}
	defer delete(s.closing, id)

	p, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	gross := p.GrossPnL(closePrice)
	exitFee := closePrice * p.Quantity * s.feeRate
	realized := gross - p.EntryFee - exitFee

	// Settle first: release the held notional+entryFee, apply gross pnl and
	// both fees. A settlement failure means ledger drift; the position must
	// not be marked closed without the matching balance effect.
	if err := s.ledger.Settle(s.quoteAsset, p.LockedAmount(), gross, p.EntryFee+exitFee); err != nil {
		s.log.Error().
			Err(err).
			Str("position_id", id).
			Str("symbol", p.Symbol).
			Msg("settlement failed, position left open")
		return nil, fmt.Errorf("settle position %s: %w", id, err)
	}

	now := time.Now().UTC()
	p.Status = StatusClosed
	p.ClosePrice = &closePrice
	p.CloseReason = reason
	p.CloseTime = &now
	p.RealizedPnL = &realized
	p.CloseToken = opToken

	delete(s.open, id)
	s.history = append(s.history, p)

	s.log.Info().
		Str("position_id", id).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Float64("close_price", closePrice).
		Float64("realized_pnl", realized).
		Msg("position closed")

	return p.clone(), nil
}

// claimLocked records the close claim for id. Caller holds s.mu.
func (s *Store) claimLocked(id string, opToken uint64) error {
	if _, ok := s.closing[id]; ok {
		return fmt.Errorf("%w: id=%s", ErrCloseInFlight, id)
	}
	p, ok := s.open[id]
	if !ok {
		if s.inHistoryLocked(id) {
			return fmt.Errorf("%w: id=%s", ErrAlreadyClosed, id)
		}
		return fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	if p.Status != StatusOpen {
		return fmt.Errorf("%w: id=%s", ErrAlreadyClosed, id)
	}
	s.closing[id] = opToken
	return nil
}

func (s *Store) inHistoryLocked(id string) bool {
	for _, p := range s.history {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Get returns a copy of the position, open or closed.
func (s *Store) Get(id string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.open[id]; ok {
		return p.clone(), nil
	}
	for _, p := range s.history {
		if p.ID == id {
			return p.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
}

// Active returns copies of all open positions.
func (s *Store) Active() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p.clone())
	}
	return out
}

// History returns a page of closed positions, newest first, along with the
// total count.
func (s *Store) History(page, pageSize int) ([]*Position, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.history)
	start := (page - 1) * pageSize
	if start >= total {
		return []*Position{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*Position, 0, end-start)
	// history is append-ordered; walk backwards for newest first
	for i := total - 1 - start; i >= total-end; i-- {
		out = append(out, s.history[i].clone())
	}
	return out, total
}

// Restore replaces the store contents from a snapshot. Used once at startup
// before any concurrent access begins.
func (s *Store) Restore(open map[string]*Position, history []*Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = make(map[string]*Position, len(open))
	for id, p := range open {
		s.open[id] = p.clone()
	}
	s.history = make([]*Position, 0, len(history))
	for _, p := range history {
		s.history = append(s.history, p.clone())
	}
}

// SnapshotOpen returns the open position map for persistence.
func (s *Store) SnapshotOpen() map[string]*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Position, len(s.open))
	for id, p := range s.open {
		out[id] = p.clone()
	}
	return out
}

// SnapshotHistory returns the closed positions in append order.
func (s *Store) SnapshotHistory() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.history))
	for _, p := range s.history {
		out = append(out, p.clone())
	}
	return out
}
