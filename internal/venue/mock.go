package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MockClient simulates the venue for synthetic mode and tests: fills at the
// current simulated price, tracks open orders, and drifts prices with a small
// random walk.
type MockClient struct {
	mu         sync.RWMutex
	prices     map[string]float64
	openOrders map[string][]int64 // symbol -> order ids
	balances   map[string]Balance
	nextOrder  int64
	lastDrift  time.Time
	rng        *rand.Rand
	drift      bool
}

// NewMockClient seeds the simulator with realistic base prices.
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"BTCUSDT": 104500.00,
			"ETHUSDT": 3900.00,
			"BNBUSDT": 710.00,
			"SOLUSDT": 220.00,
			"XRPUSDT": 2.35,
			"ADAUSDT": 1.05,
		},
		openOrders: make(map[string][]int64),
		balances:   map[string]Balance{"USDT": {Free: 10000}},
		nextOrder:  1000,
		lastDrift:  time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		drift:      true,
	}
}

// NewStaticMockClient returns a simulator with no price drift, for tests
// that need deterministic prices.
func NewStaticMockClient() *MockClient {
	mc := NewMockClient()
	mc.drift = false
	return mc
}

// SetPrice pins the simulated price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()
}

// SetBalances replaces the simulated account balances.
func (m *MockClient) SetBalances(balances map[string]Balance) {
	m.mu.Lock()
	m.balances = balances
	m.mu.Unlock()
}

// DropOrder removes an order id from the open list, simulating an external
// close at the venue.
func (m *MockClient) DropOrder(symbol string, orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.openOrders[symbol]
	out := ids[:0]
	for _, id := range ids {
		if id != orderID {
			out = append(out, id)
		}
	}
	m.openOrders[symbol] = out
}

// random walk of -0.5%..+0.5% at most once a second
func (m *MockClient) updatePrices() {
	if !m.drift {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastDrift) < time.Second {
		return
	}
	for symbol, price := range m.prices {
		change := (m.rng.Float64() - 0.5) * 0.01
		m.prices[symbol] = price * (1 + change)
	}
	m.lastDrift = time.Now()
}

// PlaceOrder fills immediately at the current simulated price.
func (m *MockClient) PlaceOrder(_ context.Context, symbol, side string, quantity float64) (*Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %v", quantity)
	}
	m.updatePrices()

	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}

	m.nextOrder++
	id := m.nextOrder
	m.openOrders[symbol] = append(m.openOrders[symbol], id)

	return &Fill{OrderID: id, Price: price, Quantity: quantity}, nil
}

// ListOpenOrders returns simulated open order ids for a symbol.
func (m *MockClient) ListOpenOrders(_ context.Context, symbol string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.openOrders[symbol]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out, nil
}

// GetBalances returns the simulated account balances.
func (m *MockClient) GetBalances(_ context.Context) (map[string]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

// CurrentPrice returns the simulated price for a symbol.
func (m *MockClient) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	m.updatePrices()
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %s", symbol)
	}
	return price, nil
}

var _ Client = (*MockClient)(nil)
