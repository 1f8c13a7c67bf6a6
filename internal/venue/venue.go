// Package venue wraps the external order venue. Real mode talks to the
// venue's HTTP API; synthetic mode uses the mock client and never touches the
// network.
package venue

import (
	"context"
	"errors"
)

// ErrUnavailable marks transient venue failures (network, 5xx, rate limits).
// The task queue retries these; everything else is terminal.
var ErrUnavailable = errors.New("venue unavailable")

// Fill is the result of a placed order.
type Fill struct {
	OrderID  int64   `json:"order_id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Balance mirrors the venue's per-asset account record.
type Balance struct {
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Client is the order venue contract the engine depends on.
type Client interface {
	PlaceOrder(ctx context.Context, symbol, side string, quantity float64) (*Fill, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]int64, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}
