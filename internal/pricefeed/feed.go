// Package pricefeed caches the latest venue prices for the trigger monitor.
// A stale or missing price yields ok=false: the engine skips trigger
// evaluation for that tick rather than acting on a synthetic zero.
package pricefeed

import (
	"sync"
	"time"
)

// Feed is what trigger evaluation consumes.
type Feed interface {
	// Price returns the latest known price for symbol. ok is false when no
	// fresh price is available.
	Price(symbol string) (price float64, ok bool)
}

type point struct {
	price float64
	at    time.Time
}

// Cache is a staleness-aware price table fed by a stream or poller.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]point
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache whose entries expire after maxAge.
func NewCache(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Cache{
		prices: make(map[string]point),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Set records a fresh price for symbol. Non-positive prices are discarded.
func (c *Cache) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.prices[symbol] = point{price: price, at: c.now()}
	c.mu.Unlock()
}

// Price implements Feed.
func (c *Cache) Price(symbol string) (float64, bool) {
	c.mu.RLock()
	p, ok := c.prices[symbol]
	c.mu.RUnlock()
	if !ok || c.now().Sub(p.at) > c.maxAge {
		return 0, false
	}
	return p.price, true
}

var _ Feed = (*Cache)(nil)
