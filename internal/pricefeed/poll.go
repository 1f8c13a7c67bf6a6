package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leverage-bot/internal/venue"
)

// Poller fills the cache by polling the venue's REST ticker. It is the
// fallback when no websocket stream endpoint is configured, and the only
// source in synthetic mode.
type Poller struct {
	client   venue.Client
	cache    *Cache
	interval time.Duration

	mu      sync.Mutex
	symbols map[string]struct{}
	source  func() []string

	log zerolog.Logger
}

// NewPoller creates a poller with the given tick interval.
func NewPoller(client venue.Client, cache *Cache, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		client:   client,
		cache:    cache,
		interval: interval,
		symbols:  make(map[string]struct{}),
		log:      log.With().Str("component", "price-poller").Logger(),
	}
}

// Watch adds a symbol to the polling set.
func (p *Poller) Watch(symbol string) {
	p.mu.Lock()
	p.symbols[symbol] = struct{}{}
	p.mu.Unlock()
}

// WatchSource registers a callback queried on every tick for additional
// symbols. Wiring it to the engine's open positions keeps a newly opened
// symbol covered without explicit Watch calls.
func (p *Poller) WatchSource(fn func() []string) {
	p.mu.Lock()
	p.source = fn
	p.mu.Unlock()
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	source := p.source
	set := make(map[string]struct{}, len(p.symbols))
	for s := range p.symbols {
		set[s] = struct{}{}
	}
	p.mu.Unlock()

	if source != nil {
		for _, s := range source() {
			set[s] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}

	for _, symbol := range symbols {
		price, err := p.client.CurrentPrice(ctx, symbol)
		if err != nil {
			// Leave the cache entry to age out; the monitor skips stale symbols.
			p.log.Debug().Err(err).Str("symbol", symbol).Msg("price poll failed")
			continue
		}
		p.cache.Set(symbol, price)
	}
}
