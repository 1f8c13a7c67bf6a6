package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream consumes a combined mini-ticker websocket stream and writes prices
// into the cache. It reconnects with capped exponential backoff and never
// busy-waits.
type Stream struct {
	baseURL string
	symbols []string
	cache   *Cache
	log     zerolog.Logger
}

// NewStream builds a stream for the given symbols against a Binance-style
// combined stream endpoint (e.g. wss://stream.binance.com:9443).
func NewStream(baseURL string, symbols []string, cache *Cache, log zerolog.Logger) *Stream {
	return &Stream{
		baseURL: baseURL,
		symbols: symbols,
		cache:   cache,
		log:     log.With().Str("component", "price-stream").Logger(),
	}
}

type tickerPayload struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// Run keeps the stream connected until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("price stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()
	s.log.Info().Int("symbols", len(s.symbols)).Msg("price stream connected")

	// Unblock ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read price stream: %w", err)
		}

		var payload tickerPayload
		if err := json.Unmarshal(msg, &payload); err != nil {
			s.log.Debug().Err(err).Msg("skipping unparseable stream message")
			continue
		}
		if payload.Data.Symbol == "" {
			continue
		}

		var price float64
		if _, err := fmt.Sscanf(payload.Data.Close, "%f", &price); err != nil {
			continue
		}
		s.cache.Set(payload.Data.Symbol, price)
	}
}
