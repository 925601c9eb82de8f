// Package feed streams live quotes from the aggregator's WebSocket endpoint
// into the price cache, so monitor cycles read warm prices instead of
// hitting the REST oracle for every token.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/ladderbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// subscribeCmd is the outbound subscription message.
type subscribeCmd struct {
	Type   string   `json:"type"`
	Tokens []string `json:"tokens"`
}

// quoteMsg is one inbound quote.
type quoteMsg struct {
	Chain    string  `json:"chain"`
	Contract string  `json:"contract"`
	Price    float64 `json:"price"`
	TS       int64   `json:"ts"` // Unix milliseconds
}

// PriceFeed maintains a WebSocket subscription for a fixed token set and
// writes every quote into the price cache. It reconnects with exponential
// backoff until its context is cancelled.
type PriceFeed struct {
	wsURL  string
	tokens []domain.TokenIdentity
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceFeed creates a feed for the given tokens.
func NewPriceFeed(wsURL string, tokens []domain.TokenIdentity, cache domain.PriceCache, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		wsURL:  wsURL,
		tokens: tokens,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_feed")),
	}
}

// Run connects and consumes quotes until ctx is cancelled. Disconnects are
// retried with backoff; only context cancellation ends the loop.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.tokens) == 0 {
		f.logger.Info("no tokens to stream, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *PriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	keys := make([]string, 0, len(f.tokens))
	for _, t := range f.tokens {
		keys = append(keys, t.Key())
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCmd{Type: "subscribe", Tokens: keys}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("feed subscribed", slog.Int("tokens", len(keys)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping loop keeps the connection alive and closes it on cancellation so
	// the blocked ReadMessage below returns.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() { <-pingDone }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		var msg quoteMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug("feed: skipping malformed message", slog.String("error", err.Error()))
			continue
		}
		if msg.Price <= 0 || msg.Contract == "" {
			continue
		}

		token := domain.TokenIdentity{Chain: msg.Chain, Contract: msg.Contract}
		ts := time.UnixMilli(msg.TS)
		if msg.TS == 0 {
			ts = time.Now()
		}
		if err := f.cache.SetPrice(ctx, token.Key(), msg.Price, ts); err != nil {
			f.logger.Warn("feed: cache write failed",
				slog.String("token", token.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
}
