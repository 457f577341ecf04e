// Package feed implements the streaming position monitor: a real-time
// order-book subscription that drives the same exit logic as the polling
// control loop, reacting to price moves between ticks.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/avetorres/polytrader/internal/domain"
	"github.com/avetorres/polytrader/internal/platform/polymarket"
)

const (
	reconnectDelay  = 2 * time.Second
	refreshInterval = 10 * time.Second
)

// BookSink receives real-time book snapshots; satisfied by the control loop
// runner.
type BookSink interface {
	HandleBook(ctx context.Context, book domain.OrderbookSnapshot)
}

// StreamMonitor subscribes to the market channel for every open position's
// token and forwards book snapshots to the sink. The subscription set is
// reconciled against the position store periodically as positions open and
// close. Disconnects trigger a fresh dial with the full current set.
type StreamMonitor struct {
	wsURL     string
	positions domain.PositionStore
	sink      BookSink
	logger    *slog.Logger
}

// NewStreamMonitor creates a monitor over the given endpoint.
func NewStreamMonitor(wsURL string, positions domain.PositionStore, sink BookSink, logger *slog.Logger) *StreamMonitor {
	return &StreamMonitor{
		wsURL:     wsURL,
		positions: positions,
		sink:      sink,
		logger:    logger.With(slog.String("component", "stream_monitor")),
	}
}

// Run connects and streams until ctx is cancelled, reconnecting on drop.
func (m *StreamMonitor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("stream disconnected, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// runConnection drives a single connection: dial, subscribe to current
// tokens, reconcile subscriptions as positions change, and read until drop.
func (m *StreamMonitor) runConnection(ctx context.Context) error {
	client := polymarket.NewWSClient(m.wsURL, func(book domain.OrderbookSnapshot) {
		m.sink.HandleBook(ctx, book)
	}, nil)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	subscribed := m.tokenSet()
	if len(subscribed) > 0 {
		if err := client.Subscribe(keys(subscribed)); err != nil {
			return err
		}
		m.logger.Info("stream subscribed", slog.Int("tokens", len(subscribed)))
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.refreshLoop(connCtx, client, subscribed)

	return client.ReadLoop(connCtx)
}

// refreshLoop diffs the open-position token set against the current
// subscription and adjusts it.
func (m *StreamMonitor) refreshLoop(ctx context.Context, client *polymarket.WSClient, subscribed map[string]bool) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := m.tokenSet()

		var added, removed []string
		for token := range current {
			if !subscribed[token] {
				added = append(added, token)
			}
		}
		for token := range subscribed {
			if !current[token] {
				removed = append(removed, token)
			}
		}

		if len(added) > 0 {
			if err := client.Subscribe(added); err != nil {
				m.logger.Warn("subscribe failed", slog.String("error", err.Error()))
				continue
			}
		}
		if len(removed) > 0 {
			if err := client.Unsubscribe(removed); err != nil {
				m.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
			}
		}

		for k := range subscribed {
			delete(subscribed, k)
		}
		for k := range current {
			subscribed[k] = true
		}
	}
}

func (m *StreamMonitor) tokenSet() map[string]bool {
	set := make(map[string]bool)
	for _, pos := range m.positions.ListAll() {
		set[pos.TokenID] = true
	}
	return set
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
