package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avetorres/polytrader/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// BookHandler is called for each full order-book snapshot.
type BookHandler func(domain.OrderbookSnapshot)

// PriceHandler is called for each incremental price-level update.
type PriceHandler func(domain.PriceChange)

// WSClient is a client for the CLOB market-data WebSocket. It manages one
// connection, the market-channel subscription, and dispatch to handlers.
// Reconnection policy belongs to the caller; a disconnected client's Run
// returns and the caller decides whether to dial again.
type WSClient struct {
	wsURL   string
	onBook  BookHandler
	onPrice PriceHandler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a client for the given endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, onBook BookHandler, onPrice PriceHandler) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		onBook:  onBook,
		onPrice: onPrice,
	}
}

// Connect dials the endpoint and starts the keep-alive ping loop.
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.pingLoop(ctx, conn)
	return nil
}

// Subscribe subscribes the market channel for the given asset IDs.
func (w *WSClient) Subscribe(assetIDs []string) error {
	return w.send(WSCommand{Type: "subscribe", Channel: "market", Assets: assetIDs})
}

// Unsubscribe removes the market-channel subscription for the given assets.
func (w *WSClient) Unsubscribe(assetIDs []string) error {
	return w.send(WSCommand{Type: "unsubscribe", Channel: "market", Assets: assetIDs})
}

// ReadLoop consumes frames and dispatches them until the connection drops or
// ctx is cancelled. The returned error is always non-nil and wraps
// domain.ErrWSDisconnect on connection loss.
func (w *WSClient) ReadLoop(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
		}
		w.dispatch(raw)
	}
}

// Close tears down the connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// dispatch decodes one frame and routes it. Frames may carry a single
// message or an array of them.
func (w *WSClient) dispatch(raw []byte) {
	var msgs []WSMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		var single WSMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return
		}
		msgs = []WSMessage{single}
	}

	for i := range msgs {
		m := &msgs[i]
		switch m.EventType {
		case "book":
			if w.onBook != nil {
				w.onBook(BookFromWS(m))
			}
		case "price_change":
			if w.onPrice != nil {
				w.onPrice(PriceChangeFromWS(m))
			}
		}
	}
}

func (w *WSClient) send(cmd WSCommand) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: send %s: %w", cmd.Type, err)
	}
	return nil
}

// ping writes a ping control frame. It takes the same mutex as send: the
// connection allows only one concurrent writer, so pings must not race a
// subscribe.
func (w *WSClient) ping(conn *websocket.Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// pingLoop keeps the connection alive until it closes or ctx is cancelled.
func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ping(conn); err != nil {
				return
			}
		}
	}
}
