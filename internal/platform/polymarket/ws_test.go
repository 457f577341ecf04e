package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEchoServer upgrades the request and drains frames until the peer hangs
// up. Reading is what services the incoming ping control frames.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestSubscribeNotConnected(t *testing.T) {
	client := NewWSClient("ws://unreachable", nil, nil)
	require.Error(t, client.Subscribe([]string{"tok"}))
}

// The connection permits a single concurrent writer, so keep-alive pings and
// subscription commands must serialize on the same lock. Run with -race.
func TestConcurrentSubscribeAndPing(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewWSClient(wsURL, nil, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, client.Subscribe([]string{"tok"}))
				assert.NoError(t, client.ping(conn))
			}
		}()
	}
	wg.Wait()
}
