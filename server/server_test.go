package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketstream/hub"
	"marketstream/provider"
)

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T) (*client, *hub.Hub, *Server) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	h := hub.New(provider.NewRegistry(), hub.Options{}, log)
	srv := New(h, Options{}, log)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	c := &client{t: t, ws: ws}
	ready := c.read()
	require.Equal(t, "ready", ready["type"])
	require.NotEmpty(t, ready["conn_id"])
	return c, h, srv
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *client) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(c.t, c.ws.ReadJSON(&frame))
	return frame
}

func TestPing(t *testing.T) {
	c, _, _ := dial(t)
	c.send(map[string]any{"op": "PING"})
	assert.Equal(t, "pong", c.read()["type"])
}

func TestSubscribeAcksAndBackfills(t *testing.T) {
	c, h, _ := dial(t)

	c.send(map[string]any{
		"op":       "subscribe",
		"symbols":  []any{"nasdaq:aapl", 42, "bogus", "NASDAQ:AAPL"},
		"channels": []string{"Trades"},
	})

	ack := c.read()
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, []any{"NASDAQ:AAPL"}, ack["symbols"])
	assert.Equal(t, []any{"trades"}, ack["channels"])

	intervals := map[any]bool{}
	for range 3 {
		f := c.read()
		require.Equal(t, "backfill", f["type"])
		assert.Equal(t, "NASDAQ:AAPL", f["symbol"])
		assert.Equal(t, []any{}, f["bars"])
		intervals[f["interval"]] = true
	}
	assert.Len(t, intervals, 3)

	conns, symbols := h.Stats()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, symbols)

	// Frames are handled in order, so the pong means the backfill released
	// the symbol.
	c.send(map[string]any{"op": "ping"})
	require.Equal(t, "pong", c.read()["type"])

	h.Broadcast("NASDAQ:AAPL", hub.ChannelTrades, map[string]any{"type": "tick", "symbol": "NASDAQ:AAPL"})
	tick := c.read()
	assert.Equal(t, "tick", tick["type"])
}

func TestSubscribeWithoutValidSymbols(t *testing.T) {
	c, _, _ := dial(t)
	c.send(map[string]any{"op": "subscribe", "symbols": []string{"nope"}})

	f := c.read()
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "No valid symbols to subscribe", f["message"])
}

func TestUnsubscribe(t *testing.T) {
	c, h, _ := dial(t)
	c.send(map[string]any{"op": "subscribe", "symbols": []string{"NSE:INFY"}})
	require.Equal(t, "subscribed", c.read()["type"])
	for range 3 {
		require.Equal(t, "backfill", c.read()["type"])
	}

	c.send(map[string]any{"op": "unsubscribe", "symbols": []string{"nse:infy", "NSE:TCS"}})
	f := c.read()
	assert.Equal(t, "unsubscribed", f["type"])
	assert.Equal(t, []any{"NSE:INFY"}, f["symbols"])
	assert.Equal(t, []any{"bars", "trades"}, f["channels"])

	_, symbols := h.Stats()
	assert.Zero(t, symbols)
}

func TestUnsupportedAndMalformed(t *testing.T) {
	c, _, _ := dial(t)

	c.send(map[string]any{"op": "replay"})
	f := c.read()
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "Unsupported op: replay", f["message"])

	c.send(map[string]any{})
	assert.Equal(t, "Unsupported op: unknown", c.read()["message"])

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "Invalid message payload", c.read()["message"])
}

func TestDisconnectUnregisters(t *testing.T) {
	c, h, _ := dial(t)
	c.send(map[string]any{"op": "subscribe", "symbols": []string{"NYSE:IBM"}})
	require.Equal(t, "subscribed", c.read()["type"])

	require.NoError(t, c.ws.Close())
	require.Eventually(t, func() bool {
		conns, symbols := h.Stats()
		return conns == 0 && symbols == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	c, h, srv := dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ws.ReadMessage()
	assert.Error(t, err)

	conns, _ := h.Stats()
	assert.Zero(t, conns)
}
