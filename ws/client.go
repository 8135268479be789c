// Package ws wraps a gorilla websocket connection for upstream feeds.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HandshakeTimeout  = 30 * time.Second
	HeartbeatInterval = 10 * time.Second
	WriteTimeout      = 10 * time.Second
)

var ErrNotConnected = errors.New("websocket is not connected")

// HandshakeError is returned when the server answered the upgrade request
// with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// WebSocketClient is a single upstream connection. Writes are serialized so
// heartbeats and subscription frames can be sent from different goroutines.
type WebSocketClient struct {
	url     string
	Headers map[string]string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	writeMu sync.Mutex
	mu      sync.RWMutex
	conn    *websocket.Conn
}

func NewWebSocketClient(url string, headers map[string]string) *WebSocketClient {
	return &WebSocketClient{
		url:              url,
		Headers:          headers,
		HandshakeTimeout: HandshakeTimeout,
		WriteTimeout:     WriteTimeout,
	}
}

// Connect dials the server. A rejected upgrade yields a *HandshakeError.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.getHttpHeaders())
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WebSocketClient) getHttpHeaders() http.Header {
	headers := http.Header{}
	for key, value := range c.Headers {
		headers.Set(key, value)
	}
	return headers
}

func (c *WebSocketClient) current() (*websocket.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Heartbeat writes payload as a text frame every interval until ctx ends or
// a write fails.
func (c *WebSocketClient) Heartbeat(ctx context.Context, interval time.Duration, payload string) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.SendText(payload); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// Listen delivers every inbound frame to onMessage until the connection
// fails or ctx ends. Cancelling ctx closes the connection.
func (c *WebSocketClient) Listen(ctx context.Context, onMessage func(messageType int, data []byte)) error {
	conn, err := c.current()
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		onMessage(messageType, message)
	}
}

// ReadMessage reads one frame, failing after timeout. It must not be used
// concurrently with Listen.
func (c *WebSocketClient) ReadMessage(timeout time.Duration) (int, []byte, error) {
	conn, err := c.current()
	if err != nil {
		return 0, nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	defer conn.SetReadDeadline(time.Time{})
	return conn.ReadMessage()
}

func (c *WebSocketClient) SendJSON(v interface{}) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	return conn.WriteJSON(v)
}

func (c *WebSocketClient) SendText(s string) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
