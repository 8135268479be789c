// Package server exposes the hub to downstream clients over websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketstream/hub"
	"marketstream/middleware"
	"marketstream/models"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultPingInterval = 30 * time.Second
	maxMessageSize      = 64 << 10
)

// Hub is the part of *hub.Hub the server drives.
type Hub interface {
	Register(conn hub.Conn)
	Unregister(conn hub.Conn)
	SubscribeHeld(conn hub.Conn, symbols, channels []string) hub.SubscribeResult
	Unsubscribe(conn hub.Conn, symbols, channels []string) hub.UnsubscribeResult
	Backfill(ctx context.Context, conn hub.Conn, symbols []string) error
	Send(conn hub.Conn, v any) error
}

type Options struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

type Server struct {
	hub      Hub
	log      *zap.SugaredLogger
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(h Hub, opts Options, log *zap.SugaredLogger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait / 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:  h,
		log:  log,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// clientMessage is one inbound frame. Symbols and channels are decoded
// loosely so a single bad element does not reject the whole frame.
type clientMessage struct {
	Op       string            `json:"op"`
	Symbols  []json.RawMessage `json:"symbols"`
	Channels []json.RawMessage `json:"channels"`
}

type readyFrame struct {
	Type      string   `json:"type"`
	ConnID    string   `json:"conn_id"`
	Channels  []string `json:"channels"`
	Timestamp string   `json:"timestamp"`
}

type ackFrame struct {
	Type     string   `json:"type"`
	Symbols  []string `json:"symbols"`
	Channels []string `json:"channels"`
}

type pongFrame struct {
	Type string `json:"type"`
}

// conn adapts a gorilla connection to hub.Conn. Writes are serialized and
// bounded by the write timeout.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.ws.Close() })
	return err
}

// ServeHTTP upgrades the request and serves the quotes protocol until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws, writeTimeout: s.opts.WriteTimeout}

	s.wg.Add(1)
	defer s.wg.Done()

	s.hub.Register(c)
	defer func() {
		s.hub.Unregister(c)
		c.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(c, done)

	middleware.Recover(s.log, "ws-conn-"+c.id, func() { s.serve(c) })
}

func (s *Server) pingLoop(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (s *Server) serve(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	ready := readyFrame{
		Type:      "ready",
		ConnID:    c.id,
		Channels:  []string{hub.ChannelTrades, hub.ChannelBars},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.hub.Send(c, ready); err != nil {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugw("Websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		if err := s.handle(c, data); err != nil {
			return
		}
	}
}

// handle processes one client frame. A returned error means the connection
// can no longer be written to.
func (s *Server) handle(c *conn, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.hub.Send(c, models.NewError("Invalid message payload"))
	}

	op := strings.ToLower(strings.TrimSpace(msg.Op))
	switch op {
	case "ping":
		return s.hub.Send(c, pongFrame{Type: "pong"})

	case "subscribe":
		// Added symbols stay silent until their backfill is out, so the
		// client sees the ack, then history and partials, then live frames.
		res := s.hub.SubscribeHeld(c, stringsOf(msg.Symbols, strings.ToUpper), stringsOf(msg.Channels, strings.ToLower))
		if len(res.Symbols) == 0 {
			return s.hub.Send(c, models.NewError("No valid symbols to subscribe"))
		}
		if err := s.hub.Send(c, ackFrame{Type: "subscribed", Symbols: res.Symbols, Channels: res.Channels}); err != nil {
			return err
		}
		if len(res.Added) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.PongWait/2)
		defer cancel()
		return s.hub.Backfill(ctx, c, res.Added)

	case "unsubscribe":
		res := s.hub.Unsubscribe(c, stringsOf(msg.Symbols, strings.ToUpper), stringsOf(msg.Channels, strings.ToLower))
		removed := res.Removed
		if removed == nil {
			removed = []string{}
		}
		return s.hub.Send(c, ackFrame{Type: "unsubscribed", Symbols: removed, Channels: res.Channels})

	default:
		if op == "" {
			op = "unknown"
		}
		return s.hub.Send(c, models.NewError(fmt.Sprintf("Unsupported op: %s", op)))
	}
}

// stringsOf keeps the string elements of raw, trimmed and passed through norm.
func stringsOf(raw []json.RawMessage, norm func(string) string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, norm(s))
		}
	}
	return out
}

// Shutdown closes every open connection and waits for their handlers to
// return, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("websocket handlers still running"), ctx.Err())
	}
}
