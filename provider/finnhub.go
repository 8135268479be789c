package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"marketstream/models"
	"marketstream/ws"
)

const DefaultFinnhubURL = "wss://ws.finnhub.io"

type FinnhubConfig struct {
	APIKey string
	URL    string
}

// NewFinnhub streams US trades from Finnhub. Keys are plain tickers.
func NewFinnhub(cfg FinnhubConfig, settings Settings, log *zap.SugaredLogger) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultFinnhubURL
	}
	s := newStream(models.ProviderFinnhub, models.VenueUS, &finnhubProtocol{cfg: cfg}, settings, log)
	if cfg.APIKey == "" {
		s.disableMissingCredentials("FINNHUB_API_KEY")
	}
	return s
}

type finnhubProtocol struct {
	cfg FinnhubConfig
}

func (p *finnhubProtocol) Dial(ctx context.Context) (Session, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, &TransportError{Provider: models.ProviderFinnhub, Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("token", p.cfg.APIKey)
	u.RawQuery = q.Encode()

	c := ws.NewWebSocketClient(u.String(), nil)
	if err := c.Connect(ctx); err != nil {
		return nil, classifyDial(models.ProviderFinnhub, err)
	}
	return &finnhubSession{c: c}, nil
}

type finnhubCommand struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type finnhubFrame struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	Data []struct {
		S string  `json:"s"`
		P float64 `json:"p"`
		V float64 `json:"v"`
		T int64   `json:"t"`
	} `json:"data"`
}

type finnhubSession struct {
	c *ws.WebSocketClient
}

func (s *finnhubSession) Subscribe(keys []string) error {
	return s.send("subscribe", keys)
}

func (s *finnhubSession) Unsubscribe(keys []string) error {
	return s.send("unsubscribe", keys)
}

func (s *finnhubSession) send(op string, keys []string) error {
	for _, k := range keys {
		if err := s.c.SendJSON(finnhubCommand{Type: op, Symbol: k}); err != nil {
			return fmt.Errorf("%s %s: %w", op, k, err)
		}
	}
	return nil
}

func (s *finnhubSession) Run(ctx context.Context, sink Sink) error {
	return s.c.Listen(ctx, func(_ int, data []byte) {
		decodeFinnhub(data, sink)
	})
}

func (s *finnhubSession) Close() error { return s.c.Close() }

func decodeFinnhub(data []byte, sink Sink) {
	var f finnhubFrame
	if err := json.Unmarshal(data, &f); err != nil {
		sink.Drop("malformed", &ProtocolError{Provider: models.ProviderFinnhub, Err: err})
		return
	}

	switch f.Type {
	case "trade":
		for _, d := range f.Data {
			if d.S == "" || d.P <= 0 {
				sink.Drop("malformed", &ProtocolError{Provider: models.ProviderFinnhub, Err: errors.New("trade without symbol or price")})
				continue
			}
			sink.Trade(Trade{
				Key:       d.S,
				Price:     d.P,
				Size:      d.V,
				Timestamp: time.UnixMilli(d.T).UTC(),
			})
		}
	case "error":
		sink.Drop("vendor_error", errors.New(f.Msg))
	default:
		sink.Alive()
	}
}
