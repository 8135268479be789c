package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketstream/models"
	"marketstream/ws"
)

const (
	DefaultAlpacaURL = "wss://stream.data.alpaca.markets/v2/iex"

	alpacaAuthFrames  = 3
	alpacaAuthTimeout = 10 * time.Second
)

type AlpacaConfig struct {
	APIKey    string
	SecretKey string
	URL       string
}

// NewAlpaca streams US trades from the Alpaca market data feed. Keys are
// plain tickers.
func NewAlpaca(cfg AlpacaConfig, settings Settings, log *zap.SugaredLogger) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultAlpacaURL
	}
	s := newStream(models.ProviderAlpaca, models.VenueUS, &alpacaProtocol{cfg: cfg}, settings, log)
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		s.disableMissingCredentials("ALPACA_API_KEY/ALPACA_SECRET_KEY")
	}
	return s
}

type alpacaProtocol struct {
	cfg AlpacaConfig
}

type alpacaMessage struct {
	T    string  `json:"T"`
	Msg  string  `json:"msg"`
	Code int     `json:"code"`
	S    string  `json:"S"`
	P    float64 `json:"p"`
	Size float64 `json:"s"`
	Time string  `json:"t"`
}

type alpacaAction struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// Codes that mean the credentials or plan will never be accepted. 406,
// connection limit exceeded, is retried like a transport error.
func alpacaAuthCode(code int) bool {
	switch code {
	case 401, 402, 403, 409:
		return true
	}
	return false
}

func (p *alpacaProtocol) Dial(ctx context.Context) (Session, error) {
	c := ws.NewWebSocketClient(p.cfg.URL, nil)
	if err := c.Connect(ctx); err != nil {
		return nil, classifyDial(models.ProviderAlpaca, err)
	}

	if err := p.authenticate(c); err != nil {
		c.Close()
		return nil, err
	}
	return &alpacaSession{c: c}, nil
}

// authenticate sends credentials and waits a few frames for the verdict.
func (p *alpacaProtocol) authenticate(c *ws.WebSocketClient) error {
	if err := c.SendJSON(alpacaAction{Action: "auth", Key: p.cfg.APIKey, Secret: p.cfg.SecretKey}); err != nil {
		return &TransportError{Provider: models.ProviderAlpaca, Op: "auth", Err: err}
	}

	for i := 0; i < alpacaAuthFrames; i++ {
		_, data, err := c.ReadMessage(alpacaAuthTimeout)
		if err != nil {
			return &TransportError{Provider: models.ProviderAlpaca, Op: "auth", Err: err}
		}
		var msgs []alpacaMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			continue
		}
		for _, m := range msgs {
			switch {
			case m.T == "success" && m.Msg == "authenticated":
				return nil
			case m.T == "error" && alpacaAuthCode(m.Code):
				return &AuthError{Provider: models.ProviderAlpaca, Err: fmt.Errorf("code %d: %s", m.Code, m.Msg)}
			case m.T == "error":
				return &TransportError{Provider: models.ProviderAlpaca, Op: "auth", Err: fmt.Errorf("code %d: %s", m.Code, m.Msg)}
			}
		}
	}
	return &TransportError{Provider: models.ProviderAlpaca, Op: "auth", Err: errors.New("authentication not confirmed")}
}

type alpacaSession struct {
	c *ws.WebSocketClient
}

func (s *alpacaSession) Subscribe(keys []string) error {
	return s.c.SendJSON(alpacaAction{Action: "subscribe", Trades: keys})
}

func (s *alpacaSession) Unsubscribe(keys []string) error {
	return s.c.SendJSON(alpacaAction{Action: "unsubscribe", Trades: keys})
}

func (s *alpacaSession) Run(ctx context.Context, sink Sink) error {
	return s.c.Listen(ctx, func(_ int, data []byte) {
		decodeAlpaca(data, sink)
	})
}

func (s *alpacaSession) Close() error { return s.c.Close() }

func decodeAlpaca(data []byte, sink Sink) {
	var msgs []alpacaMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		sink.Drop("malformed", &ProtocolError{Provider: models.ProviderAlpaca, Err: err})
		return
	}

	for _, m := range msgs {
		switch m.T {
		case "t":
			ts, err := time.Parse(time.RFC3339Nano, m.Time)
			if err != nil || m.S == "" || m.P <= 0 {
				sink.Drop("malformed", &ProtocolError{Provider: models.ProviderAlpaca, Err: fmt.Errorf("bad trade %q at %q", m.S, m.Time)})
				continue
			}
			sink.Trade(Trade{
				Key:       m.S,
				Price:     m.P,
				Size:      m.Size,
				Timestamp: ts.UTC(),
			})
		case "error":
			sink.Drop("vendor_error", fmt.Errorf("code %d: %s", m.Code, m.Msg))
		default:
			sink.Alive()
		}
	}
}
