package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketstream/angel"
	"marketstream/models"
	"marketstream/parser"
	"marketstream/ws"
)

type AngelOneConfig struct {
	Credentials angel.Credentials
	LoginURL    string
	StreamURL   string
}

// NewAngelOne streams Indian trades over SmartStream. Keys have the form
// "<exchangeType>:<token>".
func NewAngelOne(cfg AngelOneConfig, settings Settings, log *zap.SugaredLogger) *Stream {
	if cfg.StreamURL == "" {
		cfg.StreamURL = angel.DefaultStreamURL
	}
	p := &angelProtocol{
		auth:      angel.NewClient(cfg.Credentials, cfg.LoginURL),
		streamURL: cfg.StreamURL,
	}
	s := newStream(models.ProviderAngelOne, models.VenueIndia, p, settings, log)
	c := cfg.Credentials
	if c.ClientID == "" || c.PIN == "" || c.APIKey == "" {
		s.disableMissingCredentials("ANGEL_CLIENT_ID/ANGEL_CLIENT_PIN/ANGEL_API_KEY")
	}
	return s
}

// AngelKey builds the vendor key for an exchange type and token.
func AngelKey(exchangeType int, token string) string {
	return strconv.Itoa(exchangeType) + ":" + token
}

type angelProtocol struct {
	auth      *angel.Client
	streamURL string
}

func (p *angelProtocol) Dial(ctx context.Context) (Session, error) {
	sess, err := p.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, angel.ErrLoginRejected) {
			return nil, &AuthError{Provider: models.ProviderAngelOne, Err: err}
		}
		return nil, &TransportError{Provider: models.ProviderAngelOne, Op: "login", Err: err}
	}

	c := ws.NewWebSocketClient(p.streamURL, p.auth.StreamHeaders(sess))
	if err := c.Connect(ctx); err != nil {
		return nil, classifyDial(models.ProviderAngelOne, err)
	}
	return &angelSession{c: c}, nil
}

type angelSession struct {
	c *ws.WebSocketClient
}

func (s *angelSession) Subscribe(keys []string) error {
	return s.send(angel.ActionSubscribe, keys)
}

func (s *angelSession) Unsubscribe(keys []string) error {
	return s.send(angel.ActionUnsubscribe, keys)
}

func (s *angelSession) send(action int, keys []string) error {
	list := angelTokenList(keys)
	if len(list) == 0 {
		return nil
	}
	req := angel.SubscribeRequest{
		CorrelationID: strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Action:        action,
		Params: angel.SubscriptionParams{
			Mode:      angel.ModeQuote,
			TokenList: list,
		},
	}
	return s.c.SendJSON(req)
}

// angelTokenList groups keys by exchange type. Malformed keys are skipped.
func angelTokenList(keys []string) []angel.TokenSubscription {
	byExchange := make(map[int][]string)
	for _, k := range keys {
		exch, token, ok := strings.Cut(k, ":")
		if !ok || token == "" {
			continue
		}
		n, err := strconv.Atoi(exch)
		if err != nil {
			continue
		}
		byExchange[n] = append(byExchange[n], token)
	}

	out := make([]angel.TokenSubscription, 0, len(byExchange))
	for exch, tokens := range byExchange {
		out = append(out, angel.TokenSubscription{ExchangeType: exch, Tokens: tokens})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeType < out[j].ExchangeType })
	return out
}

func (s *angelSession) Run(ctx context.Context, sink Sink) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := s.c.Heartbeat(hbCtx, ws.HeartbeatInterval, "ping"); err != nil {
			s.c.Close()
		}
	}()

	return s.c.Listen(ctx, func(mt int, data []byte) {
		if mt == websocket.BinaryMessage {
			decodeAngel(data, sink)
			return
		}
		decodeAngelText(data, sink)
	})
}

func (s *angelSession) Close() error { return s.c.Close() }

func decodeAngel(data []byte, sink Sink) {
	md, err := parser.ParseBinaryData(data)
	if err != nil {
		sink.Drop("malformed", &ProtocolError{Provider: models.ProviderAngelOne, Err: err})
		return
	}
	if md.LastTradedPrice <= 0 {
		sink.Alive()
		return
	}
	sink.Trade(Trade{
		Key:       md.Key(),
		Price:     md.GetLastTradedPrice(),
		Size:      float64(md.LastTradedQuantity),
		Volume:    float64(md.VolumeTrade),
		PrevClose: md.GetClosedPrice(),
		Timestamp: md.Time(),
	})
}

type angelStatus struct {
	CorrelationID string `json:"correlationID"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

func decodeAngelText(data []byte, sink Sink) {
	if string(data) == "pong" {
		sink.Alive()
		return
	}
	var st angelStatus
	if err := json.Unmarshal(data, &st); err != nil {
		sink.Drop("malformed", &ProtocolError{Provider: models.ProviderAngelOne, Err: err})
		return
	}
	if st.ErrorCode != "" {
		sink.Drop("vendor_error", fmt.Errorf("%s: %s", st.ErrorCode, st.ErrorMessage))
		return
	}
	sink.Alive()
}
