package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"go.uber.org/zap"

	"marketstream/metrics"
	"marketstream/models"
)

// DefaultKiteHandoff bounds the ticks buffered between the SDK goroutine and
// the consumer.
const DefaultKiteHandoff = 4096

// kiteTicker is the subset of the SDK ticker the client drives.
type kiteTicker interface {
	OnConnect(func())
	OnError(func(error))
	OnClose(func(int, string))
	OnTick(func(kitemodels.Tick))
	SetAutoReconnect(bool)
	ServeWithContext(context.Context)
	Subscribe([]uint32) error
	Unsubscribe([]uint32) error
	SetMode(kiteticker.Mode, []uint32) error
	Close() error
}

type KiteConfig struct {
	APIKey      string
	AccessToken string
	Handoff     int
}

// Kite wraps the callback-only Kite ticker SDK. The SDK runs on its own
// goroutine; its callbacks only hand events over a bounded channel.
type Kite struct {
	*Stream
	proto *kiteProtocol
}

func NewKite(cfg KiteConfig, settings Settings, log *zap.SugaredLogger) *Kite {
	if cfg.Handoff <= 0 {
		cfg.Handoff = DefaultKiteHandoff
	}
	p := &kiteProtocol{
		cfg: cfg,
		newTicker: func() kiteTicker {
			return kiteticker.New(cfg.APIKey, cfg.AccessToken)
		},
		verify: func(ctx context.Context) error {
			kc := kiteconnect.New(cfg.APIKey)
			kc.SetAccessToken(cfg.AccessToken)
			_, err := kc.GetUserProfile()
			return err
		},
	}
	s := newStream(models.ProviderKite, models.VenueIndia, p, settings, log)
	if cfg.APIKey == "" || cfg.AccessToken == "" {
		s.disableMissingCredentials("KITE_API_KEY/KITE_ACCESS_TOKEN")
	}
	return &Kite{Stream: s, proto: p}
}

// Dropped is the number of ticks discarded because the handoff was full.
func (k *Kite) Dropped() int64 { return k.proto.dropped.Load() }

type kiteProtocol struct {
	cfg       KiteConfig
	newTicker func() kiteTicker
	verify    func(context.Context) error
	dropped   atomic.Int64
}

// isKiteAuthError reports a token or permission rejection from the REST API.
func isKiteAuthError(err error) bool {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		return kerr.ErrorType == kiteconnect.TokenError ||
			kerr.ErrorType == kiteconnect.PermissionError ||
			kerr.Code == 401 || kerr.Code == 403
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403")
}

func (p *kiteProtocol) Dial(ctx context.Context) (Session, error) {
	if p.verify != nil {
		if err := p.verify(ctx); err != nil {
			if isKiteAuthError(err) {
				return nil, &AuthError{Provider: models.ProviderKite, Err: err}
			}
			return nil, &TransportError{Provider: models.ProviderKite, Op: "verify", Err: err}
		}
	}

	s := &kiteSession{
		t:       p.newTicker(),
		ticks:   make(chan kitemodels.Tick, p.cfg.Handoff),
		control: make(chan kiteEvent, 8),
		done:    make(chan struct{}),
		dropped: &p.dropped,
	}
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type kiteEventKind int

const (
	kiteConnected kiteEventKind = iota
	kiteErrored
	kiteClosed
)

type kiteEvent struct {
	kind   kiteEventKind
	err    error
	code   int
	reason string
}

type kiteSession struct {
	t       kiteTicker
	ticks   chan kitemodels.Tick
	control chan kiteEvent
	done    chan struct{}
	dropped *atomic.Int64

	cancel    context.CancelFunc
	connected atomic.Bool
	closed    atomic.Bool
}

// offer never blocks the SDK goroutine.
func (s *kiteSession) offer(ev kiteEvent) {
	select {
	case s.control <- ev:
	default:
	}
}

func (s *kiteSession) start(ctx context.Context) error {
	s.t.SetAutoReconnect(false)
	s.t.OnConnect(func() {
		s.connected.Store(true)
		s.offer(kiteEvent{kind: kiteConnected})
	})
	s.t.OnError(func(err error) {
		s.offer(kiteEvent{kind: kiteErrored, err: err})
	})
	s.t.OnClose(func(code int, reason string) {
		s.offer(kiteEvent{kind: kiteClosed, code: code, reason: reason})
	})
	s.t.OnTick(func(tick kitemodels.Tick) {
		select {
		case s.ticks <- tick:
		default:
			s.dropped.Add(1)
			metrics.FramesDropped.WithLabelValues(string(models.ProviderKite), "handoff_full").Inc()
		}
	})

	serveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.t.ServeWithContext(serveCtx)
	}()

	for {
		select {
		case ev := <-s.control:
			switch ev.kind {
			case kiteConnected:
				return nil
			case kiteErrored:
				return &TransportError{Provider: models.ProviderKite, Op: "dial", Err: ev.err}
			case kiteClosed:
				return &TransportError{Provider: models.ProviderKite, Op: "dial", Err: fmt.Errorf("closed %d: %s", ev.code, ev.reason)}
			}
		case <-s.done:
			return &TransportError{Provider: models.ProviderKite, Op: "dial", Err: errors.New("ticker stopped before connecting")}
		case <-ctx.Done():
			return &TransportError{Provider: models.ProviderKite, Op: "dial", Err: ctx.Err()}
		}
	}
}

func kiteTokens(keys []string) ([]uint32, error) {
	out := make([]uint32, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("instrument token %q: %w", k, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func (s *kiteSession) Subscribe(keys []string) error {
	tokens, err := kiteTokens(keys)
	if err != nil {
		return err
	}
	if err := s.t.Subscribe(tokens); err != nil {
		return err
	}
	return s.t.SetMode(kiteticker.ModeFull, tokens)
}

func (s *kiteSession) Unsubscribe(keys []string) error {
	tokens, err := kiteTokens(keys)
	if err != nil {
		return err
	}
	return s.t.Unsubscribe(tokens)
}

func (s *kiteSession) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-s.ticks:
			sink.Trade(kiteTrade(tick))
		case ev := <-s.control:
			switch ev.kind {
			case kiteErrored:
				sink.Drop("vendor_error", ev.err)
			case kiteClosed:
				return &TransportError{Provider: models.ProviderKite, Op: "read", Err: fmt.Errorf("closed %d: %s", ev.code, ev.reason)}
			}
		case <-s.done:
			return &TransportError{Provider: models.ProviderKite, Op: "read", Err: errors.New("ticker stopped")}
		}
	}
}

// Close stops the SDK goroutine. The SDK only notices cancellation between
// reads, so the wait is bounded.
func (s *kiteSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.connected.Load() {
		err = s.t.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	return err
}

func kiteTrade(t kitemodels.Tick) Trade {
	ts := t.LastTradeTime.Time
	if ts.IsZero() {
		ts = t.Timestamp.Time
	}
	tr := Trade{
		Key:       strconv.FormatUint(uint64(t.InstrumentToken), 10),
		Price:     t.LastPrice,
		Size:      float64(t.LastTradedQuantity),
		Volume:    float64(t.VolumeTraded),
		PrevClose: t.OHLC.Close,
		Timestamp: ts.UTC(),
	}
	if t.OI > 0 {
		oi := float64(t.OI)
		tr.OpenInterest = &oi
	}
	return tr
}
