// Package bus relays ticks and bars between instances over Redis pub/sub,
// falling back to in-process delivery when the relay is unreachable.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketstream/metrics"
	"marketstream/middleware"
)

// Listener receives every relayed message with its channel name.
type Listener func(channel string, payload []byte)

func QuoteChannel(market string) string {
	return "quotes:" + strings.ToLower(market)
}

func BarChannel(market, interval string) string {
	return "bars:" + strings.ToLower(market) + ":" + interval
}

// Bus is safe for concurrent use. A nil client makes it purely local.
type Bus struct {
	client        *redis.Client
	log           *zap.SugaredLogger
	probeInterval time.Duration

	available atomic.Bool

	mu        sync.RWMutex
	listeners []Listener
	pubsub    *redis.PubSub
	channels  map[string]struct{}
	listening sync.WaitGroup
}

func New(client *redis.Client, probeInterval time.Duration, log *zap.SugaredLogger) *Bus {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	b := &Bus{
		client:        client,
		log:           log,
		probeInterval: probeInterval,
		channels:      make(map[string]struct{}),
	}
	b.available.Store(client != nil)
	metrics.SetBool(metrics.RelayAvailable, client != nil)
	return b
}

// Available reports whether publishes currently go through the relay.
func (b *Bus) Available() bool { return b.available.Load() }

func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Bus) PublishTick(ctx context.Context, market string, payload any) error {
	return b.publish(ctx, "tick", QuoteChannel(market), payload)
}

func (b *Bus) PublishBar(ctx context.Context, market, interval string, payload any) error {
	return b.publish(ctx, "bar", BarChannel(market, interval), payload)
}

func (b *Bus) publish(ctx context.Context, kind, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", kind, err)
	}

	if b.client != nil && b.available.Load() {
		err := b.client.Publish(ctx, channel, data).Err()
		if err == nil {
			metrics.RelayPublished.WithLabelValues(kind, "relay").Inc()
			return nil
		}
		b.setAvailable(false, err)
	}

	metrics.RelayPublished.WithLabelValues(kind, "local").Inc()
	b.dispatch(channel, data)
	return nil
}

func (b *Bus) dispatch(channel string, data []byte) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		middleware.Recover(b.log, "bus listener", func() { l(channel, data) })
	}
}

// SubscribeMarket relays inbound ticks of market to the local listeners.
func (b *Bus) SubscribeMarket(ctx context.Context, market string) error {
	return b.subscribe(ctx, QuoteChannel(market))
}

// SubscribeBars relays inbound bars of market and interval to the local
// listeners.
func (b *Bus) SubscribeBars(ctx context.Context, market, interval string) error {
	return b.subscribe(ctx, BarChannel(market, interval))
}

// subscribe opens the shared PubSub on first use; later channels join it.
func (b *Bus) subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; ok {
		return nil
	}
	b.channels[channel] = struct{}{}
	if b.client == nil {
		return nil
	}

	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(ctx, channel)
		b.listening.Add(1)
		go b.listen(b.pubsub)
		return nil
	}
	return b.pubsub.Subscribe(ctx, channel)
}

func (b *Bus) listen(ps *redis.PubSub) {
	defer b.listening.Done()
	for msg := range ps.Channel() {
		b.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// Run probes the relay until ctx ends, restoring relay delivery once it
// answers again.
func (b *Bus) Run(ctx context.Context) {
	if b.client == nil {
		return
	}
	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()

	for {
		b.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe pings the relay once and updates availability.
func (b *Bus) Probe(ctx context.Context) bool {
	if b.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := b.client.Ping(pingCtx).Err()
	if err != nil && ctx.Err() != nil {
		return b.available.Load()
	}
	b.setAvailable(err == nil, err)
	return err == nil
}

// setAvailable logs only on transitions.
func (b *Bus) setAvailable(v bool, err error) {
	if b.available.Swap(v) == v {
		return
	}
	metrics.SetBool(metrics.RelayAvailable, v)
	if v {
		b.log.Infow("Relay reachable, publishing through Redis")
		return
	}
	b.log.Warnw("Relay unavailable, delivering locally", "error", err)
}

// Close stops the shared subscription. The Redis client is owned by the
// caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	b.listening.Wait()
	return err
}
