// Package hub owns downstream subscriptions and the ingestion pipeline. It
// keeps each venue's upstream subscription equal to the union of what
// connected clients asked for, turns provider trades into ticks and candles
// and fans them out.
package hub

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marketstream/candles"
	"marketstream/dedup"
	"marketstream/health"
	"marketstream/instruments"
	"marketstream/metrics"
	"marketstream/models"
	"marketstream/provider"
	"marketstream/quotes"
)

const (
	ChannelTrades = "trades"
	ChannelBars   = "bars"
)

// Conn is one downstream connection. Send must be safe for concurrent use
// and bounded by a write deadline.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Resolver maps canonical tokens to vendor keys. It is called under the hub
// mutex and must not block on the network.
type Resolver interface {
	Resolve(tokens []string) map[string]string
}

type QuoteFetcher interface {
	Quotes(ctx context.Context, market string, symbols []string) ([]quotes.Quote, error)
}

type BackfillSource interface {
	Name() string
	Backfill(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

type Publisher interface {
	PublishTick(ctx context.Context, market string, payload any) error
	PublishBar(ctx context.Context, market, interval string, payload any) error
}

type Leader interface {
	IsLeader() bool
}

type (
	TickListener func(models.Tick)
	BarListener  func(models.Candle)
)

type Options struct {
	// Resolvers per venue. The US venue defaults to bare tickers.
	Resolvers      map[string]Resolver
	Quotes         QuoteFetcher
	Backfill       BackfillSource
	Bus            Publisher
	Leader         Leader
	Aggregator     *candles.Aggregator
	PollInterval   time.Duration
	PollTimeout    time.Duration
	FlushInterval  time.Duration
	HealthInterval time.Duration
	BackfillLimit  int
	Clock          func() time.Time
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 15 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.BackfillLimit <= 0 {
		o.BackfillLimit = candles.DefaultHistory
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Aggregator == nil {
		o.Aggregator = candles.NewAggregator()
	}
}

type subscription struct {
	conn     Conn
	symbols  map[string]struct{}
	channels map[string]struct{}
	// held symbols are subscribed upstream but get no live frames until
	// their backfill has been sent.
	held map[string]struct{}
}

type venueState struct {
	clients  []provider.Client
	selector *health.Selector
	resolver Resolver
	pushed   []string
	// byKey maps a vendor key to every canonical token it serves.
	byKey    map[string][]string
	resolved map[string]string
}

// live reports whether some client of the venue can stream right now.
func (v *venueState) live() bool {
	for _, c := range v.clients {
		if c.Connected() && !c.Disabled() {
			return true
		}
	}
	return false
}

type Hub struct {
	opts      Options
	log       *zap.SugaredLogger
	intervals []string

	// emitMu orders everything that aggregates and delivers candle events,
	// so subscribers see a bucket's partials before its close. Lock order is
	// emitMu, then mu, then pipeMu.
	emitMu sync.Mutex

	mu       sync.Mutex
	conns    map[string]*subscription
	union    map[string]struct{}
	venues   map[string]*venueState
	// departed holds tokens that left the union and still have pipeline
	// state to release.
	departed map[string]struct{}

	providerVenue map[models.Provider]string

	pipeMu  sync.Mutex
	agg     *candles.Aggregator
	dedup   *dedup.Deduplicator
	volumes map[string]float64

	listenMu      sync.RWMutex
	tickListeners []TickListener
	barListeners  []BarListener

	healthKick chan struct{}
	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a hub over the registry's clients and installs itself as their
// listener.
func New(registry *provider.Registry, opts Options, log *zap.SugaredLogger) *Hub {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:          opts,
		log:           log,
		intervals:     opts.Aggregator.Intervals(),
		conns:         make(map[string]*subscription),
		union:         make(map[string]struct{}),
		venues:        make(map[string]*venueState),
		departed:      make(map[string]struct{}),
		providerVenue: make(map[models.Provider]string),
		agg:           opts.Aggregator,
		dedup:         dedup.New(),
		volumes:       make(map[string]float64),
		healthKick:    make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, name := range registry.Venues() {
		clients := registry.Venue(name)
		trackers := make([]*health.Tracker, len(clients))
		for i, c := range clients {
			trackers[i] = c.Health()
			h.providerVenue[c.Name()] = name
			c.SetListener(h)
		}
		resolver := opts.Resolvers[name]
		if resolver == nil && name == models.VenueUS {
			resolver = instruments.Tickers{}
		}
		h.venues[name] = &venueState{
			clients:  clients,
			selector: health.NewSelector(trackers...),
			resolver: resolver,
			byKey:    make(map[string][]string),
			resolved: make(map[string]string),
		}
	}
	return h
}

func (h *Hub) now() time.Time { return h.opts.Clock() }

func (h *Hub) AddTickListener(l TickListener) {
	h.listenMu.Lock()
	h.tickListeners = append(h.tickListeners, l)
	h.listenMu.Unlock()
}

func (h *Hub) AddBarListener(l BarListener) {
	h.listenMu.Lock()
	h.barListeners = append(h.barListeners, l)
	h.listenMu.Unlock()
}

func defaultChannels() map[string]struct{} {
	return map[string]struct{}{ChannelTrades: {}, ChannelBars: {}}
}

// Register adds conn with an empty symbol set and both channels.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID()]; ok {
		return
	}
	h.conns[conn.ID()] = &subscription{
		conn:     conn,
		symbols:  make(map[string]struct{}),
		channels: defaultChannels(),
		held:     make(map[string]struct{}),
	}
	metrics.Connections.Set(float64(len(h.conns)))
	h.log.Infow("Client connected", "conn_id", conn.ID(), "total", len(h.conns))
}

func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID()]; !ok {
		return
	}
	delete(h.conns, conn.ID())
	metrics.Connections.Set(float64(len(h.conns)))
	h.syncLocked()
	h.log.Infow("Client disconnected", "conn_id", conn.ID(), "total", len(h.conns))
}

type SubscribeResult struct {
	Symbols  []string
	Channels []string
	// Added holds the symbols that were new for the connection.
	Added []string
}

// Subscribe adds the valid tokens of symbols to conn. A non-empty channels
// list with at least one valid channel replaces the connection's channels.
func (h *Hub) Subscribe(conn Conn, symbols, channels []string) SubscribeResult {
	return h.subscribe(conn, symbols, channels, false)
}

// SubscribeHeld is Subscribe for callers that follow with Backfill: live
// frames for the added symbols are withheld from conn until Backfill has
// sent their history and partials.
func (h *Hub) SubscribeHeld(conn Conn, symbols, channels []string) SubscribeResult {
	return h.subscribe(conn, symbols, channels, true)
}

func (h *Hub) subscribe(conn Conn, symbols, channels []string, hold bool) SubscribeResult {
	accepted := normalizeSymbols(symbols)
	chans := normalizeChannels(channels)

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.conns[conn.ID()]
	if !ok {
		return SubscribeResult{}
	}
	res := SubscribeResult{Symbols: accepted}
	for _, tok := range accepted {
		if _, ok := sub.symbols[tok]; !ok {
			sub.symbols[tok] = struct{}{}
			if hold {
				sub.held[tok] = struct{}{}
			}
			res.Added = append(res.Added, tok)
		}
	}
	if len(chans) > 0 {
		sub.channels = make(map[string]struct{}, len(chans))
		for _, c := range chans {
			sub.channels[c] = struct{}{}
		}
	}
	res.Channels = sortedSet(sub.channels)
	if len(res.Added) > 0 {
		h.syncLocked()
	}
	return res
}

type UnsubscribeResult struct {
	Removed  []string
	Channels []string
}

// Unsubscribe removes tokens and channels from conn. Removing every channel
// restores the default pair.
func (h *Hub) Unsubscribe(conn Conn, symbols, channels []string) UnsubscribeResult {
	tokens := normalizeSymbols(symbols)
	chans := normalizeChannels(channels)

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.conns[conn.ID()]
	if !ok {
		return UnsubscribeResult{}
	}
	var res UnsubscribeResult
	for _, tok := range tokens {
		if _, ok := sub.symbols[tok]; ok {
			delete(sub.symbols, tok)
			delete(sub.held, tok)
			res.Removed = append(res.Removed, tok)
		}
	}
	for _, c := range chans {
		delete(sub.channels, c)
	}
	if len(sub.channels) == 0 {
		sub.channels = defaultChannels()
	}
	res.Channels = sortedSet(sub.channels)
	if len(res.Removed) > 0 {
		h.syncLocked()
	}
	return res
}

// Resync re-resolves the union, pushing only venues whose key set changed.
func (h *Hub) Resync() {
	h.mu.Lock()
	h.syncLocked()
	h.mu.Unlock()
}

// syncLocked recomputes the union and each venue's vendor key set.
// SetSymbols never blocks, so clients are updated under the lock and
// successive pushes cannot reorder.
func (h *Hub) syncLocked() {
	union := make(map[string]struct{})
	for _, s := range h.conns {
		for tok := range s.symbols {
			union[tok] = struct{}{}
		}
	}
	for tok := range h.union {
		if _, ok := union[tok]; !ok {
			h.departed[tok] = struct{}{}
		}
	}
	h.union = union
	metrics.Subscriptions.Set(float64(len(union)))

	byVenue := make(map[string][]string)
	for tok := range union {
		market, _, _ := models.SplitSymbol(tok)
		v := models.VenueOf(market)
		byVenue[v] = append(byVenue[v], tok)
	}

	for name, vs := range h.venues {
		tokens := byVenue[name]
		sort.Strings(tokens)

		resolved := map[string]string{}
		if vs.resolver != nil && len(tokens) > 0 {
			resolved = vs.resolver.Resolve(tokens)
		}
		byKey := make(map[string][]string, len(resolved))
		for _, tok := range tokens {
			if key, ok := resolved[tok]; ok {
				byKey[key] = append(byKey[key], tok)
			}
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		vs.byKey = byKey
		vs.resolved = resolved
		if slices.Equal(keys, vs.pushed) {
			continue
		}
		vs.pushed = keys
		for _, c := range vs.clients {
			c.SetSymbols(keys)
		}
		h.log.Debugw("Upstream subscription changed", "venue", name, "keys", len(keys), "unresolved", len(tokens)-len(resolved))
	}
}

// Broadcast sends payload to every connection subscribed to symbol on
// channel. Sends happen outside the hub mutex.
func (h *Hub) Broadcast(symbol, channel string, payload any) {
	h.mu.Lock()
	var targets []Conn
	for _, s := range h.conns {
		if _, ok := s.symbols[symbol]; !ok {
			continue
		}
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		if _, ok := s.held[symbol]; ok {
			continue
		}
		targets = append(targets, s.conn)
	}
	h.mu.Unlock()

	h.deliver(targets, channel, payload)
}

func (h *Hub) broadcastAll(label string, payload any) {
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.conns))
	for _, s := range h.conns {
		targets = append(targets, s.conn)
	}
	h.mu.Unlock()

	h.deliver(targets, label, payload)
}

func (h *Hub) deliver(targets []Conn, label string, payload any) {
	if len(targets) == 0 {
		return
	}
	start := time.Now()
	msg, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("Failed to encode frame", "channel", label, "error", err)
		return
	}

	var stale []Conn
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			stale = append(stale, c)
		}
	}
	metrics.Broadcasts.WithLabelValues(label).Add(float64(len(targets) - len(stale)))
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if len(stale) > 0 {
		h.prune(stale)
	}
}

// Send encodes v and writes it to conn, pruning conn when the write fails.
func (h *Hub) Send(conn Conn, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		h.prune([]Conn{conn})
		return err
	}
	return nil
}

func (h *Hub) prune(stale []Conn) {
	h.mu.Lock()
	dropped := 0
	for _, c := range stale {
		if s, ok := h.conns[c.ID()]; ok && s.conn == c {
			delete(h.conns, c.ID())
			dropped++
		}
	}
	if dropped > 0 {
		metrics.Connections.Set(float64(len(h.conns)))
		h.syncLocked()
	}
	h.mu.Unlock()

	if dropped == 0 {
		return
	}
	metrics.StaleConnections.Add(float64(dropped))
	h.log.Debugw("Dropped stale clients", "count", dropped)
	for _, c := range stale {
		c.Close()
	}
}

// CloseAll drops and closes every downstream connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for _, s := range h.conns {
		conns = append(conns, s.conn)
	}
	h.conns = make(map[string]*subscription)
	metrics.Connections.Set(0)
	h.syncLocked()
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Stats returns the connection count and the size of the subscription
// union.
func (h *Hub) Stats() (connections, symbols int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns), len(h.union)
}

func normalizeSymbols(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		tok, _, _, ok := models.ParseSymbol(r)
		if !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func normalizeChannels(raw []string) []string {
	var out []string
	for _, r := range raw {
		c := strings.ToLower(strings.TrimSpace(r))
		if (c == ChannelTrades || c == ChannelBars) && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
