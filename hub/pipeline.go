package hub

import (
	"context"
	"time"

	"marketstream/dedup"
	"marketstream/health"
	"marketstream/metrics"
	"marketstream/middleware"
	"marketstream/models"
	"marketstream/provider"
)

const publishTimeout = 2 * time.Second

// OnTrade turns one vendor trade into a tick for every canonical symbol
// mapped to its key.
func (h *Hub) OnTrade(tr provider.Trade) {
	venue := h.providerVenue[tr.Provider]

	h.mu.Lock()
	var symbols []string
	if vs := h.venues[venue]; vs != nil {
		symbols = append(symbols, vs.byKey[tr.Key]...)
	}
	h.mu.Unlock()

	if len(symbols) == 0 {
		metrics.FramesDropped.WithLabelValues(string(tr.Provider), "unmapped").Inc()
		return
	}

	primary := h.primaryFor(venue)
	size := h.tradeSize(tr)
	for _, sym := range symbols {
		h.ingest(h.tickFrom(tr, sym, size), &primary)
	}
}

// OnState schedules an immediate provider_health frame.
func (h *Hub) OnState(p models.Provider, connected bool) {
	h.log.Infow("Provider connection changed", "provider", p, "connected", connected)
	select {
	case h.healthKick <- struct{}{}:
	default:
	}
}

func (h *Hub) primaryFor(venue string) dedup.Primary {
	vs := h.venues[venue]
	if vs == nil {
		return dedup.Primary{Provider: models.ProviderNone}
	}
	p := vs.selector.Primary()
	out := dedup.Primary{Provider: p}
	if t := vs.selector.Tracker(p); t != nil {
		out.Fresh = t.HealthyEnough() && t.Silence() < health.HealthySilence
	}
	return out
}

// tradeSize derives the traded quantity from the cumulative day volume when
// the venue reports one, so repeated quote updates for the same last trade
// do not inflate candle volume.
func (h *Hub) tradeSize(tr provider.Trade) float64 {
	if tr.Volume <= 0 {
		return tr.Size
	}
	key := string(tr.Provider) + "|" + tr.Key

	h.pipeMu.Lock()
	prev, seen := h.volumes[key]
	h.volumes[key] = tr.Volume
	h.pipeMu.Unlock()

	if !seen || tr.Volume < prev {
		return tr.Size
	}
	return tr.Volume - prev
}

func (h *Hub) tickFrom(tr provider.Trade, symbol string, size float64) models.Tick {
	ts := tr.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}
	t := models.Tick{
		Symbol:       symbol,
		Price:        tr.Price,
		Size:         size,
		Volume:       tr.Volume,
		OpenInterest: tr.OpenInterest,
		LatencyMs:    tr.LatencyMs,
		Timestamp:    models.NormalizeTime(ts),
		Provider:     tr.Provider,
	}
	if tr.PrevClose > 0 {
		t.Change = tr.Price - tr.PrevClose
		t.ChangePct = t.Change / tr.PrevClose * 100
	}
	return t
}

// ingest runs one tick through dedup and aggregation, then fans the results
// out before the next tick or flush can emit. A nil primary skips dedup,
// which is how polled ticks enter.
func (h *Hub) ingest(t models.Tick, primary *dedup.Primary) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.pipeMu.Lock()
	if primary != nil && !h.dedup.Accept(t.Provider, t.Symbol, t.Price, t.Size, t.Timestamp, *primary) {
		h.pipeMu.Unlock()
		metrics.TicksDeduplicated.WithLabelValues(string(t.Provider)).Inc()
		return
	}
	bars := h.agg.OnTick(t.Symbol, t.Price, t.Size, t.Timestamp)
	h.pipeMu.Unlock()

	metrics.TicksIngested.WithLabelValues(string(t.Provider)).Inc()
	h.emitTick(t)
	h.emitBars(bars, t.Provider)
}

func (h *Hub) emitTick(t models.Tick) {
	payload := t.Payload()
	h.Broadcast(t.Symbol, ChannelTrades, payload)

	h.listenMu.RLock()
	listeners := h.tickListeners
	h.listenMu.RUnlock()
	for _, l := range listeners {
		middleware.Recover(h.log, "tick listener", func() { l(t) })
	}

	if h.opts.Bus != nil {
		ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
		if err := h.opts.Bus.PublishTick(ctx, t.Market(), payload); err != nil {
			h.log.Debugw("Tick publish failed", "symbol", t.Symbol, "error", err)
		}
		cancel()
	}
}

// emitBars broadcasts every candle event. Closed candles also reach the bar
// listeners and, on the lease holder only, the bus.
func (h *Hub) emitBars(bars []models.Candle, p models.Provider) {
	for _, b := range bars {
		payload := b.Payload()
		payload.Provider = p
		h.Broadcast(b.Symbol, ChannelBars, payload)

		if b.Status != models.StatusClosed {
			continue
		}
		metrics.CandlesClosed.WithLabelValues(b.Interval).Inc()

		h.listenMu.RLock()
		listeners := h.barListeners
		h.listenMu.RUnlock()
		for _, l := range listeners {
			middleware.Recover(h.log, "bar listener", func() { l(b) })
		}

		if h.opts.Bus != nil && h.isLeader() {
			market, _, _ := models.SplitSymbol(b.Symbol)
			ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
			if err := h.opts.Bus.PublishBar(ctx, market, b.Interval, payload); err != nil {
				h.log.Debugw("Bar publish failed", "symbol", b.Symbol, "interval", b.Interval, "error", err)
			}
			cancel()
		}
	}
}

func (h *Hub) isLeader() bool {
	return h.opts.Leader == nil || h.opts.Leader.IsLeader()
}
