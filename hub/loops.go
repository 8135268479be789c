package hub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"marketstream/metrics"
	"marketstream/middleware"
	"marketstream/models"
	"marketstream/quotes"
)

// Start launches the poll, flush and provider health loops. They stop when
// ctx ends or Stop is called.
func (h *Hub) Start(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	context.AfterFunc(ctx, h.cancel)

	h.loop("poll", h.opts.PollInterval, nil, h.pollOnce)
	h.loop("flush", h.opts.FlushInterval, nil, func(context.Context) { h.FlushExpired(h.now()) })
	h.loop("provider health", h.opts.HealthInterval, h.healthKick, func(context.Context) { h.BroadcastHealth() })
	h.log.Infow("Hub started", "poll_interval", h.opts.PollInterval, "flush_interval", h.opts.FlushInterval)
}

// Stop cancels the loops and waits for them to exit.
func (h *Hub) Stop() {
	h.running.Store(false)
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) loop(name string, every time.Duration, kick <-chan struct{}, fn func(context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
			case <-kick:
			}
			middleware.Recover(h.log, name+" loop", func() { fn(h.ctx) })
		}
	}()
}

// FlushExpired closes candles whose bucket ended by now, then releases the
// state of symbols nobody subscribes to anymore.
func (h *Hub) FlushExpired(now time.Time) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.pipeMu.Lock()
	bars := h.agg.FlushExpired(now)
	h.pipeMu.Unlock()
	h.emitBars(bars, "")
	h.retire()
}

// retire drops aggregation and dedup state of departed tokens once none of
// their candles is open, so each close is still emitted first. Volume
// baselines of vendor keys no venue subscribes to go with them.
func (h *Hub) retire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.departed) == 0 {
		return
	}

	h.pipeMu.Lock()
	defer h.pipeMu.Unlock()
	for tok := range h.departed {
		if _, back := h.union[tok]; back {
			delete(h.departed, tok)
			continue
		}
		if len(h.agg.Current(tok)) > 0 {
			continue
		}
		h.agg.Forget(tok)
		h.dedup.Forget(tok)
		delete(h.departed, tok)
	}

	for key := range h.volumes {
		p, vendorKey, _ := strings.Cut(key, "|")
		vs := h.venues[h.providerVenue[models.Provider(p)]]
		if vs == nil {
			delete(h.volumes, key)
			continue
		}
		if _, ok := vs.byKey[vendorKey]; !ok {
			delete(h.volumes, key)
		}
	}
}

// uncovered groups by market the union tokens no streaming client serves:
// the venue has no live client or the instrument did not resolve.
func (h *Hub) uncovered() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]string)
	live := make(map[string]bool, len(h.venues))
	for name, vs := range h.venues {
		live[name] = vs.live()
	}
	for tok := range h.union {
		market, sym, _ := models.SplitSymbol(tok)
		venue := models.VenueOf(market)
		if vs := h.venues[venue]; vs != nil && live[venue] {
			if _, ok := vs.resolved[tok]; ok {
				continue
			}
		}
		out[market] = append(out[market], sym)
	}
	for m := range out {
		sort.Strings(out[m])
	}
	return out
}

func (h *Hub) pollOnce(ctx context.Context) {
	if h.opts.Quotes == nil {
		return
	}
	byMarket := h.uncovered()
	markets := make([]string, 0, len(byMarket))
	for m := range byMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	for _, market := range markets {
		if ctx.Err() != nil {
			return
		}
		h.pollMarket(ctx, market, byMarket[market])
	}
}

func (h *Hub) pollMarket(ctx context.Context, market string, symbols []string) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, h.opts.PollTimeout)
	rows, err := h.opts.Quotes.Quotes(pctx, market, symbols)
	cancel()
	metrics.PollDuration.WithLabelValues(market).Observe(time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, quotes.ErrUnsupportedMarket) && ctx.Err() == nil {
			h.log.Debugw("Quote poll failed", "market", market, "symbols", len(symbols), "error", err)
		}
		return
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	for _, q := range rows {
		sym := strings.ToUpper(q.Symbol)
		if _, ok := want[sym]; !ok || q.Price <= 0 {
			continue
		}
		ts := q.Timestamp
		if ts.IsZero() {
			ts = h.now()
		}
		h.ingest(models.Tick{
			Symbol:       market + ":" + sym,
			Price:        q.Price,
			Volume:       q.Volume,
			Change:       q.Change,
			ChangePct:    q.ChangePct,
			OpenInterest: q.OpenInterest,
			Timestamp:    models.NormalizeTime(ts),
			Provider:     models.ProviderPoll,
		}, nil)
	}
}

// HealthPayload reports every provider and each venue's current primary.
func (h *Hub) HealthPayload() models.ProviderHealthPayload {
	p := models.ProviderHealthPayload{
		Type:            "provider_health",
		PrimaryProvider: make(map[string]models.Provider, len(h.venues)),
		Providers:       make(map[models.Provider]models.HealthSnapshot),
		Timestamp:       nowISO(h.now()),
	}
	for name, vs := range h.venues {
		p.PrimaryProvider[name] = vs.selector.Primary()
		for _, c := range vs.clients {
			p.Providers[c.Name()] = c.Health().Snapshot()
		}
	}
	return p
}

func (h *Hub) BroadcastHealth() {
	h.broadcastAll("provider_health", h.HealthPayload())
}

type history struct {
	bars   []models.Candle
	source string
}

// Backfill sends the recent bar window of each symbol and interval to conn,
// then the live partials when conn wants bars, and releases symbols held by
// SubscribeHeld. External history is fetched before candle emission is
// paused, so a slow source never stalls ingestion.
func (h *Hub) Backfill(ctx context.Context, conn Conn, symbols []string) error {
	defer h.release(conn, symbols)
	for _, sym := range symbols {
		external := make(map[string]history, len(h.intervals))
		for _, iv := range h.intervals {
			external[iv] = h.fetchHistory(ctx, sym, iv)
		}
		if err := h.sendHistory(conn, sym, external); err != nil {
			return err
		}
	}
	return nil
}

// sendHistory writes the frames of one symbol with emission paused, so no
// candle event lands between the partial snapshot and the release.
func (h *Hub) sendHistory(conn Conn, symbol string, external map[string]history) error {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	for _, iv := range h.intervals {
		if err := h.Send(conn, h.backfillFrame(symbol, iv, external[iv])); err != nil {
			return err
		}
	}
	if h.wants(conn, ChannelBars) {
		h.pipeMu.Lock()
		partials := h.agg.Current(symbol)
		h.pipeMu.Unlock()
		for _, c := range partials {
			if err := h.Send(conn, c.Payload()); err != nil {
				return err
			}
		}
	}
	h.release(conn, []string{symbol})
	return nil
}

func (h *Hub) release(conn Conn, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.conns[conn.ID()]; ok {
		for _, sym := range symbols {
			delete(s.held, sym)
		}
	}
}

func (h *Hub) fetchHistory(ctx context.Context, symbol, interval string) history {
	if h.opts.Backfill == nil {
		return history{}
	}
	bctx, cancel := context.WithTimeout(ctx, h.opts.PollTimeout)
	rows, err := h.opts.Backfill.Backfill(bctx, symbol, interval, h.opts.BackfillLimit)
	cancel()
	if err != nil {
		h.log.Debugw("Backfill source failed", "symbol", symbol, "interval", interval, "error", err)
	}
	if len(rows) == 0 {
		return history{}
	}
	return history{bars: rows, source: h.opts.Backfill.Name()}
}

func (h *Hub) backfillFrame(symbol, interval string, external history) models.BackfillPayload {
	limit := h.opts.BackfillLimit

	h.pipeMu.Lock()
	local := h.agg.Recent(symbol, interval, limit)
	h.pipeMu.Unlock()

	bars := mergeBars(external.bars, local, limit)
	frame := models.BackfillPayload{
		Type:      "backfill",
		Symbol:    symbol,
		Interval:  interval,
		Provider:  external.source,
		Bars:      make([]models.BarPayload, 0, len(bars)),
		Timestamp: nowISO(h.now()),
	}
	for _, b := range bars {
		frame.Bars = append(frame.Bars, b.Payload())
	}
	return frame
}

// mergeBars puts external history first and appends local bars that start
// after it, keeping the newest limit bars.
func mergeBars(external, local []models.Candle, limit int) []models.Candle {
	out := append([]models.Candle(nil), external...)
	var last time.Time
	if n := len(external); n > 0 {
		last = external[n-1].Start
	}
	for _, c := range local {
		if len(external) == 0 || c.Start.After(last) {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (h *Hub) wants(conn Conn, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[conn.ID()]
	if !ok {
		return false
	}
	_, ok = s.channels[channel]
	return ok
}

func nowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
