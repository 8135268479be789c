// Package instruments maps canonical VENUE:SYMBOL tokens to the vendor keys
// that streaming providers subscribe with.
package instruments

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"marketstream/models"
	"marketstream/utils"
)

// Instrument is one row of a vendor instrument dump.
type Instrument struct {
	Market string
	Symbol string
	Key    string
}

// Source downloads the full instrument list of a vendor.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Instrument, error)
}

// Map is an in-memory canonical token to vendor key table. Lookups never
// block on the network.
type Map struct {
	mu      sync.RWMutex
	keys    map[string]string
	updated time.Time
}

func NewMap() *Map {
	return &Map{keys: make(map[string]string)}
}

// Replace swaps in a new table. Rows whose symbol is not a valid canonical
// token are skipped.
func (m *Map) Replace(rows []Instrument, at time.Time) int {
	keys := make(map[string]string, len(rows))
	for _, r := range rows {
		token, _, _, ok := models.ParseSymbol(r.Market + ":" + r.Symbol)
		if !ok || r.Key == "" {
			continue
		}
		if _, dup := keys[token]; !dup {
			keys[token] = r.Key
		}
	}

	m.mu.Lock()
	m.keys = keys
	m.updated = at
	m.mu.Unlock()
	return len(keys)
}

// Resolve returns the vendor key of each known token. Unknown tokens are
// absent from the result.
func (m *Map) Resolve(tokens []string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(tokens))
	for _, t := range tokens {
		if k, ok := m.keys[t]; ok {
			out[t] = k
		}
	}
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Stale reports whether the table was not refreshed on now's UTC date.
func (m *Map) Stale(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.updated.IsZero() {
		return true
	}
	y1, m1, d1 := m.updated.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// Tickers resolves US tokens to their bare ticker, which is what Alpaca and
// Finnhub subscribe with.
type Tickers struct{}

func (Tickers) Resolve(tokens []string) map[string]string {
	out := make(map[string]string, len(tokens))
	for _, t := range tokens {
		if _, sym, ok := models.SplitSymbol(t); ok && sym != "" {
			out[t] = sym
		}
	}
	return out
}

// Refresher keeps a Map current with a daily download.
type Refresher struct {
	m         *Map
	src       Source
	log       *zap.SugaredLogger
	interval  time.Duration
	retry     *backoff.ExponentialBackOff
	now       func() time.Time
	onRefresh func()
}

func NewRefresher(m *Map, src Source, log *zap.SugaredLogger) *Refresher {
	return &Refresher{
		m:        m,
		src:      src,
		log:      log,
		interval: time.Hour,
		retry:    utils.NewExponentialBackoff(5*time.Second, 5*time.Minute),
		now:      time.Now,
	}
}

// OnRefresh registers fn to run after every successful refresh.
func (r *Refresher) OnRefresh(fn func()) { r.onRefresh = fn }

// Refresh downloads the instrument list when the map is stale, or always
// when force is set.
func (r *Refresher) Refresh(ctx context.Context, force bool) error {
	now := r.now()
	if !force && !r.m.Stale(now) {
		return nil
	}

	rows, err := r.src.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		r.log.Warnw("Instrument refresh returned no rows, keeping previous map", "source", r.src.Name())
		return nil
	}

	n := r.m.Replace(rows, now)
	r.log.Infow("Instrument map refreshed", "source", r.src.Name(), "rows", len(rows), "mapped", n)
	if r.onRefresh != nil {
		r.onRefresh()
	}
	return nil
}

// Run refreshes immediately and then checks staleness hourly until ctx ends.
// While the map is still empty, failed attempts retry on a backoff from 5s
// to 5m instead.
func (r *Refresher) Run(ctx context.Context) {
	for {
		if err := r.Refresh(ctx, false); err != nil && ctx.Err() == nil {
			r.log.Warnw("Instrument refresh failed", "source", r.src.Name(), "error", err)
		}

		wait := r.interval
		if r.m.Len() == 0 {
			wait = r.retry.NextBackOff()
			r.log.Infow("Instrument map empty, retrying", "source", r.src.Name(), "retry_in", wait)
		} else {
			r.retry.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
