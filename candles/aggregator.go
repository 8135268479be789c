// Package candles folds canonical ticks into epoch-aligned OHLCV candles.
package candles

import (
	"sort"
	"time"

	"marketstream/models"
)

// Epoch is the fixed anchor every bucket is aligned to, so independent
// instances compute identical boundaries.
var Epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultHistory is the number of closed candles retained per symbol and
// interval, one regular US session of minute bars.
const DefaultHistory = 390

// Interval is a named bucket width.
type Interval struct {
	Name string
	Span time.Duration
}

// DefaultIntervals are the tracked bucket widths, in emission order.
var DefaultIntervals = []Interval{
	{Name: "1m", Span: time.Minute},
	{Name: "5m", Span: 5 * time.Minute},
	{Name: "15m", Span: 15 * time.Minute},
}

// Align returns the start of the bucket of width span containing ts.
func Align(ts time.Time, span time.Duration) time.Time {
	offset := ts.UTC().Sub(Epoch)
	n := offset / span
	if offset%span < 0 {
		n--
	}
	return Epoch.Add(n * span)
}

type seriesKey struct {
	symbol   string
	interval string
}

type series struct {
	live       *models.Candle
	lastClosed time.Time
	history    []models.Candle
}

// Aggregator holds at most one partial candle per (symbol, interval).
// It is not safe for concurrent use; callers serialize access.
type Aggregator struct {
	intervals  []Interval
	maxHistory int
	sessions   *SessionClock

	series map[seriesKey]*series
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIntervals overrides the tracked intervals.
func WithIntervals(intervals ...Interval) Option {
	return func(a *Aggregator) { a.intervals = intervals }
}

// WithHistory sets how many closed candles are kept per series.
func WithHistory(n int) Option {
	return func(a *Aggregator) { a.maxHistory = n }
}

// WithSessions enables session tags on US symbols.
func WithSessions(c *SessionClock) Option {
	return func(a *Aggregator) { a.sessions = c }
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		intervals:  DefaultIntervals,
		maxHistory: DefaultHistory,
		series:     make(map[seriesKey]*series),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Intervals returns the tracked interval names.
func (a *Aggregator) Intervals() []string {
	out := make([]string, len(a.intervals))
	for i, iv := range a.intervals {
		out[i] = iv.Name
	}
	return out
}

// OnTick folds one trade into every tracked interval and returns the
// resulting events. When the tick crosses a boundary the closed candle
// precedes the new partial. A tick older than the live bucket of an interval
// is ignored for that interval.
func (a *Aggregator) OnTick(symbol string, price, size float64, ts time.Time) []models.Candle {
	if size < 0 {
		size = 0
	}
	ts = ts.UTC()

	events := make([]models.Candle, 0, len(a.intervals)+1)
	for _, iv := range a.intervals {
		bucket := Align(ts, iv.Span)
		s := a.seriesFor(symbol, iv.Name)

		switch {
		case s.live == nil:
			if !s.lastClosed.IsZero() && !bucket.After(s.lastClosed) {
				continue
			}
			s.live = a.open(symbol, iv.Name, bucket, price, size)
		case s.live.Start.Equal(bucket):
			update(s.live, price, size)
		case bucket.Before(s.live.Start):
			continue
		default:
			events = append(events, a.close(s))
			s.live = a.open(symbol, iv.Name, bucket, price, size)
		}
		events = append(events, *s.live)
	}
	return events
}

// FlushExpired closes every live candle whose bucket ended at or before now.
func (a *Aggregator) FlushExpired(now time.Time) []models.Candle {
	spans := make(map[string]time.Duration, len(a.intervals))
	for _, iv := range a.intervals {
		spans[iv.Name] = iv.Span
	}

	var events []models.Candle
	for _, key := range a.sortedKeys() {
		s := a.series[key]
		if s.live == nil {
			continue
		}
		if !s.live.Start.Add(spans[key.interval]).After(now) {
			events = append(events, a.close(s))
		}
	}
	return events
}

// Current returns the in-progress partials of symbol in interval order.
func (a *Aggregator) Current(symbol string) []models.Candle {
	var out []models.Candle
	for _, iv := range a.intervals {
		if s, ok := a.series[seriesKey{symbol, iv.Name}]; ok && s.live != nil {
			out = append(out, *s.live)
		}
	}
	return out
}

// Recent returns up to limit of the newest closed candles, oldest first.
// A limit of zero or less returns the whole retained history.
func (a *Aggregator) Recent(symbol, interval string, limit int) []models.Candle {
	s, ok := a.series[seriesKey{symbol, interval}]
	if !ok {
		return nil
	}
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]models.Candle, len(h))
	copy(out, h)
	return out
}

// Forget drops all state for symbol.
func (a *Aggregator) Forget(symbol string) {
	for _, iv := range a.intervals {
		delete(a.series, seriesKey{symbol, iv.Name})
	}
}

func (a *Aggregator) seriesFor(symbol, interval string) *series {
	key := seriesKey{symbol, interval}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}
	return s
}

func (a *Aggregator) open(symbol, interval string, bucket time.Time, price, size float64) *models.Candle {
	c := &models.Candle{
		Symbol:   symbol,
		Interval: interval,
		Start:    bucket,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   size,
		PVSum:    price * size,
		Ticks:    1,
		Status:   models.StatusPartial,
	}
	if a.sessions != nil {
		if market, _, _ := models.SplitSymbol(symbol); models.IsUS(market) {
			c.Session, c.Ext = a.sessions.Session(bucket)
		}
	}
	return c
}

func update(c *models.Candle, price, size float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += size
	c.PVSum += price * size
	c.Ticks++
}

func (a *Aggregator) close(s *series) models.Candle {
	closed := *s.live
	closed.Status = models.StatusClosed
	s.live = nil
	s.lastClosed = closed.Start

	s.history = append(s.history, closed)
	if a.maxHistory > 0 && len(s.history) > a.maxHistory {
		s.history = append(s.history[:0], s.history[len(s.history)-a.maxHistory:]...)
	}
	return closed
}

func (a *Aggregator) sortedKeys() []seriesKey {
	order := make(map[string]int, len(a.intervals))
	for i, iv := range a.intervals {
		order[iv.Name] = i
	}
	keys := make([]seriesKey, 0, len(a.series))
	for k := range a.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return order[keys[i].interval] < order[keys[j].interval]
	})
	return keys
}
