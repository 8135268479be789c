package db

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketstream/metrics"
	"marketstream/models"
)

// Writer inserts a batch of rows into one table.
type Writer interface {
	Insert(ctx context.Context, table string, rows [][]any) error
}

// Leader gates writes so only one instance persists relayed data.
type Leader interface {
	IsLeader() bool
}

type SinkOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	StoreTicks    bool
	Leader        Leader
	Clock         func() time.Time
}

// Sink buffers closed bars and ticks taken off the bus and writes them in
// batches, on a timer or when a buffer reaches BatchSize. A failed batch is
// logged and dropped.
type Sink struct {
	w    Writer
	log  *zap.SugaredLogger
	opts SinkOptions

	mu    sync.Mutex
	bars  [][]any
	ticks [][]any

	kick chan struct{}
}

func NewSink(w Writer, opts SinkOptions, log *zap.SugaredLogger) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Sink{w: w, log: log, opts: opts, kick: make(chan struct{}, 1)}
}

// Consume is a bus listener. Bars must be closed; ticks are kept only when
// StoreTicks is set.
func (s *Sink) Consume(channel string, payload []byte) {
	if s.opts.Leader != nil && !s.opts.Leader.IsLeader() {
		return
	}
	kind, market, ok := strings.Cut(channel, ":")
	if !ok {
		return
	}
	market, _, _ = strings.Cut(market, ":")
	market = strings.ToUpper(market)

	switch kind {
	case "bars":
		var bar models.BarPayload
		if err := json.Unmarshal(payload, &bar); err != nil {
			s.log.Debugw("Dropping undecodable bar", "channel", channel, "error", err)
			return
		}
		if bar.Status != models.StatusClosed {
			return
		}
		s.add(&s.bars, barRow(market, bar, s.opts.Clock()))
	case "quotes":
		if !s.opts.StoreTicks {
			return
		}
		var tick models.TickPayload
		if err := json.Unmarshal(payload, &tick); err != nil {
			s.log.Debugw("Dropping undecodable tick", "channel", channel, "error", err)
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, tick.TS)
		if err != nil {
			return
		}
		s.add(&s.ticks, tickRow(market, tick, ts))
	}
}

func (s *Sink) add(buf *[][]any, row []any) {
	s.mu.Lock()
	*buf = append(*buf, row)
	full := len(*buf) >= s.opts.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func barRow(market string, b models.BarPayload, now time.Time) []any {
	var ext uint8
	if b.Ext != nil && *b.Ext {
		ext = 1
	}
	return []any{
		market,
		b.Symbol,
		b.Interval,
		time.UnixMilli(b.T).UTC(),
		b.O, b.H, b.L, b.C,
		b.V,
		b.VWAP,
		uint32(b.Ticks),
		b.Session,
		ext,
		string(b.Provider),
		now.UTC(),
	}
}

func tickRow(market string, t models.TickPayload, ts time.Time) []any {
	return []any{
		ts.UTC(),
		market,
		t.Symbol,
		t.LTP,
		t.Size,
		t.Volume,
		t.Change,
		t.ChangePct,
		t.OI,
		string(t.Provider),
	}
}

// Pending returns the buffered bar and tick row counts.
func (s *Sink) Pending() (bars, ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars), len(s.ticks)
}

// Flush writes whatever is buffered.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	bars, ticks := s.bars, s.ticks
	s.bars, s.ticks = nil, nil
	s.mu.Unlock()

	s.write(ctx, barsTable, bars)
	s.write(ctx, ticksTable, ticks)
}

func (s *Sink) write(ctx context.Context, table string, rows [][]any) {
	if len(rows) == 0 {
		return
	}
	if err := s.w.Insert(ctx, table, rows); err != nil {
		metrics.SinkErrors.Inc()
		s.log.Errorw("ClickHouse insert failed", "table", table, "rows", len(rows), "error", err)
		return
	}
	metrics.SinkRows.WithLabelValues(table).Add(float64(len(rows)))
	s.log.Debugw("ClickHouse batch stored", "table", table, "rows", len(rows))
}

// Run flushes on every interval or full buffer until ctx ends, then flushes
// once more.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(final)
			cancel()
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.Flush(ctx)
	}
}
