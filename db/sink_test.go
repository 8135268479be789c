package db

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketstream/models"
)

type fakeWriter struct {
	mu   sync.Mutex
	rows map[string][][]any
	err  error
}

func (w *fakeWriter) Insert(_ context.Context, table string, rows [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.rows == nil {
		w.rows = make(map[string][][]any)
	}
	w.rows[table] = append(w.rows[table], rows...)
	return nil
}

func (w *fakeWriter) count(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows[table])
}

type flag bool

func (f flag) IsLeader() bool { return bool(f) }

var now = time.Date(2024, 3, 12, 14, 31, 0, 0, time.UTC)

func bar(t *testing.T, status models.CandleStatus) []byte {
	t.Helper()
	c := models.Candle{
		Symbol: "NASDAQ:AAPL", Interval: "1m", Start: now.Add(-time.Minute),
		Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, PVSum: 12, Ticks: 3,
		Status: status, Session: "regular",
	}
	data, err := json.Marshal(c.Payload())
	require.NoError(t, err)
	return data
}

func tick(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(models.Tick{
		Symbol: "NSE:INFY", Price: 1500, Size: 5, Timestamp: now, Provider: models.ProviderKite,
	}.Payload())
	require.NoError(t, err)
	return data
}

func newSink(t *testing.T, w Writer, opts SinkOptions) *Sink {
	opts.Clock = func() time.Time { return now }
	return NewSink(w, opts, zaptest.NewLogger(t).Sugar())
}

func TestSinkStoresClosedBarsOnly(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(t, w, SinkOptions{})

	s.Consume("bars:nasdaq:1m", bar(t, models.StatusClosed))
	s.Consume("bars:nasdaq:1m", bar(t, models.StatusPartial))
	s.Consume("bars:nasdaq:1m", []byte("{broken"))
	s.Consume("quotes:nse", tick(t))

	bars, ticks := s.Pending()
	assert.Equal(t, 1, bars)
	assert.Zero(t, ticks)

	s.Flush(context.Background())
	require.Equal(t, 1, w.count(barsTable))
	row := w.rows[barsTable][0]
	assert.Equal(t, "NASDAQ", row[0])
	assert.Equal(t, "NASDAQ:AAPL", row[1])
	assert.Equal(t, now.Add(-time.Minute), row[3])
	assert.InDelta(t, 1.2, row[9], 1e-9)
	assert.Equal(t, uint8(0), row[12])
}

func TestSinkStoresTicksWhenEnabled(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(t, w, SinkOptions{StoreTicks: true})

	s.Consume("quotes:nse", tick(t))
	s.Flush(context.Background())

	require.Equal(t, 1, w.count(ticksTable))
	row := w.rows[ticksTable][0]
	assert.Equal(t, now, row[0])
	assert.Equal(t, "NSE", row[1])
	assert.Equal(t, 1500.0, row[3])
}

func TestSinkFollowerSkips(t *testing.T) {
	s := newSink(t, &fakeWriter{}, SinkOptions{Leader: flag(false)})
	s.Consume("bars:nyse:5m", bar(t, models.StatusClosed))

	bars, _ := s.Pending()
	assert.Zero(t, bars)
}

func TestSinkFlushesWhenFull(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(t, w, SinkOptions{BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Consume("bars:nasdaq:1m", bar(t, models.StatusClosed))
	s.Consume("bars:nasdaq:1m", bar(t, models.StatusClosed))
	require.Eventually(t, func() bool { return w.count(barsTable) == 2 }, time.Second, 5*time.Millisecond)

	s.Consume("bars:nasdaq:1m", bar(t, models.StatusClosed))
	cancel()
	<-done
	assert.Equal(t, 3, w.count(barsTable))
}

func TestSinkDropsFailedBatch(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection reset")}
	s := newSink(t, w, SinkOptions{})

	s.Consume("bars:nasdaq:1m", bar(t, models.StatusClosed))
	s.Flush(context.Background())

	bars, _ := s.Pending()
	assert.Zero(t, bars)
	assert.Zero(t, w.count(barsTable))
}
