package candles

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketstream/models"
)

func at(hh, mm, ss int) time.Time {
	return time.Date(2024, 1, 2, hh, mm, ss, 0, time.UTC)
}

func TestAlignUsesFixedEpoch(t *testing.T) {
	ts := at(9, 17, 42)
	assert.Equal(t, at(9, 17, 0), Align(ts, time.Minute))
	assert.Equal(t, at(9, 15, 0), Align(ts, 5*time.Minute))
	assert.Equal(t, at(9, 15, 0), Align(ts, 15*time.Minute))

	before := time.Date(1999, 12, 31, 23, 59, 30, 0, time.UTC)
	assert.Equal(t, time.Date(1999, 12, 31, 23, 59, 0, 0, time.UTC), Align(before, time.Minute))
}

func TestRolloverClosesBeforeOpening(t *testing.T) {
	agg := NewAggregator(WithIntervals(DefaultIntervals[0]))

	ev := agg.OnTick("NSE:INFY", 100, 10, at(9, 15, 5))
	require.Len(t, ev, 1)
	assert.Equal(t, models.StatusPartial, ev[0].Status)

	ev = agg.OnTick("NSE:INFY", 101, 5, at(9, 15, 40))
	require.Len(t, ev, 1)
	assert.Equal(t, 101.0, ev[0].High)

	ev = agg.OnTick("NSE:INFY", 102, 7, at(9, 16, 0))
	require.Len(t, ev, 2)

	closed, partial := ev[0], ev[1]
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.Equal(t, at(9, 15, 0), closed.Start)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 101.0, closed.High)
	assert.Equal(t, 100.0, closed.Low)
	assert.Equal(t, 101.0, closed.Close)
	assert.Equal(t, 15.0, closed.Volume)
	assert.Equal(t, 2, closed.Ticks)
	assert.InDelta(t, (100.0*10+101.0*5)/15.0, closed.VWAP(), 1e-9)

	assert.Equal(t, models.StatusPartial, partial.Status)
	assert.Equal(t, at(9, 16, 0), partial.Start)
	assert.Equal(t, 102.0, partial.Open)
	assert.Equal(t, 102.0, partial.Close)
	assert.Equal(t, 7.0, partial.Volume)
}

func TestAllIntervalsUpdatedInOrder(t *testing.T) {
	agg := NewAggregator()
	agg.OnTick("NSE:INFY", 100, 10, at(9, 15, 5))
	ev := agg.OnTick("NSE:INFY", 102, 7, at(9, 16, 0))

	require.Len(t, ev, 4)
	assert.Equal(t, "1m", ev[0].Interval)
	assert.Equal(t, models.StatusClosed, ev[0].Status)
	assert.Equal(t, "1m", ev[1].Interval)
	assert.Equal(t, "5m", ev[2].Interval)
	assert.Equal(t, 17.0, ev[2].Volume)
	assert.Equal(t, "15m", ev[3].Interval)
	assert.Equal(t, models.StatusPartial, ev[3].Status)
}

func TestEmptyBucketsAreSkipped(t *testing.T) {
	agg := NewAggregator(WithIntervals(DefaultIntervals[0]))
	agg.OnTick("NSE:INFY", 100, 1, at(9, 15, 0))
	ev := agg.OnTick("NSE:INFY", 105, 1, at(9, 25, 0))

	require.Len(t, ev, 2)
	assert.Equal(t, at(9, 15, 0), ev[0].Start)
	assert.Equal(t, at(9, 25, 0), ev[1].Start)
	assert.Len(t, agg.Recent("NSE:INFY", "1m", 0), 1)
}

func TestFlushExpired(t *testing.T) {
	agg := NewAggregator()
	agg.OnTick("NSE:INFY", 100, 1, at(9, 15, 5))
	agg.OnTick("NSE:TCS", 200, 1, at(9, 15, 30))

	assert.Empty(t, agg.FlushExpired(at(9, 15, 59)))

	ev := agg.FlushExpired(at(9, 16, 0))
	require.Len(t, ev, 2)
	for _, c := range ev {
		assert.Equal(t, "1m", c.Interval)
		assert.Equal(t, models.StatusClosed, c.Status)
	}
	assert.Equal(t, "NSE:INFY", ev[0].Symbol)
	assert.Len(t, agg.Current("NSE:INFY"), 2)

	ev = agg.FlushExpired(at(9, 30, 0))
	assert.Len(t, ev, 4)
	assert.Empty(t, agg.Current("NSE:INFY"))
}

func TestLateTickAfterFlushDoesNotReopenBucket(t *testing.T) {
	agg := NewAggregator(WithIntervals(DefaultIntervals[0]))
	agg.OnTick("NSE:INFY", 100, 1, at(9, 15, 5))
	agg.FlushExpired(at(9, 16, 0))

	assert.Empty(t, agg.OnTick("NSE:INFY", 99, 1, at(9, 15, 50)))

	agg.OnTick("NSE:INFY", 101, 1, at(9, 17, 1))
	assert.Empty(t, agg.OnTick("NSE:INFY", 98, 1, at(9, 16, 59)))
	require.Len(t, agg.Current("NSE:INFY"), 1)
	assert.Equal(t, 101.0, agg.Current("NSE:INFY")[0].Low)
}

func TestRecentIsBounded(t *testing.T) {
	agg := NewAggregator(WithIntervals(DefaultIntervals[0]), WithHistory(3))
	for i := 0; i < 6; i++ {
		agg.OnTick("NSE:INFY", float64(100+i), 1, at(9, 15+i, 0))
	}
	recent := agg.Recent("NSE:INFY", "1m", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, at(9, 17, 0), recent[0].Start)
	assert.Equal(t, at(9, 19, 0), recent[2].Start)

	assert.Len(t, agg.Recent("NSE:INFY", "1m", 2), 2)
	assert.Nil(t, agg.Recent("NSE:TCS", "1m", 0))
}

type tick struct {
	price, size float64
	ts          time.Time
}

func randomTicks(seed int64, n int) []tick {
	r := rand.New(rand.NewSource(seed))
	ts := at(9, 15, 0)
	out := make([]tick, n)
	for i := range out {
		ts = ts.Add(time.Duration(r.Intn(20000)) * time.Millisecond)
		out[i] = tick{price: 100 + float64(r.Intn(500))/100, size: float64(r.Intn(50)), ts: ts}
	}
	return out
}

func TestClosedCandlesPartitionTicks(t *testing.T) {
	ticks := randomTicks(7, 2000)
	agg := NewAggregator()

	var closed []models.Candle
	for _, tk := range ticks {
		for _, ev := range agg.OnTick("NSE:INFY", tk.price, tk.size, tk.ts) {
			if ev.Status == models.StatusClosed {
				closed = append(closed, ev)
			}
		}
	}
	closed = append(closed, agg.FlushExpired(ticks[len(ticks)-1].ts.Add(time.Hour))...)

	for _, iv := range DefaultIntervals {
		buckets := map[time.Time][]tick{}
		for _, tk := range ticks {
			b := Align(tk.ts, iv.Span)
			buckets[b] = append(buckets[b], tk)
		}

		count := 0
		for _, c := range closed {
			if c.Interval != iv.Name {
				continue
			}
			count++
			in := buckets[c.Start]
			require.NotEmpty(t, in, "candle without ticks at %s", c.Start)

			high, low, vol := in[0].price, in[0].price, 0.0
			for _, tk := range in {
				high = max(high, tk.price)
				low = min(low, tk.price)
				vol += tk.size
			}
			assert.Equal(t, in[0].price, c.Open)
			assert.Equal(t, in[len(in)-1].price, c.Close)
			assert.Equal(t, high, c.High)
			assert.Equal(t, low, c.Low)
			assert.InDelta(t, vol, c.Volume, 1e-9)
			assert.Equal(t, len(in), c.Ticks)
		}
		assert.Equal(t, len(buckets), count, iv.Name)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	ticks := randomTicks(11, 500)
	run := func() []models.Candle {
		agg := NewAggregator()
		var out []models.Candle
		for _, tk := range ticks {
			out = append(out, agg.OnTick("NASDAQ:AAPL", tk.price, tk.size, tk.ts)...)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
