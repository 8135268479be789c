package instruments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"go.uber.org/zap/zaptest"

	"marketstream/utils"
)

func TestMapResolve(t *testing.T) {
	m := NewMap()
	n := m.Replace([]Instrument{
		{Market: "NSE", Symbol: "INFY", Key: "408065"},
		{Market: "NSE", Symbol: "M&M", Key: "519937"},
		{Market: "NFO", Symbol: "NIFTY24MARFUT", Key: "256265"},
		{Market: "NSE", Symbol: "INFY", Key: "999"},
	}, time.Now())
	assert.Equal(t, 2, n, "invalid tokens and duplicates skipped")

	got := m.Resolve([]string{"NSE:INFY", "NFO:NIFTY24MARFUT", "NSE:TCS"})
	assert.Equal(t, map[string]string{
		"NSE:INFY":          "408065",
		"NFO:NIFTY24MARFUT": "256265",
	}, got)
}

func TestMapStale(t *testing.T) {
	m := NewMap()
	day := time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC)
	assert.True(t, m.Stale(day))

	m.Replace(nil, day)
	assert.False(t, m.Stale(day.Add(20*time.Hour)))
	assert.True(t, m.Stale(day.Add(21*time.Hour)))
}

func TestTickers(t *testing.T) {
	got := Tickers{}.Resolve([]string{"NASDAQ:AAPL", "NYSE:BRK.B"})
	assert.Equal(t, map[string]string{"NASDAQ:AAPL": "AAPL", "NYSE:BRK.B": "BRK.B"}, got)
}

type staticSource struct {
	rows  []Instrument
	err   error
	calls int
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Fetch(context.Context) ([]Instrument, error) {
	s.calls++
	return s.rows, s.err
}

func TestRefresherSkipsFreshMap(t *testing.T) {
	m := NewMap()
	src := &staticSource{rows: []Instrument{{Market: "NSE", Symbol: "SBIN", Key: "779521"}}}
	r := NewRefresher(m, src, zaptest.NewLogger(t).Sugar())
	refreshed := 0
	r.OnRefresh(func() { refreshed++ })

	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx, false))
	require.NoError(t, r.Refresh(ctx, false))
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, refreshed)

	require.NoError(t, r.Refresh(ctx, true))
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, m.Len())
}

func TestRefresherKeepsMapOnFailure(t *testing.T) {
	m := NewMap()
	m.Replace([]Instrument{{Market: "NSE", Symbol: "SBIN", Key: "779521"}}, time.Now().Add(-48*time.Hour))

	r := NewRefresher(m, &staticSource{err: errors.New("dump unavailable")}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, r.Refresh(context.Background(), false))
	assert.Equal(t, 1, m.Len())

	r = NewRefresher(m, &staticSource{}, zaptest.NewLogger(t).Sugar())
	assert.NoError(t, r.Refresh(context.Background(), false))
	assert.Equal(t, 1, m.Len())
}

// flakySource fails its first failures calls.
type flakySource struct {
	failures int32
	calls    atomic.Int32
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) Fetch(context.Context) ([]Instrument, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, errors.New("dump unavailable")
	}
	return []Instrument{{Market: "NSE", Symbol: "SBIN", Key: "779521"}}, nil
}

func TestRefresherRetriesWhileEmpty(t *testing.T) {
	m := NewMap()
	src := &flakySource{failures: 2}
	r := NewRefresher(m, src, zaptest.NewLogger(t).Sugar())
	r.retry = utils.NewExponentialBackoff(5*time.Millisecond, 20*time.Millisecond)
	var refreshed atomic.Int32
	r.OnRefresh(func() { refreshed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Len() == 1 }, 2*time.Second, 5*time.Millisecond,
		"a failed first download retries long before the hourly check")
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(3), src.calls.Load(), "a loaded map waits for the hourly check")
	assert.Equal(t, int32(1), refreshed.Load())
}

type fakeLister map[string]kiteconnect.Instruments

func (f fakeLister) GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error) {
	return f[exchange], nil
}

func TestKiteSource(t *testing.T) {
	src := &KiteSource{api: fakeLister{
		"NSE": {{InstrumentToken: 408065, Tradingsymbol: "infy"}},
		"NFO": {{InstrumentToken: 0, Tradingsymbol: "BROKEN"}},
	}}
	rows, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Instrument{{Market: "NSE", Symbol: "INFY", Key: "408065"}}, rows)
}

func TestAngelSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"token":"1594","symbol":"INFY-EQ","name":"INFY","exch_seg":"NSE","lotsize":"1","tick_size":"5.000000"},
			{"token":"500209","symbol":"INFY","name":"INFY","exch_seg":"BSE","lotsize":"1","tick_size":"5.000000"},
			{"token":"35003","symbol":"NIFTY28MAR24FUT","name":"NIFTY","exch_seg":"NFO","lotsize":"50","tick_size":"5.000000"},
			{"token":"1","symbol":"GOLD","name":"GOLD","exch_seg":"MCX","lotsize":"1","tick_size":"1"}
		]`))
	}))
	defer srv.Close()

	rows, err := NewAngelSource(srv.URL).Fetch(context.Background())
	require.NoError(t, err)

	m := NewMap()
	m.Replace(rows, time.Now())
	got := m.Resolve([]string{"NSE:INFY", "NSE:INFY-EQ", "BSE:INFY", "NFO:NIFTY28MAR24FUT", "MCX:GOLD"})
	assert.Equal(t, map[string]string{
		"NSE:INFY":            "1:1594",
		"NSE:INFY-EQ":         "1:1594",
		"BSE:INFY":            "3:500209",
		"NFO:NIFTY28MAR24FUT": "2:35003",
	}, got)
}
