package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"marketstream/candles"
	"marketstream/middleware"
	"marketstream/models"
)

const DefaultAlpacaDataURL = "https://data.alpaca.markets"

var alpacaTimeframes = map[string]string{
	"1m":  "1Min",
	"5m":  "5Min",
	"15m": "15Min",
}

type alpacaBar struct {
	T  time.Time `json:"t"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  float64   `json:"v"`
	VW float64   `json:"vw"`
	N  int       `json:"n"`
}

type alpacaBarsResponse struct {
	Bars map[string][]alpacaBar `json:"bars"`
}

// AlpacaBars serves US bar history from the Alpaca market data API.
type AlpacaBars struct {
	baseURL  string
	key      string
	secret   string
	lookback time.Duration
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	sessions *candles.SessionClock
	now      func() time.Time
}

// NewAlpacaBars returns nil when credentials are missing.
func NewAlpacaBars(baseURL, key, secret string, sessions *candles.SessionClock, log *zap.SugaredLogger) *AlpacaBars {
	if key == "" || secret == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultAlpacaDataURL
	}
	return &AlpacaBars{
		baseURL:  baseURL,
		key:      key,
		secret:   secret,
		lookback: 5 * 24 * time.Hour,
		client:   &http.Client{Timeout: 15 * time.Second},
		cb:       middleware.NewBreaker("alpaca-bars", 30*time.Second, log),
		sessions: sessions,
		now:      time.Now,
	}
}

func (a *AlpacaBars) Name() string { return string(models.ProviderAlpaca) }

// Backfill returns up to limit closed bars, oldest first. Non-US symbols
// and unknown intervals yield no bars.
func (a *AlpacaBars) Backfill(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	market, ticker, ok := models.SplitSymbol(symbol)
	if !ok || !models.IsUS(market) {
		return nil, nil
	}
	tf, ok := alpacaTimeframes[interval]
	if !ok {
		return nil, nil
	}

	rows, err := middleware.WithCircuitBreaker(ctx, a.cb, func(ctx context.Context) ([]alpacaBar, error) {
		return a.fetch(ctx, ticker, tf)
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		c := models.Candle{
			Symbol:   symbol,
			Interval: interval,
			Start:    r.T.UTC(),
			Open:     r.O,
			High:     r.H,
			Low:      r.L,
			Close:    r.C,
			Volume:   r.V,
			PVSum:    r.VW * r.V,
			Ticks:    r.N,
			Status:   models.StatusClosed,
		}
		if a.sessions != nil {
			c.Session, c.Ext = a.sessions.Session(c.Start)
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *AlpacaBars) fetch(ctx context.Context, ticker, timeframe string) ([]alpacaBar, error) {
	end := a.now().UTC()
	q := url.Values{}
	q.Set("symbols", ticker)
	q.Set("timeframe", timeframe)
	q.Set("start", end.Add(-a.lookback).Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	q.Set("feed", "iex")
	q.Set("adjustment", "raw")
	q.Set("sort", "asc")
	q.Set("limit", strconv.Itoa(5000))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/stocks/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", a.key)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", ticker, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("alpaca bars %s: status %d", ticker, resp.StatusCode)
	}

	var body alpacaBarsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("alpaca bars %s: decode: %w", ticker, err)
	}
	return body.Bars[ticker], nil
}
