package quotes

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"go.uber.org/zap"

	"marketstream/middleware"
)

// kiteQuoter is the part of the Kite REST client used here.
type kiteQuoter interface {
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
}

// Kite batches quotes for NSE, BSE and NFO through the Kite REST API.
type Kite struct {
	api kiteQuoter
	cb  *gobreaker.CircuitBreaker
}

// NewKite returns nil when credentials are missing.
func NewKite(apiKey, accessToken string, log *zap.SugaredLogger) *Kite {
	if apiKey == "" || accessToken == "" {
		return nil
	}
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	kc.SetHTTPClient(&http.Client{Timeout: 15 * time.Second})
	return newKite(kc, log)
}

func newKite(api kiteQuoter, log *zap.SugaredLogger) *Kite {
	return &Kite{api: api, cb: middleware.NewBreaker("kite-quotes", 30*time.Second, log)}
}

func (k *Kite) Quotes(ctx context.Context, market string, symbols []string) ([]Quote, error) {
	instruments := make([]string, len(symbols))
	for i, s := range symbols {
		instruments[i] = market + ":" + s
	}

	data, err := middleware.WithCircuitBreaker(ctx, k.cb, func(context.Context) (kiteconnect.Quote, error) {
		return k.api.GetQuote(instruments...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Quote, 0, len(symbols))
	for i, inst := range instruments {
		row, ok := data[inst]
		if !ok || row.LastPrice == 0 {
			continue
		}
		q := Quote{
			Symbol:    symbols[i],
			Price:     row.LastPrice,
			Volume:    float64(row.Volume),
			Timestamp: row.Timestamp.Time.UTC(),
		}
		q.Change, q.ChangePct = changeFrom(row.LastPrice, row.OHLC.Close)
		if row.OI > 0 {
			oi := row.OI
			q.OpenInterest = &oi
		}
		out = append(out, q)
	}
	return out, nil
}
