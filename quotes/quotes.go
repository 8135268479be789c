// Package quotes fetches REST snapshots used to cover symbols that no
// streaming provider serves, and historical bars for backfill.
package quotes

import (
	"context"
	"errors"
	"time"
)

// Quote is a venue snapshot for one symbol. Symbol is the venue ticker
// without the market prefix.
type Quote struct {
	Symbol       string
	Price        float64
	Change       float64
	ChangePct    float64
	Volume       float64
	OpenInterest *float64
	Timestamp    time.Time
}

// Fetcher returns quotes for symbols of one market. Symbols without a
// usable quote are omitted from the result.
type Fetcher interface {
	Quotes(ctx context.Context, market string, symbols []string) ([]Quote, error)
}

var ErrUnsupportedMarket = errors.New("quotes: unsupported market")

// Router dispatches each market to its fetcher.
type Router struct {
	byMarket map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{byMarket: make(map[string]Fetcher)}
}

// Route registers f for markets. A nil interface is ignored; callers must
// not pass a typed nil.
func (r *Router) Route(f Fetcher, markets ...string) *Router {
	if f == nil {
		return r
	}
	for _, m := range markets {
		r.byMarket[m] = f
	}
	return r
}

func (r *Router) Quotes(ctx context.Context, market string, symbols []string) ([]Quote, error) {
	f, ok := r.byMarket[market]
	if !ok {
		return nil, ErrUnsupportedMarket
	}
	return f.Quotes(ctx, market, symbols)
}

func changeFrom(price, prevClose float64) (float64, float64) {
	if prevClose == 0 {
		return 0, 0
	}
	change := price - prevClose
	return change, change / prevClose * 100
}
