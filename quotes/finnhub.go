package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketstream/middleware"
)

const DefaultFinnhubURL = "https://finnhub.io/api/v1"

// finnhubRate keeps the free tier limit of 60 calls per minute.
const finnhubRate = rate.Limit(1)

type finnhubQuote struct {
	C  float64  `json:"c"`
	D  *float64 `json:"d"`
	DP *float64 `json:"dp"`
	T  int64    `json:"t"`
	PC float64  `json:"pc"`
}

// Finnhub polls the /quote endpoint, one request per symbol.
type Finnhub struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

// NewFinnhub returns nil when apiKey is empty.
func NewFinnhub(baseURL, apiKey string, log *zap.SugaredLogger) *Finnhub {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultFinnhubURL
	}
	return &Finnhub{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(finnhubRate, 10),
		cb:      middleware.NewBreaker("finnhub-quotes", 30*time.Second, log),
		log:     log,
	}
}

// WithRate overrides the request rate limit.
func (f *Finnhub) WithRate(r rate.Limit, burst int) *Finnhub {
	f.limiter = rate.NewLimiter(r, burst)
	return f
}

func (f *Finnhub) Quotes(ctx context.Context, market string, symbols []string) ([]Quote, error) {
	return middleware.WithCircuitBreaker(ctx, f.cb, func(ctx context.Context) ([]Quote, error) {
		return f.fetch(ctx, symbols)
	})
}

// fetch fails only when every symbol failed, so one bad ticker does not
// trip the breaker for the batch.
func (f *Finnhub) fetch(ctx context.Context, symbols []string) ([]Quote, error) {
	var (
		mu      sync.Mutex
		out     []Quote
		lastErr error
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sym := range symbols {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			q, ok, err := f.quote(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				f.log.Debugw("Finnhub quote failed", "symbol", sym, "error", err)
				return nil
			}
			if ok {
				out = append(out, q)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if len(symbols) > 0 && failed == len(symbols) {
		return nil, lastErr
	}
	return out, nil
}

func (f *Finnhub) quote(ctx context.Context, symbol string) (Quote, bool, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s&token=%s", f.baseURL, url.QueryEscape(symbol), url.QueryEscape(f.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, false, fmt.Errorf("finnhub quote %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, false, fmt.Errorf("finnhub quote %s: status %d", symbol, resp.StatusCode)
	}

	var fq finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&fq); err != nil {
		return Quote{}, false, fmt.Errorf("finnhub quote %s: decode: %w", symbol, err)
	}
	// Unknown tickers come back as all zeros.
	if fq.C == 0 {
		return Quote{}, false, nil
	}

	q := Quote{Symbol: symbol, Price: fq.C}
	q.Change, q.ChangePct = changeFrom(fq.C, fq.PC)
	if fq.D != nil {
		q.Change = *fq.D
	}
	if fq.DP != nil {
		q.ChangePct = *fq.DP
	}
	if fq.T > 0 {
		q.Timestamp = time.Unix(fq.T, 0).UTC()
	}
	return q, true, nil
}
