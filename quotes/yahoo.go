package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketstream/middleware"
	"marketstream/models"
)

const (
	DefaultYahooURL     = "https://query1.finance.yahoo.com"
	DefaultYahooCrumb   = "https://query2.finance.yahoo.com/v1/test/getcrumb"
	DefaultYahooConsent = "https://fc.yahoo.com"

	yahooBatch = 20
)

var (
	ist = time.FixedZone("IST", 5*3600+1800)

	// nfoFuture captures the underlying of an NFO future such as NIFTY24MARFUT.
	nfoFuture = regexp.MustCompile(`^([A-Z]+)\d{2}[A-Z]{3}FUT$`)
)

type yahooRow struct {
	Symbol                     string   `json:"symbol"`
	RegularMarketPrice         *float64 `json:"regularMarketPrice"`
	RegularMarketChange        float64  `json:"regularMarketChange"`
	RegularMarketChangePercent float64  `json:"regularMarketChangePercent"`
	RegularMarketVolume        float64  `json:"regularMarketVolume"`
	RegularMarketTime          int64    `json:"regularMarketTime"`
}

type yahooResponse struct {
	QuoteResponse struct {
		Result []yahooRow `json:"result"`
	} `json:"quoteResponse"`
}

type YahooOptions struct {
	BaseURL    string
	CrumbURL   string
	ConsentURL string
	Clock      func() time.Time
}

// Yahoo serves India quotes without broker credentials. NSE and BSE map to
// the .NS and .BO listings; an NFO future is approximated from the spot
// price of its underlying while the NSE session is open. Options are not
// covered.
type Yahoo struct {
	opts    YahooOptions
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger

	mu    sync.Mutex
	crumb string
}

func NewYahoo(opts YahooOptions, log *zap.SugaredLogger) *Yahoo {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultYahooURL
	}
	if opts.CrumbURL == "" {
		opts.CrumbURL = DefaultYahooCrumb
	}
	if opts.ConsentURL == "" {
		opts.ConsentURL = DefaultYahooConsent
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	jar, _ := cookiejar.New(nil)
	return &Yahoo{
		opts:    opts,
		client:  &http.Client{Timeout: 10 * time.Second, Jar: jar},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		cb:      middleware.NewBreaker("yahoo-quotes", 30*time.Second, log),
		log:     log,
	}
}

func (y *Yahoo) Quotes(ctx context.Context, market string, symbols []string) ([]Quote, error) {
	switch market {
	case models.MarketNSE, models.MarketBSE:
		return y.listed(ctx, market, symbols)
	case models.MarketNFO:
		return y.futures(ctx, symbols)
	default:
		return nil, ErrUnsupportedMarket
	}
}

func suffixFor(market string) string {
	if market == models.MarketBSE {
		return ".BO"
	}
	return ".NS"
}

func (y *Yahoo) listed(ctx context.Context, market string, symbols []string) ([]Quote, error) {
	suffix := suffixFor(market)
	tickers := make([]string, len(symbols))
	for i, s := range symbols {
		tickers[i] = s + suffix
	}
	rows, err := y.fetch(ctx, tickers)
	if err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make([]Quote, 0, len(rows))
	for _, r := range rows {
		sym := strings.TrimSuffix(strings.ToUpper(r.Symbol), suffix)
		if _, ok := want[sym]; !ok {
			continue
		}
		if q, ok := r.quote(sym); ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// futures derives FUT quotes from the underlying's NSE spot. The result
// carries no volume or open interest.
func (y *Yahoo) futures(ctx context.Context, symbols []string) ([]Quote, error) {
	if !nseOpen(y.opts.Clock()) {
		return nil, nil
	}
	byUnderlying := make(map[string][]string)
	var tickers []string
	for _, s := range symbols {
		m := nfoFuture.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if _, ok := byUnderlying[m[1]]; !ok {
			tickers = append(tickers, m[1]+".NS")
		}
		byUnderlying[m[1]] = append(byUnderlying[m[1]], s)
	}
	if len(tickers) == 0 {
		return nil, nil
	}

	rows, err := y.fetch(ctx, tickers)
	if err != nil {
		return nil, err
	}
	now := y.opts.Clock().UTC()
	var out []Quote
	for _, r := range rows {
		underlying := strings.TrimSuffix(strings.ToUpper(r.Symbol), ".NS")
		for _, fut := range byUnderlying[underlying] {
			q, ok := r.quote(fut)
			if !ok {
				continue
			}
			q.Volume = 0
			q.Timestamp = now
			out = append(out, q)
		}
	}
	return out, nil
}

func (r yahooRow) quote(symbol string) (Quote, bool) {
	if r.RegularMarketPrice == nil || *r.RegularMarketPrice <= 0 {
		return Quote{}, false
	}
	q := Quote{
		Symbol:    symbol,
		Price:     *r.RegularMarketPrice,
		Change:    r.RegularMarketChange,
		ChangePct: r.RegularMarketChangePercent,
		Volume:    r.RegularMarketVolume,
	}
	if r.RegularMarketTime > 0 {
		q.Timestamp = time.Unix(r.RegularMarketTime, 0).UTC()
	}
	return q, true
}

// nseOpen reports whether ts falls in the NSE cash session, 09:15 to 15:30
// IST on weekdays. Exchange holidays are not known here.
func nseOpen(ts time.Time) bool {
	local := ts.In(ist)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= 9*60+15 && mins < 15*60+30
}

func (y *Yahoo) fetch(ctx context.Context, tickers []string) ([]yahooRow, error) {
	return middleware.WithCircuitBreaker(ctx, y.cb, func(ctx context.Context) ([]yahooRow, error) {
		var out []yahooRow
		for start := 0; start < len(tickers); start += yahooBatch {
			end := min(start+yahooBatch, len(tickers))
			if err := y.limiter.Wait(ctx); err != nil {
				return out, err
			}
			rows, err := y.batch(ctx, tickers[start:end])
			if err != nil {
				return out, err
			}
			out = append(out, rows...)
		}
		return out, nil
	})
}

// batch requests one chunk. A 401 refreshes the consent cookie and crumb
// and retries once.
func (y *Yahoo) batch(ctx context.Context, tickers []string) ([]yahooRow, error) {
	status, rows, err := y.get(ctx, tickers)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if err := y.refreshCrumb(ctx); err != nil {
			return nil, err
		}
		status, rows, err = y.get(ctx, tickers)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("yahoo quote: status %d", status)
	}
	return rows, nil
}

func (y *Yahoo) get(ctx context.Context, tickers []string) (int, []yahooRow, error) {
	params := url.Values{"symbols": {strings.Join(tickers, ",")}}
	y.mu.Lock()
	if y.crumb != "" {
		params.Set("crumb", y.crumb)
	}
	y.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.opts.BaseURL+"/v7/finance/quote?"+params.Encode(), nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("yahoo quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, nil
	}

	var body yahooResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, nil, fmt.Errorf("yahoo quote: decode: %w", err)
	}
	return resp.StatusCode, body.QuoteResponse.Result, nil
}

func (y *Yahoo) refreshCrumb(ctx context.Context) error {
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.opts.ConsentURL, nil); err == nil {
		if resp, err := y.client.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.opts.CrumbURL, nil)
	if err != nil {
		return err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("yahoo crumb: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("yahoo crumb: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yahoo crumb: status %d", resp.StatusCode)
	}

	y.mu.Lock()
	y.crumb = strings.TrimSpace(string(data))
	y.mu.Unlock()
	y.log.Debugw("Yahoo crumb refreshed")
	return nil
}
