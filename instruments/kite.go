package instruments

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"marketstream/models"
)

type kiteLister interface {
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

// KiteSource lists NSE, BSE and NFO instruments from the Kite instrument
// dump. Keys are decimal instrument tokens.
type KiteSource struct {
	api kiteLister
}

func NewKiteSource(apiKey, accessToken string) *KiteSource {
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	kc.SetHTTPClient(&http.Client{Timeout: 60 * time.Second})
	return &KiteSource{api: kc}
}

func (k *KiteSource) Name() string { return string(models.ProviderKite) }

func (k *KiteSource) Fetch(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	for _, market := range []string{models.MarketBSE, models.MarketNFO, models.MarketNSE} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := k.api.GetInstrumentsByExchange(market)
		if err != nil {
			return nil, fmt.Errorf("kite instruments %s: %w", market, err)
		}
		for _, r := range rows {
			sym := strings.ToUpper(strings.TrimSpace(r.Tradingsymbol))
			if sym == "" || r.InstrumentToken <= 0 {
				continue
			}
			out = append(out, Instrument{
				Market: market,
				Symbol: sym,
				Key:    strconv.Itoa(r.InstrumentToken),
			})
		}
	}
	return out, nil
}
