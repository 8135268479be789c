package instruments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketstream/angel"
	"marketstream/models"
	"marketstream/provider"
)

const DefaultScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

// angelSegments maps scrip master segments to canonical markets.
var angelSegments = map[string]string{
	"NSE": models.MarketNSE,
	"BSE": models.MarketBSE,
	"NFO": models.MarketNFO,
}

// AngelSource lists instruments from the SmartAPI scrip master. Keys have
// the SmartStream "<exchangeType>:<token>" form.
type AngelSource struct {
	url    string
	client *http.Client
}

func NewAngelSource(url string) *AngelSource {
	if url == "" {
		url = DefaultScripMasterURL
	}
	return &AngelSource{url: url, client: &http.Client{Timeout: 120 * time.Second}}
}

func (a *AngelSource) Name() string { return string(models.ProviderAngelOne) }

func (a *AngelSource) Fetch(ctx context.Context) ([]Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrip master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrip master: status %d", resp.StatusCode)
	}

	var records []angel.ScripRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("scrip master: decode: %w", err)
	}

	out := make([]Instrument, 0, len(records))
	for _, r := range records {
		market, ok := angelSegments[r.ExchSeg]
		if !ok || r.Token == "" {
			continue
		}
		key := provider.AngelKey(models.AngelExchangeType[market], r.Token)
		sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
		// Cash segment symbols carry a series suffix; INFY trades as INFY-EQ.
		if base, found := strings.CutSuffix(sym, "-EQ"); found {
			out = append(out, Instrument{Market: market, Symbol: base, Key: key})
		}
		out = append(out, Instrument{Market: market, Symbol: sym, Key: key})
	}
	return out, nil
}
