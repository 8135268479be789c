package models

import "time"

// Provider identifies the upstream source of a tick.
type Provider string

const (
	ProviderKite     Provider = "kite"
	ProviderAngelOne Provider = "angelone"
	ProviderAlpaca   Provider = "alpaca"
	ProviderFinnhub  Provider = "finnhub"
	ProviderPoll     Provider = "poll"
	ProviderNone     Provider = "none"
)

// Tick is one normalized trade or quote update for a canonical symbol.
// Size is the traded quantity of this print; Volume is the cumulative day
// volume when the venue reports it.
type Tick struct {
	Symbol       string
	Price        float64
	Size         float64
	Volume       float64
	Change       float64
	ChangePct    float64
	OpenInterest *float64
	LatencyMs    *float64
	Timestamp    time.Time
	Provider     Provider
}

// Market returns the venue prefix of the tick's symbol.
func (t Tick) Market() string {
	market, _, _ := SplitSymbol(t.Symbol)
	return market
}

// TickPayload is the downstream "tick" frame.
type TickPayload struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol"`
	LTP       float64  `json:"ltp"`
	Change    float64  `json:"change"`
	ChangePct float64  `json:"change_pct"`
	OI        *float64 `json:"oi"`
	Volume    *float64 `json:"volume"`
	Size      float64  `json:"size"`
	TS        string   `json:"ts"`
	Provider  Provider `json:"provider"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
}

// Payload renders the tick as a downstream frame.
func (t Tick) Payload() TickPayload {
	p := TickPayload{
		Type:      "tick",
		Symbol:    t.Symbol,
		LTP:       t.Price,
		Change:    t.Change,
		ChangePct: t.ChangePct,
		OI:        t.OpenInterest,
		Size:      t.Size,
		TS:        t.Timestamp.UTC().Format(time.RFC3339Nano),
		Provider:  t.Provider,
		LatencyMs: t.LatencyMs,
	}
	if t.Volume > 0 {
		v := t.Volume
		p.Volume = &v
	}
	return p
}

// NormalizeTime converts ts to UTC with millisecond precision. A zero time
// stays zero.
func NormalizeTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return ts
	}
	return ts.UTC().Truncate(time.Millisecond)
}
