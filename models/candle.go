package models

import "time"

// CandleStatus marks whether a candle may still change.
type CandleStatus string

const (
	StatusPartial CandleStatus = "partial"
	StatusClosed  CandleStatus = "closed"
)

// Candle is an OHLCV summary of one symbol over one aligned bucket.
type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	PVSum    float64
	Ticks    int
	Status   CandleStatus
	Session  string
	Ext      bool
}

// VWAP is Σ price·size / Σ size, or the close when no size traded.
func (c Candle) VWAP() float64 {
	if c.Volume > 0 {
		return c.PVSum / c.Volume
	}
	return c.Close
}

// BarPayload is the downstream "bar" frame and the relay wire format.
type BarPayload struct {
	Type     string       `json:"type"`
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Status   CandleStatus `json:"status"`
	T        int64        `json:"t"`
	O        float64      `json:"o"`
	H        float64      `json:"h"`
	L        float64      `json:"l"`
	C        float64      `json:"c"`
	V        float64      `json:"v"`
	VWAP     float64      `json:"vwap"`
	Ticks    int          `json:"ticks"`
	Session  string       `json:"s,omitempty"`
	Ext      *bool        `json:"ext,omitempty"`
	Provider Provider     `json:"provider,omitempty"`
}

// Payload renders the candle as a downstream frame.
func (c Candle) Payload() BarPayload {
	p := BarPayload{
		Type:     "bar",
		Symbol:   c.Symbol,
		Interval: c.Interval,
		Status:   c.Status,
		T:        c.Start.UnixMilli(),
		O:        c.Open,
		H:        c.High,
		L:        c.Low,
		C:        c.Close,
		V:        c.Volume,
		VWAP:     c.VWAP(),
		Ticks:    c.Ticks,
		Session:  c.Session,
	}
	if c.Session != "" {
		ext := c.Ext
		p.Ext = &ext
	}
	return p
}

// BackfillPayload carries a bounded window of recent bars.
type BackfillPayload struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Interval  string       `json:"interval"`
	Provider  string       `json:"provider,omitempty"`
	Bars      []BarPayload `json:"bars"`
	Timestamp string       `json:"timestamp"`
}
