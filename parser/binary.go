// Package parser decodes Angel One SmartStream binary market data frames.
package parser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Subscription modes and their fixed frame sizes.
const (
	ModeLTP   uint8 = 1
	ModeQuote uint8 = 2
	ModeSnap  uint8 = 3

	LTPFrameSize   = 51
	QuoteFrameSize = 123
)

var ErrShortFrame = errors.New("parser: short frame")

type MarketData struct {
	SubscriptionMode   uint8   `json:"subscription_mode"`
	ExchangeType       uint8   `json:"exchange_type"`
	Token              string  `json:"token"`
	SequenceNumber     int64   `json:"sequence_number"`
	ExchangeTimestamp  int64   `json:"exchange_timestamp"`
	LastTradedPrice    int64   `json:"last_traded_price"`
	LastTradedQuantity int64   `json:"last_traded_quantity"`
	AverageTradedPrice int64   `json:"average_traded_price"`
	VolumeTrade        int64   `json:"volume_trade_for_the_day"`
	TotalBuyQuantity   float64 `json:"total_buy_quantity"`
	TotalSellQuantity  float64 `json:"total_sell_quantity"`
	OpenPriceOfTheDay  int64   `json:"open_price_of_the_day"`
	HighPriceOfTheDay  int64   `json:"high_price_of_the_day"`
	LowPriceOfTheDay   int64   `json:"low_price_of_the_day"`
	ClosedPrice        int64   `json:"closed_price"`
}

// Prices arrive in paise.
func (md *MarketData) GetLastTradedPrice() float64 {
	return float64(md.LastTradedPrice) / 100.0
}

func (md *MarketData) GetOpenPrice() float64 {
	return float64(md.OpenPriceOfTheDay) / 100.0
}

func (md *MarketData) GetHighPrice() float64 {
	return float64(md.HighPriceOfTheDay) / 100.0
}

func (md *MarketData) GetLowPrice() float64 {
	return float64(md.LowPriceOfTheDay) / 100.0
}

func (md *MarketData) GetClosedPrice() float64 {
	return float64(md.ClosedPrice) / 100.0
}

// Key is the exchange-qualified token, e.g. "1:2885".
func (md *MarketData) Key() string {
	return fmt.Sprintf("%d:%s", md.ExchangeType, md.Token)
}

// Time is the exchange timestamp, sent as epoch milliseconds.
func (md *MarketData) Time() time.Time {
	if md.ExchangeTimestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(md.ExchangeTimestamp).UTC()
}

type header struct {
	SubscriptionMode  uint8
	ExchangeType      uint8
	Token             [25]byte
	SequenceNumber    int64
	ExchangeTimestamp int64
	LastTradedPrice   int64
}

type quoteBody struct {
	LastTradedQuantity int64
	AverageTradedPrice int64
	VolumeTrade        int64
	TotalBuyQuantity   float64
	TotalSellQuantity  float64
	OpenPriceOfTheDay  int64
	HighPriceOfTheDay  int64
	LowPriceOfTheDay   int64
	ClosedPrice        int64
}

// ParseBinaryData decodes one little-endian frame. Quote and snap-quote
// frames carry the day fields; trailing depth data is ignored.
func ParseBinaryData(data []byte) (*MarketData, error) {
	if len(data) < LTPFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	reader := bytes.NewReader(data)

	var h header
	if err := binary.Read(reader, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("parser: header: %w", err)
	}
	md := &MarketData{
		SubscriptionMode:  h.SubscriptionMode,
		ExchangeType:      h.ExchangeType,
		Token:             string(bytes.TrimRight(h.Token[:], "\x00")),
		SequenceNumber:    h.SequenceNumber,
		ExchangeTimestamp: h.ExchangeTimestamp,
		LastTradedPrice:   h.LastTradedPrice,
	}
	if md.SubscriptionMode < ModeLTP || md.SubscriptionMode > ModeSnap {
		return nil, fmt.Errorf("parser: unknown subscription mode %d", md.SubscriptionMode)
	}
	if md.Token == "" {
		return nil, errors.New("parser: empty token")
	}

	if md.SubscriptionMode >= ModeQuote {
		if len(data) < QuoteFrameSize {
			return nil, fmt.Errorf("%w: mode %d needs %d bytes, got %d", ErrShortFrame, md.SubscriptionMode, QuoteFrameSize, len(data))
		}
		var q quoteBody
		if err := binary.Read(reader, binary.LittleEndian, &q); err != nil {
			return nil, fmt.Errorf("parser: quote body: %w", err)
		}
		md.LastTradedQuantity = q.LastTradedQuantity
		md.AverageTradedPrice = q.AverageTradedPrice
		md.VolumeTrade = q.VolumeTrade
		md.TotalBuyQuantity = q.TotalBuyQuantity
		md.TotalSellQuantity = q.TotalSellQuantity
		md.OpenPriceOfTheDay = q.OpenPriceOfTheDay
		md.HighPriceOfTheDay = q.HighPriceOfTheDay
		md.LowPriceOfTheDay = q.LowPriceOfTheDay
		md.ClosedPrice = q.ClosedPrice
	}

	return md, nil
}
