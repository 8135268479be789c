package models

import (
	"regexp"
	"strings"
)

// Canonical venue prefixes accepted from downstream clients.
const (
	MarketNSE    = "NSE"
	MarketBSE    = "BSE"
	MarketNFO    = "NFO"
	MarketNYSE   = "NYSE"
	MarketNASDAQ = "NASDAQ"
)

// Upstream venue groups. Every market belongs to exactly one venue.
const (
	VenueIndia = "in"
	VenueUS    = "us"
)

var symbolTokenRE = regexp.MustCompile(`^(NSE|BSE|NFO|NYSE|NASDAQ):([A-Z0-9][A-Z0-9._-]{0,40})$`)

var marketVenue = map[string]string{
	MarketNSE:    VenueIndia,
	MarketBSE:    VenueIndia,
	MarketNFO:    VenueIndia,
	MarketNYSE:   VenueUS,
	MarketNASDAQ: VenueUS,
}

// Markets lists every supported market prefix.
var Markets = []string{MarketNSE, MarketBSE, MarketNFO, MarketNYSE, MarketNASDAQ}

// ParseSymbol normalizes raw to an uppercase VENUE:SYMBOL token. It returns
// false when raw does not match the canonical grammar.
func ParseSymbol(raw string) (token, market, symbol string, ok bool) {
	m := symbolTokenRE.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(raw)))
	if m == nil {
		return "", "", "", false
	}
	return m[1] + ":" + m[2], m[1], m[2], true
}

// SplitSymbol splits a canonical token without validating it.
func SplitSymbol(token string) (market, symbol string, ok bool) {
	i := strings.IndexByte(token, ':')
	if i <= 0 {
		return "", token, false
	}
	return token[:i], token[i+1:], true
}

// VenueOf returns the upstream venue group for a market prefix.
func VenueOf(market string) string {
	return marketVenue[market]
}

// IsUS reports whether the market trades on a US venue.
func IsUS(market string) bool {
	return marketVenue[market] == VenueUS
}

// Angel One SmartStream exchange types.
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// AngelExchangeType maps canonical markets to SmartStream exchange types.
var AngelExchangeType = map[string]int{
	MarketNSE: NSE_CM,
	MarketNFO: NSE_FO,
	MarketBSE: BSE_CM,
}

// ExchangeMap maps scrip master segment names to SmartStream exchange types.
var ExchangeMap = map[string]int{
	"NSE":    NSE_CM,
	"NFO":    NSE_FO,
	"BSE":    BSE_CM,
	"BFO":    BSE_FO,
	"MCX":    MCX_FO,
	"NCDEX":  NCX_FO,
	"CDS":    CDE_FO,
	"NSE_CM": NSE_CM,
	"NSE_FO": NSE_FO,
	"BSE_CM": BSE_CM,
	"BSE_FO": BSE_FO,
}
