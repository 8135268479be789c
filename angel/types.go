package angel

// SmartStream subscription actions and modes.
const (
	ActionUnsubscribe = 0
	ActionSubscribe   = 1

	ModeLTP   = 1
	ModeQuote = 2
)

type TokenSubscription struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type SubscribeRequest struct {
	CorrelationID string             `json:"correlationID"`
	Action        int                `json:"action"`
	Params        SubscriptionParams `json:"params"`
}

type SubscriptionParams struct {
	Mode      int                 `json:"mode"`
	TokenList []TokenSubscription `json:"tokenList"`
}

// ScripRecord is one row of the OpenAPI scrip master dump.
type ScripRecord struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	ExchSeg  string `json:"exch_seg"`
	LotSize  string `json:"lotsize"`
	TickSize string `json:"tick_size"`
}
