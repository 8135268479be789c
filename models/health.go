package models

// HealthSnapshot is the reported state of one upstream provider.
type HealthSnapshot struct {
	Provider          Provider `json:"provider"`
	Connected         bool     `json:"connected"`
	Disabled          bool     `json:"disabled,omitempty"`
	ErrorCount        int64    `json:"error_count"`
	TotalMessages     int64    `json:"total_messages"`
	AvgLatencyMs      float64  `json:"avg_latency_ms"`
	MessageRatePerSec float64  `json:"message_rate_per_sec"`
	SilenceSeconds    float64  `json:"silence_seconds"`
	Score             float64  `json:"score"`
	LastError         string   `json:"last_error,omitempty"`
}

// ProviderHealthPayload is the downstream "provider_health" frame.
type ProviderHealthPayload struct {
	Type            string                      `json:"type"`
	PrimaryProvider map[string]Provider         `json:"primary_provider"`
	Providers       map[Provider]HealthSnapshot `json:"providers"`
	Timestamp       string                      `json:"timestamp"`
}

// ErrorPayload is the downstream "error" frame.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(msg string) ErrorPayload {
	return ErrorPayload{Type: "error", Message: msg}
}
