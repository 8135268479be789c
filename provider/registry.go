package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"marketstream/angel"
	"marketstream/config"
	"marketstream/models"
)

// Registry groups clients by venue. The first client added for a venue is
// its preferred provider.
type Registry struct {
	venues map[string][]Client
	order  []string
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{venues: make(map[string][]Client)}
	for _, c := range clients {
		r.Add(c)
	}
	return r
}

func (r *Registry) Add(c Client) {
	v := c.Venue()
	if _, ok := r.venues[v]; !ok {
		r.order = append(r.order, v)
	}
	r.venues[v] = append(r.venues[v], c)
}

// Venue returns the clients of v in preference order.
func (r *Registry) Venue(v string) []Client { return r.venues[v] }

// Venues returns the venue names in registration order.
func (r *Registry) Venues() []string { return r.order }

func (r *Registry) All() []Client {
	var out []Client
	for _, v := range r.order {
		out = append(out, r.venues[v]...)
	}
	return out
}

// StartAll starts every client. Disabled clients are skipped; the others
// keep running.
func (r *Registry) StartAll(ctx context.Context, log *zap.SugaredLogger) {
	for _, c := range r.All() {
		if err := c.Start(ctx); err != nil {
			if errors.Is(err, ErrDisabled) {
				log.Warnw("Provider disabled", "provider", c.Name(), "venue", c.Venue())
				continue
			}
			log.Errorw("Provider failed to start", "provider", c.Name(), "error", err)
		}
	}
}

func (r *Registry) StopAll() {
	for _, c := range r.All() {
		c.Stop()
	}
}

// FromConfig builds the venue clients: the configured India provider, then
// Alpaca preferred over Finnhub for US symbols.
func FromConfig(cfg *config.Config, log *zap.SugaredLogger) *Registry {
	r := NewRegistry()

	india := IndiaSettings()
	india.HeartbeatTimeout = cfg.Hub.HeartbeatTimeout
	switch cfg.India.Provider {
	case string(models.ProviderAngelOne):
		r.Add(NewAngelOne(AngelOneConfig{
			Credentials: angel.Credentials{
				ClientID:   cfg.Angel.ClientID,
				PIN:        cfg.Angel.ClientPIN,
				TOTP:       cfg.Angel.TOTPCode,
				APIKey:     cfg.Angel.APIKey,
				LocalIP:    cfg.Angel.LocalIP,
				PublicIP:   cfg.Angel.PublicIP,
				MACAddress: cfg.Angel.MACAddress,
			},
		}, india, log))
	default:
		r.Add(NewKite(KiteConfig{
			APIKey:      cfg.Kite.APIKey,
			AccessToken: cfg.Kite.AccessToken,
		}, india, log))
	}

	us := USSettings()
	us.HeartbeatTimeout = cfg.Hub.HeartbeatTimeout
	r.Add(NewAlpaca(AlpacaConfig{
		APIKey:    cfg.Alpaca.APIKey,
		SecretKey: cfg.Alpaca.SecretKey,
		URL:       cfg.Alpaca.StreamURL,
	}, us, log))
	r.Add(NewFinnhub(FinnhubConfig{
		APIKey: cfg.Finnhub.APIKey,
		URL:    cfg.Finnhub.StreamURL,
	}, us, log))

	return r
}
