// Package provider implements the upstream streaming clients. Each client
// owns one venue connection, reconnects with backoff, keeps the venue
// subscription in sync with a desired key set and forwards decoded trades to
// a Listener.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketstream/health"
	"marketstream/models"
)

// Trade is one decoded upstream print keyed by the vendor's instrument key.
type Trade struct {
	Provider     models.Provider
	Key          string
	Price        float64
	Size         float64
	Volume       float64
	PrevClose    float64
	OpenInterest *float64
	Timestamp    time.Time
	LatencyMs    *float64
}

// Listener receives decoded trades and connection state changes. Calls come
// from provider goroutines and must not block for long.
type Listener interface {
	OnTrade(Trade)
	OnState(p models.Provider, connected bool)
}

// Client is one upstream streaming connection.
type Client interface {
	Name() models.Provider
	Venue() string
	// Start launches the connection loop. It returns ErrDisabled when the
	// client has no credentials or was disabled by an auth failure.
	Start(ctx context.Context) error
	// Stop cancels the loop, closes the socket and waits for shutdown.
	Stop()
	// SetSymbols replaces the desired vendor key set. It never blocks on
	// the network; the loop applies the diff.
	SetSymbols(keys []string)
	SetListener(l Listener)
	Connected() bool
	Disabled() bool
	Health() *health.Tracker
}

var ErrDisabled = errors.New("provider disabled")

// AuthError is a credential rejection. The client is disabled for the rest
// of the process.
type AuthError struct {
	Provider models.Provider
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is a connect or receive failure; the loop reconnects.
type TransportError struct {
	Provider models.Provider
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a single malformed frame; it is dropped.
type ProtocolError struct {
	Provider models.Provider
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed frame: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
