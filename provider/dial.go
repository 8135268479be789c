package provider

import (
	"errors"

	"marketstream/models"
	"marketstream/ws"
)

// classifyDial maps a websocket dial failure onto the error taxonomy.
func classifyDial(p models.Provider, err error) error {
	var hs *ws.HandshakeError
	if errors.As(err, &hs) && hs.Unauthorized() {
		return &AuthError{Provider: p, Err: err}
	}
	return &TransportError{Provider: p, Op: "dial", Err: err}
}
