package angel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key", r.Header.Get("X-PrivateKey"))

		if body["password"] != "1234" {
			w.Write([]byte(`{"status":false,"message":"Invalid totp","errorcode":"AB1050"}`))
			return
		}
		w.Write([]byte(`{"status":true,"message":"SUCCESS","data":{"jwtToken":"jwt","feedToken":"feed"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticate(t *testing.T) {
	srv := loginServer(t)
	c := NewClient(Credentials{ClientID: "A1", PIN: "1234", APIKey: "key"}, srv.URL)

	s, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Session{JWT: "jwt", FeedToken: "feed"}, s)

	h := c.StreamHeaders(s)
	assert.Equal(t, "Bearer jwt", h["Authorization"])
	assert.Equal(t, "feed", h["X-Feed-Token"])
	assert.Equal(t, "A1", h["X-Client-Code"])
}

func TestAuthenticateRejected(t *testing.T) {
	srv := loginServer(t)
	c := NewClient(Credentials{ClientID: "A1", PIN: "0000", APIKey: "key"}, srv.URL)

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoginRejected))
	assert.Contains(t, err.Error(), "AB1050")
}
