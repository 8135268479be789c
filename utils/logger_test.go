package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", "")
	require.Error(t, err)

	log, err := NewLogger("debug", t.TempDir())
	require.NoError(t, err)
	log.Infow("logger ready", "component", "test")
}

func TestRequestLoggerPassesStatusAndRequestID(t *testing.T) {
	var seenID interface{}
	h := RequestLogger(zaptest.NewLogger(t).Sugar(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Context().Value(RequestIDKey)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seenID)
}
