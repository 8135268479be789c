package candles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionClock(t *testing.T) {
	clock, err := NewSessionClock()
	require.NoError(t, err)

	cases := []struct {
		ts      time.Time
		session string
		ext     bool
	}{
		{time.Date(2024, 3, 12, 7, 59, 0, 0, time.UTC), "off", false},
		{time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC), "pre", true},
		{time.Date(2024, 3, 12, 13, 30, 0, 0, time.UTC), "regular", false},
		{time.Date(2024, 3, 12, 19, 59, 0, 0, time.UTC), "regular", false},
		{time.Date(2024, 3, 12, 20, 0, 0, 0, time.UTC), "post", true},
		{time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), "off", false},
		{time.Date(2024, 3, 16, 15, 0, 0, 0, time.UTC), "off", false},
	}
	for _, tc := range cases {
		s, ext := clock.Session(tc.ts)
		assert.Equal(t, tc.session, s, tc.ts.String())
		assert.Equal(t, tc.ext, ext, tc.ts.String())
	}
}

func TestSessionTagsOnlyUSSymbols(t *testing.T) {
	clock, err := NewSessionClock()
	require.NoError(t, err)
	agg := NewAggregator(WithSessions(clock), WithIntervals(DefaultIntervals[0]))

	ts := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)
	us := agg.OnTick("NYSE:IBM", 180, 1, ts)
	in := agg.OnTick("NSE:INFY", 1500, 1, ts)

	assert.Equal(t, "regular", us[0].Session)
	require.NotNil(t, us[0].Payload().Ext)
	assert.Empty(t, in[0].Session)
	assert.Nil(t, in[0].Payload().Ext)
}
