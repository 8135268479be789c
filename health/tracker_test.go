package health

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketstream/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ms(v float64) *float64 { return &v }

func TestTrackerSnapshot(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(models.ProviderAlpaca, clock.Now)

	snap := tr.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, 9999.0, snap.SilenceSeconds)
	assert.Equal(t, 25.0, snap.Score)

	tr.SetConnected(true)
	tr.RecordMessage(ms(100))
	tr.RecordMessage(ms(300))
	tr.RecordMessage(ms(-5))
	clock.Advance(2 * time.Second)

	snap = tr.Snapshot()
	assert.Equal(t, int64(3), snap.TotalMessages)
	assert.Equal(t, 200.0, snap.AvgLatencyMs)
	assert.Equal(t, 0.05, snap.MessageRatePerSec)
	assert.Equal(t, 2.0, snap.SilenceSeconds)
	assert.InDelta(t, 95.2, snap.Score, 1e-9)
	assert.True(t, tr.HealthyEnough())
}

func TestTrackerLatencyWindowIsBounded(t *testing.T) {
	tr := NewTracker(models.ProviderFinnhub, newFakeClock().Now)
	for i := 0; i < latencyWindow; i++ {
		tr.RecordMessage(ms(10000))
	}
	for i := 0; i < latencyWindow; i++ {
		tr.RecordMessage(ms(10))
	}
	assert.Equal(t, 10.0, tr.Snapshot().AvgLatencyMs)
}

func TestTrackerErrorTruncated(t *testing.T) {
	tr := NewTracker(models.ProviderFinnhub, nil)
	tr.RecordError(strings.Repeat("x", 500))
	snap := tr.Snapshot()
	assert.Len(t, snap.LastError, maxErrorLen)
	assert.Equal(t, int64(1), snap.ErrorCount)
}

func TestHealthyEnough(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(models.ProviderAlpaca, clock.Now)
	tr.SetConnected(true)
	assert.False(t, tr.HealthyEnough(), "no messages yet")

	tr.RecordMessage(nil)
	assert.True(t, tr.HealthyEnough())

	clock.Advance(5 * time.Second)
	assert.True(t, tr.HealthyEnough())
	clock.Advance(time.Millisecond)
	assert.False(t, tr.HealthyEnough())

	tr.RecordMessage(ms(6000))
	assert.False(t, tr.HealthyEnough(), "latency too high")
}

func TestSetConnectedReportsChange(t *testing.T) {
	tr := NewTracker(models.ProviderKite, nil)
	assert.True(t, tr.SetConnected(true))
	assert.False(t, tr.SetConnected(true))
	assert.True(t, tr.SetConnected(false))
}

func TestPrimaryFlipsOnSilence(t *testing.T) {
	clock := newFakeClock()
	a := NewTracker(models.ProviderAlpaca, clock.Now)
	b := NewTracker(models.ProviderFinnhub, clock.Now)
	sel := NewSelector(a, b)

	assert.Equal(t, models.ProviderNone, sel.Primary())

	a.SetConnected(true)
	b.SetConnected(true)
	a.RecordMessage(ms(50))
	b.RecordMessage(ms(50))
	require.Equal(t, models.ProviderAlpaca, sel.Primary())

	clock.Advance(4 * time.Second)
	b.RecordMessage(ms(50))
	clock.Advance(3 * time.Second)
	assert.Equal(t, models.ProviderFinnhub, sel.Primary())

	a.RecordMessage(ms(50))
	assert.Equal(t, models.ProviderAlpaca, sel.Primary())
}

func TestPrimaryFallsBackToConnected(t *testing.T) {
	clock := newFakeClock()
	a := NewTracker(models.ProviderAlpaca, clock.Now)
	b := NewTracker(models.ProviderFinnhub, clock.Now)
	sel := NewSelector(a, b)

	a.SetConnected(true)
	assert.Equal(t, models.ProviderAlpaca, sel.Primary(), "degraded but alone")

	b.SetConnected(true)
	assert.Equal(t, models.ProviderFinnhub, sel.Primary())

	b.SetConnected(false)
	a.SetConnected(false)
	assert.Equal(t, models.ProviderNone, sel.Primary())
	assert.Same(t, b, sel.Tracker(models.ProviderFinnhub))
	assert.Nil(t, sel.Tracker(models.ProviderKite))
}
