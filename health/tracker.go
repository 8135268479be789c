// Package health tracks per-provider stream quality and picks the primary
// provider of a venue.
package health

import (
	"math"
	"sync"
	"time"

	"marketstream/models"
)

const (
	latencyWindow = 120
	messageWindow = 600
	rateWindow    = 60 * time.Second
	maxErrorLen   = 240

	// HealthySilence and HealthyLatencyMs bound HealthyEnough.
	HealthySilence   = 5 * time.Second
	HealthyLatencyMs = 5000.0

	// neverSeen is reported as the silence of a provider that never
	// delivered a message.
	neverSeen = 9999 * time.Second
)

// Clock returns the current time.
type Clock func() time.Time

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](n int) *ring[T] {
	return &ring[T]{buf: make([]T, n)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) values() []T {
	if r.full {
		return r.buf
	}
	return r.buf[:r.next]
}

// Tracker holds rolling statistics for one provider. It is safe for
// concurrent use.
type Tracker struct {
	name models.Provider
	now  Clock

	mu            sync.RWMutex
	connected     bool
	disabled      bool
	errorCount    int64
	totalMessages int64
	lastMessage   time.Time
	lastError     string
	latencies     *ring[float64]
	messages      *ring[time.Time]
}

func NewTracker(name models.Provider, clock Clock) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		name:      name,
		now:       clock,
		latencies: newRing[float64](latencyWindow),
		messages:  newRing[time.Time](messageWindow),
	}
}

func (t *Tracker) Name() models.Provider { return t.name }

// RecordMessage counts one decoded upstream message. Negative latencies
// (clock skew) are not sampled.
func (t *Tracker) RecordMessage(latencyMs *float64) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalMessages++
	t.lastMessage = now
	t.messages.push(now)
	if latencyMs != nil && *latencyMs >= 0 {
		t.latencies.push(*latencyMs)
	}
}

func (t *Tracker) RecordError(msg string) {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	t.mu.Lock()
	t.errorCount++
	t.lastError = msg
	t.mu.Unlock()
}

// SetConnected updates the connection flag and reports whether it changed.
func (t *Tracker) SetConnected(v bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.connected != v
	t.connected = v
	return changed
}

func (t *Tracker) SetDisabled(v bool) {
	t.mu.Lock()
	t.disabled = v
	t.mu.Unlock()
}

func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Tracker) Disabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disabled
}

// Silence is the time since the last message.
func (t *Tracker) Silence() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.silenceLocked(t.now())
}

func (t *Tracker) silenceLocked(now time.Time) time.Duration {
	if t.lastMessage.IsZero() {
		return neverSeen
	}
	if d := now.Sub(t.lastMessage); d > 0 {
		return d
	}
	return 0
}

func (t *Tracker) avgLatencyLocked() float64 {
	vals := t.latencies.values()
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func (t *Tracker) rateLocked(now time.Time) float64 {
	var n int
	for _, ts := range t.messages.values() {
		if now.Sub(ts) <= rateWindow {
			n++
		}
	}
	return float64(n) / rateWindow.Seconds()
}

// HealthyEnough reports whether the provider can serve as primary.
func (t *Tracker) HealthyEnough() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected &&
		t.silenceLocked(t.now()) <= HealthySilence &&
		t.avgLatencyLocked() <= HealthyLatencyMs
}

// Score is a reporting-only quality figure in [0, 100].
func (t *Tracker) Score() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scoreLocked(t.now())
}

func (t *Tracker) scoreLocked(now time.Time) float64 {
	score := 100.0
	if !t.connected {
		score -= 50
	}
	score -= math.Min(30, t.avgLatencyLocked()/250)
	score -= math.Min(20, float64(t.errorCount))
	score -= math.Min(25, t.silenceLocked(now).Seconds()*2)
	return round(math.Max(0, score), 2)
}

func (t *Tracker) Snapshot() models.HealthSnapshot {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.HealthSnapshot{
		Provider:          t.name,
		Connected:         t.connected,
		Disabled:          t.disabled,
		ErrorCount:        t.errorCount,
		TotalMessages:     t.totalMessages,
		AvgLatencyMs:      round(t.avgLatencyLocked(), 2),
		MessageRatePerSec: round(t.rateLocked(now), 3),
		SilenceSeconds:    round(t.silenceLocked(now).Seconds(), 3),
		Score:             t.scoreLocked(now),
		LastError:         t.lastError,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
