package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return &fixture{
		mr:     mr,
		client: client,
		clock:  &fakeClock{now: time.Date(2024, 3, 12, 9, 15, 0, 0, time.UTC)},
	}
}

func (f *fixture) election(t *testing.T, id string) *Election {
	return New(f.client, Options{
		Key:   "lock:candle_aggregator",
		ID:    id,
		TTL:   10 * time.Second,
		Clock: f.clock.Now,
	}, zaptest.NewLogger(t).Sugar())
}

// advance moves both the relay clock and the local clock.
func (f *fixture) advance(d time.Duration) {
	f.mr.FastForward(d)
	f.clock.Advance(d)
}

func TestNilClientAlwaysLeads(t *testing.T) {
	e := New(nil, Options{Key: "k", ID: "solo"}, zaptest.NewLogger(t).Sugar())
	assert.True(t, e.IsLeader())
	e.Tick(context.Background())
	assert.NoError(t, e.Release(context.Background()))
	assert.True(t, e.IsLeader())
}

func TestSingleHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.election(t, "node-a"), f.election(t, "node-b")

	a.Tick(ctx)
	b.Tick(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	for i := 0; i < 4; i++ {
		f.advance(5 * time.Second)
		a.Tick(ctx)
		b.Tick(ctx)
		require.True(t, a.IsLeader(), "renewal keeps the lease")
		require.False(t, b.IsLeader())
	}

	ttl := f.mr.TTL("lock:candle_aggregator")
	assert.Equal(t, 10*time.Second, ttl)
}

func TestTakeoverAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.election(t, "node-a"), f.election(t, "node-b")

	a.Tick(ctx)
	require.True(t, a.IsLeader())

	f.advance(11 * time.Second)
	assert.False(t, a.IsLeader(), "local view expires with the lease")

	b.Tick(ctx)
	assert.True(t, b.IsLeader())

	a.Tick(ctx)
	assert.False(t, a.IsLeader(), "renewal rejected because node-b owns the key")
	assert.True(t, b.IsLeader())
}

func TestRelayErrorKeepsLeaseUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.election(t, "node-a")

	a.Tick(ctx)
	require.True(t, a.IsLeader())

	f.mr.SetError("relay down")
	f.clock.Advance(5 * time.Second)
	a.Tick(ctx)
	assert.True(t, a.IsLeader())

	f.clock.Advance(5 * time.Second)
	a.Tick(ctx)
	assert.False(t, a.IsLeader())
}

func TestReleaseOnlyDeletesOwnKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.election(t, "node-a"), f.election(t, "node-b")

	a.Tick(ctx)
	require.NoError(t, b.Release(ctx))

	got, err := f.mr.Get("lock:candle_aggregator")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got)

	require.NoError(t, a.Release(ctx))
	assert.False(t, f.mr.Exists("lock:candle_aggregator"))
	assert.False(t, a.IsLeader())
}
