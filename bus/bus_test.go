package bus

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

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newInbox() *inbox { return &inbox{msgs: make(map[string][]string)} }

func (i *inbox) listen(channel string, payload []byte) {
	i.mu.Lock()
	i.msgs[channel] = append(i.msgs[channel], string(payload))
	i.mu.Unlock()
}

func (i *inbox) get(channel string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs[channel]...)
}

func newRelay(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "quotes:nse", QuoteChannel("NSE"))
	assert.Equal(t, "bars:nasdaq:5m", BarChannel("NASDAQ", "5m"))
}

func TestLocalOnlyDispatchesDirectly(t *testing.T) {
	b := New(nil, 0, zaptest.NewLogger(t).Sugar())
	in := newInbox()
	b.AddListener(in.listen)

	require.NoError(t, b.SubscribeMarket(context.Background(), "NSE"))
	require.NoError(t, b.PublishTick(context.Background(), "NSE", map[string]any{"symbol": "NSE:INFY"}))
	require.NoError(t, b.PublishBar(context.Background(), "NSE", "1m", map[string]any{"t": 1}))

	assert.Equal(t, []string{`{"symbol":"NSE:INFY"}`}, in.get("quotes:nse"))
	assert.Equal(t, []string{`{"t":1}`}, in.get("bars:nse:1m"))
	assert.False(t, b.Available())
	assert.NoError(t, b.Close())
}

func TestRelayDeliversThroughSharedSubscription(t *testing.T) {
	_, client := newRelay(t)
	ctx := context.Background()

	pub := New(client, 0, zaptest.NewLogger(t).Sugar())
	sub := New(client, 0, zaptest.NewLogger(t).Sugar())
	defer sub.Close()

	in := newInbox()
	sub.AddListener(in.listen)
	require.NoError(t, sub.SubscribeMarket(ctx, "NASDAQ"))
	require.NoError(t, sub.SubscribeBars(ctx, "NASDAQ", "1m"))

	require.Eventually(t, func() bool {
		require.NoError(t, pub.PublishTick(ctx, "NASDAQ", map[string]any{"ltp": 1}))
		return len(in.get("quotes:nasdaq")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		require.NoError(t, pub.PublishBar(ctx, "NASDAQ", "1m", map[string]any{"c": 2}))
		return len(in.get("bars:nasdaq:1m")) > 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.True(t, pub.Available())
	assert.Empty(t, in.get("quotes:nyse"))
}

func TestRelayFailureFallsBackAndRecovers(t *testing.T) {
	mr, client := newRelay(t)
	ctx := context.Background()

	b := New(client, 0, zaptest.NewLogger(t).Sugar())
	in := newInbox()
	b.AddListener(in.listen)

	mr.SetError("relay down")
	require.NoError(t, b.PublishTick(ctx, "NSE", map[string]any{"ltp": 1}))
	assert.False(t, b.Available())
	assert.Len(t, in.get("quotes:nse"), 1, "delivered locally")

	assert.False(t, b.Probe(ctx))

	mr.SetError("")
	assert.True(t, b.Probe(ctx))
	assert.True(t, b.Available())
}
