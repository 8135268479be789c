// Package election holds the candle aggregator lease in Redis so that only
// one instance publishes bars at a time.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketstream/metrics"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	Key      string
	ID       string
	TTL      time.Duration
	Interval time.Duration
	Clock    func() time.Time
}

// Election tracks one instance's view of the lease. Leadership is
// trusted locally only until the last confirmed expiry, so relay outages
// never extend it.
type Election struct {
	client *redis.Client
	opts   Options
	log    *zap.SugaredLogger

	mu        sync.Mutex
	held      bool
	expiresAt time.Time
}

// New returns an election on client. A nil client means a single-instance
// deployment that is always leader.
func New(client *redis.Client, opts Options, log *zap.SugaredLogger) *Election {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = opts.TTL / 2
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Election{client: client, opts: opts, log: log}
	metrics.SetBool(metrics.Leader, client == nil)
	return e
}

func (e *Election) IsLeader() bool {
	if e.client == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held && e.opts.Clock().Before(e.expiresAt)
}

// Tick acquires the lease when not held and renews it otherwise.
func (e *Election) Tick(ctx context.Context) {
	if e.client == nil {
		return
	}

	e.mu.Lock()
	held := e.held
	e.mu.Unlock()

	start := e.opts.Clock()
	var ok bool
	var err error
	if held {
		ok, err = e.renew(ctx)
	} else {
		ok, err = e.client.SetNX(ctx, e.opts.Key, e.opts.ID, e.opts.TTL).Result()
	}

	if err != nil {
		e.log.Warnw("Lease request failed", "key", e.opts.Key, "held", held, "error", err)
		e.expireIfDue()
		return
	}
	e.set(ok, start.Add(e.opts.TTL))
}

func (e *Election) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, e.client, []string{e.opts.Key}, e.opts.ID, e.opts.TTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (e *Election) expireIfDue() {
	e.mu.Lock()
	due := e.held && !e.opts.Clock().Before(e.expiresAt)
	e.mu.Unlock()
	if due {
		e.set(false, time.Time{})
	}
}

func (e *Election) set(held bool, expiresAt time.Time) {
	e.mu.Lock()
	changed := e.held != held
	e.held = held
	e.expiresAt = expiresAt
	e.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetBool(metrics.Leader, held)
	if held {
		e.log.Infow("Acquired aggregator lease", "key", e.opts.Key, "instance_id", e.opts.ID)
	} else {
		e.log.Infow("Lost aggregator lease", "key", e.opts.Key, "instance_id", e.opts.ID)
	}
}

// Release deletes the lease only if this instance still holds it.
func (e *Election) Release(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	_, err := releaseScript.Run(ctx, e.client, []string{e.opts.Key}, e.opts.ID).Result()
	e.set(false, time.Time{})
	return err
}

// Run ticks until ctx ends and then releases the lease.
func (e *Election) Run(ctx context.Context) {
	if e.client == nil {
		return
	}
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		e.Tick(ctx)
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.Release(releaseCtx); err != nil {
				e.log.Warnw("Lease release failed", "key", e.opts.Key, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}
