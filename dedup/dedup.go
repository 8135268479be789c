// Package dedup suppresses trades reported by more than one provider.
//
// Matching is heuristic: venues do not expose a shared trade id for tape
// data, so two prints with equal millisecond timestamp, price and size are
// treated as the same trade. Genuine distinct prints that collide on all
// three fields are dropped, and the jitter window below may hide a real
// secondary-only print during a primary transition.
package dedup

import (
	"math"
	"sync"
	"time"

	"marketstream/models"
)

// JitterWindow is how close a non-primary trade may follow the last accepted
// trade before it is treated as noise while the primary is healthy.
const JitterWindow = 500 * time.Millisecond

type signature struct {
	tsMs     int64
	price    float64
	size     float64
	provider models.Provider
}

func (s signature) sameTrade(o signature) bool {
	return s.tsMs == o.tsMs && s.price == o.price && s.size == o.size
}

// Primary describes the current primary provider of a venue.
type Primary struct {
	Provider models.Provider
	// Fresh is true when the primary is healthy and heard from within the
	// health silence bound.
	Fresh bool
}

// Deduplicator remembers the last accepted trade per symbol. It is safe for
// concurrent use.
type Deduplicator struct {
	mu   sync.Mutex
	last map[string]signature
}

func New() *Deduplicator {
	return &Deduplicator{last: make(map[string]signature)}
}

// Accept reports whether the trade should enter the pipeline and records it
// when it does.
func (d *Deduplicator) Accept(provider models.Provider, symbol string, price, size float64, ts time.Time, primary Primary) bool {
	sig := signature{
		tsMs:     ts.UnixMilli(),
		price:    round6(price),
		size:     round6(size),
		provider: provider,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.last[symbol]
	if seen && prev.sameTrade(sig) {
		if prev.provider == primary.Provider {
			return false
		}
		if provider == primary.Provider {
			d.last[symbol] = sig
			return true
		}
		return false
	}

	if seen && provider != primary.Provider && primary.Provider != models.ProviderNone &&
		primary.Fresh && sig.tsMs-prev.tsMs <= JitterWindow.Milliseconds() {
		return false
	}

	d.last[symbol] = sig
	return true
}

// Forget drops the remembered trade for symbol.
func (d *Deduplicator) Forget(symbol string) {
	d.mu.Lock()
	delete(d.last, symbol)
	d.mu.Unlock()
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
