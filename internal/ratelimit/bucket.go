package ratelimit

import (
	"math"
	"time"
)

// bucket is a lazily refilled token bucket. Guarded by Limiter.mu.
type bucket struct {
	name     string
	capacity float64
	requests int
	period   time.Duration

	tokens      float64
	lastRefill  time.Time
	coolUntil   time.Time
	consecutive int

	queue       []*waiter
	dispatching bool
	retired     bool
}

type waiter struct {
	ready     chan error
	bucket    *bucket
	cancelled bool
}

func newBucket(name string, requests int, period time.Duration, capacity int, now time.Time) *bucket {
	return &bucket{
		name:       name,
		capacity:   float64(capacity),
		requests:   requests,
		period:     period,
		tokens:     float64(capacity),
		lastRefill: now,
	}
}

// refill credits tokens for the time elapsed since lastRefill. Nothing accrues while
// lastRefill is in the future, which is how a cooldown suspends refills.
func (b *bucket) refill(now time.Time) {
	if !now.After(b.lastRefill) {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	b.tokens += float64(elapsed) * float64(b.requests) / float64(b.period)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) coolingDown(now time.Time) bool {
	return now.Before(b.coolUntil)
}

// untilToken is how long until one whole token is available.
func (b *bucket) untilToken(now time.Time) time.Duration {
	var wait time.Duration
	if b.lastRefill.After(now) {
		wait = b.lastRefill.Sub(now)
	}
	need := 1 - b.tokens
	if need <= 0 {
		return wait
	}
	ns := math.Ceil(need * float64(b.period) / float64(b.requests))
	return wait + time.Duration(ns)
}

// startCooldown empties the bucket and suspends refills until until.
func (b *bucket) startCooldown(until time.Time) {
	b.tokens = 0
	b.coolUntil = until
	b.lastRefill = until
}

func (b *bucket) status(now time.Time, shared bool) BucketStatus {
	return BucketStatus{
		Name:                  b.name,
		Tokens:                b.tokens,
		Capacity:              b.capacity,
		Queued:                b.queued(),
		CoolingDown:           b.coolingDown(now),
		CooldownUntil:         b.coolUntil,
		ConsecutiveRateLimits: b.consecutive,
		Shared:                shared,
	}
}

func (b *bucket) queued() int {
	n := 0
	for _, w := range b.queue {
		if !w.cancelled {
			n++
		}
	}
	return n
}

// BucketStatus is a point-in-time view of one bucket.
type BucketStatus struct {
	Name                  string    `json:"name"`
	Tokens                float64   `json:"tokens"`
	Capacity              float64   `json:"capacity"`
	Queued                int       `json:"queued"`
	CoolingDown           bool      `json:"cooling_down"`
	CooldownUntil         time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveRateLimits int       `json:"consecutive_rate_limits"`
	Shared                bool      `json:"shared"`
}
