package endpoint

import (
	"time"

	"routeGuard/internal/chain"
)

// Strategy selects the preferred endpoint in SelectBest.
type Strategy string

const (
	HealthFirst      Strategy = "health-first"
	PerformanceFirst Strategy = "performance-first"
	RoundRobin       Strategy = "round-robin"
)

// ParseStrategy maps a config value onto a Strategy; empty means PerformanceFirst.
func ParseStrategy(value string) (Strategy, bool) {
	switch Strategy(value) {
	case "", PerformanceFirst:
		return PerformanceFirst, true
	case HealthFirst:
		return HealthFirst, true
	case RoundRobin:
		return RoundRobin, true
	default:
		return "", false
	}
}

type cooldownReason string

const (
	reasonNone    cooldownReason = ""
	reasonFailure cooldownReason = "failure"
	reasonAuth    cooldownReason = "auth"
)

// Endpoint is one RPC URL and its rolling health record. All fields are guarded by
// the owning Pool's mutex.
type Endpoint struct {
	URL  string
	Tier int

	healthy          bool
	samples          []time.Duration
	next             int
	successes        uint64
	errors           uint64
	requests         uint64
	rateLimitedUntil time.Time
	unhealthySince   time.Time
	cooldownUntil    time.Time
	cooldownReason   cooldownReason
	lastChecked      time.Time
	conn             chain.Connection
}

func newEndpoint(url string, tier int, window int) *Endpoint {
	if window <= 0 {
		window = 10
	}
	return &Endpoint{
		URL:     url,
		Tier:    tier,
		healthy: true,
		samples: make([]time.Duration, 0, window),
	}
}

func (e *Endpoint) addSample(d time.Duration) {
	if cap(e.samples) == 0 {
		return
	}
	if len(e.samples) < cap(e.samples) {
		e.samples = append(e.samples, d)
		return
	}
	e.samples[e.next] = d
	e.next = (e.next + 1) % len(e.samples)
}

// average returns the mean sample and false when there are none.
func (e *Endpoint) average() (time.Duration, bool) {
	if len(e.samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range e.samples {
		total += s
	}
	return total / time.Duration(len(e.samples)), true
}

func (e *Endpoint) rateLimited(now time.Time) bool {
	return now.Before(e.rateLimitedUntil)
}

func (e *Endpoint) coolingDown(now time.Time) bool {
	return now.Before(e.cooldownUntil)
}

func (e *Endpoint) viable(now time.Time) bool {
	return e.healthy && !e.rateLimited(now) && !e.coolingDown(now)
}

// availableAt is when every cooldown on the endpoint has expired.
func (e *Endpoint) availableAt() time.Time {
	if e.rateLimitedUntil.After(e.cooldownUntil) {
		return e.rateLimitedUntil
	}
	return e.cooldownUntil
}

func (e *Endpoint) markUnhealthy(now time.Time) {
	e.healthy = false
	if e.unhealthySince.IsZero() {
		e.unhealthySince = now
	}
}

func (e *Endpoint) extendCooldown(until time.Time, reason cooldownReason) {
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
		e.cooldownReason = reason
	}
}

// Status is a point-in-time copy of an endpoint's state.
type Status struct {
	URL              string        `json:"url"`
	Tier             int           `json:"tier"`
	Current          bool          `json:"current"`
	Healthy          bool          `json:"healthy"`
	AvgResponse      time.Duration `json:"avg_response"`
	Samples          int           `json:"samples"`
	Successes        uint64        `json:"successes"`
	Errors           uint64        `json:"errors"`
	Requests         uint64        `json:"requests"`
	RateLimitedUntil time.Time     `json:"rate_limited_until,omitempty"`
	UnhealthySince   time.Time     `json:"unhealthy_since,omitempty"`
	CooldownUntil    time.Time     `json:"cooldown_until,omitempty"`
	LastChecked      time.Time     `json:"last_checked,omitempty"`
}

func (e *Endpoint) status(current bool) Status {
	avg, _ := e.average()
	return Status{
		URL:              e.URL,
		Tier:             e.Tier,
		Current:          current,
		Healthy:          e.healthy,
		AvgResponse:      avg,
		Samples:          len(e.samples),
		Successes:        e.successes,
		Errors:           e.errors,
		Requests:         e.requests,
		RateLimitedUntil: e.rateLimitedUntil,
		UnhealthySince:   e.unhealthySince,
		CooldownUntil:    e.cooldownUntil,
		LastChecked:      e.lastChecked,
	}
}
