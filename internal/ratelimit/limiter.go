package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"routeGuard/internal/clock"
	"routeGuard/internal/faults"
)

// Category selects the bucket an operation draws from.
type Category int

const (
	General Category = iota
	Price
)

func (c Category) String() string {
	if c == Price {
		return "price"
	}
	return "general"
}

// Config controls retries, cooldowns and concurrency.
type Config struct {
	Tiers             map[string]Tier
	Tier              string
	MaxConcurrent     int
	MaxRetries        int
	// TransientRetries bounds retries of timeouts and 5xx-style failures. They do
	// not count towards cooldown.
	TransientRetries  int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	Multiplier        float64
	Jitter            float64
	CooldownThreshold int
}

// DefaultConfig returns the free tier with stock retry settings.
func DefaultConfig() Config {
	return Config{
		Tiers:             DefaultTiers(),
		Tier:              "free",
		MaxConcurrent:     2,
		MaxRetries:        3,
		TransientRetries:  2,
		BaseBackoff:       time.Second,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2,
		Jitter:            0.2,
		CooldownThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if c.Tier == "" {
		c.Tier = d.Tier
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.CooldownThreshold <= 0 {
		c.CooldownThreshold = d.CooldownThreshold
	}
	return c
}

// Observer receives limiter events, typically for metrics.
type Observer interface {
	RateLimitHit(bucket string)
	BucketCooldown(bucket string, until time.Time)
}

type nopObserver struct{}

func (nopObserver) RateLimitHit(string)              {}
func (nopObserver) BucketCooldown(string, time.Time) {}

// Option customizes a Limiter.
type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.observer = o
		}
	}
}

// Limiter shapes outbound aggregator traffic to the active tier.
type Limiter struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	sem      *semaphore.Weighted

	mu      sync.Mutex
	tier    Tier
	general *bucket
	price   *bucket
	rng     *rand.Rand
}

// New builds a limiter on cfg.Tier.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	cfg = cfg.withDefaults()
	tiers := make(map[string]Tier, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		if t.Name == "" {
			t.Name = name
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tiers[name] = t
	}
	cfg.Tiers = tiers
	tier, ok := tiers[cfg.Tier]
	if !ok {
		return nil, fmt.Errorf("unknown rate limit tier %q", cfg.Tier)
	}

	l := &Limiter{
		cfg:      cfg,
		clock:    clock.Real{},
		logger:   zap.NewNop(),
		observer: nopObserver{},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.installTier(tier)
	return l, nil
}

func (l *Limiter) installTier(t Tier) {
	now := l.clock.Now()
	l.tier = t
	l.general = newBucket(t.Name+"/general", t.RequestsPerPeriod, t.Period, t.Capacity, now)
	if t.PriceBucket {
		l.price = newBucket(t.Name+"/price", t.PriceRequestsPerPeriod, t.Period, t.PriceCapacity, now)
	} else {
		l.price = l.general
	}
}

func (l *Limiter) bucketFor(cat Category) *bucket {
	if cat == Price {
		return l.price
	}
	return l.general
}

// Execute runs op once a token for cat is granted, retrying rate-limit and transient
// failures with exponential backoff. Every retry takes a new token. Calls against a
// cooling bucket fail without running op.
func (l *Limiter) Execute(ctx context.Context, cat Category, op func(context.Context) error) error {
	transient, limited := 0, 0
	for {
		if err := l.acquire(ctx, cat); err != nil {
			return err
		}
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		err := op(ctx)
		l.sem.Release(1)

		if err == nil {
			l.onSuccess(cat)
			return nil
		}
		if faults.IsKind(err, faults.Transient) && ctx.Err() == nil {
			if transient >= l.cfg.TransientRetries {
				return err
			}
			transient++
			delay := l.backoff(transient)
			l.logger.Debug("transient failure, backing off",
				zap.String("category", cat.String()),
				zap.Int("attempt", transient),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := clock.Sleep(ctx, l.clock, delay); err != nil {
				return err
			}
			continue
		}
		if !faults.IsKind(err, faults.RateLimited) {
			return err
		}
		var ce *faults.CooldownError
		if errors.As(err, &ce) {
			return err
		}

		hits, cooling := l.onRateLimited(cat)
		if cooling || limited >= l.cfg.MaxRetries {
			return faults.Wrap(faults.RateLimited, "ratelimit", err)
		}
		limited++
		delay := l.backoff(hits)
		l.logger.Debug("rate limited, backing off",
			zap.String("category", cat.String()),
			zap.Int("attempt", limited),
			zap.Duration("delay", delay))
		if err := clock.Sleep(ctx, l.clock, delay); err != nil {
			return err
		}
	}
}

func (l *Limiter) acquire(ctx context.Context, cat Category) error {
	l.mu.Lock()
	b := l.bucketFor(cat)
	now := l.clock.Now()
	if b.coolingDown(now) {
		until := b.coolUntil
		l.mu.Unlock()
		return &faults.CooldownError{Bucket: b.name, Until: until}
	}
	b.refill(now)
	if len(b.queue) == 0 && b.tokens >= 1 {
		b.tokens--
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1), bucket: b}
	b.queue = append(b.queue, w)
	l.dispatchLocked(b)
	l.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case err := <-w.ready:
		if err == nil {
			w.bucket.tokens = math.Min(w.bucket.capacity, w.bucket.tokens+1)
		}
	default:
		w.cancelled = true
	}
	return ctx.Err()
}

func (l *Limiter) dispatchLocked(b *bucket) {
	if b.dispatching || b.retired || len(b.queue) == 0 {
		return
	}
	b.dispatching = true
	go l.dispatch(b)
}

// dispatch grants tokens to b's waiters in arrival order.
func (l *Limiter) dispatch(b *bucket) {
	for {
		l.mu.Lock()
		for len(b.queue) > 0 && b.queue[0].cancelled {
			b.queue = b.queue[1:]
		}
		if b.retired || len(b.queue) == 0 {
			b.dispatching = false
			l.mu.Unlock()
			return
		}
		now := l.clock.Now()
		head := b.queue[0]
		if b.coolingDown(now) {
			b.queue = b.queue[1:]
			head.ready <- &faults.CooldownError{Bucket: b.name, Until: b.coolUntil}
			l.mu.Unlock()
			continue
		}
		b.refill(now)
		if b.tokens >= 1 {
			b.tokens--
			b.queue = b.queue[1:]
			head.ready <- nil
			l.mu.Unlock()
			continue
		}
		wait := b.untilToken(now)
		l.mu.Unlock()
		<-l.clock.After(wait)
	}
}

func (l *Limiter) onSuccess(cat Category) {
	l.mu.Lock()
	l.bucketFor(cat).consecutive = 0
	l.mu.Unlock()
}

func (l *Limiter) onRateLimited(cat Category) (int, bool) {
	l.mu.Lock()
	b := l.bucketFor(cat)
	b.consecutive++
	hits := b.consecutive
	name := b.name
	var until time.Time
	if hits >= l.cfg.CooldownThreshold {
		factor := math.Min(math.Pow(l.cfg.Multiplier, float64(hits-l.cfg.CooldownThreshold)), 10)
		until = l.clock.Now().Add(time.Duration(float64(l.tier.refillPeriod()) * factor))
		b.startCooldown(until)
	}
	l.mu.Unlock()

	l.observer.RateLimitHit(name)
	if until.IsZero() {
		return hits, false
	}
	l.logger.Warn("rate limit bucket cooling down",
		zap.String("bucket", name),
		zap.Int("consecutive", hits),
		zap.Time("until", until))
	l.observer.BucketCooldown(name, until)
	return hits, true
}

func (l *Limiter) backoff(hits int) time.Duration {
	if hits < 1 {
		hits = 1
	}
	d := float64(l.cfg.BaseBackoff) * math.Pow(l.cfg.Multiplier, float64(hits-1))
	d = math.Min(d, float64(l.cfg.MaxBackoff))
	if l.cfg.Jitter > 0 {
		l.mu.Lock()
		r := l.rng.Float64()
		l.mu.Unlock()
		d *= 1 + (r*2-1)*l.cfg.Jitter
	}
	return time.Duration(d)
}

// SetTier switches to another tier. Both buckets are replaced and queued callers
// move to the new buckets in order.
func (l *Limiter) SetTier(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.cfg.Tiers[name]
	if !ok {
		return fmt.Errorf("unknown rate limit tier %q", name)
	}
	oldGeneral, oldPrice := l.general, l.price
	l.installTier(t)

	migrate := func(from, to *bucket) {
		for _, w := range from.queue {
			if w.cancelled {
				continue
			}
			w.bucket = to
			to.queue = append(to.queue, w)
		}
		from.queue = nil
		from.retired = true
	}
	migrate(oldGeneral, l.general)
	if oldPrice != oldGeneral {
		migrate(oldPrice, l.price)
	}
	l.dispatchLocked(l.general)
	l.dispatchLocked(l.price)

	l.logger.Info("rate limit tier changed", zap.String("tier", name))
	return nil
}

// Tier returns the active tier name.
func (l *Limiter) Tier() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tier.Name
}

// Status is a snapshot of the limiter.
type Status struct {
	Tier    string       `json:"tier"`
	General BucketStatus `json:"general"`
	Price   BucketStatus `json:"price"`
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	shared := l.price == l.general
	l.general.refill(now)
	if !shared {
		l.price.refill(now)
	}
	return Status{
		Tier:    l.tier.Name,
		General: l.general.status(now, shared),
		Price:   l.price.status(now, shared),
	}
}
