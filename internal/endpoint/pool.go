package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"routeGuard/internal/chain"
	"routeGuard/internal/clock"
	"routeGuard/internal/faults"
)

// Spec declares an endpoint at construction.
type Spec struct {
	URL  string
	Tier int
}

// Config controls probing and cooldowns.
type Config struct {
	Endpoints         []Spec
	Strategy          Strategy
	ProbeTimeout      time.Duration
	MinCheckInterval  time.Duration
	FailureCooldown   time.Duration
	RateLimitCooldown time.Duration
	AuthCooldown      time.Duration
	ResponseWindow    int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = PerformanceFirst
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MinCheckInterval <= 0 {
		c.MinCheckInterval = 30 * time.Second
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 30 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = time.Minute
	}
	if c.AuthCooldown <= 0 {
		c.AuthCooldown = 10 * time.Minute
	}
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = 10
	}
	return c
}

// Dialer opens a connection to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (chain.Connection, error)
}

// Observer receives pool events, typically for metrics.
type Observer interface {
	EndpointRotated(from, to, reason string)
	EndpointHealth(url string, healthy bool)
}

type nopObserver struct{}

func (nopObserver) EndpointRotated(string, string, string) {}
func (nopObserver) EndpointHealth(string, bool)            {}

// Option customizes a Pool.
type Option func(*Pool)

func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// Pool holds the candidate RPC endpoints and the single current one.
type Pool struct {
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer

	mu        sync.RWMutex
	endpoints []*Endpoint
	current   int

	checks sync.WaitGroup
}

// NewPool builds a pool; the first declared endpoint is current until SelectBest runs.
func NewPool(cfg Config, dialer Dialer, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer is nil")
	}
	if _, ok := ParseStrategy(string(cfg.Strategy)); !ok {
		return nil, fmt.Errorf("unknown strategy: %s", cfg.Strategy)
	}

	p := &Pool{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock.Real{},
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for _, spec := range cfg.Endpoints {
		if spec.URL == "" {
			return nil, fmt.Errorf("endpoint url is empty")
		}
		if _, ok := seen[spec.URL]; ok {
			return nil, fmt.Errorf("duplicate endpoint: %s", spec.URL)
		}
		seen[spec.URL] = struct{}{}
		p.endpoints = append(p.endpoints, newEndpoint(spec.URL, spec.Tier, cfg.ResponseWindow))
	}
	return p, nil
}

// Close waits for background re-checks started by RecordFailure, then closes every
// dialed connection.
func (p *Pool) Close() {
	p.checks.Wait()

	p.mu.Lock()
	conns := make([]chain.Connection, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.conn != nil {
			conns = append(conns, ep.conn)
			ep.conn = nil
		}
	}
	p.mu.Unlock()
	for _, conn := range conns {
		closeConn(conn)
	}
}

// closeConn closes conn when its concrete type supports it.
func closeConn(conn chain.Connection) {
	switch c := conn.(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
}

// Current returns the connection bound to the current endpoint and its URL.
func (p *Pool) Current(ctx context.Context) (chain.Connection, string, error) {
	p.mu.RLock()
	ep := p.endpoints[p.current]
	conn, url := ep.conn, ep.URL
	p.mu.RUnlock()

	if conn != nil {
		return conn, url, nil
	}
	conn, err := p.connFor(ctx, url)
	if err != nil {
		p.RecordFailure(url, err)
		return nil, url, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, url, nil
}

// CurrentURL returns the current endpoint URL without dialing.
func (p *Pool) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current].URL
}

func (p *Pool) connFor(ctx context.Context, url string) (chain.Connection, error) {
	p.mu.RLock()
	ep := p.lookup(url)
	var conn chain.Connection
	if ep != nil {
		conn = ep.conn
	}
	p.mu.RUnlock()
	if ep == nil {
		return nil, fmt.Errorf("unknown endpoint: %s", url)
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := p.dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	winner := ep.conn
	if winner == nil {
		ep.conn = conn
		winner = conn
	}
	p.mu.Unlock()
	if winner != conn {
		closeConn(conn)
	}
	return winner, nil
}

func (p *Pool) lookup(url string) *Endpoint {
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return ep
		}
	}
	return nil
}

func (p *Pool) index(url string) int {
	for i, ep := range p.endpoints {
		if ep.URL == url {
			return i
		}
	}
	return -1
}

// CheckHealth probes one endpoint and folds the outcome into its state. It reports
// whether the endpoint is healthy and never returns probe errors.
func (p *Pool) CheckHealth(ctx context.Context, url string) bool {
	conn, err := p.connFor(ctx, url)
	if err == nil {
		start := p.clock.Now()
		err = p.probe(ctx, conn)
		if err == nil {
			p.markHealthy(url, p.clock.Now().Sub(start))
			return true
		}
	}

	p.logger.Warn("health probe failed", zap.String("endpoint", url), zap.Error(err))
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.lookup(url)
	if ep == nil {
		return false
	}
	now := p.clock.Now()
	ep.lastChecked = now
	ep.errors++
	ep.markUnhealthy(now)
	ep.extendCooldown(now.Add(p.cfg.FailureCooldown), reasonFailure)
	p.observer.EndpointHealth(url, false)
	if p.endpoints[p.current] == ep {
		p.rotateLocked("probe failed")
	}
	return false
}

func (p *Pool) markHealthy(url string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.lookup(url)
	if ep == nil {
		return
	}
	ep.healthy = true
	ep.unhealthySince = time.Time{}
	ep.lastChecked = p.clock.Now()
	if ep.cooldownReason == reasonFailure {
		ep.cooldownUntil = time.Time{}
		ep.cooldownReason = reasonNone
	}
	ep.addSample(elapsed)
	p.observer.EndpointHealth(url, true)
}

// probe races a latest-block call against the probe timeout on the pool clock.
func (p *Pool) probe(ctx context.Context, conn chain.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := conn.BlockNumber(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-p.clock.After(p.cfg.ProbeTimeout):
		return faults.Wrap(faults.Transient, "probe", context.DeadlineExceeded)
	case <-ctx.Done():
		return faults.Wrap(faults.Transient, "probe", ctx.Err())
	}
}

// CheckAll probes every endpoint that is due and then reselects the current one.
func (p *Pool) CheckAll(ctx context.Context) {
	now := p.clock.Now()
	p.mu.RLock()
	due := make([]string, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.healthy && !ep.lastChecked.IsZero() && now.Sub(ep.lastChecked) < p.cfg.MinCheckInterval {
			continue
		}
		if !ep.healthy && ep.coolingDown(now) {
			continue
		}
		due = append(due, ep.URL)
	}
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range due {
		url := url
		g.Go(func() error {
			p.CheckHealth(gctx, url)
			return nil
		})
	}
	_ = g.Wait()

	p.SelectBest()
}

// Rotate advances to the next usable endpoint and returns its URL.
func (p *Pool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked("requested")
}

// rotateLocked scans circularly from the current index for a healthy endpoint that is
// not rate limited, then for any healthy one, then for the one whose cooldown ends
// soonest. It always selects something.
func (p *Pool) rotateLocked(reason string) string {
	n := len(p.endpoints)
	now := p.clock.Now()
	from := p.current

	chosen := -1
	for i := 1; i < n; i++ {
		idx := (from + i) % n
		if p.endpoints[idx].viable(now) {
			chosen = idx
			break
		}
	}
	if chosen < 0 {
		for i := 1; i <= n; i++ {
			idx := (from + i) % n
			if p.endpoints[idx].healthy {
				chosen = idx
				break
			}
		}
	}
	if chosen < 0 {
		var soonest time.Time
		for i := 1; i <= n; i++ {
			idx := (from + i) % n
			at := p.endpoints[idx].availableAt()
			if chosen < 0 || at.Before(soonest) {
				chosen = idx
				soonest = at
			}
		}
	}

	p.setCurrentLocked(chosen, reason)
	return p.endpoints[p.current].URL
}

func (p *Pool) setCurrentLocked(idx int, reason string) {
	if idx == p.current {
		return
	}
	fromURL := p.endpoints[p.current].URL
	p.current = idx
	toURL := p.endpoints[idx].URL
	p.logger.Info("endpoint rotated", zap.String("from", fromURL), zap.String("to", toURL), zap.String("reason", reason))
	p.observer.EndpointRotated(fromURL, toURL, reason)
}

// RecordSuccess credits a completed call to the endpoint that served it.
func (p *Pool) RecordSuccess(url string, responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.lookup(url)
	if ep == nil {
		return
	}
	ep.requests++
	ep.successes++
	ep.addSample(responseTime)
	if !ep.healthy {
		ep.healthy = true
		ep.unhealthySince = time.Time{}
		p.observer.EndpointHealth(url, true)
	}
}

// RecordFailure classifies err and applies the matching cooldown. Authorization
// errors get the longest cooldown, rate limits a medium one, anything else rotates
// away immediately and re-checks the endpoint in the background.
func (p *Pool) RecordFailure(url string, err error) {
	kind := faults.Classify(err)

	p.mu.Lock()
	ep := p.lookup(url)
	if ep == nil {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	ep.requests++
	ep.errors++
	isCurrent := p.endpoints[p.current] == ep

	recheck := false
	switch kind {
	case faults.Auth:
		ep.markUnhealthy(now)
		ep.extendCooldown(now.Add(p.cfg.AuthCooldown), reasonAuth)
	case faults.RateLimited:
		until := now.Add(p.cfg.RateLimitCooldown)
		if until.After(ep.rateLimitedUntil) {
			ep.rateLimitedUntil = until
		}
	default:
		ep.markUnhealthy(now)
		ep.extendCooldown(now.Add(p.cfg.FailureCooldown), reasonFailure)
		recheck = true
	}
	if kind != faults.RateLimited {
		p.observer.EndpointHealth(url, false)
	}
	if isCurrent {
		p.rotateLocked(kind.String())
	}
	p.mu.Unlock()

	p.logger.Warn("endpoint failure", zap.String("endpoint", url), zap.String("kind", kind.String()), zap.Error(err))

	if recheck {
		p.checks.Add(1)
		go func() {
			defer p.checks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			defer cancel()
			p.recheck(ctx, url)
		}()
	}
}

// recheck probes a failed endpoint without letting a success lift its cooldown early.
func (p *Pool) recheck(ctx context.Context, url string) {
	conn, err := p.connFor(ctx, url)
	if err != nil {
		return
	}
	start := p.clock.Now()
	if err := p.probe(ctx, conn); err != nil {
		p.logger.Debug("recheck failed", zap.String("endpoint", url), zap.Error(err))
		return
	}
	elapsed := p.clock.Now().Sub(start)

	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.lookup(url)
	if ep == nil {
		return
	}
	ep.healthy = true
	ep.unhealthySince = time.Time{}
	ep.lastChecked = p.clock.Now()
	ep.addSample(elapsed)
	p.observer.EndpointHealth(url, true)
}

// SelectBest picks the current endpoint per the configured strategy.
func (p *Pool) SelectBest() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.cfg.Strategy == RoundRobin {
		if p.endpoints[p.current].viable(now) {
			return p.endpoints[p.current].URL
		}
		return p.rotateLocked("round robin")
	}

	candidates := make([]int, 0, len(p.endpoints))
	for i, ep := range p.endpoints {
		if ep.viable(now) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		if p.endpoints[p.current].viable(now) {
			return p.endpoints[p.current].URL
		}
		return p.rotateLocked("no viable endpoint")
	}

	switch p.cfg.Strategy {
	case HealthFirst:
		sort.SliceStable(candidates, func(a, b int) bool {
			return p.endpoints[candidates[a]].errors < p.endpoints[candidates[b]].errors
		})
	default:
		sort.SliceStable(candidates, func(a, b int) bool {
			return p.faster(p.endpoints[candidates[a]], p.endpoints[candidates[b]])
		})
	}

	p.setCurrentLocked(candidates[0], string(p.cfg.Strategy))
	return p.endpoints[p.current].URL
}

// faster orders by tier descending, then average response time ascending. Endpoints
// without samples sort after measured ones of the same tier.
func (p *Pool) faster(a, b *Endpoint) bool {
	if a.Tier != b.Tier {
		return a.Tier > b.Tier
	}
	avgA, okA := a.average()
	avgB, okB := b.average()
	if okA != okB {
		return okA
	}
	return avgA < avgB
}

// Add registers a new endpoint.
func (p *Pool) Add(url string, tier int) error {
	if url == "" {
		return fmt.Errorf("endpoint url is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lookup(url) != nil {
		return fmt.Errorf("duplicate endpoint: %s", url)
	}
	p.endpoints = append(p.endpoints, newEndpoint(url, tier, p.cfg.ResponseWindow))
	return nil
}

// Remove drops an endpoint and closes its connection. The last endpoint cannot be
// removed.
func (p *Pool) Remove(url string) error {
	p.mu.Lock()
	idx := p.index(url)
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("unknown endpoint: %s", url)
	}
	if len(p.endpoints) == 1 {
		p.mu.Unlock()
		return fmt.Errorf("cannot remove the last endpoint")
	}

	removed := p.endpoints[idx].conn
	wasCurrent := idx == p.current
	p.endpoints = append(p.endpoints[:idx], p.endpoints[idx+1:]...)
	switch {
	case idx < p.current:
		p.current--
	case wasCurrent:
		p.current = idx % len(p.endpoints)
		if !p.endpoints[p.current].viable(p.clock.Now()) {
			p.rotateLocked("removed")
		}
		p.logger.Info("current endpoint removed", zap.String("endpoint", url), zap.String("current", p.endpoints[p.current].URL))
	}
	p.mu.Unlock()

	if removed != nil {
		closeConn(removed)
	}
	return nil
}

// Status returns a snapshot of every endpoint.
func (p *Pool) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.endpoints))
	for i, ep := range p.endpoints {
		out = append(out, ep.status(i == p.current))
	}
	return out
}

// Monitor runs CheckAll every interval until ctx is done.
func (p *Pool) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		p.CheckAll(ctx)
		if err := clock.Sleep(ctx, p.clock, interval); err != nil {
			return err
		}
	}
}
