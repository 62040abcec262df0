package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"routeGuard/internal/chain"
	"routeGuard/internal/chain/chaintest"
	"routeGuard/internal/clock"
	"routeGuard/internal/faults"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeDialer struct {
	conns map[string]chain.Connection
}

func (d *fakeDialer) Dial(_ context.Context, url string) (chain.Connection, error) {
	conn, ok := d.conns[url]
	if !ok {
		return nil, fmt.Errorf("dial refused: %s", url)
	}
	return conn, nil
}

type hangingConn struct {
	*chaintest.Fake
}

func (h *hangingConn) BlockNumber(ctx context.Context) (uint64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestPool(t *testing.T, cfg Config, vc *clock.Virtual) (*Pool, map[string]*chaintest.Fake) {
	t.Helper()
	fakes := make(map[string]*chaintest.Fake)
	dialer := &fakeDialer{conns: make(map[string]chain.Connection)}
	for _, spec := range cfg.Endpoints {
		fake := &chaintest.Fake{Block: 100}
		fakes[spec.URL] = fake
		dialer.conns[spec.URL] = fake
	}
	pool, err := NewPool(cfg, dialer, WithClock(vc))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, fakes
}

func specs(urls ...string) []Spec {
	out := make([]Spec, 0, len(urls))
	for _, url := range urls {
		out = append(out, Spec{URL: url, Tier: 1})
	}
	return out
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(Config{}, &fakeDialer{}); err == nil {
		t.Fatalf("expected error for empty endpoints")
	}
	if _, err := NewPool(Config{Endpoints: specs("a", "a")}, &fakeDialer{}); err == nil {
		t.Fatalf("expected error for duplicate endpoints")
	}
	if _, err := NewPool(Config{Endpoints: specs("a"), Strategy: "random"}, &fakeDialer{}); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestPerformanceFirstPrefersTier(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: []Spec{
		{URL: "fast-low", Tier: 1},
		{URL: "slow-high", Tier: 3},
		{URL: "faster-high", Tier: 3},
	}}, vc)

	pool.RecordSuccess("fast-low", time.Millisecond)
	pool.RecordSuccess("slow-high", 900*time.Millisecond)
	pool.RecordSuccess("faster-high", 400*time.Millisecond)

	if got := pool.SelectBest(); got != "faster-high" {
		t.Fatalf("SelectBest = %s, want faster-high", got)
	}

	pool.RecordSuccess("faster-high", 5*time.Second)
	pool.RecordSuccess("faster-high", 5*time.Second)
	if got := pool.SelectBest(); got != "slow-high" {
		t.Fatalf("SelectBest = %s, want slow-high after tie-break flips", got)
	}
}

func TestPerformanceFirstMeasuredBeforeUnmeasured(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b")}, vc)
	pool.RecordSuccess("b", time.Second)

	if got := pool.SelectBest(); got != "b" {
		t.Fatalf("SelectBest = %s, want b", got)
	}
}

func TestHealthFirstPrefersFewestErrors(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b"), Strategy: HealthFirst, RateLimitCooldown: time.Second}, vc)

	pool.RecordFailure("a", errors.New("429 too many requests"))
	vc.Advance(2 * time.Second)

	if got := pool.SelectBest(); got != "b" {
		t.Fatalf("SelectBest = %s, want b", got)
	}
}

func TestRoundRobinKeepsViableCurrent(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b", "c"), Strategy: RoundRobin}, vc)
	pool.RecordSuccess("c", time.Millisecond)

	if got := pool.SelectBest(); got != "a" {
		t.Fatalf("SelectBest = %s, want a", got)
	}
}

func TestRotateNeverRepeatsWithTwoViable(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b", "c")}, vc)

	prev := pool.CurrentURL()
	want := []string{"b", "c", "a", "b"}
	for i, w := range want {
		got := pool.Rotate()
		if got == prev {
			t.Fatalf("rotation %d returned the same endpoint %s", i, got)
		}
		if got != w {
			t.Fatalf("rotation %d = %s, want %s", i, got, w)
		}
		prev = got
	}
}

func TestRotateSkipsRateLimited(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b", "c")}, vc)

	pool.RecordFailure("b", errors.New("429 too many requests"))
	if got := pool.Rotate(); got != "c" {
		t.Fatalf("Rotate = %s, want c", got)
	}
}

func TestRotateFallsBackToHealthyThenSoonest(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{
		Endpoints:         specs("a", "b"),
		RateLimitCooldown: time.Minute,
		AuthCooldown:      10 * time.Minute,
		FailureCooldown:   30 * time.Second,
	}, vc)

	pool.RecordFailure("a", errors.New("429 too many requests"))
	pool.RecordFailure("b", errors.New("429 too many requests"))
	got := pool.Rotate()
	if got != "a" && got != "b" {
		t.Fatalf("Rotate = %s", got)
	}

	pool.RecordFailure("a", faults.New(faults.Auth, "rpc", "forbidden"))
	pool.RecordFailure("b", faults.New(faults.Auth, "rpc", "forbidden"))
	vc.Advance(time.Second)
	pool.RecordFailure("a", errors.New("403 forbidden"))

	if got := pool.Rotate(); got != "b" {
		t.Fatalf("Rotate = %s, want b (earliest cooldown expiry)", got)
	}
}

func TestRecordFailureCooldowns(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{
		Endpoints:         specs("auth", "limited", "flaky"),
		RateLimitCooldown: time.Minute,
		AuthCooldown:      10 * time.Minute,
		FailureCooldown:   30 * time.Second,
	}, vc)

	pool.RecordFailure("auth", errors.New("401 unauthorized"))
	pool.RecordFailure("limited", errors.New("429 too many requests"))
	pool.RecordFailure("flaky", errors.New("connection reset by peer"))
	pool.Close()

	byURL := map[string]Status{}
	for _, st := range pool.Status() {
		byURL[st.URL] = st
	}

	if got := byURL["auth"].CooldownUntil; !got.Equal(epoch.Add(10 * time.Minute)) {
		t.Fatalf("auth cooldown = %s", got)
	}
	if byURL["auth"].Healthy {
		t.Fatalf("auth endpoint should be unhealthy")
	}
	if got := byURL["limited"].RateLimitedUntil; !got.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("rate limit until = %s", got)
	}
	if !byURL["limited"].Healthy {
		t.Fatalf("rate limited endpoint should stay healthy")
	}
	if got := byURL["flaky"].CooldownUntil; !got.Equal(epoch.Add(30 * time.Second)) {
		t.Fatalf("failure cooldown = %s", got)
	}
	if !byURL["flaky"].Healthy {
		t.Fatalf("flaky endpoint should be healthy again after background recheck")
	}
	for _, st := range byURL {
		if st.Errors != 1 || st.Requests != 1 {
			t.Fatalf("%s counters errors=%d requests=%d", st.URL, st.Errors, st.Requests)
		}
	}
}

func TestCheckHealthFailureRotatesCurrent(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, fakes := newTestPool(t, Config{Endpoints: specs("a", "b")}, vc)
	fakes["a"].ProbeErr = errors.New("connection refused")

	if pool.CheckHealth(context.Background(), "a") {
		t.Fatalf("expected unhealthy")
	}
	if pool.CurrentURL() != "b" {
		t.Fatalf("current = %s, want b", pool.CurrentURL())
	}

	st := pool.Status()[0]
	if st.Healthy || !st.UnhealthySince.Equal(epoch) || st.Errors != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	vc.Advance(time.Minute)
	fakes["a"].ProbeErr = nil
	if !pool.CheckHealth(context.Background(), "a") {
		t.Fatalf("expected healthy")
	}
	st = pool.Status()[0]
	if !st.Healthy || !st.UnhealthySince.IsZero() || st.Samples != 1 {
		t.Fatalf("unexpected status after recovery: %+v", st)
	}
}

func TestCheckHealthTimeoutIsFailure(t *testing.T) {
	dialer := &fakeDialer{conns: map[string]chain.Connection{
		"slow": &hangingConn{Fake: &chaintest.Fake{}},
		"ok":   &chaintest.Fake{},
	}}
	pool, err := NewPool(Config{Endpoints: specs("slow", "ok"), ProbeTimeout: 20 * time.Millisecond}, dialer)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if pool.CheckHealth(context.Background(), "slow") {
		t.Fatalf("timed out probe should be unhealthy")
	}
	if pool.CurrentURL() != "ok" {
		t.Fatalf("current = %s, want ok", pool.CurrentURL())
	}
}

func TestCheckAllSkipsRecentAndCooling(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, fakes := newTestPool(t, Config{
		Endpoints:        specs("a", "b"),
		MinCheckInterval: 30 * time.Second,
		FailureCooldown:  time.Minute,
	}, vc)
	fakes["b"].ProbeErr = errors.New("connection refused")

	pool.CheckAll(context.Background())
	if fakes["a"].CallCount("BlockNumber") != 1 || fakes["b"].CallCount("BlockNumber") != 1 {
		t.Fatalf("first round should probe both")
	}

	vc.Advance(10 * time.Second)
	pool.CheckAll(context.Background())
	if fakes["a"].CallCount("BlockNumber") != 1 {
		t.Fatalf("recently checked healthy endpoint was probed again")
	}
	if fakes["b"].CallCount("BlockNumber") != 1 {
		t.Fatalf("cooling endpoint was probed again")
	}

	vc.Advance(time.Minute)
	pool.CheckAll(context.Background())
	if fakes["a"].CallCount("BlockNumber") != 2 || fakes["b"].CallCount("BlockNumber") != 2 {
		t.Fatalf("due endpoints were not probed")
	}
	if pool.CurrentURL() != "a" {
		t.Fatalf("current = %s, want a", pool.CurrentURL())
	}
}

func TestAddRemove(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, _ := newTestPool(t, Config{Endpoints: specs("a", "b")}, vc)

	if err := pool.Add("a", 1); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := pool.Add("c", 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if pool.CurrentURL() != "b" {
		t.Fatalf("current = %s, want b", pool.CurrentURL())
	}
	if err := pool.Remove("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := pool.Remove("c"); err == nil {
		t.Fatalf("removing the last endpoint should fail")
	}
}

type closableConn struct {
	*chaintest.Fake
	closed atomic.Int32
}

func (c *closableConn) Close() { c.closed.Add(1) }

// gatedDialer hands out a fresh connection per dial once gate is closed.
type gatedDialer struct {
	mu     sync.Mutex
	dialed []*closableConn
	gate   chan struct{}
}

func (d *gatedDialer) Dial(_ context.Context, _ string) (chain.Connection, error) {
	conn := &closableConn{Fake: &chaintest.Fake{Block: 100}}
	d.mu.Lock()
	d.dialed = append(d.dialed, conn)
	d.mu.Unlock()
	<-d.gate
	return conn, nil
}

func (d *gatedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func TestConcurrentDialClosesLoser(t *testing.T) {
	dialer := &gatedDialer{gate: make(chan struct{})}
	pool, err := NewPool(Config{Endpoints: specs("a", "b")}, dialer, WithClock(clock.NewVirtual(epoch)))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var wg sync.WaitGroup
	got := make([]chain.Connection, 2)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := pool.Current(context.Background())
			if err != nil {
				t.Errorf("current: %v", err)
			}
			got[i] = conn
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dialer.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected two concurrent dials, got %d", dialer.count())
		}
		time.Sleep(time.Millisecond)
	}
	close(dialer.gate)
	wg.Wait()

	if got[0] != got[1] {
		t.Fatalf("callers received different connections")
	}
	closed := 0
	for _, conn := range dialer.dialed {
		if conn.closed.Load() > 0 {
			closed++
			if chain.Connection(conn) == got[0] {
				t.Fatalf("the kept connection was closed")
			}
		}
	}
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}

	pool.Close()
	for _, conn := range dialer.dialed {
		if conn.closed.Load() != 1 {
			t.Fatalf("every connection should be closed exactly once after Close")
		}
	}
}

func TestRemoveClosesConnection(t *testing.T) {
	dialer := &gatedDialer{gate: make(chan struct{})}
	close(dialer.gate)
	pool, err := NewPool(Config{Endpoints: specs("a", "b")}, dialer, WithClock(clock.NewVirtual(epoch)))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, url, err := pool.Current(context.Background()); err != nil || url != "a" {
		t.Fatalf("current = %s, %v", url, err)
	}
	if err := pool.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n := dialer.dialed[0].closed.Load(); n != 1 {
		t.Fatalf("removed connection closed %d times, want 1", n)
	}
}

func TestPoolConnectionRotatesOnTimeout(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, fakes := newTestPool(t, Config{Endpoints: specs("a", "b")}, vc)
	fakes["a"].SendErrs = []error{faults.Wrap(faults.Transient, "send", context.DeadlineExceeded)}

	conn := pool.Connection()
	if err := conn.SendTransaction(context.Background(), nil); err == nil {
		t.Fatalf("expected send failure")
	}
	if pool.CurrentURL() != "b" {
		t.Fatalf("current = %s, want b", pool.CurrentURL())
	}
	if err := conn.SendTransaction(context.Background(), nil); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if fakes["b"].SentCount() != 1 {
		t.Fatalf("resend did not reach the new endpoint")
	}
}

func TestPoolConnectionRevertKeepsEndpoint(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, fakes := newTestPool(t, Config{Endpoints: specs("a", "b")}, vc)
	fakes["a"].SendErrs = []error{errors.New("execution reverted")}

	if err := pool.Connection().SendTransaction(context.Background(), nil); err == nil {
		t.Fatalf("expected revert")
	}
	if pool.CurrentURL() != "a" {
		t.Fatalf("revert should not rotate")
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	pool, fakes := newTestPool(t, Config{Endpoints: specs("a")}, vc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Monitor(ctx, time.Minute) }()

	deadline := time.Now().Add(time.Second)
	for fakes["a"].CallCount("BlockNumber") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("monitor error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("monitor did not stop")
	}
}
