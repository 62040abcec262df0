package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"routeGuard/internal/chain"
	"routeGuard/internal/chain/chaintest"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/faults"
	"routeGuard/internal/hints"
	"routeGuard/internal/liquidity"
	"routeGuard/internal/model"
	"routeGuard/internal/route"
	"routeGuard/internal/venue"
	"routeGuard/internal/wallet"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	tokenX     = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	midToken   = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	aggRouter  = common.HexToAddress("0x00000000000000000000000000000000000a6600")
	venueRoute = common.HexToAddress("0x00000000000000000000000000000000000fe400")
	oneEther   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	errTimeout = errors.New("read tcp 10.0.0.1:443: i/o timeout")
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

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

type rotationCounter struct {
	mu        sync.Mutex
	rotations int
}

func (r *rotationCounter) EndpointRotated(string, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotations++
}

func (r *rotationCounter) EndpointHealth(string, bool) {}

func (r *rotationCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

// fakeAggregator answers resolver quotes through quoteFn and builds a fixed transaction.
type fakeAggregator struct {
	mu       sync.Mutex
	quoteFn  func(req model.QuoteRequest) (*model.Quote, error)
	approval *model.Approval
	quotes   []model.QuoteRequest
	builds   []*model.Quote
}

func (f *fakeAggregator) Quote(_ context.Context, req model.QuoteRequest) (*model.Quote, error) {
	f.mu.Lock()
	f.quotes = append(f.quotes, req)
	fn := f.quoteFn
	f.mu.Unlock()
	if fn == nil {
		return nil, faults.New(faults.NoRoute, "quote", "no routes returned")
	}
	return fn(req)
}

func (f *fakeAggregator) BuildSwap(_ context.Context, quote *model.Quote, _ common.Address) (*model.TxRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, quote)
	return &model.TxRequest{To: aggRouter, Data: []byte{0x02}, Gas: 300_000, Approval: f.approval}, nil
}

func (f *fakeAggregator) quoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quotes)
}

func routeFor(req model.QuoteRequest) *model.Quote {
	return &model.Quote{
		Provider:       model.ProviderAggregator,
		InputToken:     req.InputToken,
		OutputToken:    req.OutputToken,
		InAmount:       req.Amount,
		OutAmount:      big.NewInt(4_200),
		Hops:           []model.Hop{{Venue: "agg", InputToken: req.InputToken, OutputToken: req.OutputToken}},
		PriceImpactPct: decimal.RequireFromString("0.3"),
		SlippageBps:    req.SlippageBps,
	}
}

func alwaysRoute(req model.QuoteRequest) (*model.Quote, error) {
	return routeFor(req), nil
}

type fakeVenue struct {
	name     string
	pool     model.VenuePool
	poolErr  error
	quoteErr error
	quotes   []model.QuoteRequest
	builds   int
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PoolInfo(context.Context, common.Address, common.Address) (model.VenuePool, error) {
	return v.pool, v.poolErr
}

func (v *fakeVenue) Quote(_ context.Context, req model.QuoteRequest) (*model.Quote, error) {
	v.quotes = append(v.quotes, req)
	if v.quoteErr != nil {
		return nil, v.quoteErr
	}
	return &model.Quote{
		Provider:    v.name,
		InputToken:  req.InputToken,
		OutputToken: req.OutputToken,
		InAmount:    req.Amount,
		OutAmount:   big.NewInt(900),
		SlippageBps: req.SlippageBps,
	}, nil
}

func (v *fakeVenue) BuildSwapTransaction(_ context.Context, quote *model.Quote, _ common.Address) (*model.TxRequest, error) {
	v.builds++
	tx := &model.TxRequest{To: venueRoute, Data: []byte{0x01}}
	if chain.IsNative(quote.InputToken) {
		tx.Value = quote.InAmount
	}
	return tx, nil
}

type staticDiscovery struct {
	pools []model.VenuePool
}

func (d staticDiscovery) Pools(context.Context, common.Address) ([]model.VenuePool, error) {
	return d.pools, nil
}

type memLedger struct {
	mu      sync.Mutex
	results []model.SwapResult
}

func (l *memLedger) PutResults(_ context.Context, results []model.SwapResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, results...)
	return nil
}

type recordingObserver struct {
	results []model.SwapResult
}

func (r *recordingObserver) SwapCompleted(result model.SwapResult, _ time.Duration) {
	r.results = append(r.results, result)
}

type setup struct {
	cfg       Config
	venues    []*fakeVenue
	discovery liquidity.Discovery
	hints     hints.Store
	confirm   time.Duration
}

type harness struct {
	orch     *Orchestrator
	pool     *endpoint.Pool
	fakes    map[string]*chaintest.Fake
	rotation *rotationCounter
	agg      *fakeAggregator
	signer   *wallet.KeySigner
	hints    hints.Store
	ledger   *memLedger
	observed *recordingObserver
}

func enabled() Config {
	return Config{TradingEnabled: true, BaseToken: chain.NativeToken}
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	signer, err := wallet.NewKeySigner(devKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	h := &harness{
		fakes:    make(map[string]*chaintest.Fake),
		rotation: &rotationCounter{},
		agg:      &fakeAggregator{},
		signer:   signer,
		ledger:   &memLedger{},
		observed: &recordingObserver{},
	}
	dialer := &fakeDialer{conns: make(map[string]chain.Connection)}
	for _, url := range []string{"rpc-a", "rpc-b"} {
		fake := &chaintest.Fake{
			Block:    100,
			Balances: map[common.Address]*big.Int{signer.Address(): new(big.Int).Set(oneEther)},
			CallFn: func(ethereum.CallMsg) ([]byte, error) {
				return word(oneEther), nil
			},
		}
		h.fakes[url] = fake
		dialer.conns[url] = fake
	}
	pool, err := endpoint.NewPool(endpoint.Config{
		Endpoints: []endpoint.Spec{{URL: "rpc-a", Tier: 1}, {URL: "rpc-b", Tier: 1}},
	}, dialer, endpoint.WithObserver(h.rotation))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	h.pool = pool

	confirm := s.confirm
	if confirm == 0 {
		confirm = time.Second
	}
	exec, err := NewExecutor(pool, signer, ExecutorConfig{ConfirmTimeout: confirm, PollInterval: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	h.hints = s.hints
	if h.hints == nil {
		h.hints = hints.NewMemoryStore(0, nil)
	}
	venues := make([]venue.Client, 0, len(s.venues))
	for _, v := range s.venues {
		venues = append(venues, v)
	}
	cfg := s.cfg
	if cfg == (Config{}) {
		cfg = enabled()
	}

	orch, err := New(cfg, Deps{
		Pool:       pool,
		Resolver:   route.New(h.agg, route.Config{Intermediates: []common.Address{midToken}}, nil),
		Aggregator: h.agg,
		Executor:   exec,
		Venues:     venues,
		Checker:    liquidity.NewChecker(s.discovery, decimal.Zero, nil),
		Hints:      h.hints,
		Ledger:     h.ledger,
		Observer:   h.observed,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) sent() int {
	return h.fakes["rpc-a"].SentCount() + h.fakes["rpc-b"].SentCount()
}

func buyX(amount int64) model.SwapRequest {
	return model.SwapRequest{InputToken: chain.NativeToken, OutputToken: tokenX, Amount: big.NewInt(amount)}
}

func usd(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
