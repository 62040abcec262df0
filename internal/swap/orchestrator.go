// Package swap serves swap and sell requests through a cascade of providers: a
// remembered venue, the aggregator with route escalation, eligible direct venues and
// a last-resort aggregator attempt at maximal slippage.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"routeGuard/internal/chain"
	"routeGuard/internal/clock"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/faults"
	"routeGuard/internal/hints"
	"routeGuard/internal/liquidity"
	"routeGuard/internal/model"
	"routeGuard/internal/ratelimit"
	"routeGuard/internal/route"
	"routeGuard/internal/storage"
	"routeGuard/internal/venue"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// ErrPartialRoute is returned when a synthetic route failed after some of its legs
// were mined. The account now holds an intermediate asset.
var ErrPartialRoute = errors.New("synthetic route partially executed")

// Resolver finds an aggregator route, escalating through its stages.
type Resolver interface {
	Resolve(ctx context.Context, req model.QuoteRequest) (route.Resolution, error)
}

// Aggregator turns an aggregator quote into a transaction.
type Aggregator interface {
	BuildSwap(ctx context.Context, quote *model.Quote, user common.Address) (*model.TxRequest, error)
}

// TxExecutor submits a provider transaction and waits for it.
type TxExecutor interface {
	Address() common.Address
	Execute(ctx context.Context, req *model.TxRequest) (*types.Receipt, error)
}

// EligibilityChecker decides which direct venues may be tried.
type EligibilityChecker interface {
	Check(ctx context.Context, token, base common.Address, venues []liquidity.PoolReporter) map[string]model.Eligibility
}

// LimiterStatus exposes the rate limiter snapshot for Status.
type LimiterStatus interface {
	Status() ratelimit.Status
}

// Observer is told about every terminal result.
type Observer interface {
	SwapCompleted(result model.SwapResult, elapsed time.Duration)
}

// Config holds trade limits and slippage tolerances in basis points.
type Config struct {
	TradingEnabled bool
	// MaxTradeSize clamps request amounts when set.
	MaxTradeSize       *big.Int
	BaseToken          common.Address
	DefaultSlippageBps uint32
	VenueSlippageBps   uint32
	MaxSlippageBps     uint32
}

func (c Config) withDefaults() Config {
	if c.DefaultSlippageBps == 0 {
		c.DefaultSlippageBps = 100
	}
	if c.VenueSlippageBps == 0 {
		c.VenueSlippageBps = 1_500
	}
	if c.MaxSlippageBps == 0 {
		c.MaxSlippageBps = 5_000
	}
	if c.MaxSlippageBps > 10_000 {
		c.MaxSlippageBps = 10_000
	}
	return c
}

// Deps are the collaborators the orchestrator drives. Pool, Resolver, Aggregator and
// Executor are required.
type Deps struct {
	Pool       EndpointPool
	Limiter    LimiterStatus
	Resolver   Resolver
	Aggregator Aggregator
	Executor   TxExecutor
	// Venues are tried in slice order.
	Venues   []venue.Client
	Checker  EligibilityChecker
	Hints    hints.Store
	Ledger   storage.Storage
	Observer Observer
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator serves swap and sell requests.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	conn    chain.Connection
	venues  map[string]venue.Client
	trading atomic.Bool
	clock   clock.Clock
	logger  *zap.Logger
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("endpoint pool is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("route resolver is required")
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("aggregator is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	}

	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		conn:   deps.Pool.Connection(),
		venues: make(map[string]venue.Client, len(deps.Venues)),
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, v := range deps.Venues {
		if _, ok := o.venues[v.Name()]; ok {
			return nil, fmt.Errorf("duplicate venue: %s", v.Name())
		}
		o.venues[v.Name()] = v
	}
	if o.deps.Checker == nil {
		o.deps.Checker = liquidity.NewChecker(nil, liquidity.DefaultMinLiquidityUSD, o.logger)
	}
	if o.deps.Hints == nil {
		o.deps.Hints = hints.NewMemoryStore(0, o.clock)
	}
	o.trading.Store(cfg.TradingEnabled)
	return o, nil
}

// SetTradingEnabled flips the global trading gate.
func (o *Orchestrator) SetTradingEnabled(enabled bool) {
	o.trading.Store(enabled)
	o.logger.Info("trading gate changed", zap.Bool("enabled", enabled))
}

// Swap trades req.Amount of req.InputToken for req.OutputToken. It never fails: the
// outcome, including every provider attempted, is reported in the result.
func (o *Orchestrator) Swap(ctx context.Context, req model.SwapRequest) model.SwapResult {
	return o.run(ctx, SideBuy, req)
}

// Sell trades req.Amount of req.InputToken back into the base asset.
func (o *Orchestrator) Sell(ctx context.Context, req model.SwapRequest) model.SwapResult {
	req.OutputToken = o.cfg.BaseToken
	return o.run(ctx, SideSell, req)
}

type trade struct {
	side     string
	input    common.Address
	output   common.Address
	amount   *big.Int
	slippage uint32
	// asset is the non-base side, the key for hints and liquidity discovery.
	asset    common.Address
	quote    common.Address
	attempts []model.Attempt

	eligibility map[string]model.Eligibility
}

func (t *trade) record(provider, stage string, err error) {
	a := model.Attempt{Provider: provider, Stage: stage}
	if err != nil {
		a.Error = err.Error()
	}
	t.attempts = append(t.attempts, a)
}

type execution struct {
	provider string
	quote    *model.Quote
	receipts []*types.Receipt
}

func (o *Orchestrator) run(ctx context.Context, side string, req model.SwapRequest) model.SwapResult {
	start := o.clock.Now()
	result := model.SwapResult{
		ID:          uuid.NewString(),
		Side:        side,
		InputToken:  req.InputToken,
		OutputToken: req.OutputToken,
		InAmount:    req.Amount,
		Timestamp:   start,
		Attempts:    []model.Attempt{},
	}
	logger := o.logger.With(zap.String("id", result.ID), zap.String("side", side))

	t, err := o.prepare(ctx, side, req)
	var ex *execution
	if err == nil {
		result.InAmount = t.amount
		ex, err = runCascade(ctx, o.plan(ctx, t), t, logger)
		result.Attempts = append(result.Attempts, t.attempts...)
	}

	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = faults.Classify(err).String()
		logger.Warn("swap failed",
			zap.String("input", req.InputToken.Hex()),
			zap.String("output", req.OutputToken.Hex()),
			zap.String("kind", result.ErrorKind),
			zap.Int("attempts", len(result.Attempts)),
			zap.Error(err))
	} else {
		result.Success = true
		result.Provider = ex.provider
		result.OutAmount = ex.quote.OutAmount
		if n := len(ex.receipts); n > 0 {
			result.TxHash = ex.receipts[n-1].TxHash.Hex()
		}
		logger.Info("swap completed",
			zap.String("provider", result.Provider),
			zap.String("tx", result.TxHash),
			zap.Int("attempts", len(result.Attempts)))
	}

	o.finish(ctx, result, o.clock.Now().Sub(start))
	return result
}

// prepare enforces the trading gate, the size clamp and the balance check.
func (o *Orchestrator) prepare(ctx context.Context, side string, req model.SwapRequest) (*trade, error) {
	if !o.trading.Load() {
		return nil, faults.ErrTradingDisabled
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, faults.ErrInvalidAmount
	}
	if req.InputToken == req.OutputToken {
		return nil, faults.New(faults.Precondition, "swap", "input and output token are the same")
	}

	amount := new(big.Int).Set(req.Amount)
	if limit := o.cfg.MaxTradeSize; limit != nil && limit.Sign() > 0 && amount.Cmp(limit) > 0 {
		o.logger.Info("clamping trade size",
			zap.String("requested", amount.String()),
			zap.String("max", limit.String()))
		amount.Set(limit)
	}

	slippage := o.cfg.DefaultSlippageBps
	if req.SlippageBps != nil {
		slippage = *req.SlippageBps
	}
	if slippage > 10_000 {
		slippage = 10_000
	}

	balance, err := chain.TokenBalance(ctx, o.conn, req.InputToken, o.deps.Executor.Address())
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, &faults.Error{
			Kind:   faults.Precondition,
			Op:     "swap",
			Reason: fmt.Sprintf("have %s, need %s", balance, amount),
			Err:    faults.ErrInsufficientBalance,
		}
	}

	t := &trade{
		side:     side,
		input:    req.InputToken,
		output:   req.OutputToken,
		amount:   amount,
		slippage: slippage,
		asset:    req.OutputToken,
		quote:    req.InputToken,
	}
	if req.OutputToken == o.cfg.BaseToken {
		t.asset, t.quote = req.InputToken, req.OutputToken
	}
	return t, nil
}

// plan lays out the cascade for t. A remembered venue replaces the whole cascade.
func (o *Orchestrator) plan(ctx context.Context, t *trade) []Step {
	if v, ok := o.hinted(ctx, t.asset); ok {
		return []Step{{Name: "hinted:" + v.Name(), Run: o.venueStep(v)}}
	}

	steps := []Step{{Name: "aggregator", Run: o.aggregatorStep("", func(t *trade) uint32 { return t.slippage })}}
	for _, v := range o.deps.Venues {
		steps = append(steps, Step{Name: "venue:" + v.Name(), Run: o.eligibleVenueStep(v)})
	}
	steps = append(steps, Step{
		Name: "aggregator-max-slippage",
		Run:  o.aggregatorStep("max_slippage", func(*trade) uint32 { return o.cfg.MaxSlippageBps }),
	})
	return steps
}

func (o *Orchestrator) hinted(ctx context.Context, asset common.Address) (venue.Client, bool) {
	hint, ok, err := o.deps.Hints.Get(ctx, asset)
	if err != nil {
		o.logger.Warn("venue hint lookup failed", zap.String("token", asset.Hex()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	v, ok := o.venues[hint.Venue]
	if !ok {
		o.logger.Warn("hinted venue not configured", zap.String("token", asset.Hex()), zap.String("venue", hint.Venue))
		return nil, false
	}
	return v, true
}

func (o *Orchestrator) aggregatorStep(label string, slippage func(*trade) uint32) func(context.Context, *trade) (*execution, error) {
	return func(ctx context.Context, t *trade) (*execution, error) {
		res, err := o.deps.Resolver.Resolve(ctx, model.QuoteRequest{
			InputToken:  t.input,
			OutputToken: t.output,
			Amount:      t.amount,
			SlippageBps: slippage(t),
		})
		stage := ""
		if n := len(res.Stages); n > 0 {
			stage = string(res.Stages[n-1])
		}
		if label != "" {
			stage = label + ":" + stage
		}
		if err == nil && res.NoRoute {
			err = faults.ErrNoRoute
		}
		if err != nil {
			t.record(model.ProviderAggregator, stage, err)
			return nil, err
		}

		receipts, err := o.executeAggregatorQuote(ctx, res.Quote)
		t.record(model.ProviderAggregator, stage, err)
		if err != nil {
			return nil, err
		}
		return &execution{provider: model.ProviderAggregator, quote: res.Quote, receipts: receipts}, nil
	}
}

// executeAggregatorQuote submits a route; synthetic routes are executed leg by leg.
func (o *Orchestrator) executeAggregatorQuote(ctx context.Context, q *model.Quote) ([]*types.Receipt, error) {
	legs := []*model.Quote{q}
	if q.Synthetic() {
		legs = q.Legs
	}
	user := o.deps.Executor.Address()

	var receipts []*types.Receipt
	for i, leg := range legs {
		tx, err := o.deps.Aggregator.BuildSwap(ctx, leg, user)
		if err == nil {
			var receipt *types.Receipt
			receipt, err = o.deps.Executor.Execute(ctx, tx)
			if err == nil {
				receipts = append(receipts, receipt)
				continue
			}
		}
		if i > 0 {
			return receipts, fmt.Errorf("%w: leg %d of %d: %v", ErrPartialRoute, i+1, len(legs), err)
		}
		return nil, err
	}
	return receipts, nil
}

func (o *Orchestrator) eligibleVenueStep(v venue.Client) func(context.Context, *trade) (*execution, error) {
	direct := o.venueStep(v)
	return func(ctx context.Context, t *trade) (*execution, error) {
		if t.eligibility == nil {
			t.eligibility = o.deps.Checker.Check(ctx, t.asset, t.quote, o.reporters())
		}
		if e := t.eligibility[v.Name()]; e != model.Eligible {
			t.record(v.Name(), "eligibility", fmt.Errorf("venue %s", e))
			return nil, errSkipped
		}
		ex, err := direct(ctx, t)
		if err != nil {
			return nil, err
		}
		o.remember(ctx, t.asset, v.Name())
		return ex, nil
	}
}

func (o *Orchestrator) venueStep(v venue.Client) func(context.Context, *trade) (*execution, error) {
	return func(ctx context.Context, t *trade) (*execution, error) {
		slippage := o.cfg.VenueSlippageBps
		if t.slippage > slippage {
			slippage = t.slippage
		}
		q, err := v.Quote(ctx, model.QuoteRequest{
			InputToken:  t.input,
			OutputToken: t.output,
			Amount:      t.amount,
			SlippageBps: slippage,
			OnlyDirect:  true,
		})
		if err != nil {
			t.record(v.Name(), "quote", err)
			return nil, err
		}
		tx, err := v.BuildSwapTransaction(ctx, q, o.deps.Executor.Address())
		if err != nil {
			t.record(v.Name(), "build", err)
			return nil, err
		}
		receipt, err := o.deps.Executor.Execute(ctx, tx)
		t.record(v.Name(), "execute", err)
		if err != nil {
			return nil, err
		}
		return &execution{provider: v.Name(), quote: q, receipts: []*types.Receipt{receipt}}, nil
	}
}

func (o *Orchestrator) reporters() []liquidity.PoolReporter {
	out := make([]liquidity.PoolReporter, 0, len(o.deps.Venues))
	for _, v := range o.deps.Venues {
		out = append(out, v)
	}
	return out
}

func (o *Orchestrator) remember(ctx context.Context, asset common.Address, venueName string) {
	hint := hints.Hint{Venue: venueName, Reason: "aggregator exhausted", RecordedAt: o.clock.Now()}
	if err := o.deps.Hints.Put(ctx, asset, hint); err != nil {
		o.logger.Warn("store venue hint failed", zap.String("token", asset.Hex()), zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, result model.SwapResult, elapsed time.Duration) {
	if o.deps.Ledger != nil {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.deps.Ledger.PutResults(writeCtx, []model.SwapResult{result}); err != nil {
			o.logger.Error("ledger write failed", zap.String("id", result.ID), zap.Error(err))
		}
	}
	if o.deps.Observer != nil {
		o.deps.Observer.SwapCompleted(result, elapsed)
	}
}

// Status is a snapshot of the resilience layer.
type Status struct {
	TradingEnabled  bool              `json:"trading_enabled"`
	CurrentEndpoint string            `json:"current_endpoint"`
	Endpoints       []endpoint.Status `json:"endpoints"`
	RateLimit       *ratelimit.Status `json:"rate_limit,omitempty"`
}

func (o *Orchestrator) Status() Status {
	st := Status{
		TradingEnabled:  o.trading.Load(),
		CurrentEndpoint: o.deps.Pool.CurrentURL(),
		Endpoints:       o.deps.Pool.Status(),
	}
	if o.deps.Limiter != nil {
		rl := o.deps.Limiter.Status()
		st.RateLimit = &rl
	}
	return st
}
