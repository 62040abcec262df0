package venue

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"routeGuard/internal/chain"
	"routeGuard/internal/clock"
	"routeGuard/internal/faults"
	"routeGuard/internal/model"
)

// V2Config describes a constant-product factory/router deployment.
type V2Config struct {
	Name          string
	Factory       common.Address
	Router        common.Address
	WrappedNative common.Address
	Deadline      time.Duration
}

type Option func(*V2Router)

func WithClock(c clock.Clock) Option {
	return func(v *V2Router) { v.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *V2Router) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// V2Router trades through a V2-style router using on-chain calls only.
type V2Router struct {
	cfg    V2Config
	conn   chain.Connection
	pairs  *PairCache
	clock  clock.Clock
	logger *zap.Logger
}

func NewV2Router(cfg V2Config, conn chain.Connection, opts ...Option) (*V2Router, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("venue name is required")
	}
	if cfg.Factory == (common.Address{}) || cfg.Router == (common.Address{}) {
		return nil, fmt.Errorf("venue %s: factory and router are required", cfg.Name)
	}
	if conn == nil {
		return nil, fmt.Errorf("venue %s: connection is nil", cfg.Name)
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 20 * time.Minute
	}
	v := &V2Router{
		cfg:    cfg,
		conn:   conn,
		pairs:  NewPairCache(),
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("venue", cfg.Name))
	return v, nil
}

func (v *V2Router) Name() string {
	return v.cfg.Name
}

// PoolInfo looks the pair up on the factory. A pair with an empty reserve is absent.
func (v *V2Router) PoolInfo(ctx context.Context, token, base common.Address) (model.VenuePool, error) {
	pool := model.VenuePool{Venue: v.cfg.Name, Status: model.PoolUnknown}
	pair, err := v.pairFor(ctx, v.onChain(token), v.onChain(base))
	if err != nil {
		return pool, err
	}
	if pair == (common.Address{}) {
		pool.Status = model.PoolAbsent
		return pool, nil
	}
	pool.Pair = pair.Hex()

	reserveIn, reserveOut, err := v.reserves(ctx, pair, v.onChain(token))
	if err != nil {
		return pool, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		pool.Status = model.PoolAbsent
		return pool, nil
	}
	pool.Status = model.PoolExists
	return pool, nil
}

// Quote prices a single-pair swap with getAmountsOut.
func (v *V2Router) Quote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, faults.ErrInvalidAmount
	}
	in, out := v.onChain(req.InputToken), v.onChain(req.OutputToken)
	if in == out {
		return nil, faults.New(faults.NoRoute, v.op("quote"), "input and output resolve to the same token")
	}
	routerABI, err := V2RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}

	values, err := callMethod(ctx, v.conn, v.cfg.Router, routerABI, "getAmountsOut", req.Amount, []common.Address{in, out})
	if err != nil {
		return nil, v.quoteError(err)
	}
	amounts, err := asBigInts(values[0])
	if err != nil {
		return nil, err
	}
	if len(amounts) < 2 || amounts[len(amounts)-1].Sign() <= 0 {
		return nil, faults.New(faults.NoRoute, v.op("quote"), "zero output")
	}
	outAmount := amounts[len(amounts)-1]

	market := ""
	impact := decimal.Zero
	if pair, err := v.pairFor(ctx, in, out); err == nil && pair != (common.Address{}) {
		market = pair.Hex()
		if reserveIn, _, err := v.reserves(ctx, pair, in); err == nil {
			impact = priceImpactPct(req.Amount, reserveIn)
		} else {
			v.logger.Debug("reserves unavailable for price impact", zap.String("pair", market), zap.Error(err))
		}
	}

	return &model.Quote{
		Provider:    v.cfg.Name,
		InputToken:  req.InputToken,
		OutputToken: req.OutputToken,
		InAmount:    new(big.Int).Set(req.Amount),
		OutAmount:   outAmount,
		Hops: []model.Hop{{
			Venue:          v.cfg.Name,
			Market:         market,
			InputToken:     req.InputToken,
			OutputToken:    req.OutputToken,
			InAmount:       new(big.Int).Set(req.Amount),
			OutAmount:      outAmount,
			PriceImpactPct: impact,
		}},
		PriceImpactPct: impact,
		SlippageBps:    req.SlippageBps,
		Stage:          model.StageDirect,
	}, nil
}

// BuildSwapTransaction encodes the router call for quote. Token inputs carry an
// approval for the router.
func (v *V2Router) BuildSwapTransaction(ctx context.Context, quote *model.Quote, recipient common.Address) (*model.TxRequest, error) {
	if quote == nil || quote.InAmount == nil {
		return nil, fmt.Errorf("%s: quote is nil", v.op("build swap"))
	}
	routerABI, err := V2RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	path := []common.Address{v.onChain(quote.InputToken), v.onChain(quote.OutputToken)}
	minOut := quote.MinOutAmount()
	deadline := big.NewInt(v.clock.Now().Add(v.cfg.Deadline).Unix())

	tx := &model.TxRequest{To: v.cfg.Router, Value: big.NewInt(0)}
	switch {
	case chain.IsNative(quote.InputToken):
		tx.Data, err = routerABI.Pack("swapExactETHForTokens", minOut, path, recipient, deadline)
		tx.Value = new(big.Int).Set(quote.InAmount)
	case chain.IsNative(quote.OutputToken):
		tx.Data, err = routerABI.Pack("swapExactTokensForETH", quote.InAmount, minOut, path, recipient, deadline)
	default:
		tx.Data, err = routerABI.Pack("swapExactTokensForTokens", quote.InAmount, minOut, path, recipient, deadline)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", v.op("build swap"), err)
	}
	if !chain.IsNative(quote.InputToken) {
		tx.Approval = &model.Approval{
			Token:   quote.InputToken,
			Spender: v.cfg.Router,
			Amount:  new(big.Int).Set(quote.InAmount),
		}
	}
	return tx, nil
}

func (v *V2Router) pairFor(ctx context.Context, a, b common.Address) (common.Address, error) {
	if pair, ok := v.pairs.Get(a, b); ok {
		return pair, nil
	}
	factoryABI, err := V2FactoryABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse factory abi: %w", err)
	}
	values, err := callMethod(ctx, v.conn, v.cfg.Factory, factoryABI, "getPair", a, b)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", v.op("get pair"), err)
	}
	pair, err := asAddress(values[0])
	if err != nil {
		return common.Address{}, err
	}
	if pair != (common.Address{}) {
		v.pairs.Set(a, b, pair)
	}
	return pair, nil
}

// reserves returns the pair reserves ordered as (tokenIn side, other side).
func (v *V2Router) reserves(ctx context.Context, pair, tokenIn common.Address) (*big.Int, *big.Int, error) {
	pairABI, err := V2PairABI()
	if err != nil {
		return nil, nil, fmt.Errorf("parse pair abi: %w", err)
	}
	values, err := callMethod(ctx, v.conn, pair, pairABI, "getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", v.op("reserves"), err)
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("getReserves return size %d", len(values))
	}
	r0, err := asBigInt(values[0])
	if err != nil {
		return nil, nil, err
	}
	r1, err := asBigInt(values[1])
	if err != nil {
		return nil, nil, err
	}

	values, err = callMethod(ctx, v.conn, pair, pairABI, "token0")
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", v.op("token0"), err)
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return nil, nil, err
	}
	if token0 == tokenIn {
		return r0, r1, nil
	}
	return r1, r0, nil
}

func (v *V2Router) quoteError(err error) error {
	if faults.IsRPCRelated(err) {
		return err
	}
	return faults.Wrap(faults.NoRoute, v.op("quote"), err)
}

func (v *V2Router) onChain(token common.Address) common.Address {
	if chain.IsNative(token) && v.cfg.WrappedNative != (common.Address{}) {
		return v.cfg.WrappedNative
	}
	return token
}

func (v *V2Router) op(name string) string {
	return v.cfg.Name + " " + name
}

// priceImpactPct approximates constant-product impact as amountIn / (reserveIn + amountIn).
func priceImpactPct(amountIn, reserveIn *big.Int) decimal.Decimal {
	if reserveIn == nil || reserveIn.Sign() <= 0 {
		return decimal.Zero
	}
	in := decimal.NewFromBigInt(amountIn, 0)
	total := in.Add(decimal.NewFromBigInt(reserveIn, 0))
	return in.Div(total).Mul(decimal.NewFromInt(100)).Round(4)
}
