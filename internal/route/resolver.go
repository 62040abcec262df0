package route

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"routeGuard/internal/faults"
	"routeGuard/internal/model"
)

const maxSlippageBps = 10_000

// Quoter returns the best route for a request, or a NoRoute error.
type Quoter interface {
	Quote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error)
}

// Config lists the assets the resolver may route through.
type Config struct {
	// AlternateTokens are offered to the aggregator in the alternate-token stage.
	AlternateTokens []common.Address
	// Intermediates is the priority list for manual multi-hop synthesis.
	Intermediates   []common.Address
	AlternateFactor float64
	// HopSlippageBps raises the manual stages' tolerance above the alternate stage.
	HopSlippageBps uint32
}

// Resolution is the outcome of one resolve attempt.
type Resolution struct {
	Quote   *model.Quote
	Stages  []model.Stage
	NoRoute bool
}

// Resolver escalates from a direct aggregator route to synthetic multi-hop routes.
type Resolver struct {
	quoter Quoter
	cfg    Config
	logger *zap.Logger
}

func New(quoter Quoter, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.AlternateFactor < 1 {
		cfg.AlternateFactor = 1.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{quoter: quoter, cfg: cfg, logger: logger}
}

// Resolve runs direct, alternate-token, two-hop and three-hop stages in order.
// Exhaustion is reported as Resolution.NoRoute; only infrastructure failures return
// an error.
func (r *Resolver) Resolve(ctx context.Context, req model.QuoteRequest) (Resolution, error) {
	var res Resolution
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return res, faults.ErrInvalidAmount
	}
	slippage := clampBps(req.SlippageBps)

	res.Stages = append(res.Stages, model.StageDirect)
	q, err := r.quote(ctx, model.StageDirect, req.InputToken, req.OutputToken, req.Amount, slippage, nil)
	if err != nil || q != nil {
		res.Quote = q
		return res, err
	}

	slippage = r.scale(slippage)
	res.Stages = append(res.Stages, model.StageAlternateToken)
	q, err = r.quote(ctx, model.StageAlternateToken, req.InputToken, req.OutputToken, req.Amount, slippage, r.cfg.AlternateTokens)
	if err != nil || q != nil {
		res.Quote = q
		return res, err
	}

	if r.cfg.HopSlippageBps > slippage {
		slippage = clampBps(r.cfg.HopSlippageBps)
	}
	hops := r.intermediates(req.InputToken, req.OutputToken)

	res.Stages = append(res.Stages, model.StageTwoHop)
	var anchor *model.Quote
	var anchorToken common.Address
	for _, mid := range hops {
		first, err := r.quote(ctx, model.StageTwoHop, req.InputToken, mid, req.Amount, slippage, nil)
		if err != nil {
			return res, err
		}
		if first == nil {
			continue
		}
		if anchor == nil {
			anchor, anchorToken = first, mid
		}
		second, err := r.quote(ctx, model.StageTwoHop, mid, req.OutputToken, first.MinOutAmount(), slippage, nil)
		if err != nil {
			return res, err
		}
		if second != nil {
			res.Quote = model.Concat(model.StageTwoHop, first, second)
			return res, nil
		}
	}

	res.Stages = append(res.Stages, model.StageThreeHop)
	if anchor != nil {
		for _, mid := range hops {
			if mid == anchorToken {
				continue
			}
			second, err := r.quote(ctx, model.StageThreeHop, anchorToken, mid, anchor.MinOutAmount(), slippage, nil)
			if err != nil {
				return res, err
			}
			if second == nil {
				continue
			}
			third, err := r.quote(ctx, model.StageThreeHop, mid, req.OutputToken, second.MinOutAmount(), slippage, nil)
			if err != nil {
				return res, err
			}
			if third != nil {
				res.Quote = model.Concat(model.StageThreeHop, anchor, second, third)
				return res, nil
			}
		}
	}

	r.logger.Info("no route found",
		zap.String("input", req.InputToken.Hex()),
		zap.String("output", req.OutputToken.Hex()),
		zap.Int("stages", len(res.Stages)))
	res.NoRoute = true
	return res, nil
}

// quote returns nil without error when the provider has no route.
func (r *Resolver) quote(ctx context.Context, stage model.Stage, in, out common.Address, amount *big.Int, slippage uint32, via []common.Address) (*model.Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil
	}
	q, err := r.quoter.Quote(ctx, model.QuoteRequest{
		InputToken:    in,
		OutputToken:   out,
		Amount:        amount,
		SlippageBps:   slippage,
		Intermediates: via,
	})
	if err != nil {
		if faults.IsKind(err, faults.NoRoute) {
			r.logger.Debug("stage has no route",
				zap.String("stage", string(stage)),
				zap.String("input", in.Hex()),
				zap.String("output", out.Hex()))
			return nil, nil
		}
		return nil, fmt.Errorf("resolve %s %s->%s: %w", stage, in.Hex(), out.Hex(), err)
	}
	if q == nil || q.OutAmount == nil || q.OutAmount.Sign() <= 0 {
		return nil, nil
	}
	q.Stage = stage
	if q.SlippageBps < slippage {
		q.SlippageBps = slippage
	}
	return q, nil
}

func (r *Resolver) scale(bps uint32) uint32 {
	scaled := math.Ceil(float64(bps) * r.cfg.AlternateFactor)
	if scaled > maxSlippageBps {
		return maxSlippageBps
	}
	return uint32(scaled)
}

func (r *Resolver) intermediates(in, out common.Address) []common.Address {
	seen := map[common.Address]bool{in: true, out: true}
	list := make([]common.Address, 0, len(r.cfg.Intermediates))
	for _, addr := range r.cfg.Intermediates {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		list = append(list, addr)
	}
	return list
}

func clampBps(bps uint32) uint32 {
	if bps > maxSlippageBps {
		return maxSlippageBps
	}
	return bps
}
