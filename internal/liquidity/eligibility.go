package liquidity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"routeGuard/internal/model"
)

// DefaultMinLiquidityUSD is the pool depth below which a venue is not tried.
var DefaultMinLiquidityUSD = decimal.NewFromInt(1_000)

// Discovery lists pools for a token.
type Discovery interface {
	Pools(ctx context.Context, token common.Address) ([]model.VenuePool, error)
}

// PoolReporter is a venue that can answer for its own pools.
type PoolReporter interface {
	Name() string
	PoolInfo(ctx context.Context, token, base common.Address) (model.VenuePool, error)
}

// Checker decides which venues are worth a direct attempt.
type Checker struct {
	discovery Discovery
	min       decimal.Decimal
	logger    *zap.Logger
}

// NewChecker builds a checker. discovery may be nil, in which case only venue
// reports are used.
func NewChecker(discovery Discovery, min decimal.Decimal, logger *zap.Logger) *Checker {
	if min.IsZero() {
		min = DefaultMinLiquidityUSD
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{discovery: discovery, min: min, logger: logger}
}

// Check returns an eligibility per venue name for trading token against base.
func (c *Checker) Check(ctx context.Context, token, base common.Address, venues []PoolReporter) map[string]model.Eligibility {
	discovered := map[string][]model.VenuePool{}
	if c.discovery != nil {
		pools, err := c.discovery.Pools(ctx, token)
		if err != nil {
			c.logger.Warn("liquidity discovery failed", zap.String("token", token.Hex()), zap.Error(err))
		}
		for _, p := range pools {
			discovered[p.Venue] = append(discovered[p.Venue], p)
		}
	}

	out := make(map[string]model.Eligibility, len(venues))
	for _, v := range venues {
		if e := c.fromDiscovery(discovered[v.Name()]); e != model.EligibilityUnknown {
			out[v.Name()] = e
			continue
		}
		pool, err := v.PoolInfo(ctx, token, base)
		if err != nil {
			c.logger.Debug("venue pool lookup failed", zap.String("venue", v.Name()), zap.Error(err))
			out[v.Name()] = model.EligibilityUnknown
			continue
		}
		out[v.Name()] = c.fromReport(pool)
	}
	return out
}

func (c *Checker) fromDiscovery(pools []model.VenuePool) model.Eligibility {
	if len(pools) == 0 {
		return model.EligibilityUnknown
	}
	measured := false
	for _, p := range pools {
		if p.LiquidityUSD == nil {
			continue
		}
		measured = true
		if p.LiquidityUSD.GreaterThanOrEqual(c.min) {
			return model.Eligible
		}
	}
	if measured {
		return model.Ineligible
	}
	return model.EligibilityUnknown
}

func (c *Checker) fromReport(pool model.VenuePool) model.Eligibility {
	switch pool.Status {
	case model.PoolAbsent:
		return model.Ineligible
	case model.PoolExists:
		if pool.LiquidityUSD != nil && pool.LiquidityUSD.LessThan(c.min) {
			return model.Ineligible
		}
		return model.Eligible
	default:
		return model.EligibilityUnknown
	}
}
