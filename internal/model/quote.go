package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Stage names a Route Resolver stage.
type Stage string

const (
	StageDirect         Stage = "direct"
	StageAlternateToken Stage = "alternate_token"
	StageTwoHop         Stage = "two_hop"
	StageThreeHop       Stage = "three_hop"
)

// Hop is one trade leg against a single market.
type Hop struct {
	Venue          string          `json:"venue"`
	Market         string          `json:"market"`
	InputToken     common.Address  `json:"input_token"`
	OutputToken    common.Address  `json:"output_token"`
	InAmount       *big.Int        `json:"in_amount"`
	OutAmount      *big.Int        `json:"out_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
}

// Quote is an immutable trade route with its expected output.
type Quote struct {
	Provider       string          `json:"provider"`
	InputToken     common.Address  `json:"input_token"`
	OutputToken    common.Address  `json:"output_token"`
	InAmount       *big.Int        `json:"in_amount"`
	OutAmount      *big.Int        `json:"out_amount"`
	Hops           []Hop           `json:"hops"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	SlippageBps    uint32          `json:"slippage_bps"`
	Stage          Stage           `json:"stage"`
	// Raw carries provider-specific route data needed to build the transaction.
	Raw []byte `json:"raw,omitempty"`
	// Legs holds the quotes a synthetic route was concatenated from, in order.
	Legs []*Quote `json:"legs,omitempty"`
}

// MinOutAmount applies the quote's slippage tolerance to OutAmount.
func (q *Quote) MinOutAmount() *big.Int {
	if q == nil || q.OutAmount == nil {
		return big.NewInt(0)
	}
	bps := q.SlippageBps
	if bps > 10_000 {
		bps = 10_000
	}
	out := new(big.Int).Mul(q.OutAmount, big.NewInt(int64(10_000-bps)))
	return out.Div(out, big.NewInt(10_000))
}

// Concat joins quotes leg by leg into one synthetic route. Output comes from the last
// leg and price impact is the plain sum of the legs.
func Concat(stage Stage, legs ...*Quote) *Quote {
	if len(legs) == 0 {
		return nil
	}
	first := legs[0]
	last := legs[len(legs)-1]

	hops := make([]Hop, 0, len(legs)*2)
	impact := decimal.Zero
	var slippage uint32
	for _, leg := range legs {
		hops = append(hops, leg.Hops...)
		impact = impact.Add(leg.PriceImpactPct)
		if leg.SlippageBps > slippage {
			slippage = leg.SlippageBps
		}
	}

	return &Quote{
		Provider:       first.Provider,
		InputToken:     first.InputToken,
		OutputToken:    last.OutputToken,
		InAmount:       first.InAmount,
		OutAmount:      last.OutAmount,
		Hops:           hops,
		PriceImpactPct: impact,
		SlippageBps:    slippage,
		Stage:          stage,
		Legs:           legs,
	}
}

// Synthetic reports whether q must be executed leg by leg.
func (q *Quote) Synthetic() bool {
	return len(q.Legs) > 1
}

// QuoteRequest asks a provider for a route.
type QuoteRequest struct {
	InputToken    common.Address
	OutputToken   common.Address
	Amount        *big.Int
	SlippageBps   uint32
	OnlyDirect    bool
	Intermediates []common.Address
}
