package aggregator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"routeGuard/internal/model"
)

type quoteResponse struct {
	Routes []rawJSON `json:"routes"`
}

// rawJSON keeps a value's encoded form so the chosen route can be sent back verbatim.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *rawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

type routeJSON struct {
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
	Hops           []hopJSON       `json:"hops"`
}

type hopJSON struct {
	Venue          string          `json:"venue"`
	Market         string          `json:"market"`
	InputToken     common.Address  `json:"inputToken"`
	OutputToken    common.Address  `json:"outputToken"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
}

type swapRequest struct {
	Route       rawJSON        `json:"route"`
	UserAddress common.Address `json:"userAddress"`
	SlippageBps uint32         `json:"slippageBps"`
}

type swapResponse struct {
	To              common.Address  `json:"to"`
	Data            string          `json:"data"`
	Value           string          `json:"value"`
	Gas             uint64          `json:"gas"`
	AllowanceTarget *common.Address `json:"allowanceTarget"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s missing", field)
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}

func (r routeJSON) toQuote(req model.QuoteRequest) (*model.Quote, error) {
	out, err := parseAmount("outAmount", r.OutAmount)
	if err != nil {
		return nil, err
	}
	in := req.Amount
	if r.InAmount != "" {
		if in, err = parseAmount("inAmount", r.InAmount); err != nil {
			return nil, err
		}
	}

	hops := make([]model.Hop, 0, len(r.Hops))
	for i, h := range r.Hops {
		hop := model.Hop{
			Venue:          h.Venue,
			Market:         h.Market,
			InputToken:     h.InputToken,
			OutputToken:    h.OutputToken,
			PriceImpactPct: h.PriceImpactPct,
		}
		if h.InAmount != "" {
			if hop.InAmount, err = parseAmount(fmt.Sprintf("hops[%d].inAmount", i), h.InAmount); err != nil {
				return nil, err
			}
		}
		if h.OutAmount != "" {
			if hop.OutAmount, err = parseAmount(fmt.Sprintf("hops[%d].outAmount", i), h.OutAmount); err != nil {
				return nil, err
			}
		}
		hops = append(hops, hop)
	}

	return &model.Quote{
		Provider:       model.ProviderAggregator,
		InputToken:     req.InputToken,
		OutputToken:    req.OutputToken,
		InAmount:       in,
		OutAmount:      out,
		Hops:           hops,
		PriceImpactPct: r.PriceImpactPct,
		SlippageBps:    req.SlippageBps,
	}, nil
}
