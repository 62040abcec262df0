package route

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"routeGuard/internal/faults"
	"routeGuard/internal/model"
)

var (
	tokenIn  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	tokenOut = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	midX     = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	midY     = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	midZ     = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

type pair struct{ in, out common.Address }

// fakeQuoter quotes a fixed output for the pairs it knows and NoRoute otherwise.
type fakeQuoter struct {
	routes map[pair]int64
	errs   map[pair]error
	calls  []model.QuoteRequest
}

func (f *fakeQuoter) Quote(_ context.Context, req model.QuoteRequest) (*model.Quote, error) {
	f.calls = append(f.calls, req)
	p := pair{req.InputToken, req.OutputToken}
	if err, ok := f.errs[p]; ok {
		return nil, err
	}
	out, ok := f.routes[p]
	if !ok {
		return nil, faults.New(faults.NoRoute, "quote", "no routes returned")
	}
	return &model.Quote{
		Provider:       model.ProviderAggregator,
		InputToken:     req.InputToken,
		OutputToken:    req.OutputToken,
		InAmount:       req.Amount,
		OutAmount:      big.NewInt(out),
		Hops:           []model.Hop{{Venue: "v", InputToken: req.InputToken, OutputToken: req.OutputToken}},
		PriceImpactPct: decimal.RequireFromString("0.5"),
		SlippageBps:    req.SlippageBps,
	}, nil
}

func request() model.QuoteRequest {
	return model.QuoteRequest{
		InputToken:  tokenIn,
		OutputToken: tokenOut,
		Amount:      big.NewInt(10_000),
		SlippageBps: 100,
	}
}

func allStages() []model.Stage {
	return []model.Stage{model.StageDirect, model.StageAlternateToken, model.StageTwoHop, model.StageThreeHop}
}

func TestExhaustsStagesInOrder(t *testing.T) {
	q := &fakeQuoter{}
	r := New(q, Config{Intermediates: []common.Address{midX, midY}}, nil)
	res, err := r.Resolve(context.Background(), request())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.NoRoute || res.Quote != nil {
		t.Fatalf("expected no route, got %+v", res)
	}
	if !reflect.DeepEqual(res.Stages, allStages()) {
		t.Fatalf("stages = %v", res.Stages)
	}
	// direct, alternate, then one first leg per intermediate; no anchor means no three-hop calls
	if len(q.calls) != 4 {
		t.Fatalf("calls = %d", len(q.calls))
	}
	if q.calls[2].OutputToken != midX || q.calls[3].OutputToken != midY {
		t.Fatalf("two-hop order = %v, %v", q.calls[2].OutputToken, q.calls[3].OutputToken)
	}
}

func TestRecordsAllStagesWithoutIntermediates(t *testing.T) {
	q := &fakeQuoter{}
	res, err := New(q, Config{}, nil).Resolve(context.Background(), request())
	if err != nil || !res.NoRoute {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if !reflect.DeepEqual(res.Stages, allStages()) {
		t.Fatalf("stages = %v", res.Stages)
	}
	if len(q.calls) != 2 {
		t.Fatalf("calls = %d", len(q.calls))
	}
}

func TestDirectRouteReturnsImmediately(t *testing.T) {
	q := &fakeQuoter{routes: map[pair]int64{{tokenIn, tokenOut}: 900}}
	res, err := New(q, Config{Intermediates: []common.Address{midX}}, nil).Resolve(context.Background(), request())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Quote == nil || res.Quote.Stage != model.StageDirect || len(res.Stages) != 1 || len(q.calls) != 1 {
		t.Fatalf("res = %+v calls = %d", res, len(q.calls))
	}
}

func TestAlternateStageWidensSlippage(t *testing.T) {
	alts := []common.Address{midX}
	q := &altOnlyQuoter{fakeQuoter: fakeQuoter{routes: map[pair]int64{{tokenIn, tokenOut}: 800}}}
	res, err := New(q, Config{AlternateTokens: alts}, nil).Resolve(context.Background(), request())
	if err != nil || res.Quote == nil {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if res.Quote.Stage != model.StageAlternateToken || res.Quote.SlippageBps != 150 {
		t.Fatalf("quote = %+v", res.Quote)
	}
	if !reflect.DeepEqual(q.calls[1].Intermediates, alts) {
		t.Fatalf("alternate tokens not offered: %v", q.calls[1].Intermediates)
	}
}

// altOnlyQuoter only finds routes when intermediates are offered.
type altOnlyQuoter struct {
	fakeQuoter
}

func (a *altOnlyQuoter) Quote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error) {
	if len(req.Intermediates) == 0 {
		a.calls = append(a.calls, req)
		return nil, faults.ErrNoRoute
	}
	return a.fakeQuoter.Quote(ctx, req)
}

func TestTwoHopSynthesis(t *testing.T) {
	q := &fakeQuoter{routes: map[pair]int64{
		{tokenIn, midY}:  5_000,
		{midY, tokenOut}: 2_000,
	}}
	r := New(q, Config{Intermediates: []common.Address{midX, midY}}, nil)
	res, err := r.Resolve(context.Background(), request())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := res.Quote
	if got == nil || got.Stage != model.StageTwoHop {
		t.Fatalf("res = %+v", res)
	}
	if got.OutAmount.Int64() != 2_000 || got.InAmount.Int64() != 10_000 {
		t.Fatalf("amounts in=%s out=%s", got.InAmount, got.OutAmount)
	}
	if len(got.Hops) != 2 || len(got.Legs) != 2 || !got.PriceImpactPct.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("synthetic route = %+v", got)
	}
	last := q.calls[len(q.calls)-1]
	// second leg spends the first leg's minimum output at 150 bps
	if last.InputToken != midY || last.Amount.Int64() != 4_925 {
		t.Fatalf("second leg request = %+v", last)
	}
	if !reflect.DeepEqual(res.Stages, allStages()[:3]) {
		t.Fatalf("stages = %v", res.Stages)
	}
}

func TestThreeHopThroughAnchor(t *testing.T) {
	q := &fakeQuoter{routes: map[pair]int64{
		{tokenIn, midX}:  5_000,
		{midX, midZ}:     4_000,
		{midZ, tokenOut}: 3_000,
	}}
	r := New(q, Config{Intermediates: []common.Address{midY, midX, midZ}}, nil)
	res, err := r.Resolve(context.Background(), request())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := res.Quote
	if got == nil || got.Stage != model.StageThreeHop {
		t.Fatalf("res = %+v", res)
	}
	if len(got.Hops) != 3 || got.OutAmount.Int64() != 3_000 || got.OutputToken != tokenOut {
		t.Fatalf("route = %+v", got)
	}
	if got.Legs[0].OutputToken != midX || got.Legs[1].OutputToken != midZ {
		t.Fatalf("legs not anchored on first successful intermediate")
	}
	if !reflect.DeepEqual(res.Stages, allStages()) {
		t.Fatalf("stages = %v", res.Stages)
	}
}

func TestSlippageNeverDecreases(t *testing.T) {
	for _, base := range []uint32{0, 100, 8_000, 12_000} {
		q := &fakeQuoter{}
		req := request()
		req.SlippageBps = base
		r := New(q, Config{Intermediates: []common.Address{midX}, HopSlippageBps: 300}, nil)
		if _, err := r.Resolve(context.Background(), req); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		prev := uint32(0)
		for i, c := range q.calls {
			if c.SlippageBps < prev || c.SlippageBps > 10_000 {
				t.Fatalf("base %d call %d: slippage %d after %d", base, i, c.SlippageBps, prev)
			}
			prev = c.SlippageBps
		}
	}
}

func TestInfrastructureErrorPropagates(t *testing.T) {
	boom := faults.New(faults.Transient, "quote", "status 502")
	q := &fakeQuoter{errs: map[pair]error{{tokenIn, midX}: boom}}
	r := New(q, Config{Intermediates: []common.Address{midX}}, nil)
	res, err := r.Resolve(context.Background(), request())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if res.NoRoute {
		t.Fatalf("infrastructure error reported as no route")
	}
}

func TestRejectsNonPositiveAmount(t *testing.T) {
	req := request()
	req.Amount = big.NewInt(0)
	_, err := New(&fakeQuoter{}, Config{}, nil).Resolve(context.Background(), req)
	if !faults.IsKind(err, faults.Precondition) {
		t.Fatalf("err = %v", err)
	}
}
