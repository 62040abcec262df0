package model

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestMinOutAmount(t *testing.T) {
	cases := []struct {
		out  int64
		bps  uint32
		want int64
	}{
		{out: 10_000, bps: 100, want: 9_900},
		{out: 999, bps: 50, want: 994},
		{out: 10_000, bps: 0, want: 10_000},
		{out: 10_000, bps: 12_000, want: 0},
	}
	for _, tc := range cases {
		q := &Quote{OutAmount: big.NewInt(tc.out), SlippageBps: tc.bps}
		if got := q.MinOutAmount(); got.Int64() != tc.want {
			t.Fatalf("out %d bps %d: got %s, want %d", tc.out, tc.bps, got, tc.want)
		}
	}

	var empty *Quote
	if empty.MinOutAmount().Sign() != 0 {
		t.Fatalf("nil quote should yield zero")
	}
}

func TestConcatJoinsLegs(t *testing.T) {
	a := common.HexToAddress("0xa")
	mid := common.HexToAddress("0xb")
	c := common.HexToAddress("0xc")

	first := &Quote{
		Provider:       "agg",
		InputToken:     a,
		OutputToken:    mid,
		InAmount:       big.NewInt(100),
		OutAmount:      big.NewInt(50),
		Hops:           []Hop{{Venue: "x", InputToken: a, OutputToken: mid}},
		PriceImpactPct: decimal.RequireFromString("0.4"),
		SlippageBps:    100,
	}
	second := &Quote{
		Provider:       "agg",
		InputToken:     mid,
		OutputToken:    c,
		InAmount:       big.NewInt(49),
		OutAmount:      big.NewInt(20),
		Hops:           []Hop{{Venue: "y", InputToken: mid, OutputToken: c}},
		PriceImpactPct: decimal.RequireFromString("1.1"),
		SlippageBps:    300,
	}

	q := Concat(StageTwoHop, first, second)
	if q.InputToken != a || q.OutputToken != c {
		t.Fatalf("unexpected tokens: %s -> %s", q.InputToken.Hex(), q.OutputToken.Hex())
	}
	if q.InAmount.Int64() != 100 || q.OutAmount.Int64() != 20 {
		t.Fatalf("unexpected amounts: %s -> %s", q.InAmount, q.OutAmount)
	}
	if len(q.Hops) != 2 || q.Hops[0].Venue != "x" || q.Hops[1].Venue != "y" {
		t.Fatalf("unexpected hops: %+v", q.Hops)
	}
	if !q.PriceImpactPct.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected impact: %s", q.PriceImpactPct)
	}
	if q.SlippageBps != 300 || q.Stage != StageTwoHop || !q.Synthetic() {
		t.Fatalf("unexpected route: bps=%d stage=%s synthetic=%v", q.SlippageBps, q.Stage, q.Synthetic())
	}
	if Concat(StageDirect) != nil {
		t.Fatalf("no legs should yield nil")
	}
}
