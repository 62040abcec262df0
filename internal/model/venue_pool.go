package model

import "github.com/shopspring/decimal"

// PoolStatus is a tri-state answer to "does this venue have a pool".
type PoolStatus int

const (
	PoolUnknown PoolStatus = iota
	PoolAbsent
	PoolExists
)

func (s PoolStatus) String() string {
	switch s {
	case PoolAbsent:
		return "absent"
	case PoolExists:
		return "exists"
	default:
		return "unknown"
	}
}

// VenuePool is a pool reported for an asset by discovery or by a venue client.
type VenuePool struct {
	Venue        string           `json:"venue"`
	Pair         string           `json:"pair"`
	Status       PoolStatus       `json:"status"`
	LiquidityUSD *decimal.Decimal `json:"liquidity_usd,omitempty"`
	Volume24hUSD *decimal.Decimal `json:"volume_24h_usd,omitempty"`
}

// Eligibility is the orchestrator's decision for one venue.
type Eligibility int

const (
	EligibilityUnknown Eligibility = iota
	Ineligible
	Eligible
)

func (e Eligibility) String() string {
	switch e {
	case Ineligible:
		return "ineligible"
	case Eligible:
		return "eligible"
	default:
		return "unknown"
	}
}
