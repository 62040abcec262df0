package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProviderAggregator identifies the aggregator path in results.
const ProviderAggregator = "aggregator"

// SwapRequest is a caller request to trade Amount of InputToken for OutputToken.
type SwapRequest struct {
	InputToken  common.Address
	OutputToken common.Address
	Amount      *big.Int
	// SlippageBps overrides the configured default when non-nil.
	SlippageBps *uint32
}

// Attempt is one provider or stage tried while serving a request.
type Attempt struct {
	Provider string `json:"provider"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SwapResult is the terminal outcome of one orchestrator call.
type SwapResult struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	Side        string         `json:"side"`
	InputToken  common.Address `json:"input_token"`
	OutputToken common.Address `json:"output_token"`
	InAmount    *big.Int       `json:"in_amount"`
	OutAmount   *big.Int       `json:"out_amount,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Attempts    []Attempt      `json:"attempts"`
}
