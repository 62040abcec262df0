package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxRequest is an unsigned transaction produced by a provider for a quote.
type TxRequest struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
	Gas   uint64         `json:"gas,omitempty"`
	// Approval is set when Spender must be allowed to pull Amount of Token first.
	Approval *Approval `json:"approval,omitempty"`
}

// Approval describes an ERC20 allowance the swap depends on.
type Approval struct {
	Token   common.Address `json:"token"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}
