// Package chaintest provides an in-memory chain.Connection for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is a scriptable connection. Zero value answers every call successfully.
type Fake struct {
	mu sync.Mutex

	Block     uint64
	ID        *big.Int
	Balances  map[common.Address]*big.Int
	GasPrice  *big.Int
	Nonce     uint64
	CallFn    func(msg ethereum.CallMsg) ([]byte, error)
	ProbeErr  error
	SendErrs  []error
	Sent      []*types.Transaction
	Calls     map[string]int
	ReceiptFn func(hash common.Hash) (*types.Receipt, error)
}

func (f *Fake) count(name string) {
	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}
	f.Calls[name]++
}

// CallCount returns how many times method name was invoked.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

func (f *Fake) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ChainID")
	if f.ID == nil {
		return big.NewInt(56), nil
	}
	return new(big.Int).Set(f.ID), nil
}

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("BlockNumber")
	if f.ProbeErr != nil {
		return 0, f.ProbeErr
	}
	return f.Block, nil
}

func (f *Fake) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("HeaderByNumber")
	return &types.Header{Number: new(big.Int).SetUint64(f.Block)}, nil
}

func (f *Fake) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("BalanceAt")
	if bal, ok := f.Balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("PendingNonceAt")
	return f.Nonce, nil
}

func (f *Fake) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("SuggestGasPrice")
	if f.GasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *Fake) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("EstimateGas")
	return 200_000, nil
}

func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	fn := f.CallFn
	f.count("CallContract")
	f.mu.Unlock()
	if fn == nil {
		return nil, ethereum.NotFound
	}
	return fn(msg)
}

func (f *Fake) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("SendTransaction")
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.Sent = append(f.Sent, tx)
	return nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	fn := f.ReceiptFn
	f.count("TransactionReceipt")
	f.mu.Unlock()
	if fn != nil {
		return fn(txHash)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

// SentCount returns the number of accepted transactions.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
