package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"routeGuard/internal/clock"
	"routeGuard/internal/faults"
)

// RetryConfig bounds RetryingConnection.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	// Clock drives the backoff sleeps; nil means real time.
	Clock clock.Clock
}

// RetryingConnection retries read calls that fail with transient or rate-limit errors.
// SendTransaction is passed through once; resubmission is the caller's decision.
type RetryingConnection struct {
	next   Connection
	cfg    RetryConfig
	logger *zap.Logger
}

var _ Connection = (*RetryingConnection)(nil)

func NewRetryingConnection(next Connection, cfg RetryConfig, logger *zap.Logger) *RetryingConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &RetryingConnection{next: next, cfg: cfg, logger: logger}
}

func (r *RetryingConnection) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := r.do(ctx, "chain_id", func(ctx context.Context) error {
		var err error
		id, err = r.next.ChainID(ctx)
		return err
	})
	return id, err
}

func (r *RetryingConnection) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.do(ctx, "block_number", func(ctx context.Context) error {
		var err error
		n, err = r.next.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (r *RetryingConnection) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := r.do(ctx, "header_by_number", func(ctx context.Context) error {
		var err error
		h, err = r.next.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (r *RetryingConnection) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := r.do(ctx, "balance_at", func(ctx context.Context) error {
		var err error
		bal, err = r.next.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return bal, err
}

func (r *RetryingConnection) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := r.do(ctx, "pending_nonce", func(ctx context.Context) error {
		var err error
		nonce, err = r.next.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (r *RetryingConnection) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := r.do(ctx, "gas_price", func(ctx context.Context) error {
		var err error
		price, err = r.next.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (r *RetryingConnection) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := r.do(ctx, "estimate_gas", func(ctx context.Context) error {
		var err error
		gas, err = r.next.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (r *RetryingConnection) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "call_contract", func(ctx context.Context) error {
		var err error
		out, err = r.next.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (r *RetryingConnection) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return r.next.SendTransaction(ctx, tx)
}

func (r *RetryingConnection) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := r.do(ctx, "receipt", func(ctx context.Context) error {
		var err error
		receipt, err = r.next.TransactionReceipt(ctx, txHash)
		if err == ethereum.NotFound {
			return &permanent{err}
		}
		return err
	})
	if p, ok := err.(*permanent); ok {
		return nil, p.err
	}
	return receipt, err
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }

func (r *RetryingConnection) do(ctx context.Context, op string, fn func(context.Context) error) error {
	return withRetry(ctx, r.cfg.Clock, r.cfg.MaxRetries, r.cfg.Backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			r.logger.Debug("rpc call failed", zap.String("op", op), zap.Error(err))
		}
		return err
	})
}

func withRetry(ctx context.Context, c clock.Clock, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, ok := err.(*permanent); ok {
			return err
		}
		if attempt >= maxRetries || !retryable(err) {
			return err
		}

		if err := clock.Sleep(ctx, c, delay); err != nil {
			return err
		}

		delay *= 2
	}
}

func retryable(err error) bool {
	switch faults.Classify(err) {
	case faults.Transient, faults.RateLimited:
		return true
	default:
		return false
	}
}
