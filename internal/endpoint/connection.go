package endpoint

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"routeGuard/internal/chain"
	"routeGuard/internal/faults"
)

// Connection returns a chain.Connection that resolves the current endpoint on every
// call and reports the outcome against the endpoint that actually served it.
func (p *Pool) Connection() chain.Connection {
	return &poolConn{pool: p}
}

type poolConn struct {
	pool *Pool
}

func (c *poolConn) call(ctx context.Context, fn func(chain.Connection) error) error {
	conn, url, err := c.pool.Current(ctx)
	if err != nil {
		return err
	}

	start := c.pool.clock.Now()
	err = fn(conn)
	elapsed := c.pool.clock.Now().Sub(start)

	switch {
	case err == nil, errors.Is(err, ethereum.NotFound):
		c.pool.RecordSuccess(url, elapsed)
	case errors.Is(err, context.Canceled):
	case faults.IsRPCRelated(err):
		c.pool.RecordFailure(url, err)
	default:
		// The node answered; the failure belongs to the request.
		c.pool.RecordSuccess(url, elapsed)
	}
	return err
}

func (c *poolConn) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		id, err = conn.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *poolConn) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		n, err = conn.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *poolConn) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		h, err = conn.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *poolConn) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		bal, err = conn.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return bal, err
}

func (c *poolConn) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		nonce, err = conn.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *poolConn) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		price, err = conn.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *poolConn) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		gas, err = conn.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *poolConn) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		out, err = conn.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *poolConn) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.call(ctx, func(conn chain.Connection) error {
		return conn.SendTransaction(ctx, tx)
	})
}

func (c *poolConn) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, func(conn chain.Connection) error {
		var err error
		receipt, err = conn.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}
