package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"routeGuard/internal/chain"
	"routeGuard/internal/clock"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/faults"
	"routeGuard/internal/model"
	"routeGuard/internal/wallet"
)

// ErrUnconfirmed marks a transaction that was accepted by a node but not seen mined
// within the confirmation timeout. Its fate is unknown, so no other provider may be
// tried for the same request.
var ErrUnconfirmed = errors.New("transaction unconfirmed")

// EndpointPool is the part of endpoint.Pool the swap path depends on.
type EndpointPool interface {
	Connection() chain.Connection
	CurrentURL() string
	Rotate() string
	Status() []endpoint.Status
}

// ExecutorConfig bounds submission and confirmation.
type ExecutorConfig struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// GasBufferPct is added on top of node estimates when the provider gives no gas limit.
	GasBufferPct uint64
	// Clock drives confirmation polling; nil means real time.
	Clock clock.Clock
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.GasBufferPct == 0 {
		c.GasBufferPct = 20
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// Executor signs provider transactions and submits them through the endpoint pool.
type Executor struct {
	pool   EndpointPool
	conn   chain.Connection
	signer wallet.Signer
	cfg    ExecutorConfig
	logger *zap.Logger
}

func NewExecutor(pool EndpointPool, signer wallet.Signer, cfg ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if pool == nil {
		return nil, fmt.Errorf("endpoint pool is nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		pool:   pool,
		conn:   pool.Connection(),
		signer: signer,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

// Address is the account transactions are sent from.
func (e *Executor) Address() common.Address {
	return e.signer.Address()
}

// Execute grants any missing allowance, then submits req and waits for it to be mined.
func (e *Executor) Execute(ctx context.Context, req *model.TxRequest) (*types.Receipt, error) {
	if req == nil {
		return nil, fmt.Errorf("transaction request is nil")
	}
	if req.Approval != nil {
		if err := e.ensureAllowance(ctx, req.Approval); err != nil {
			return nil, err
		}
	}
	return e.send(ctx, ethereum.CallMsg{To: &req.To, Data: req.Data, Value: req.Value, Gas: req.Gas})
}

func (e *Executor) ensureAllowance(ctx context.Context, approval *model.Approval) error {
	if chain.IsNative(approval.Token) || approval.Amount == nil {
		return nil
	}
	owner := e.signer.Address()
	current, err := chain.Allowance(ctx, e.conn, approval.Token, owner, approval.Spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(approval.Amount) >= 0 {
		return nil
	}

	data, err := chain.PackApprove(approval.Spender, approval.Amount)
	if err != nil {
		return err
	}
	e.logger.Info("approving spender",
		zap.String("token", approval.Token.Hex()),
		zap.String("spender", approval.Spender.Hex()),
		zap.String("amount", approval.Amount.String()))
	token := approval.Token
	if _, err := e.send(ctx, ethereum.CallMsg{To: &token, Data: data}); err != nil {
		return fmt.Errorf("approve %s: %w", approval.Token.Hex(), err)
	}
	return nil
}

func (e *Executor) send(ctx context.Context, msg ethereum.CallMsg) (*types.Receipt, error) {
	signed, err := e.sign(ctx, msg)
	if err != nil {
		return nil, err
	}

	url := e.pool.CurrentURL()
	err = e.conn.SendTransaction(ctx, signed)
	// After an RPC-related failure the node may hold the transaction anyway.
	ambiguous := err != nil && faults.IsRPCRelated(err)
	if ambiguous && ctx.Err() == nil {
		// The pool connection has normally rotated away already.
		next := e.pool.CurrentURL()
		if next == url {
			next = e.pool.Rotate()
		}
		e.logger.Warn("submission failed, resending on next endpoint",
			zap.String("tx", signed.Hash().Hex()),
			zap.String("from", url),
			zap.String("to", next),
			zap.Error(err))
		err = e.conn.SendTransaction(ctx, signed)
	}
	if err != nil && !alreadyKnown(err) {
		if !ambiguous {
			return nil, fmt.Errorf("send %s: %w", signed.Hash().Hex(), err)
		}
		e.logger.Warn("submission outcome unknown, waiting for receipt",
			zap.String("tx", signed.Hash().Hex()),
			zap.Error(err))
	}

	receipt, err := chain.WaitMined(ctx, e.conn, e.cfg.Clock, signed.Hash(), e.cfg.PollInterval, e.cfg.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return receipt, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	e.logger.Info("transaction mined",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return receipt, nil
}

func (e *Executor) sign(ctx context.Context, msg ethereum.CallMsg) (*types.Transaction, error) {
	from := e.signer.Address()
	msg.From = from

	chainID, err := e.conn.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := e.conn.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.conn.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas := msg.Gas
	if gas == 0 {
		estimate, err := e.conn.EstimateGas(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimate + estimate*e.cfg.GasBufferPct/100
	}
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       msg.To,
		Value:    value,
		Data:     msg.Data,
	})
	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
