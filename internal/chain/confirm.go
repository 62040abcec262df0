package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"routeGuard/internal/clock"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// WaitMined polls for a receipt until it appears or timeout elapses on c. The wait is
// detached from ctx cancellation: a submitted transaction is never abandoned early.
func WaitMined(ctx context.Context, conn Connection, c clock.Clock, txHash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	if c == nil {
		c = clock.Real{}
	}
	if poll <= 0 {
		poll = time.Second
	}
	deadline := c.Now().Add(timeout)
	// Hard bound for hung receipt calls.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for {
		receipt, err := conn.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%s: %w", txHash.Hex(), ErrReverted)
			}
			return receipt, nil
		}
		if waitCtx.Err() != nil {
			if err == nil || errors.Is(err, ethereum.NotFound) {
				err = waitCtx.Err()
			}
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), err)
		}

		remaining := deadline.Sub(c.Now())
		if remaining <= 0 {
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), context.DeadlineExceeded)
		}
		if poll < remaining {
			remaining = poll
		}
		if err := clock.Sleep(waitCtx, c, remaining); err != nil {
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), err)
		}
	}
}
