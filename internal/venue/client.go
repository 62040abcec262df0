package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"routeGuard/internal/chain"
	"routeGuard/internal/model"
)

// Client executes swaps directly against one venue, bypassing the aggregator.
type Client interface {
	Name() string
	// PoolInfo reports whether the venue has a pool for token against base.
	PoolInfo(ctx context.Context, token, base common.Address) (model.VenuePool, error)
	Quote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error)
	BuildSwapTransaction(ctx context.Context, quote *model.Quote, recipient common.Address) (*model.TxRequest, error)
}

type pairKey struct {
	a, b common.Address
}

func newPairKey(x, y common.Address) pairKey {
	if x.Cmp(y) > 0 {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// PairCache caches pair addresses by unordered token pair.
type PairCache struct {
	mu   sync.RWMutex
	data map[pairKey]common.Address
}

func NewPairCache() *PairCache {
	return &PairCache{data: make(map[pairKey]common.Address)}
}

func (c *PairCache) Get(x, y common.Address) (common.Address, bool) {
	c.mu.RLock()
	pair, ok := c.data[newPairKey(x, y)]
	c.mu.RUnlock()
	return pair, ok
}

func (c *PairCache) Set(x, y, pair common.Address) {
	c.mu.Lock()
	c.data[newPairKey(x, y)] = pair
	c.mu.Unlock()
}

func callMethod(ctx context.Context, conn chain.Connection, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := conn.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asBigInts(value interface{}) ([]*big.Int, error) {
	v, ok := value.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unsupported int slice type %T", value)
	}
	return v, nil
}
