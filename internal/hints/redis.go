package hints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"
)

const defaultRedisPrefix = "routeguard:venue-hint:"

// RedisStore shares hints between processes.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, ttl), nil
}

func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  defaultRedisPrefix,
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
	}
}

func (s *RedisStore) key(token common.Address) string {
	return s.prefix + tokenKey(token)
}

func (s *RedisStore) Get(ctx context.Context, token common.Address) (Hint, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Hint{}, false, nil
		}
		return Hint{}, false, fmt.Errorf("get venue hint: %w", err)
	}
	hint, err := decodeHint(data)
	if err != nil {
		return Hint{}, false, err
	}
	return hint, true, nil
}

func (s *RedisStore) Put(ctx context.Context, token common.Address, hint Hint) error {
	if hint.RecordedAt.IsZero() {
		hint.RecordedAt = time.Now().UTC()
	}
	data, err := encodeHint(hint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set venue hint: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, token common.Address) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("delete venue hint: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeHint(h Hint) ([]byte, error) {
	data, err := sonnet.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal venue hint: %w", err)
	}
	return data, nil
}

func decodeHint(data []byte) (Hint, error) {
	var h Hint
	if err := sonnet.Unmarshal(data, &h); err != nil {
		return Hint{}, fmt.Errorf("unmarshal venue hint: %w", err)
	}
	if h.Venue == "" {
		return Hint{}, fmt.Errorf("venue hint has no venue")
	}
	return h, nil
}
