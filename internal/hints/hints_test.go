package hints

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"routeGuard/internal/clock"
)

var token = common.HexToAddress("0x000000000000000000000000000000000000AbC1")

func TestMemoryStoreExpires(t *testing.T) {
	vc := clock.NewVirtual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(time.Hour, vc)
	ctx := context.Background()

	if err := s.Put(ctx, token, Hint{Venue: "pancake"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	h, ok, err := s.Get(ctx, token)
	if err != nil || !ok || h.Venue != "pancake" || !h.RecordedAt.Equal(vc.Now()) {
		t.Fatalf("get = %+v %v %v", h, ok, err)
	}

	vc.Advance(time.Hour)
	if _, ok, _ := s.Get(ctx, token); ok {
		t.Fatalf("hint should expire after ttl")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(0, nil)
	ctx := context.Background()
	_ = s.Put(ctx, token, Hint{Venue: "biswap"})
	_ = s.Delete(ctx, token)
	if _, ok, _ := s.Get(ctx, token); ok {
		t.Fatalf("hint should be deleted")
	}
}

func TestOverridesWin(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(0, nil)
	_ = mem.Put(ctx, token, Hint{Venue: "learned"})
	other := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	_ = mem.Put(ctx, other, Hint{Venue: "learned"})

	s := WithOverrides(map[common.Address]string{token: "configured"}, mem)
	if h, ok, _ := s.Get(ctx, token); !ok || h.Venue != "configured" {
		t.Fatalf("override = %+v", h)
	}
	if h, ok, _ := s.Get(ctx, other); !ok || h.Venue != "learned" {
		t.Fatalf("fallthrough = %+v", h)
	}
	if _, ok, _ := WithOverrides(nil, nil).Get(ctx, other); ok {
		t.Fatalf("empty overrides should miss")
	}
}

func TestRedisKeyAndCodec(t *testing.T) {
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), time.Hour)
	defer s.Close()
	if got := s.key(token); got != "routeguard:venue-hint:0x000000000000000000000000000000000000abc1" {
		t.Fatalf("key = %s", got)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := encodeHint(Hint{Venue: "pancake", Reason: "fallback", RecordedAt: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, err := decodeHint(data)
	if err != nil || h.Venue != "pancake" || !h.RecordedAt.Equal(at) {
		t.Fatalf("decode = %+v %v", h, err)
	}
	if _, err := decodeHint([]byte(`{"reason":"x"}`)); err == nil {
		t.Fatalf("expected error for hint without venue")
	}
}
