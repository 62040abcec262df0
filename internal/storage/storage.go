package storage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sugawarayuuta/sonnet"

	"routeGuard/internal/model"
)

// Storage is a sink for terminal swap results.
type Storage interface {
	PutResults(ctx context.Context, results []model.SwapResult) error
}

// Reader returns the most recent results, newest first.
type Reader interface {
	RecentResults(ctx context.Context, limit int) ([]model.SwapResult, error)
}

// AmountString renders an optional amount for a text or numeric column.
func AmountString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

// ParseAmount is the inverse of AmountString.
func ParseAmount(s *string) (*big.Int, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", *s)
	}
	return v, nil
}

// EncodeAttempts serializes the attempt trail as a JSON array.
func EncodeAttempts(attempts []model.Attempt) (string, error) {
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	data, err := sonnet.Marshal(attempts)
	if err != nil {
		return "", fmt.Errorf("marshal attempts: %w", err)
	}
	return string(data), nil
}

func DecodeAttempts(data string) ([]model.Attempt, error) {
	if data == "" {
		return nil, nil
	}
	var attempts []model.Attempt
	if err := sonnet.Unmarshal([]byte(data), &attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return attempts, nil
}
