package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"routeGuard/internal/model"
	"routeGuard/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS swap_results (
	id           TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	side         TEXT NOT NULL,
	input_token  TEXT NOT NULL,
	output_token TEXT NOT NULL,
	in_amount    NUMERIC,
	out_amount   NUMERIC,
	tx_hash      TEXT,
	success      BOOLEAN NOT NULL,
	error        TEXT,
	error_kind   TEXT,
	attempts     JSONB NOT NULL DEFAULT '[]'::jsonb,
	executed_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS swap_results_executed_at_idx ON swap_results (executed_at DESC);
`

// Store provides Postgres persistence for the swap ledger.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Store)(nil)
var _ storage.Reader = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// PutResults inserts results; rows already stored by id are left untouched.
func (s *Store) PutResults(ctx context.Context, results []model.SwapResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		attempts, err := storage.EncodeAttempts(r.Attempts)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO swap_results (
				id, provider, side, input_token, output_token, in_amount, out_amount,
				tx_hash, success, error, error_kind, attempts, executed_at
			) VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12::jsonb,$13)
			ON CONFLICT (id) DO NOTHING
		`,
			r.ID,
			r.Provider,
			r.Side,
			r.InputToken.Hex(),
			r.OutputToken.Hex(),
			storage.AmountString(r.InAmount),
			storage.AmountString(r.OutAmount),
			r.TxHash,
			r.Success,
			r.Error,
			r.ErrorKind,
			attempts,
			r.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert swap result: %w", err)
		}
	}
	return nil
}

// RecentResults returns the newest limit results.
func (s *Store) RecentResults(ctx context.Context, limit int) ([]model.SwapResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, side, input_token, output_token, in_amount::text, out_amount::text,
			COALESCE(tx_hash, ''), success, COALESCE(error, ''), COALESCE(error_kind, ''), attempts::text, executed_at
		FROM swap_results
		ORDER BY executed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query swap results: %w", err)
	}
	defer rows.Close()

	var out []model.SwapResult
	for rows.Next() {
		var (
			r             model.SwapResult
			input, output string
			in, outAmount *string
			attempts      string
		)
		if err := rows.Scan(&r.ID, &r.Provider, &r.Side, &input, &output, &in, &outAmount,
			&r.TxHash, &r.Success, &r.Error, &r.ErrorKind, &attempts, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan swap result: %w", err)
		}
		r.InputToken = common.HexToAddress(input)
		r.OutputToken = common.HexToAddress(output)
		if r.InAmount, err = storage.ParseAmount(in); err != nil {
			return nil, err
		}
		if r.OutAmount, err = storage.ParseAmount(outAmount); err != nil {
			return nil, err
		}
		if r.Attempts, err = storage.DecodeAttempts(attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
