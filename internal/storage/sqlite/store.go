// Package sqlite keeps the swap ledger in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

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
	in_amount    TEXT,
	out_amount   TEXT,
	tx_hash      TEXT NOT NULL DEFAULT '',
	success      INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	attempts     TEXT NOT NULL DEFAULT '[]',
	executed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS swap_results_executed_at_idx ON swap_results (executed_at DESC);
`

type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)
var _ storage.Reader = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutResults(ctx context.Context, results []model.SwapResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO swap_results (
			id, provider, side, input_token, output_token, in_amount, out_amount,
			tx_hash, success, error, error_kind, attempts, executed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		attempts, err := storage.EncodeAttempts(r.Attempts)
		if err != nil {
			return err
		}
		success := 0
		if r.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Provider,
			r.Side,
			r.InputToken.Hex(),
			r.OutputToken.Hex(),
			storage.AmountString(r.InAmount),
			storage.AmountString(r.OutAmount),
			r.TxHash,
			success,
			r.Error,
			r.ErrorKind,
			attempts,
			r.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert swap result: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RecentResults(ctx context.Context, limit int) ([]model.SwapResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, side, input_token, output_token, in_amount, out_amount,
			tx_hash, success, error, error_kind, attempts, executed_at
		FROM swap_results
		ORDER BY executed_at DESC
		LIMIT ?
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
			in, outAmount sql.NullString
			success       int
			attempts      string
			executedAt    int64
		)
		if err := rows.Scan(&r.ID, &r.Provider, &r.Side, &input, &output, &in, &outAmount,
			&r.TxHash, &success, &r.Error, &r.ErrorKind, &attempts, &executedAt); err != nil {
			return nil, fmt.Errorf("scan swap result: %w", err)
		}
		r.InputToken = common.HexToAddress(input)
		r.OutputToken = common.HexToAddress(output)
		r.Success = success == 1
		r.Timestamp = time.Unix(0, executedAt).UTC()
		if r.InAmount, err = storage.ParseAmount(nullable(in)); err != nil {
			return nil, err
		}
		if r.OutAmount, err = storage.ParseAmount(nullable(outAmount)); err != nil {
			return nil, err
		}
		if r.Attempts, err = storage.DecodeAttempts(attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
