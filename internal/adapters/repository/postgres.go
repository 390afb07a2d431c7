package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/okian/creditgate/internal/domain/model"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS worker_ledger (
	uid               INTEGER PRIMARY KEY,
	credit            BIGINT NOT NULL,
	accumulated_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	stake             DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_worker_ledger_score ON worker_ledger(accumulated_score DESC, uid ASC);
`

const workerColumns = `uid, credit, accumulated_score, stake, updated_at`

// PostgresStore persists the ledger in a worker_ledger table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens databaseURL, pings it and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger table and index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, uids []int) (map[int]model.Worker, error) {
	ids := make([]int64, len(uids))
	for i, uid := range uids {
		ids[i] = int64(uid)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM worker_ledger WHERE uid = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	ws, err := scanWorkers(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int]model.Worker, len(ws))
	for _, w := range ws {
		out[w.UID] = w
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, w model.Worker) (model.Worker, error) {
	if err := validate(w); err != nil {
		return model.Worker{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_ledger (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO NOTHING`,
		w.UID, w.Credit, w.AccumulatedScore, w.Stake, w.UpdatedAt)
	if err != nil {
		return model.Worker{}, fmt.Errorf("failed to insert worker %d: %w", w.UID, err)
	}

	var stored model.Worker
	err = s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM worker_ledger WHERE uid = $1`, w.UID).
		Scan(&stored.UID, &stored.Credit, &stored.AccumulatedScore, &stored.Stake, &stored.UpdatedAt)
	if err != nil {
		return model.Worker{}, fmt.Errorf("failed to read worker %d: %w", w.UID, err)
	}
	return stored, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, ws ...model.Worker) error {
	if len(ws) == 0 {
		return nil
	}
	for _, w := range ws {
		if err := validate(w); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO worker_ledger (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO UPDATE SET
			credit = EXCLUDED.credit,
			accumulated_score = EXCLUDED.accumulated_score,
			stake = EXCLUDED.stake,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, w := range ws {
		if _, err := stmt.ExecContext(ctx, w.UID, w.Credit, w.AccumulatedScore, w.Stake, w.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert worker %d: %w", w.UID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM worker_ledger ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	return scanWorkers(rows)
}

// TopN returns up to n workers with score > minScore, best first.
func (s *PostgresStore) TopN(ctx context.Context, n int, minScore float64) ([]model.Worker, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM worker_ledger
		WHERE accumulated_score > $1
		ORDER BY accumulated_score DESC, uid ASC
		LIMIT $2`, minScore, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query top workers: %w", err)
	}
	return scanWorkers(rows)
}

func scanWorkers(rows *sql.Rows) ([]model.Worker, error) {
	defer rows.Close()
	var out []model.Worker
	for rows.Next() {
		var w model.Worker
		if err := rows.Scan(&w.UID, &w.Credit, &w.AccumulatedScore, &w.Stake, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return out, nil
}
