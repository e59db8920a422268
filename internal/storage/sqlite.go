package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a SQLite database. Patch and fitness are
// stored as JSON payloads.
type SQLiteStore struct {
	dsn string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(dsn string) *SQLiteStore {
	return &SQLiteStore{dsn: dsn}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return errors.New("sqlite dsn is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveMatch(ctx context.Context, rec MatchRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("match id is required")
	}

	patchJSON, err := json.Marshal(rec.Patch)
	if err != nil {
		return fmt.Errorf("encode patch %s: %w", rec.ID, err)
	}
	fitnessJSON, err := json.Marshal(rec.Fitness)
	if err != nil {
		return fmt.Errorf("encode fitness %s: %w", rec.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO matches (id, status, estimator, target, seed, patch, fitness,
			generations, evaluations, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			estimator = excluded.estimator,
			target = excluded.target,
			seed = excluded.seed,
			patch = excluded.patch,
			fitness = excluded.fitness,
			generations = excluded.generations,
			evaluations = excluded.evaluations,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.ID, string(rec.Status), rec.Estimator, rec.Target, rec.Seed, patchJSON, fitnessJSON,
		rec.Generations, rec.Evaluations, rec.Error,
		rec.CreatedAt.UTC().UnixNano(), rec.UpdatedAt.UTC().UnixNano())
	return err
}

func (s *SQLiteStore) GetMatch(ctx context.Context, id string) (MatchRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return MatchRecord{}, false, err
	}

	row := db.QueryRowContext(ctx, selectMatch+` WHERE id = ?`, id)
	rec, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MatchRecord{}, false, nil
		}
		return MatchRecord{}, false, err
	}
	return rec, true, nil
}

// ListMatches returns the newest records first. A limit of 0 returns all.
func (s *SQLiteStore) ListMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, selectMatch+` ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		rec, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

const selectMatch = `SELECT id, status, estimator, target, seed, patch, fitness,
	generations, evaluations, error, created_at, updated_at FROM matches`

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (MatchRecord, error) {
	var (
		rec                  MatchRecord
		status               string
		patchJSON, fitJSON   []byte
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &status, &rec.Estimator, &rec.Target, &rec.Seed, &patchJSON, &fitJSON,
		&rec.Generations, &rec.Evaluations, &rec.Error, &createdAt, &updatedAt)
	if err != nil {
		return MatchRecord{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal(patchJSON, &rec.Patch); err != nil {
		return MatchRecord{}, fmt.Errorf("decode patch %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(fitJSON, &rec.Fitness); err != nil {
		return MatchRecord{}, fmt.Errorf("decode fitness %s: %w", rec.ID, err)
	}
	return rec, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			estimator TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			patch BLOB,
			fitness BLOB,
			generations INTEGER NOT NULL DEFAULT 0,
			evaluations INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS matches_created_at ON matches (created_at);
	`)
	return err
}
