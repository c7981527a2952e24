// Package postgres implements secrets.Store backed by PostgreSQL.
//
// The secrets table uses a composite primary key (category, dfsp_id,
// secret_id) that mirrors the {category}/{dfspId}[/{id}] key space of the
// other drivers. Enrollment ids come from a single-row counter incremented
// atomically with UPDATE ... RETURNING semantics.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/pkiengine/secrets"
)

//go:embed schema.sql
var schemaSQL string

const enrollmentCounter = "enrollment"

// EnsureSchema creates the required tables if they do not exist.
// It is safe to call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements secrets.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ secrets.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(ctx context.Context, key secrets.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM secrets WHERE category = $1 AND dfsp_id = $2 AND secret_id = $3`,
		string(key.Category), key.DFSPID, key.ID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, secrets.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key secrets.Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO secrets (category, dfsp_id, secret_id, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (category, dfsp_id, secret_id)
		 DO UPDATE SET value = $4, updated_at = now()`,
		string(key.Category), key.DFSPID, key.ID, value)
	return err
}

func (s *Store) List(ctx context.Context, category secrets.Category, dfspID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT secret_id FROM secrets
		 WHERE category = $1 AND dfsp_id = $2 AND secret_id <> ''
		 ORDER BY secret_id COLLATE "C"`,
		string(category), dfspID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, key secrets.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM secrets WHERE category = $1 AND dfsp_id = $2 AND secret_id = $3`,
		string(key.Category), key.DFSPID, key.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", key, secrets.ErrNotFound)
	}
	return nil
}

// NextID increments the enrollment counter row and returns its new value.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO counters (name, value) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		 RETURNING value`,
		enrollmentCounter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next enrollment id: %w", err)
	}
	return id, nil
}
