package postgres

import (
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/secrets/secretstest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PKI_ENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PKI_ENGINE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := t.Context()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM secrets")  //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM counters") //nolint:errcheck
	t.Cleanup(pool.Close)
	return NewStore(pool)
}

func TestPostgresStore(t *testing.T) {
	secretstest.Run(t, newTestStore(t))
}

func TestPostgresNextID(t *testing.T) {
	secretstest.RunCounter(t, newTestStore(t))
}
