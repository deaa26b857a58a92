package database

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFiles, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ON orders (user_id, idempotency_key) WHERE deleted_at IS NULL")
	assert.Contains(t, string(body), "ON payment_transactions (authority)")
	assert.Contains(t, string(body), "ON stock_ledger_entries (idempotency_key)")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	require.NoError(t, down.Close())
}

func TestPostgresConfigURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", User: "app", Password: "p@ss word", DBName: "checkout", SSLMode: "disable"}
	assert.Equal(t, "postgres://app:p%40ss%20word@db:5432/checkout?sslmode=disable", cfg.URL())
	assert.Contains(t, cfg.DSN(), "host=db user=app")
}
