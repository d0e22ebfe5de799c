package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to the database named by TEST_DATABASE_URL,
// migrates it and truncates the chat tables. Tests are skipped when the
// variable is unset or the database is unreachable.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db))
	_, err = db.ExecContext(ctx, `TRUNCATE messages, conversations, users`)
	require.NoError(t, err)

	p := NewPostgres(db)
	for _, u := range contractUsers {
		require.NoError(t, p.PutUser(ctx, u))
	}
	return p
}

func TestPostgres_Contract(t *testing.T) {
	runContract(t, newTestPostgres(t))
}
