package postgres

import (
	"context"
	"io/fs"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"postgres://u:p@localhost:5432/chanwatch?sslmode=disable":   "pgx5://u:p@localhost:5432/chanwatch?sslmode=disable",
		"postgresql://u:p@localhost:5432/chanwatch?sslmode=disable": "pgx5://u:p@localhost:5432/chanwatch?sslmode=disable",
		"pgx5://localhost/chanwatch":                                "pgx5://localhost/chanwatch",
	}
	for in, want := range cases {
		require.Equal(t, want, MigrationURL(in), in)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	t.Parallel()

	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}

// TestRunMigrationsAgainstDatabase needs a disposable database in
// CHANWATCH_TEST_DATABASE_URL.
func TestRunMigrationsAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("CHANWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHANWATCH_TEST_DATABASE_URL not set")
	}

	require.NoError(t, RunMigrations(dsn))
	// A second run is a no-op.
	require.NoError(t, RunMigrations(dsn))

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"subscriptions", "user_subscriptions", "hosts", "users"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		require.True(t, exists, "table %s missing", table)
	}
}
