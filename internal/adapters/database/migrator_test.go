package database

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func resourcesTableExists(t *testing.T, db *sqlx.DB, schemaName string) bool {
	t.Helper()

	var count int
	err := db.GetContext(
		t.Context(),
		&count,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'resources'",
		schemaName,
	)
	require.NoError(t, err)
	return count == 1
}

func freshSchema(t *testing.T, db *sqlx.DB, schemaName string) {
	t.Helper()

	db.MustExec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(schemaName)))
	t.Cleanup(func() {
		db.MustExec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(schemaName)))
	})
}

func TestMigrator(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping migrator tests in short mode.")
	}
	t.Parallel()

	db, err := NewPostgresDatabase(LOCAL_CONNECTION_STRING)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("up creates the resources table and down removes it", func(t *testing.T) {
		t.Parallel()

		schemaName := "migrate_up_down"
		freshSchema(t, db, schemaName)
		m := NewDatabaseMigrator(db, logger)

		require.NoError(t, m.Migrate(t.Context(), schemaName))
		require.True(t, resourcesTableExists(t, db, schemaName))

		instance, closeInstance, err := m.open(t.Context(), schemaName)
		require.NoError(t, err)
		defer closeInstance()

		version, dirty, err := instance.Version()
		require.NoError(t, err)
		require.Equal(t, uint(1), version)
		require.False(t, dirty)

		// Every migration must be reversible, so Down should not even return ErrNoChange
		require.NoError(t, instance.Down())
		require.False(t, resourcesTableExists(t, db, schemaName))

		_, _, err = instance.Version()
		require.ErrorIs(t, err, migrate.ErrNilVersion)
	})

	t.Run("migrating twice is a no-op", func(t *testing.T) {
		t.Parallel()

		schemaName := "migrate_twice"
		freshSchema(t, db, schemaName)
		m := NewDatabaseMigrator(db, logger)

		require.NoError(t, m.Migrate(t.Context(), schemaName))
		require.NoError(t, m.Migrate(t.Context(), schemaName))
		require.True(t, resourcesTableExists(t, db, schemaName))
	})

	t.Run("schemas are independent", func(t *testing.T) {
		t.Parallel()

		migrated := "migrate_independent_a"
		untouched := "migrate_independent_b"
		freshSchema(t, db, migrated)
		freshSchema(t, db, untouched)

		require.NoError(t, NewDatabaseMigrator(db, logger).Migrate(t.Context(), migrated))
		require.True(t, resourcesTableExists(t, db, migrated))
		require.False(t, resourcesTableExists(t, db, untouched))
	})
}
