package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type migrator struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewDatabaseMigrator(db *sqlx.DB, logger *slog.Logger) *migrator {
	return &migrator{
		db:     db,
		logger: logger,
	}
}

// open returns a migrate instance bound to schemaName on a dedicated connection.
// The schema is created if it does not exist. release must be called when done.
func (m *migrator) open(ctx context.Context, schemaName string) (instance *migrate.Migrate, release func(), err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get a connection: %w", err)
	}

	prepare := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(schemaName)),
		fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(schemaName)),
	}
	for _, statement := range prepare {
		if _, err := conn.ExecContext(ctx, statement); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to prepare schema %s: %w", schemaName, err)
		}
	}

	source, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		DatabaseName: DB_NAME,
		SchemaName:   schemaName,
	})
	if err != nil {
		_ = source.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	instance, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = source.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return instance, func() {
		// Closes the source and the driver, which releases conn
		_, _ = instance.Close()
		if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			m.logger.WarnContext(ctx, "failed to close migration connection", "error", err.Error())
		}
	}, nil
}

// Migrate creates schemaName if needed and applies all pending migrations to it
func (m *migrator) Migrate(ctx context.Context, schemaName string) error {
	instance, release, err := m.open(ctx, schemaName)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer release()

	logger := m.logger.With("schema", schemaName)
	logger.InfoContext(ctx, "Applying migrations")

	err = instance.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.InfoContext(ctx, "Schema is up to date")
	case err != nil:
		return fmt.Errorf("migrate: failed to apply migrations to %s: %w", schemaName, err)
	}

	version, dirty, err := instance.Version()
	if err != nil {
		return fmt.Errorf("migrate: failed to read schema version: %w", err)
	}
	logger.InfoContext(ctx, "Migrations applied", "version", version, "dirty", dirty)

	return nil
}
