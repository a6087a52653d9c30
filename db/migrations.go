package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/logger"
)

// MigrationsFS embeds the versioned schema migrations. The admin migrate
// command and RunMigrations both read from it.
//
//go:embed migrations
var MigrationsFS embed.FS

// NewMigrator builds a migrate instance over the embedded migrations. The
// returned *sql.DB must be closed by the caller once migration work is done.
func NewMigrator(ctx context.Context, connString string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// RunMigrations applies all pending up migrations under the exclusive
// advisory lock. The daemon calls this at startup; ErrNoChange is not an
// error.
func RunMigrations(ctx context.Context, connString string) error {
	m, sqlDB, err := NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := AcquireMigrationLock(ctx, sqlDB); err != nil {
		return err
	}
	// A background context keeps the unlock working even when ctx is done.
	defer ReleaseMigrationLock(context.Background(), sqlDB)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("[MIGRATE] no schema version recorded")
			return nil
		}
		return fmt.Errorf("reading migration version: %w", err)
	}
	logger.Infof("[MIGRATE] schema at version %d (dirty: %t)", version, dirty)
	return nil
}

// AcquireMigrationLock takes the process-exclusive advisory lock so that
// concurrent daemon or admin instances cannot mutate the schema at once.
func AcquireMigrationLock(ctx context.Context, sqlDB *sql.DB) error {
	var lockAcquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.ChaserAdvisoryLockID).Scan(&lockAcquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock. Is another chaser instance already running?")
	}

	logger.Info("Acquired exclusive database lock for migration.")
	return nil
}

// ReleaseMigrationLock drops the advisory lock. Failures are logged, not
// returned, since the session ending releases the lock anyway.
func ReleaseMigrationLock(ctx context.Context, sqlDB *sql.DB) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.ChaserAdvisoryLockID).Scan(&unlocked)
	if err != nil {
		logger.Infof("WARN: failed to release advisory lock after migration: %v", err)
	} else if unlocked {
		logger.Info("Released exclusive database lock.")
	} else {
		logger.Infof("WARN: pg_advisory_unlock reported lock was not held at time of release.")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return true
}
