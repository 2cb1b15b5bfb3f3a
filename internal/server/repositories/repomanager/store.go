package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// sqlOpen is a seam for tests.
var sqlOpen = sql.Open

// Open builds the intent repository selected by cfg.Driver, runs its
// migrations and returns a closer for the underlying connection.
func Open(ctx context.Context, cfg config.StorageConfig) (intents.Repository, io.Closer, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return intents.NewMemoryRepository(), nopCloser{}, nil

	case config.StorageSQLite:
		db, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		repo := intents.NewGormRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return repo, sqlDB, nil

	case config.StoragePostgres:
		db, err := sqlOpen("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db init error: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("db ping error: %w", err)
		}
		m := NewPostgresRepositoryManager()
		if err := m.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return m.Intents(db), db, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OpenSQLite opens dsn with the pure-Go modernc driver and hands the
// connection to GORM, so no cgo is needed.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	sqlDB, err := sqlOpen("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one writer at a time keeps SQLite away from SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	return db, nil
}
