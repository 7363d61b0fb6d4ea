package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/topup/internal/config"
	"github.com/MarkoPoloResearchLab/topup/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/topup/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	databasePostgres = "postgres"
	databaseSQLite   = "sqlite"
)

// openStore returns the purchase store selected by storeDriver with its schema in place.
func openStore(ctx context.Context, dsn string, storeDriver string) (topup.Store, func(), error) {
	if storeDriver == config.StoreDriverPgx {
		pool, err := openPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}
	store, cleanup, err := openGormStore(ctx, dsn, storeDriver)
	if err != nil {
		return nil, nil, err
	}
	return store, cleanup, nil
}

// openGormStore opens the gorm store used by serve and seed. The pgx driver owns its
// schema, so gorm only migrates when it is the selected store.
func openGormStore(ctx context.Context, dsn string, storeDriver string) (*gormstore.Store, func(), error) {
	if storeDriver == config.StoreDriverPgx {
		pool, err := openPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		pool.Close()
	}
	gormDB, cleanup, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if storeDriver != config.StoreDriverPgx {
		if err := prepareSchema(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
	}
	return gormstore.New(gormDB), func() { _ = cleanup() }, nil
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case databasePostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case databaseSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == databaseSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return databasePostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "topup.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return databaseSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
