// Package testdb opens throwaway in-memory SQLite databases for package tests.
package testdb

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crowdfund/services/marketplace/models"
)

// PostgresDSNEnv names the variable that enables tests against a real Postgres.
const PostgresDSNEnv = "MARKET_TEST_POSTGRES_DSN"

// Open returns a migrated database private to t. The pool is pinned to one
// connection: shared-cache SQLite reports table locks instead of waiting, so
// concurrent callers queue on the pool and transactions run one at a time.
// Goroutine tests on this database exercise the API under contention but
// never interleave two conditional updates; use Postgres for that.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Postgres returns a migrated Postgres database with a multi-connection pool,
// skipping the test unless MARKET_TEST_POSTGRES_DSN is set. Rows are not
// cleaned up, so tests must create their own fixtures with unique names.
func Postgres(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv))
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	db, err := models.Open(models.DriverPostgres, dsn, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(16)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
