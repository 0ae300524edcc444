// Package testdb opens databases for package tests.
package testdb

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// staticTables are truncated between PostgreSQL tests.
var staticTables = []string{
	"archive_invalidations",
	"archive_purge_worklist",
	"archive_locks",
	"remembered_invalidations",
	"options",
	"sites",
	"segments",
	"log_link_visit_action",
	"log_conversion_item",
	"log_conversion",
	"log_visit",
	"log_action",
}

// Open opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to a single connection,
// since every new connection to ":memory:" would see an empty database.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgres(db)
		t.Cleanup(func() {
			cleanupPostgres(db)
			_ = sqlDB.Close()
		})
		return db
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err, "get underlying sql.DB")
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// cleanupPostgres empties the static tables and drops archive partitions.
func cleanupPostgres(db *gorm.DB) {
	for _, tbl := range staticTables {
		if db.Migrator().HasTable(tbl) {
			db.Exec("DELETE FROM " + tbl)
		}
	}
	tables, err := db.Migrator().GetTables()
	if err != nil {
		return
	}
	for _, tbl := range tables {
		if strings.HasPrefix(tbl, "archive_numeric_") || strings.HasPrefix(tbl, "archive_blob_") {
			db.Exec("DROP TABLE IF EXISTS " + tbl)
		}
	}
}
