package testutil

import (
	"testing"

	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewSQLiteDatabase opens a private in-memory sqlite database with the
// service tables migrated. It is closed when the test ends.
func NewSQLiteDatabase(t *testing.T) *persistence.Database {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err, "Failed to open sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection to :memory: is a fresh database
	sqlDB.SetMaxOpenConns(1)

	database := &persistence.Database{DB: db}
	require.NoError(t, database.AutoMigrate(), "Failed to migrate schema")

	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
