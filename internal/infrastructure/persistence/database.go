package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the gorm handle shared by every repository
type Database struct {
	DB *gorm.DB
}

// Option adjusts the gorm.Config used by NewDatabase
type Option func(*gorm.Config)

// WithLogger routes gorm logging through l
func WithLogger(l logger.Interface) Option {
	return func(c *gorm.Config) { c.Logger = l }
}

// NewDatabase opens PostgreSQL, sizes the pool from cfg and pings it.
// Writes are not wrapped in implicit transactions; the repositories that
// need one (batch inserts, phase and invoice saves) open it themselves.
func NewDatabase(cfg *config.DatabaseConfig, opts ...Option) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	}
	for _, opt := range opts {
		opt(gormCfg)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d := &Database{DB: db}

	pool, err := d.pool()
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	pool.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)

	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return d, nil
}

func (d *Database) pool() (*sql.DB, error) {
	pool, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	return pool, nil
}

// AutoMigrate creates or updates the service's own tables
func (d *Database) AutoMigrate() error {
	if err := d.DB.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	pool, err := d.pool()
	if err != nil {
		return err
	}
	return pool.Close()
}

// Ping backs the database health check
func (d *Database) Ping() error {
	pool, err := d.pool()
	if err != nil {
		return err
	}
	return pool.Ping()
}

// StatsCollector exports connection pool statistics as
// go_sql_* metrics labelled with dbName.
func (d *Database) StatsCollector(dbName string) (prometheus.Collector, error) {
	pool, err := d.pool()
	if err != nil {
		return nil, err
	}
	return collectors.NewDBStatsCollector(pool, dbName), nil
}

// CustomerFeature scopes a query to one entitlement key. Every lookup on
// entitlements and usage records goes through it so a project can never
// read another project's rows. An empty projectID panics.
func CustomerFeature(projectID, customerID, featureSlug string) func(*gorm.DB) *gorm.DB {
	customer := Customer(projectID, customerID)
	return func(db *gorm.DB) *gorm.DB {
		return customer(db).Where("feature_slug = ?", featureSlug)
	}
}

// Customer scopes a query to a customer of a project
func Customer(projectID, customerID string) func(*gorm.DB) *gorm.DB {
	if projectID == "" {
		panic("persistence: query scoped to an empty project id")
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("project_id = ? AND customer_id = ?", projectID, customerID)
	}
}
