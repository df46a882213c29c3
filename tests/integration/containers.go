package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// One PostgreSQL container serves every test in the package
	sharedPostgres    *tcpostgres.PostgresContainer
	sharedPostgresDSN string
	sharedPostgresMu  sync.Mutex
)

// NewPostgresDatabase connects to the shared PostgreSQL container, starting
// it on first use, and truncates the service tables. It skips under -short.
func NewPostgresDatabase(t *testing.T) *persistence.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	sharedPostgresMu.Lock()
	defer sharedPostgresMu.Unlock()

	ctx := context.Background()
	if sharedPostgres == nil {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("metering_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err, "Failed to start PostgreSQL container")

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "Failed to get connection string")
		sharedPostgres = container
		sharedPostgresDSN = dsn
	}

	db, err := gorm.Open(gormpostgres.Open(sharedPostgresDSN), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err, "Failed to connect to PostgreSQL")

	database := &persistence.Database{DB: db}
	require.NoError(t, database.AutoMigrate())
	require.NoError(t, db.Exec(`TRUNCATE TABLE api_keys, entitlements, usage_records,
		billing_phase_items, billing_phases, invoice_items, invoices CASCADE`).Error)

	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// NewRedisClient starts a throwaway Redis container and returns a client
// for it. It skips under -short.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client, err := cache.NewRedisClient(cache.RedisConfig{
		Host: host,
		Port: port.Int(),
	})
	require.NoError(t, err, "Failed to connect to Redis")
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
