// Package integration runs the HTTP API end to end against a real
// database: sqlite in memory by default, PostgreSQL in a container when
// the tests are not run with -short.
package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/application/apikey"
	billingapp "github.com/metering/backend/internal/application/billing"
	entitlementapp "github.com/metering/backend/internal/application/entitlement"
	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/event"
	"github.com/metering/backend/internal/infrastructure/payment"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/infrastructure/worker"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/router"
	"github.com/metering/backend/tests/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// WebhookSecret signs the provider webhooks sent in tests
const WebhookSecret = "whsec_integration"

// App is the service wired the way the server wires it, minus Redis
// and telemetry.
type App struct {
	Engine       http.Handler
	DB           *persistence.Database
	APIKeys      *apikey.Service
	Entitlements *entitlementapp.Service
	Flusher      *usageapp.Flusher
	Records      *persistence.GormUsageRecordRepository
	Phases       *billingapp.PhaseService
	Provider     *payment.SandboxProvider
	Events       *testutil.RecordingHandler
}

// NewApp builds the full stack over db. Background workers are stopped
// when the test ends.
func NewApp(t *testing.T, db *persistence.Database) *App {
	t.Helper()
	log := zap.NewNop()

	pool, err := worker.New("integration", worker.DefaultConfig())
	require.NoError(t, err)

	memory := cache.NewMemoryStore()
	sharedCache := cache.New([]cache.Store{memory}, cache.WithRefresher(pool))

	// Without a dispatcher the bus delivers synchronously
	bus := event.NewInMemoryEventBus(log)
	recorder := testutil.NewRecordingHandler()
	bus.Subscribe(recorder)

	apiKeyRepo := persistence.NewGormAPIKeyRepository(db.DB)
	entitlementRepo := persistence.NewGormEntitlementRepository(db.DB)
	records := persistence.NewGormUsageRecordRepository(db.DB, 100)
	phaseRepo := persistence.NewGormPhaseRepository(db.DB)
	invoiceRepo := persistence.NewGormInvoiceRepository(db.DB)

	keys := apikey.NewService(apiKeyRepo, sharedCache, cache.Policy{Fresh: time.Minute, Stale: time.Hour}, pool)
	entitlements := entitlementapp.NewService(entitlementRepo, sharedCache, cache.Policy{Fresh: time.Minute, Stale: time.Hour})

	flusherCfg := usageapp.DefaultFlusherConfig()
	flusherCfg.FlushInterval = time.Hour
	flusher := usageapp.NewFlusher(records, flusherCfg)
	flusher.Start()

	limiter := usageapp.NewLimiter(time.Minute)
	stream := handler.NewUsageStream()
	usageService := usageapp.NewService(limiter, entitlements, flusher, sharedCache,
		usageapp.Config{
			DedupTTL:         time.Hour,
			IdempotentPolicy: cache.Policy{Fresh: time.Minute, Stale: time.Hour},
		},
		usageapp.WithBroadcaster(stream),
		usageapp.WithEventPublisher(bus),
		usageapp.WithRecordLookup(records),
	)

	provider := payment.NewSandboxProvider(log)
	phases := billingapp.NewPhaseService(phaseRepo, invoiceRepo, provider, records,
		billingapp.WithEventPublisher(bus),
		billingapp.WithPeriodStarter(usageService))
	webhooks := billingapp.NewStripeWebhookService(WebhookSecret, phases, log)

	engine, err := router.NewEngine(router.EngineConfig{
		Logger: log,
		Auth:   keys,
	}, router.Handlers{
		Usage:    handler.NewUsageHandler(usageService, entitlements),
		Stream:   stream,
		Phases:   handler.NewPhaseHandler(phases),
		Webhooks: handler.NewStripeWebhookHandler(webhooks, log),
		System: handler.NewSystemHandler("metering", "test", map[string]handler.HealthCheck{
			"database": func(context.Context) error { return db.Ping() },
		}),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream.Stop()
		_ = limiter.Stop(ctx)
		_ = flusher.Stop(ctx)
		_ = pool.Stop(ctx)
		_ = memory.Close()
	})

	return &App{
		Engine:       engine,
		DB:           db,
		APIKeys:      keys,
		Entitlements: entitlements,
		Flusher:      flusher,
		Records:      records,
		Phases:       phases,
		Provider:     provider,
		Events:       recorder,
	}
}

// IssueKey creates an API key for projectID and returns its secret
func (a *App) IssueKey(t *testing.T, projectID string) string {
	t.Helper()
	_, secret, err := a.APIKeys.Create(context.Background(), projectID, "integration", nil)
	require.NoError(t, err)
	return secret
}

// Grant stores a usage entitlement with the given limit, valid from an
// hour ago with no end.
func (a *App) Grant(t *testing.T, projectID, customerID, featureSlug string, limit float64) *entitlement.Snapshot {
	t.Helper()
	now := time.Now().UTC()
	snap := &entitlement.Snapshot{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		CustomerID:  customerID,
		FeatureSlug: featureSlug,
		FeatureType: entitlement.FeatureTypeUsage,
		Limit:       entitlement.Float(limit),
		ValidFrom:   now.Add(-time.Hour),
		UpdatedAt:   now,
	}
	require.NoError(t, a.Entitlements.Save(context.Background(), snap))
	return snap
}

// Flush forces queued usage into the database
func (a *App) Flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Flusher.Flush(ctx))
}
