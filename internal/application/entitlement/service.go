// Package entitlement serves entitlement snapshots through the tiered
// cache, falling back to the repository on a miss.
package entitlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/cache"
	"go.uber.org/zap"
)

// Cache namespaces owned by the service
const (
	NamespaceCustomerEntitlement  = "customerEntitlement"
	NamespaceCustomerEntitlements = "customerEntitlements"
)

// Service reads and writes entitlement snapshots
type Service struct {
	repo   entitlement.Repository
	one    *cache.Namespace[entitlement.Snapshot]
	list   *cache.Namespace[[]entitlement.Snapshot]
	logger *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger for the service
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates an entitlement service caching under policy
func NewService(repo entitlement.Repository, c *cache.Cache, policy cache.Policy, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		one:    cache.NewNamespace[entitlement.Snapshot](c, NamespaceCustomerEntitlement, policy),
		list:   cache.NewNamespace[[]entitlement.Snapshot](c, NamespaceCustomerEntitlements, policy),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("entitlement")
	return s
}

// FeatureKey is the cache key of one entitlement
func FeatureKey(projectID, customerID, featureSlug string) string {
	return strings.Join([]string{projectID, customerID, featureSlug}, ":")
}

// CustomerKey is the cache key of a customer's entitlement list
func CustomerKey(projectID, customerID string) string {
	return projectID + ":" + customerID
}

// Get returns the snapshot of a feature for a customer.
//
// A fresh cached snapshot is returned as is. A stale one is returned
// immediately with a background refresh unless requireFresh is set, in
// which case it is re-read from the repository before returning. A
// missing entitlement is shared.ErrNotFound; any other repository failure
// is a FETCH_ERROR.
func (s *Service) Get(ctx context.Context, projectID, customerID, featureSlug string, requireFresh bool) (*entitlement.Snapshot, error) {
	key := FeatureKey(projectID, customerID, featureSlug)
	load := func(ctx context.Context) (entitlement.Snapshot, error) {
		snap, err := s.repo.FindByFeature(ctx, projectID, customerID, featureSlug)
		if err != nil {
			return entitlement.Snapshot{}, err
		}
		return *snap, nil
	}

	var (
		snap entitlement.Snapshot
		err  error
	)
	if requireFresh {
		res := s.one.Get(ctx, key)
		if res.Found && !res.Stale {
			return &res.Value, nil
		}
		snap, err = s.one.Load(ctx, key, load)
	} else {
		snap, err = s.one.SWR(ctx, key, load)
	}
	if err != nil {
		return nil, s.fetchError(err, key)
	}
	return &snap, nil
}

// List returns every active entitlement of a customer
func (s *Service) List(ctx context.Context, projectID, customerID string) ([]entitlement.Snapshot, error) {
	key := CustomerKey(projectID, customerID)
	snaps, err := s.list.SWR(ctx, key, func(ctx context.Context) ([]entitlement.Snapshot, error) {
		found, err := s.repo.FindByCustomer(ctx, projectID, customerID)
		if err != nil {
			return nil, err
		}
		out := make([]entitlement.Snapshot, 0, len(found))
		for _, snap := range found {
			out = append(out, *snap)
		}
		return out, nil
	})
	if err != nil {
		return nil, s.fetchError(err, key)
	}
	return snaps, nil
}

// Put overwrites the cached snapshot and drops the customer's cached list
func (s *Service) Put(ctx context.Context, snap entitlement.Snapshot) {
	s.one.Set(ctx, FeatureKey(snap.ProjectID, snap.CustomerID, snap.FeatureSlug), snap)
	s.list.Remove(ctx, CustomerKey(snap.ProjectID, snap.CustomerID))
}

// Save persists snap and caches the stored version
func (s *Service) Save(ctx context.Context, snap *entitlement.Snapshot) error {
	if err := s.repo.Save(ctx, snap); err != nil {
		return err
	}
	s.Put(ctx, *snap)
	s.logger.Debug("Entitlement saved",
		zap.String("project_id", snap.ProjectID),
		zap.String("customer_id", snap.CustomerID),
		zap.String("feature_slug", snap.FeatureSlug))
	return nil
}

// ResetPeriod restarts the entitlement at zero usage for [start, end) and
// drops its cached copies.
func (s *Service) ResetPeriod(ctx context.Context, projectID, customerID, featureSlug string, start, end time.Time) error {
	if err := s.repo.ResetPeriod(ctx, projectID, customerID, featureSlug, start, end); err != nil {
		return err
	}
	s.Invalidate(ctx, projectID, customerID, featureSlug)
	return nil
}

// Invalidate drops the cached snapshot of a feature
func (s *Service) Invalidate(ctx context.Context, projectID, customerID, featureSlug string) {
	s.one.Remove(ctx, FeatureKey(projectID, customerID, featureSlug))
	s.list.Remove(ctx, CustomerKey(projectID, customerID))
}

func (s *Service) fetchError(err error, key string) error {
	if errors.Is(err, shared.ErrNotFound) {
		return err
	}
	s.logger.Warn("Entitlement fetch failed", zap.String("key", key), zap.Error(err))
	var de *shared.DomainError
	if errors.As(err, &de) && de.Code == shared.CodeFetchError {
		return err
	}
	return shared.WrapDomainError(shared.CodeFetchError, "failed to load entitlement", err)
}
