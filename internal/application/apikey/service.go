// Package apikey authenticates bearer API keys and resolves them to a project.
package apikey

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/metering/backend/internal/domain/apikey"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// NamespaceAPIKeyByHash caches keys by the hash of their secret
const NamespaceAPIKeyByHash = "apiKeyByHash"

// ErrInvalidKey is returned for unknown, revoked or expired keys
var ErrInvalidKey = shared.NewDomainError(shared.CodeUnauthorized, "invalid api key")

// Submitter runs background work. *worker.Pool satisfies it.
type Submitter interface {
	Submit(name string, fn worker.Task) bool
}

// cachedKey is the cached view of a key. Misses are cached too so a flood
// of bad keys does not reach the database.
type cachedKey struct {
	ProjectID string     `json:"project_id"`
	Revoked   bool       `json:"revoked"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Missing   bool       `json:"missing,omitempty"`
}

// Principal is what an authenticated key resolves to
type Principal struct {
	ProjectID string
	KeyHash   string
}

// Service authenticates API keys
type Service struct {
	repo   apikey.Repository
	keys   *cache.Namespace[cachedKey]
	bg     Submitter
	now    func() time.Time
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

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the authentication service. Last-use touches are
// submitted to bg; a nil bg skips them.
func NewService(repo apikey.Repository, c *cache.Cache, policy cache.Policy, bg Submitter, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		keys:   cache.NewNamespace[cachedKey](c, NamespaceAPIKeyByHash, policy),
		bg:     bg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("apikey")
	return s
}

// Authenticate resolves a plaintext secret to its project.
// Unknown, revoked and expired keys return ErrInvalidKey; repository
// failures return a FETCH_ERROR.
func (s *Service) Authenticate(ctx context.Context, secret string) (*Principal, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidKey
	}
	hash := apikey.Hash(secret)

	key, err := s.keys.SWR(ctx, hash, func(ctx context.Context) (cachedKey, error) {
		k, err := s.repo.FindByHash(ctx, hash)
		if errors.Is(err, shared.ErrNotFound) {
			return cachedKey{Missing: true}, nil
		}
		if err != nil {
			return cachedKey{}, err
		}
		return cachedKey{ProjectID: k.ProjectID, Revoked: k.Revoked, ExpiresAt: k.ExpiresAt}, nil
	})
	if err != nil {
		s.logger.Warn("API key lookup failed", zap.Error(err))
		return nil, shared.WrapDomainError(shared.CodeFetchError, "failed to verify api key", err)
	}

	now := s.now()
	if key.Missing || key.Revoked || (key.ExpiresAt != nil && !now.Before(*key.ExpiresAt)) {
		return nil, ErrInvalidKey
	}

	s.touch(hash, now)
	return &Principal{ProjectID: key.ProjectID, KeyHash: hash}, nil
}

// Create issues a new key for projectID and returns its plaintext secret
func (s *Service) Create(ctx context.Context, projectID, name string, expiresAt *time.Time) (*apikey.APIKey, string, error) {
	k, secret, err := apikey.Generate(projectID, name)
	if err != nil {
		return nil, "", err
	}
	k.ExpiresAt = expiresAt
	if err := s.repo.Save(ctx, k); err != nil {
		return nil, "", err
	}
	s.keys.Remove(ctx, k.Hash)
	s.logger.Info("API key created", zap.String("project_id", projectID), zap.String("name", name))
	return k, secret, nil
}

// Revoke disables the key with the given secret hash
func (s *Service) Revoke(ctx context.Context, hash string) error {
	k, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	k.Revoked = true
	k.Touch(s.now())
	if err := s.repo.Save(ctx, k); err != nil {
		return err
	}
	s.keys.Remove(ctx, hash)
	s.logger.Info("API key revoked", zap.String("project_id", k.ProjectID))
	return nil
}

func (s *Service) touch(hash string, at time.Time) {
	if s.bg == nil {
		return
	}
	s.bg.Submit("apikey-touch", func(ctx context.Context) error {
		if err := s.repo.TouchLastUsed(ctx, hash, at); err != nil {
			s.logger.Debug("API key last-use update failed", zap.Error(err))
			return err
		}
		return nil
	})
}
