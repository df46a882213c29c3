// Package apikey models project API keys. Only a hash of the secret is
// ever stored; requests are authenticated by hashing the presented bearer
// token and looking the hash up.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/metering/backend/internal/domain/shared"
)

// KeyPrefix marks secrets issued by this service
const KeyPrefix = "mk_"

// APIKey authorizes calls on behalf of a project
type APIKey struct {
	shared.BaseEntity
	ProjectID  string
	Name       string
	Hash       string
	Revoked    bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// Generate creates a key for projectID and returns it with its plaintext
// secret. The secret cannot be recovered later.
func Generate(projectID, name string) (*APIKey, string, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, "", shared.NewDomainError(shared.CodeInvalidInput, "project id cannot be empty")
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", shared.WrapDomainError(shared.CodeInternal, "failed to generate api key", err)
	}
	secret := KeyPrefix + hex.EncodeToString(buf)

	return &APIKey{
		BaseEntity: shared.NewBaseEntity(),
		ProjectID:  projectID,
		Name:       name,
		Hash:       Hash(secret),
	}, secret, nil
}

// Hash returns the lookup hash of a plaintext secret
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsUsable reports whether the key may authenticate a request at now
func (k *APIKey) IsUsable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Repository persists API keys
type Repository interface {
	// FindByHash returns the key or shared.ErrNotFound
	FindByHash(ctx context.Context, hash string) (*APIKey, error)

	// Save creates or updates a key
	Save(ctx context.Context, key *APIKey) error

	// TouchLastUsed records the last time a key was used
	TouchLastUsed(ctx context.Context, hash string, at time.Time) error
}
