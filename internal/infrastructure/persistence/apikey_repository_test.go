package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/apikey"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormAPIKeyRepository(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormAPIKeyRepository(db.DB)
	ctx := context.Background()

	key, secret, err := apikey.Generate("proj_1", "ingest")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, key))

	t.Run("finds by hash of the secret", func(t *testing.T) {
		found, err := repo.FindByHash(ctx, apikey.Hash(secret))
		require.NoError(t, err)
		assert.Equal(t, key.ID, found.ID)
		assert.Equal(t, "proj_1", found.ProjectID)
		assert.Nil(t, found.LastUsedAt)
	})

	t.Run("unknown hash is not found", func(t *testing.T) {
		_, err := repo.FindByHash(ctx, apikey.Hash("mk_unknown"))
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("touch records last use", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, repo.TouchLastUsed(ctx, key.Hash, at))

		found, err := repo.FindByHash(ctx, key.Hash)
		require.NoError(t, err)
		require.NotNil(t, found.LastUsedAt)
		assert.True(t, at.Equal(*found.LastUsedAt))

		assert.ErrorIs(t, repo.TouchLastUsed(ctx, "missing", at), shared.ErrNotFound)
	})

	t.Run("revocation is persisted", func(t *testing.T) {
		key.Revoked = true
		require.NoError(t, repo.Save(ctx, key))

		found, err := repo.FindByHash(ctx, key.Hash)
		require.NoError(t, err)
		assert.False(t, found.IsUsable(time.Now()))
	})
}
