package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esi "go.pilab.hu/esi"
)

func TestCallbackSaveReplacesSessionState(t *testing.T) {
	repo := NewCallbackRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &esi.CallbackState{
		State: "state-1", SessionKey: "session-1", URL: "/first", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.Save(ctx, &esi.CallbackState{
		State: "state-2", SessionKey: "session-1", URL: "/second", CreatedAt: time.Now().UTC(),
	}))

	// At most one state per session, like the unique session-key
	// constraint of the durable backends.
	_, err := repo.GetByState(ctx, "state-1")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)

	got, err := repo.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "state-2", got.State)
	assert.Equal(t, "/second", got.URL)
}

func TestTokenUpdateCredentialsGuard(t *testing.T) {
	repo := NewTokenRepository()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, &esi.Token{ID: "tok", RefreshToken: "r1", UpdatedAt: now}))

	ok, err := repo.UpdateCredentials(ctx, "tok", "r1", "r2", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateCredentials(ctx, "tok", "r1", "r3", now)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.GetByID(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "r2", stored.RefreshToken)
}
