package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esi "go.pilab.hu/esi"
)

func openTestDB(t *testing.T) *TokenRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "esi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTokenRepository(db)
}

func sampleToken(id string) *esi.Token {
	now := time.Now().UTC().Truncate(time.Second)
	return &esi.Token{
		ID:            id,
		OwnerID:       "owner-1",
		CharacterID:   7,
		CharacterName: "Pilot",
		OwnerHash:     "hash",
		TokenType:     esi.TokenTypeCharacter,
		RefreshToken:  "ref-1",
		Scopes: []esi.Scope{
			{Name: "esi-skills.read_skills.v1", Description: "Access to read skills"},
		},
		Datasource: "tranquility",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	want := sampleToken("token-a")
	require.NoError(t, repo.Create(ctx, want))

	got, err := repo.GetByID(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, want.OwnerID, got.OwnerID)
	assert.Equal(t, want.CharacterID, got.CharacterID)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.Equal(t, want.Scopes, got.Scopes)

	_, err = repo.GetByID(ctx, "no-such-token")
	assert.ErrorIs(t, err, esi.ErrTokenNotFound)
}

func TestListOrderedByID(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"token-c", "token-a", "token-b"} {
		tok := sampleToken(id)
		tok.RefreshToken = "ref-" + id
		require.NoError(t, repo.Create(ctx, tok))
	}

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "token-a", all[0].ID)
	assert.Equal(t, "token-b", all[1].ID)
	assert.Equal(t, "token-c", all[2].ID)

	byOwner, err := repo.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, byOwner, 3)

	byCharacter, err := repo.ListByCharacter(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, byCharacter, 3)
}

func TestUpdateCredentialsIsGuarded(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleToken("token-a")))
	issued := time.Now().UTC().Truncate(time.Second)

	ok, err := repo.UpdateCredentials(ctx, "token-a", "ref-1", "ref-2", issued)
	require.NoError(t, err)
	assert.True(t, ok)

	// A writer still holding the old pair loses the swap.
	ok, err = repo.UpdateCredentials(ctx, "token-a", "ref-1", "ref-3", issued)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, "ref-2", got.RefreshToken)

	_, err = repo.UpdateCredentials(ctx, "missing", "x", "y", issued)
	assert.ErrorIs(t, err, esi.ErrTokenNotFound)
}

func TestDeleteCascadesScopeGrants(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleToken("token-a")))
	require.NoError(t, repo.Delete(ctx, "token-a"))

	_, err := repo.GetByID(ctx, "token-a")
	assert.ErrorIs(t, err, esi.ErrTokenNotFound)

	var grants int
	require.NoError(t, repo.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM esi_token_scope WHERE token_id = 'token-a';`).Scan(&grants))
	assert.Zero(t, grants)
}

func TestCallbackRepository(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "esi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewCallbackRepository(db)
	ctx := context.Background()

	cb := &esi.CallbackState{
		State:      "state-1",
		SessionKey: "session-1",
		URL:        "/after",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.Save(ctx, cb))

	got, err := repo.GetByState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "/after", got.URL)

	require.NoError(t, repo.SetToken(ctx, "state-1", "token-a"))
	got, err = repo.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "token-a", got.TokenID)
	assert.True(t, got.Completed())

	removed, err := repo.DeleteOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.GetByState(ctx, "state-1")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)
}
