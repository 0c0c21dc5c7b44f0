package esi_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	esi "go.pilab.hu/esi"
	"go.pilab.hu/esi/config"
	"go.pilab.hu/esi/memory"
)

// MockExchanger implements esi.Exchanger.
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) ExchangeCode(ctx context.Context, code string) (*esi.Credentials, *esi.IdentityClaims, error) {
	args := m.Called(ctx, code)
	var creds *esi.Credentials
	var claims *esi.IdentityClaims
	if args.Get(0) != nil {
		creds = args.Get(0).(*esi.Credentials)
	}
	if args.Get(1) != nil {
		claims = args.Get(1).(*esi.IdentityClaims)
	}
	return creds, claims, args.Error(2)
}

func (m *MockExchanger) Refresh(ctx context.Context, refreshToken string) (*esi.Credentials, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esi.Credentials), args.Error(1)
}

func (m *MockExchanger) Verify(ctx context.Context, accessToken string) (*esi.IdentityClaims, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esi.IdentityClaims), args.Error(1)
}

type serviceFixture struct {
	cfg      *config.Config
	tokens   *memory.TokenRepository
	scopes   *memory.ScopeRepository
	exchange *MockExchanger
	service  *esi.TokenService
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	cfg := config.Default()
	cfg.ClientID = "client-id"
	cfg.ClientSecret = "client-secret"
	cfg.CallbackURL = "https://app.test/sso/callback"

	f := &serviceFixture{
		cfg:      cfg,
		tokens:   memory.NewTokenRepository(),
		scopes:   memory.NewScopeRepository(),
		exchange: &MockExchanger{},
	}
	f.service = esi.NewTokenService(cfg, f.tokens, f.scopes, f.exchange, nil)
	return f
}

func (f *serviceFixture) seedToken(t *testing.T, token *esi.Token) *esi.Token {
	t.Helper()
	ctx := context.Background()
	for _, s := range token.Scopes {
		_, err := f.scopes.GetOrCreate(ctx, s.Name, s.Description)
		require.NoError(t, err)
	}
	require.NoError(t, f.tokens.Create(ctx, token))
	return token
}

func expiredAt(cfg *config.Config) time.Time {
	return time.Now().UTC().Add(-cfg.TokenValidDuration - time.Minute)
}

func TestBulkRefreshDeletesTerminalTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Expired with no refresh token: terminal, must be deleted and
	// never reappear.
	f.seedToken(t, &esi.Token{ID: "dead", CharacterID: 1, UpdatedAt: expiredAt(f.cfg)})
	// Not yet expired, no refresh token: left alone.
	f.seedToken(t, &esi.Token{ID: "fresh", CharacterID: 2, UpdatedAt: time.Now().UTC()})

	expired, err := f.service.GetExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	healthy, err := f.service.BulkRefresh(ctx, expired)
	require.NoError(t, err)
	assert.Empty(t, healthy)

	all, err := f.tokens.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].ID)
}

func TestBulkRefreshClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invalid := f.seedToken(t, &esi.Token{ID: "a-invalid", CharacterID: 1, RefreshToken: "bad", UpdatedAt: expiredAt(f.cfg)})
	flaky := f.seedToken(t, &esi.Token{ID: "b-flaky", CharacterID: 2, RefreshToken: "flaky", UpdatedAt: expiredAt(f.cfg)})
	good := f.seedToken(t, &esi.Token{ID: "c-good", CharacterID: 3, RefreshToken: "good", UpdatedAt: expiredAt(f.cfg)})

	f.exchange.On("Refresh", mock.Anything, "bad").Return(nil, fmt.Errorf("wrapped: %w", esi.ErrTokenInvalid))
	f.exchange.On("Refresh", mock.Anything, "flaky").Return(nil, fmt.Errorf("wrapped: %w", esi.ErrIncompleteResponse))
	f.exchange.On("Refresh", mock.Anything, "good").Return(&esi.Credentials{
		AccessToken:  "new-access",
		RefreshToken: "good-2",
		IssuedAt:     time.Now().UTC(),
	}, nil)

	healthy, err := f.service.BulkRefresh(ctx, []*esi.Token{invalid, flaky, good})
	require.NoError(t, err)

	require.Len(t, healthy, 1)
	assert.Equal(t, "c-good", healthy[0].ID)
	assert.Equal(t, "good-2", healthy[0].RefreshToken)
	assert.Equal(t, "new-access", healthy[0].AccessToken)

	// The definitive invalid-grant failure deleted only its own record;
	// the ambiguous one was retained.
	_, err = f.tokens.GetByID(ctx, "a-invalid")
	assert.ErrorIs(t, err, esi.ErrTokenNotFound)

	kept, err := f.tokens.GetByID(ctx, "b-flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", kept.RefreshToken)
}

func TestBulkRefreshAbortsOnMisconfiguredClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.seedToken(t, &esi.Token{ID: "t1", CharacterID: 1, RefreshToken: "r1", UpdatedAt: expiredAt(f.cfg)})

	f.exchange.On("Refresh", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("wrapped: %w", esi.ErrMisconfiguredClient))

	_, err := f.service.BulkRefresh(ctx, []*esi.Token{tok})
	assert.ErrorIs(t, err, esi.ErrMisconfiguredClient)

	// A configuration failure must never cascade-delete records.
	_, err = f.tokens.GetByID(ctx, "t1")
	assert.NoError(t, err)
}

func TestRequireValidPartitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := f.seedToken(t, &esi.Token{ID: "a-valid", CharacterID: 1, RefreshToken: "rv", UpdatedAt: time.Now().UTC()})
	stale := f.seedToken(t, &esi.Token{ID: "b-stale", CharacterID: 2, RefreshToken: "rs", UpdatedAt: expiredAt(f.cfg)})

	f.exchange.On("Refresh", mock.Anything, "rs").Return(&esi.Credentials{
		AccessToken: "acc", RefreshToken: "rs-2", IssuedAt: time.Now().UTC(),
	}, nil)

	out, err := f.service.RequireValid(ctx, []*esi.Token{valid, stale})
	require.NoError(t, err)
	require.Len(t, out, 2)

	// The valid record must not have been refreshed.
	f.exchange.AssertNotCalled(t, "Refresh", mock.Anything, "rv")
}

func TestRequireScopesSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scopeless := f.seedToken(t, &esi.Token{ID: "a-none", CharacterID: 1})
	narrow := f.seedToken(t, &esi.Token{ID: "b-narrow", CharacterID: 2, Scopes: []esi.Scope{{Name: "s1"}}})
	wide := f.seedToken(t, &esi.Token{ID: "c-wide", CharacterID: 3, Scopes: []esi.Scope{{Name: "s1"}, {Name: "s2"}}})
	all := []*esi.Token{scopeless, narrow, wide}

	// Empty request matches exactly the zero-scope records.
	out, err := f.service.RequireScopes(ctx, all)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a-none", out[0].ID)

	// Subset semantics: extra scopes on the record are fine.
	out, err = f.service.RequireScopes(ctx, all, "s1")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = f.service.RequireScopes(ctx, all, "s1", "s2")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c-wide", out[0].ID)

	// Unknown scope names can be owned by nothing.
	out, err = f.service.RequireScopes(ctx, all, "never-granted")
	require.NoError(t, err)
	assert.Empty(t, out)

	// Exact match rejects records with surplus scopes.
	out, err = f.service.RequireScopesExact(ctx, all, "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b-narrow", out[0].ID)
}

func TestRequireScopesExactIsSubsetOfRequireScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedToken(t, &esi.Token{ID: "a", CharacterID: 1, Scopes: []esi.Scope{{Name: "s1"}}})
	f.seedToken(t, &esi.Token{ID: "b", CharacterID: 2, Scopes: []esi.Scope{{Name: "s1"}, {Name: "s2"}}})
	all, err := f.tokens.ListAll(ctx)
	require.NoError(t, err)

	// For A ⊆ B, every exact match on B must also satisfy the subset
	// filter on A.
	exact, err := f.service.RequireScopesExact(ctx, all, "s1", "s2")
	require.NoError(t, err)
	loose, err := f.service.RequireScopes(ctx, all, "s1")
	require.NoError(t, err)

	looseIDs := make(map[string]bool)
	for _, tok := range loose {
		looseIDs[tok.ID] = true
	}
	for _, tok := range exact {
		assert.True(t, looseIDs[tok.ID])
	}
}

func TestCreateFromCodeDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := f.seedToken(t, &esi.Token{
		ID:           "00-existing",
		OwnerID:      "owner-1",
		CharacterID:  99,
		RefreshToken: "old-refresh",
		Scopes:       []esi.Scope{{Name: "s1"}, {Name: "s2"}},
		UpdatedAt:    time.Now().UTC().Add(-10 * time.Minute),
	})

	f.exchange.On("ExchangeCode", mock.Anything, "the-code").Return(
		&esi.Credentials{AccessToken: "fresh-access", RefreshToken: "fresh-refresh", IssuedAt: time.Now().UTC()},
		&esi.IdentityClaims{
			CharacterID:   99,
			CharacterName: "Pilot",
			OwnerHash:     "hash",
			TokenType:     "Character",
			Scopes:        "s1 s2",
		},
		nil,
	)

	token, err := f.service.CreateFromCode(ctx, "the-code", "owner-1")
	require.NoError(t, err)

	// The pre-existing equivalent record wins and carries the newly
	// exchanged credential material.
	assert.Equal(t, existing.ID, token.ID)
	assert.Equal(t, "fresh-refresh", token.RefreshToken)
	assert.Equal(t, "fresh-access", token.AccessToken)

	all, err := f.tokens.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "the superseded record must be discarded")
	assert.Equal(t, existing.ID, all[0].ID)
	assert.Equal(t, "fresh-refresh", all[0].RefreshToken)

	equivalents, err := f.service.FindEquivalent(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, equivalents)
}

func TestCreateFromCodeAlwaysCreate(t *testing.T) {
	f := newFixture(t)
	f.cfg.AlwaysCreateToken = true
	ctx := context.Background()

	f.seedToken(t, &esi.Token{
		ID:          "00-existing",
		OwnerID:     "owner-1",
		CharacterID: 99,
		Scopes:      []esi.Scope{{Name: "s1"}},
		UpdatedAt:   time.Now().UTC(),
	})

	f.exchange.On("ExchangeCode", mock.Anything, "the-code").Return(
		&esi.Credentials{AccessToken: "a", RefreshToken: "r", IssuedAt: time.Now().UTC()},
		&esi.IdentityClaims{CharacterID: 99, CharacterName: "Pilot", OwnerHash: "hash", Scopes: "s1"},
		nil,
	)

	token, err := f.service.CreateFromCode(ctx, "the-code", "owner-1")
	require.NoError(t, err)
	assert.NotEqual(t, "00-existing", token.ID)

	all, err := f.tokens.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateFromCodeRegistersScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exchange.On("ExchangeCode", mock.Anything, "the-code").Return(
		&esi.Credentials{AccessToken: "a", RefreshToken: "r", IssuedAt: time.Now().UTC()},
		&esi.IdentityClaims{CharacterID: 7, CharacterName: "Pilot", OwnerHash: "h", Scopes: "esi-skills.read_skills.v1"},
		nil,
	)

	_, err := f.service.CreateFromCode(ctx, "the-code", "")
	require.NoError(t, err)

	scope, err := f.scopes.Get(ctx, "esi-skills.read_skills.v1")
	require.NoError(t, err)
	assert.Equal(t, "Access to read skills", scope.Description)

	// Idempotent: a second grant of the same scope never duplicates it.
	again, err := f.scopes.GetOrCreate(ctx, "esi-skills.read_skills.v1", "something else")
	require.NoError(t, err)
	assert.Equal(t, scope.Description, again.Description)
}

func TestConcurrentRefreshConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedToken(t, &esi.Token{ID: "tok", CharacterID: 1, RefreshToken: "r0", UpdatedAt: expiredAt(f.cfg)})

	// The upstream call is slow enough that both callers overlap.
	f.exchange.On("Refresh", mock.Anything, "r0").
		After(50*time.Millisecond).
		Return(&esi.Credentials{AccessToken: "a1", RefreshToken: "r1", IssuedAt: time.Now().UTC()}, nil)

	// Two requests race on their own copies of the same record, the way
	// two web requests would after loading it from the store.
	copyA, err := f.tokens.GetByID(ctx, "tok")
	require.NoError(t, err)
	copyB, err := f.tokens.GetByID(ctx, "tok")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, tok := range []*esi.Token{copyA, copyB} {
		i, tok := i, tok
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, err := f.service.GetValidAccessToken(ctx, tok)
			assert.NoError(t, err)
			results[i] = access
		}()
	}
	wg.Wait()

	assert.Equal(t, "a1", results[0])
	assert.Equal(t, "a1", results[1])

	// Exactly one upstream refresh, exactly one persisted pair.
	f.exchange.AssertNumberOfCalls(t, "Refresh", 1)
	stored, err := f.tokens.GetByID(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "r1", stored.RefreshToken)
}

func TestRefreshLostRaceServesUsableCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another process already rotated the stored pair to r1; this
	// process still holds a copy carrying r0, and its cache has no
	// entry for the stored fingerprint.
	f.seedToken(t, &esi.Token{ID: "tok", CharacterID: 1, RefreshToken: "r1", UpdatedAt: expiredAt(f.cfg)})
	stale := &esi.Token{ID: "tok", CharacterID: 1, RefreshToken: "r0", UpdatedAt: expiredAt(f.cfg)}

	f.exchange.On("Refresh", mock.Anything, "r0").
		Return(&esi.Credentials{AccessToken: "a-lost", RefreshToken: "r-lost", IssuedAt: time.Now().UTC()}, nil)
	f.exchange.On("Refresh", mock.Anything, "r1").
		Return(&esi.Credentials{AccessToken: "a2", RefreshToken: "r2", IssuedAt: time.Now().UTC()}, nil)

	access, err := f.service.GetValidAccessToken(ctx, stale)
	require.NoError(t, err)

	// Losing the swap must never degrade into an empty bearer value;
	// the stored, unconsumed pair is spent on a fresh grant instead.
	assert.Equal(t, "a2", access)
	assert.Equal(t, "r2", stale.RefreshToken)

	stored, err := f.tokens.GetByID(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "r2", stored.RefreshToken)
}

func TestGetValidAccessTokenTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.seedToken(t, &esi.Token{ID: "tok", CharacterID: 1, UpdatedAt: expiredAt(f.cfg)})

	_, err := f.service.GetValidAccessToken(ctx, tok)
	assert.ErrorIs(t, err, esi.ErrTokenExpired)
}

func TestUpdateIdentityResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.seedToken(t, &esi.Token{
		ID: "tok", CharacterID: 1, CharacterName: "Old Name", OwnerHash: "old-hash",
		RefreshToken: "r0", AccessToken: "a0", UpdatedAt: time.Now().UTC(),
	})

	f.exchange.On("Verify", mock.Anything, "a0").Return(&esi.IdentityClaims{
		CharacterID: 1, CharacterName: "New Name", OwnerHash: "new-hash", TokenType: "Character",
	}, nil)

	require.NoError(t, f.service.UpdateIdentity(ctx, tok))

	stored, err := f.tokens.GetByID(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "New Name", stored.CharacterName)
	assert.Equal(t, "new-hash", stored.OwnerHash)
}
