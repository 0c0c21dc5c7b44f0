package esi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"go.pilab.hu/esi/cache"
	"go.pilab.hu/esi/config"
)

// TokenService is the token lifecycle manager. It filters, refreshes,
// deduplicates and serves Token records, and owns the shared
// access-token cache.
//
// All methods are safe for concurrent use. Refreshes of the same record
// are collapsed onto a single upstream call, and a compare-and-swap on
// the stored refresh token guards against lost updates from other
// processes.
type TokenService struct {
	cfg      *config.Config
	tokens   TokenRepository
	scopes   ScopeRepository
	exchange Exchanger
	cache    cache.AccessTokenCache

	group singleflight.Group
}

// NewTokenService wires a TokenService. A nil tokenCache falls back to an
// in-process cache.
func NewTokenService(
	cfg *config.Config,
	tokens TokenRepository,
	scopes ScopeRepository,
	exchange Exchanger,
	tokenCache cache.AccessTokenCache,
) *TokenService {
	if tokenCache == nil {
		tokenCache = cache.NewMemoryCache()
	}
	return &TokenService{
		cfg:      cfg,
		tokens:   tokens,
		scopes:   scopes,
		exchange: exchange,
		cache:    tokenCache,
	}
}

// GetExpired returns every stored token whose validity window has
// elapsed.
func (s *TokenService) GetExpired(ctx context.Context) ([]*Token, error) {
	all, err := s.tokens.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var expired []*Token
	for _, t := range all {
		if t.Expired(now, s.cfg.TokenValidDuration) {
			expired = append(expired, t)
		}
	}
	return expired, nil
}

// BulkRefresh refreshes every refreshable token in the input and returns
// the surviving, presumed-valid subset.
//
// Records whose refresh token is rejected outright are deleted. Records
// that fail ambiguously (malformed upstream payload, transport errors)
// are kept in the store but excluded from the result; deletion on an
// ambiguous failure is never acceptable. Expired records with no refresh
// token are terminal and deleted unconditionally.
//
// ErrMisconfiguredClient aborts the whole batch: every further call
// would fail identically and cascade-deleting the store over a bad
// client secret must not happen.
func (s *TokenService) BulkRefresh(ctx context.Context, tokens []*Token) ([]*Token, error) {
	limit := s.cfg.BulkRefreshConcurrency
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var (
		mu      sync.Mutex
		healthy []*Token
	)
	now := time.Now().UTC()

	for _, t := range tokens {
		t := t
		g.Go(func() error {
			if !t.CanRefresh() {
				if t.Expired(now, s.cfg.TokenValidDuration) {
					if err := s.tokens.Delete(gctx, t.ID); err != nil {
						log.Error().Err(err).Str("token_id", t.ID).Msg("failed to delete terminal token")
					}
					return nil
				}
				mu.Lock()
				healthy = append(healthy, t)
				mu.Unlock()
				return nil
			}

			err := s.refresh(gctx, t)
			switch {
			case err == nil:
				mu.Lock()
				healthy = append(healthy, t)
				mu.Unlock()
			case errors.Is(err, ErrMisconfiguredClient):
				return err
			case errors.Is(err, ErrTokenInvalid):
				log.Info().Str("token_id", t.ID).Int64("character_id", t.CharacterID).
					Msg("refresh token rejected, deleting record")
				if derr := s.tokens.Delete(gctx, t.ID); derr != nil {
					log.Error().Err(derr).Str("token_id", t.ID).Msg("failed to delete invalid token")
				}
			default:
				// Ambiguous failure: keep the record, just exclude it.
				log.Warn().Err(err).Str("token_id", t.ID).Msg("token refresh failed, keeping record")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy, nil
}

// RequireValid partitions the input into valid and expired tokens, bulk
// refreshes the expired partition, and returns the union of the valid
// and the successfully refreshed.
func (s *TokenService) RequireValid(ctx context.Context, tokens []*Token) ([]*Token, error) {
	now := time.Now().UTC()
	var valid, expired []*Token
	for _, t := range tokens {
		if t.Expired(now, s.cfg.TokenValidDuration) {
			expired = append(expired, t)
		} else {
			valid = append(valid, t)
		}
	}

	refreshed, err := s.BulkRefresh(ctx, expired)
	if err != nil {
		return nil, err
	}

	out := append(valid, refreshed...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RequireScopes filters tokens to those granting every named scope.
// An empty scope request matches exactly the tokens with zero scopes. A
// requested scope unknown to the catalog matches nothing: no token can
// own a scope that does not exist.
func (s *TokenService) RequireScopes(ctx context.Context, tokens []*Token, names ...string) ([]*Token, error) {
	names = dedupe(names)

	if len(names) == 0 {
		var out []*Token
		for _, t := range tokens {
			if len(t.Scopes) == 0 {
				out = append(out, t)
			}
		}
		return out, nil
	}

	for _, name := range names {
		if _, err := s.scopes.Get(ctx, name); err != nil {
			if errors.Is(err, ErrScopeNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}

	var out []*Token
	for _, t := range tokens {
		if t.HasScopes(names...) {
			out = append(out, t)
		}
	}
	return out, nil
}

// RequireScopesExact filters like RequireScopes but additionally rejects
// tokens carrying any scope beyond the requested set.
func (s *TokenService) RequireScopesExact(ctx context.Context, tokens []*Token, names ...string) ([]*Token, error) {
	names = dedupe(names)

	matched, err := s.RequireScopes(ctx, tokens, names...)
	if err != nil {
		return nil, err
	}

	var out []*Token
	for _, t := range matched {
		if len(t.Scopes) == len(names) {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindEquivalent returns the stored tokens equivalent to the reference:
// same character, exact scope set, compatible ownership. The reference
// itself is excluded.
func (s *TokenService) FindEquivalent(ctx context.Context, ref *Token) ([]*Token, error) {
	candidates, err := s.tokens.ListByCharacter(ctx, ref.CharacterID)
	if err != nil {
		return nil, err
	}
	var out []*Token
	for _, t := range candidates {
		if t.ID != ref.ID && t.EquivalentTo(ref) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateFromCode completes an authorization-code exchange into a
// persisted token. Unknown scopes are added to the catalog with a
// derived description; the first writer wins and names are never
// duplicated.
//
// Unless AlwaysCreateToken is set, equivalent pre-existing records
// receive the fresh credential material in place, and when one of them
// shares the new token's owner the new record is discarded and the
// pre-existing one (lowest record ID among ties) is returned instead.
// This keeps repeated re-authentication with the same scope set from
// piling up interchangeable tokens.
func (s *TokenService) CreateFromCode(ctx context.Context, code, ownerID string) (*Token, error) {
	creds, claims, err := s.exchange.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	tokenType := TokenType(claims.TokenType)
	if tokenType == "" {
		tokenType = TokenTypeCharacter
	}

	token := &Token{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		CharacterID:   claims.CharacterID,
		CharacterName: claims.CharacterName,
		OwnerHash:     claims.OwnerHash,
		TokenType:     tokenType,
		AccessToken:   creds.AccessToken,
		RefreshToken:  creds.RefreshToken,
		Datasource:    s.cfg.Datasource,
		CreatedAt:     creds.IssuedAt,
		UpdatedAt:     creds.IssuedAt,
	}

	for _, name := range claims.ScopeNames() {
		scope, serr := s.scopes.GetOrCreate(ctx, name, describeScope(name))
		if serr != nil {
			return nil, fmt.Errorf("failed to register scope %q: %w", name, serr)
		}
		token.Scopes = append(token.Scopes, *scope)
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	_ = s.cache.Set(ctx, CacheKey(token.ID, token.RefreshToken), creds.AccessToken, s.cfg.TokenValidDuration)

	log.Info().
		Str("token_id", token.ID).
		Int64("character_id", token.CharacterID).
		Str("character_name", token.CharacterName).
		Msg("token created from authorization code")

	if s.cfg.AlwaysCreateToken {
		return token, nil
	}

	equivalents, err := s.FindEquivalent(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("token_id", token.ID).Msg("equivalence lookup failed, keeping new token")
		return token, nil
	}
	if len(equivalents) == 0 {
		return token, nil
	}

	// Push the fresh credential pair onto every equivalent record.
	for _, eq := range equivalents {
		ok, uerr := s.tokens.UpdateCredentials(ctx, eq.ID, eq.RefreshToken, creds.RefreshToken, creds.IssuedAt)
		if uerr != nil {
			log.Error().Err(uerr).Str("token_id", eq.ID).Msg("failed to update equivalent token")
			continue
		}
		if ok {
			eq.RefreshToken = creds.RefreshToken
			eq.AccessToken = creds.AccessToken
			eq.UpdatedAt = creds.IssuedAt
			_ = s.cache.Set(ctx, CacheKey(eq.ID, eq.RefreshToken), creds.AccessToken, s.cfg.TokenValidDuration)
		}
	}

	// Equivalents already sorted by ID, so the first same-owner match is
	// the deterministic tie-break winner.
	for _, eq := range equivalents {
		if eq.OwnerID == token.OwnerID {
			if derr := s.tokens.Delete(ctx, token.ID); derr != nil {
				log.Error().Err(derr).Str("token_id", token.ID).Msg("failed to discard superseded token")
				return token, nil
			}
			_ = s.cache.Delete(ctx, CacheKey(token.ID, token.RefreshToken))
			log.Debug().
				Str("superseded", token.ID).
				Str("kept", eq.ID).
				Msg("new token superseded by equivalent record")
			return eq, nil
		}
	}

	return token, nil
}

// GetValidAccessToken returns a usable access token for the record,
// refreshing when the window has elapsed. A stale token that cannot be
// refreshed yields ErrTokenExpired; the caller must never fall back to
// sending the stale credential.
func (s *TokenService) GetValidAccessToken(ctx context.Context, t *Token) (string, error) {
	if access, ok := s.cache.Get(ctx, CacheKey(t.ID, t.RefreshToken)); ok {
		t.AccessToken = access
		return access, nil
	}

	now := time.Now().UTC()
	if !t.Expired(now, s.cfg.TokenValidDuration) && t.AccessToken != "" {
		_ = s.cache.Set(ctx, CacheKey(t.ID, t.RefreshToken), t.AccessToken, time.Until(t.ExpiresAt(s.cfg.TokenValidDuration)))
		return t.AccessToken, nil
	}

	if !t.CanRefresh() {
		return "", ErrTokenExpired
	}
	if err := s.refresh(ctx, t); err != nil {
		if errors.Is(err, ErrNotRefreshable) {
			return "", ErrTokenExpired
		}
		return "", err
	}
	return t.AccessToken, nil
}

// UpdateIdentity re-verifies the token and resyncs the character
// identity fields, catching account transfers via the owner hash.
func (s *TokenService) UpdateIdentity(ctx context.Context, t *Token) error {
	access, err := s.GetValidAccessToken(ctx, t)
	if err != nil {
		return err
	}

	claims, err := s.exchange.Verify(ctx, access)
	if err != nil {
		return err
	}

	t.CharacterID = claims.CharacterID
	t.CharacterName = claims.CharacterName
	t.OwnerHash = claims.OwnerHash
	if claims.TokenType != "" {
		t.TokenType = TokenType(claims.TokenType)
	}

	return s.tokens.UpdateIdentity(ctx, t)
}

// TokensForOwner returns the owner's valid tokens granting every named
// scope, refreshing expired ones along the way.
func (s *TokenService) TokensForOwner(ctx context.Context, ownerID string, scopes ...string) ([]*Token, error) {
	tokens, err := s.tokens.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	tokens, err = s.RequireScopes(ctx, tokens, scopes...)
	if err != nil {
		return nil, err
	}
	return s.RequireValid(ctx, tokens)
}

// CleanupExpired is the periodic maintenance pass: refresh every expired
// token and drop the terminal ones.
func (s *TokenService) CleanupExpired(ctx context.Context) error {
	expired, err := s.GetExpired(ctx)
	if err != nil {
		return err
	}
	healthy, err := s.BulkRefresh(ctx, expired)
	if err != nil {
		return err
	}
	log.Info().
		Int("expired", len(expired)).
		Int("recovered", len(healthy)).
		Msg("expired token cleanup finished")
	return nil
}

// refresh rotates the credential pair for a single record. Concurrent
// callers for the same record collapse onto one upstream call, and the
// persistence layer's compare-and-swap catches rotations made by other
// processes; on a CAS miss the stored pair is adopted instead of
// overwriting it with an already-consumed refresh token.
func (s *TokenService) refresh(ctx context.Context, t *Token) error {
	if !t.CanRefresh() {
		return ErrNotRefreshable
	}

	v, err, _ := s.group.Do(t.ID, func() (interface{}, error) {
		creds, err := s.exchange.Refresh(ctx, t.RefreshToken)
		if err != nil {
			return nil, err
		}

		ok, uerr := s.tokens.UpdateCredentials(ctx, t.ID, t.RefreshToken, creds.RefreshToken, creds.IssuedAt)
		if uerr != nil {
			return nil, uerr
		}
		if !ok {
			stored, gerr := s.tokens.GetByID(ctx, t.ID)
			if gerr != nil {
				return nil, gerr
			}
			if access, hit := s.cache.Get(ctx, CacheKey(t.ID, stored.RefreshToken)); hit {
				log.Debug().Str("token_id", t.ID).Msg("credential rotation lost the race, adopting stored pair")
				return &Credentials{
					AccessToken:  access,
					RefreshToken: stored.RefreshToken,
					IssuedAt:     stored.UpdatedAt,
				}, nil
			}

			// The winner's access token lives in another process's
			// cache. The stored refresh token is still unconsumed, so
			// spend it on a fresh grant; an empty credential must
			// never be handed out.
			creds, err = s.exchange.Refresh(ctx, stored.RefreshToken)
			if err != nil {
				return nil, err
			}
			if _, uerr := s.tokens.UpdateCredentials(ctx, t.ID, stored.RefreshToken, creds.RefreshToken, creds.IssuedAt); uerr != nil {
				return nil, uerr
			}
			log.Debug().Str("token_id", t.ID).Msg("credential rotation lost the race, refreshed the stored pair")
		}

		_ = s.cache.Set(ctx, CacheKey(t.ID, creds.RefreshToken), creds.AccessToken, s.cfg.TokenValidDuration)
		return creds, nil
	})
	if err != nil {
		return err
	}

	creds := v.(*Credentials)
	t.AccessToken = creds.AccessToken
	t.RefreshToken = creds.RefreshToken
	t.UpdatedAt = creds.IssuedAt
	return nil
}

// describeScope derives a best-effort human description for a scope the
// catalog has not seen before, e.g. "esi-skills.read_skills.v1" becomes
// "Access to read skills".
func describeScope(name string) string {
	friendly := Scope{Name: name}.FriendlyName()
	return "Access to " + strings.ReplaceAll(friendly, "_", " ")
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
