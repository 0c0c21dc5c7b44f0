// Package memory provides mutex-guarded in-memory repositories. They
// back the test suite and small single-process installs; the semantics,
// including the compare-and-swap on credential rotation, match the
// durable backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	esi "go.pilab.hu/esi"
)

// TokenRepository implements esi.TokenRepository in memory.
type TokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*esi.Token
}

// NewTokenRepository creates an empty in-memory token repository.
func NewTokenRepository() *TokenRepository {
	return &TokenRepository{tokens: make(map[string]*esi.Token)}
}

func (r *TokenRepository) Create(_ context.Context, token *esi.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[token.ID] = &cp
	return nil
}

func (r *TokenRepository) GetByID(_ context.Context, id string) (*esi.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, esi.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TokenRepository) ListAll(_ context.Context) ([]*esi.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(*esi.Token) bool { return true }), nil
}

func (r *TokenRepository) ListByOwner(_ context.Context, ownerID string) ([]*esi.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(t *esi.Token) bool { return t.OwnerID == ownerID }), nil
}

func (r *TokenRepository) ListByCharacter(_ context.Context, characterID int64) ([]*esi.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(t *esi.Token) bool { return t.CharacterID == characterID }), nil
}

func (r *TokenRepository) UpdateIdentity(_ context.Context, token *esi.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tokens[token.ID]
	if !ok {
		return esi.ErrTokenNotFound
	}
	stored.CharacterID = token.CharacterID
	stored.CharacterName = token.CharacterName
	stored.OwnerHash = token.OwnerHash
	stored.TokenType = token.TokenType
	return nil
}

func (r *TokenRepository) UpdateCredentials(_ context.Context, id, expectedRefreshToken, newRefreshToken string, issuedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tokens[id]
	if !ok {
		return false, esi.ErrTokenNotFound
	}
	if stored.RefreshToken != expectedRefreshToken {
		return false, nil
	}
	stored.RefreshToken = newRefreshToken
	stored.UpdatedAt = issuedAt
	return true, nil
}

func (r *TokenRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
	return nil
}

func (r *TokenRepository) snapshot(keep func(*esi.Token) bool) []*esi.Token {
	out := make([]*esi.Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScopeRepository implements esi.ScopeRepository in memory.
type ScopeRepository struct {
	mu     sync.RWMutex
	scopes map[string]*esi.Scope
}

// NewScopeRepository creates an empty in-memory scope catalog.
func NewScopeRepository() *ScopeRepository {
	return &ScopeRepository{scopes: make(map[string]*esi.Scope)}
}

func (r *ScopeRepository) GetOrCreate(_ context.Context, name, description string) (*esi.Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[name]; ok {
		cp := *s
		return &cp, nil
	}
	s := &esi.Scope{Name: name, Description: description}
	r.scopes[name] = s
	cp := *s
	return &cp, nil
}

func (r *ScopeRepository) Get(_ context.Context, name string) (*esi.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scopes[name]
	if !ok {
		return nil, esi.ErrScopeNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *ScopeRepository) List(_ context.Context) ([]*esi.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*esi.Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CallbackRepository implements esi.CallbackRepository in memory.
type CallbackRepository struct {
	mu     sync.RWMutex
	states map[string]*esi.CallbackState // keyed by state nonce
}

// NewCallbackRepository creates an empty in-memory callback store.
func NewCallbackRepository() *CallbackRepository {
	return &CallbackRepository{states: make(map[string]*esi.CallbackState)}
}

// Save replaces any state already held by the session, mirroring the
// unique session-key constraint of the durable backends.
func (r *CallbackRepository) Save(_ context.Context, state *esi.CallbackState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cb := range r.states {
		if cb.SessionKey == state.SessionKey {
			delete(r.states, k)
		}
	}
	cp := *state
	r.states[state.State] = &cp
	return nil
}

func (r *CallbackRepository) GetByState(_ context.Context, state string) (*esi.CallbackState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.states[state]
	if !ok {
		return nil, esi.ErrCallbackNotFound
	}
	cp := *cb
	return &cp, nil
}

func (r *CallbackRepository) GetBySession(_ context.Context, sessionKey string) (*esi.CallbackState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.states {
		if cb.SessionKey == sessionKey {
			cp := *cb
			return &cp, nil
		}
	}
	return nil, esi.ErrCallbackNotFound
}

func (r *CallbackRepository) SetToken(_ context.Context, state, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.states[state]
	if !ok {
		return esi.ErrCallbackNotFound
	}
	cb.TokenID = tokenID
	return nil
}

func (r *CallbackRepository) Delete(_ context.Context, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, state)
	return nil
}

func (r *CallbackRepository) DeleteBySession(_ context.Context, sessionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cb := range r.states {
		if cb.SessionKey == sessionKey {
			delete(r.states, k)
		}
	}
	return nil
}

func (r *CallbackRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, cb := range r.states {
		if cb.CreatedAt.Before(cutoff) {
			delete(r.states, k)
			n++
		}
	}
	return n, nil
}
