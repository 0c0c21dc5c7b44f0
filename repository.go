package esi

import (
	"context"
	"time"
)

// TokenRepository persists Token records. Implementations must apply the
// compare-and-swap semantics documented on UpdateCredentials; the
// refresh path relies on it to detect lost updates between concurrent
// refreshers (upstream refresh tokens are single-use).
type TokenRepository interface {
	// Create stores a new token record together with its scope set.
	Create(ctx context.Context, token *Token) error

	// GetByID returns a token by record ID, or ErrTokenNotFound.
	GetByID(ctx context.Context, id string) (*Token, error)

	// ListAll returns every stored token.
	ListAll(ctx context.Context) ([]*Token, error)

	// ListByOwner returns tokens belonging to the given owner.
	ListByOwner(ctx context.Context, ownerID string) ([]*Token, error)

	// ListByCharacter returns tokens for the given character.
	ListByCharacter(ctx context.Context, characterID int64) ([]*Token, error)

	// UpdateIdentity resyncs character name, owner hash and token type.
	UpdateIdentity(ctx context.Context, token *Token) error

	// UpdateCredentials rotates the refresh token and resets the validity
	// window, but only if the stored refresh token still equals
	// expectedRefreshToken. Returns false without error when the guard
	// fails, meaning another refresher won the race.
	UpdateCredentials(ctx context.Context, id, expectedRefreshToken, newRefreshToken string, issuedAt time.Time) (bool, error)

	// Delete removes a token record and its scope associations.
	Delete(ctx context.Context, id string) error
}

// ScopeRepository persists the scope catalog. Scope creation is
// idempotent by name: the first writer wins and names are never
// duplicated.
type ScopeRepository interface {
	// GetOrCreate returns the scope with the given name, creating it
	// with the supplied description when it is not yet known.
	GetOrCreate(ctx context.Context, name, description string) (*Scope, error)

	// Get returns a scope by name, or ErrScopeNotFound.
	Get(ctx context.Context, name string) (*Scope, error)

	// List returns the full scope catalog.
	List(ctx context.Context) ([]*Scope, error)
}

// CallbackRepository persists pending SSO callback states.
type CallbackRepository interface {
	// Save stores a callback state keyed by its state nonce.
	Save(ctx context.Context, state *CallbackState) error

	// GetByState returns the state for the given nonce, or
	// ErrCallbackNotFound.
	GetByState(ctx context.Context, state string) (*CallbackState, error)

	// GetBySession returns the state recorded for a session, or
	// ErrCallbackNotFound. At most one state exists per session.
	GetBySession(ctx context.Context, sessionKey string) (*CallbackState, error)

	// SetToken back-links a completed exchange to its callback state.
	SetToken(ctx context.Context, state, tokenID string) error

	// Delete removes a single callback state by nonce.
	Delete(ctx context.Context, state string) error

	// DeleteBySession removes any pending state for the session.
	DeleteBySession(ctx context.Context, sessionKey string) error

	// DeleteOlderThan removes states created before the cutoff,
	// completed or not, and reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
