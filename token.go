// Package esi manages OAuth2 tokens for the EVE Swagger Interface (ESI).
// It brokers the SSO authorization-code flow, keeps refresh tokens in a
// pluggable repository, and serves short-lived access tokens from a cache.
package esi

import (
	"sort"
	"strings"
	"time"
)

// TokenType describes the applicable range of a token.
type TokenType string

const (
	TokenTypeCharacter   TokenType = "Character"
	TokenTypeCorporation TokenType = "Corporation"
)

// Scope represents an access scope granted by SSO.
type Scope struct {
	Name        string `bson:"_id"         json:"name"`
	Description string `bson:"description" json:"description"`
}

// FriendlyName returns the short middle segment of a dotted scope name,
// e.g. "read_skills" for "esi-skills.read_skills.v1". Falls back to the
// full name when the scope is not namespaced.
func (s Scope) FriendlyName() string {
	parts := strings.Split(s.Name, ".")
	if len(parts) > 1 {
		return parts[1]
	}
	return s.Name
}

// Token is an SSO token granted for a character or corporation.
//
// The access token is deliberately not stored by the durable repositories.
// It lives in an AccessTokenCache keyed by the record ID plus a fingerprint
// of the refresh token, so a rotation implicitly invalidates stale entries.
// The refresh token is the long-lived credential and is persisted.
type Token struct {
	ID            string    `bson:"_id,omitempty"      json:"id"`
	OwnerID       string    `bson:"owner_id,omitempty" json:"owner_id,omitempty"`
	CharacterID   int64     `bson:"character_id"       json:"character_id"`
	CharacterName string    `bson:"character_name"     json:"character_name"`
	OwnerHash     string    `bson:"owner_hash"         json:"owner_hash"`
	TokenType     TokenType `bson:"token_type"         json:"token_type"`
	AccessToken   string    `bson:"-"                  json:"-"`
	RefreshToken  string    `bson:"refresh_token"      json:"-"`
	Scopes        []Scope   `bson:"scopes"             json:"scopes"`
	Datasource    string    `bson:"datasource"         json:"datasource"`
	CreatedAt     time.Time `bson:"created_at"         json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"         json:"updated_at"`
}

// CanRefresh reports whether the token can be refreshed upon expiry.
// A token without a refresh token is terminal once expired.
func (t *Token) CanRefresh() bool {
	return t.RefreshToken != ""
}

// ExpiresAt returns the end of the validity window. The window starts at
// the moment the access token was issued (exchange or refresh), which is
// recorded in UpdatedAt, not at first use.
func (t *Token) ExpiresAt(validFor time.Duration) time.Time {
	return t.UpdatedAt.Add(validFor)
}

// Expired reports whether the access token has expired at the given time.
func (t *Token) Expired(now time.Time, validFor time.Duration) bool {
	return t.ExpiresAt(validFor).Before(now)
}

// ScopeNames returns the names of the granted scopes, sorted.
func (t *Token) ScopeNames() []string {
	names := make([]string, 0, len(t.Scopes))
	for _, s := range t.Scopes {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// HasScopes reports whether the token holds every named scope. Extra
// scopes on the token are fine.
func (t *Token) HasScopes(names ...string) bool {
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s.Name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := granted[name]; !ok {
			return false
		}
	}
	return true
}

// EquivalentTo reports whether two tokens are interchangeable: same
// character, identical scope set (order-independent) and compatible
// ownership (same owner, or at least one of them unowned).
func (t *Token) EquivalentTo(other *Token) bool {
	if t.CharacterID != other.CharacterID {
		return false
	}
	if t.OwnerID != other.OwnerID && t.OwnerID != "" && other.OwnerID != "" {
		return false
	}
	a, b := t.ScopeNames(), other.ScopeNames()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Token) String() string {
	return t.CharacterName + " - " + strings.Join(t.ScopeNames(), ", ")
}
