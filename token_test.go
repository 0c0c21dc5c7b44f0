package esi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	esi "go.pilab.hu/esi"
)

func TestTokenExpiryWindow(t *testing.T) {
	validFor := 1200 * time.Second
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	token := &esi.Token{ID: "tok", UpdatedAt: issued}

	assert.False(t, token.Expired(issued.Add(1199*time.Second), validFor))
	assert.True(t, token.Expired(issued.Add(1201*time.Second), validFor))
	assert.Equal(t, issued.Add(validFor), token.ExpiresAt(validFor))
}

func TestTokenCanRefresh(t *testing.T) {
	assert.True(t, (&esi.Token{RefreshToken: "r"}).CanRefresh())
	assert.False(t, (&esi.Token{}).CanRefresh())
}

func TestScopeFriendlyName(t *testing.T) {
	assert.Equal(t, "read_skills", esi.Scope{Name: "esi-skills.read_skills.v1"}.FriendlyName())
	assert.Equal(t, "publicData", esi.Scope{Name: "publicData"}.FriendlyName())
}

func TestTokenEquivalence(t *testing.T) {
	scopes := []esi.Scope{{Name: "a"}, {Name: "b"}}

	base := &esi.Token{ID: "1", CharacterID: 42, OwnerID: "u1", Scopes: scopes}

	same := &esi.Token{ID: "2", CharacterID: 42, OwnerID: "u1", Scopes: []esi.Scope{{Name: "b"}, {Name: "a"}}}
	assert.True(t, base.EquivalentTo(same), "scope order must not matter")

	unowned := &esi.Token{ID: "3", CharacterID: 42, Scopes: scopes}
	assert.True(t, base.EquivalentTo(unowned), "an unowned token is compatible with any owner")

	otherOwner := &esi.Token{ID: "4", CharacterID: 42, OwnerID: "u2", Scopes: scopes}
	assert.False(t, base.EquivalentTo(otherOwner))

	otherCharacter := &esi.Token{ID: "5", CharacterID: 43, OwnerID: "u1", Scopes: scopes}
	assert.False(t, base.EquivalentTo(otherCharacter))

	moreScopes := &esi.Token{ID: "6", CharacterID: 42, OwnerID: "u1", Scopes: append([]esi.Scope{{Name: "c"}}, scopes...)}
	assert.False(t, base.EquivalentTo(moreScopes))
}

func TestCacheKeyRotation(t *testing.T) {
	before := esi.CacheKey("tok-1", "refresh-a")
	after := esi.CacheKey("tok-1", "refresh-b")

	assert.NotEqual(t, before, after, "a refresh-token rotation must change the cache key")
	assert.Equal(t, before, esi.CacheKey("tok-1", "refresh-a"))
}
