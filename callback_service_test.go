package esi_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	esi "go.pilab.hu/esi"
	"go.pilab.hu/esi/memory"
)

type callbackFixture struct {
	*serviceFixture
	callbacks *memory.CallbackRepository
	service   *esi.CallbackService
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	base := newFixture(t)
	callbacks := memory.NewCallbackRepository()
	return &callbackFixture{
		serviceFixture: base,
		callbacks:      callbacks,
		service:        esi.NewCallbackService(base.cfg, callbacks, base.service, esi.NewExchangeClient(base.cfg)),
	}
}

func TestInitiateRecordsState(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	redirectURL, err := f.service.Initiate(ctx, "session-1", []string{"s1"}, "/after")
	require.NoError(t, err)
	assert.Contains(t, redirectURL, "/authorize")
	assert.Contains(t, redirectURL, "scope=s1")

	cb, err := f.callbacks.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "/after", cb.URL)
	assert.False(t, cb.Completed())
	assert.Contains(t, redirectURL, "state="+cb.State)
}

func TestInitiateReplacesPendingFlow(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, "session-1", nil, "/first")
	require.NoError(t, err)
	first, err := f.callbacks.GetBySession(ctx, "session-1")
	require.NoError(t, err)

	_, err = f.service.Initiate(ctx, "session-1", nil, "/second")
	require.NoError(t, err)

	// At most one in-flight flow per session.
	_, err = f.callbacks.GetByState(ctx, first.State)
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)

	current, err := f.callbacks.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "/second", current.URL)
}

func TestCompleteFinalizesToken(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, "session-1", []string{"s1"}, "/after")
	require.NoError(t, err)
	cb, err := f.callbacks.GetBySession(ctx, "session-1")
	require.NoError(t, err)

	f.exchange.On("ExchangeCode", mock.Anything, "the-code").Return(
		&esi.Credentials{AccessToken: "a", RefreshToken: "r", IssuedAt: time.Now().UTC()},
		&esi.IdentityClaims{CharacterID: 7, CharacterName: "Pilot", OwnerHash: "h", Scopes: "s1"},
		nil,
	)

	token, err := f.service.Complete(ctx, "the-code", cb.State, "session-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), token.CharacterID)

	url, err := f.service.ReturnURL(ctx, cb.State)
	require.NoError(t, err)
	assert.Equal(t, "/after", url)

	// The completed state is back-linked and consumable exactly once.
	got, err := f.service.ConsumePending(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)

	_, err = f.service.ConsumePending(ctx, "session-1")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)
}

func TestCompleteRejectsBadInput(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	_, err := f.service.Complete(ctx, "", "some-state", "session-1", "")
	assert.ErrorIs(t, err, esi.ErrInvalidCallback)

	_, err = f.service.Complete(ctx, "code", "", "session-1", "")
	assert.ErrorIs(t, err, esi.ErrInvalidCallback)

	_, err = f.service.Complete(ctx, "code", "unknown-state", "session-1", "")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)
}

func TestCompleteRejectsForeignSession(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, "session-1", nil, "/")
	require.NoError(t, err)
	cb, err := f.callbacks.GetBySession(ctx, "session-1")
	require.NoError(t, err)

	_, err = f.service.Complete(ctx, "code", cb.State, "other-session", "")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)
}

func TestSweepRemovesStaleFlows(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	stale := &esi.CallbackState{
		State:      "stale-state",
		SessionKey: "old-session",
		URL:        "/",
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.callbacks.Save(ctx, stale))

	_, err := f.service.Initiate(ctx, "live-session", nil, "/")
	require.NoError(t, err)

	require.NoError(t, f.service.Sweep(ctx, 5*time.Minute))

	_, err = f.callbacks.GetByState(ctx, "stale-state")
	assert.ErrorIs(t, err, esi.ErrCallbackNotFound)

	_, err = f.callbacks.GetBySession(ctx, "live-session")
	assert.NoError(t, err)
}
