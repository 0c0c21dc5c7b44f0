package esi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/esi/config"
)

// CallbackService correlates outbound SSO redirects with their inbound
// callbacks. Each session holds at most one in-flight flow; initiating a
// new one discards the previous. Abandoned flows are reaped by the
// sweeper rather than an explicit cancel call.
type CallbackService struct {
	cfg       *config.Config
	callbacks CallbackRepository
	tokens    *TokenService
	exchange  *ExchangeClient
}

// NewCallbackService wires a CallbackService.
func NewCallbackService(
	cfg *config.Config,
	callbacks CallbackRepository,
	tokens *TokenService,
	exchange *ExchangeClient,
) *CallbackService {
	return &CallbackService{
		cfg:       cfg,
		callbacks: callbacks,
		tokens:    tokens,
		exchange:  exchange,
	}
}

// Initiate records a pending callback state for the session and returns
// the SSO authorization URL to redirect the user to. returnTo is where
// the application resumes once the callback completes; it defaults to
// "/".
func (s *CallbackService) Initiate(ctx context.Context, sessionKey string, scopes []string, returnTo string) (string, error) {
	if sessionKey == "" {
		return "", fmt.Errorf("session key must not be empty")
	}
	if returnTo == "" {
		returnTo = "/"
	}

	// Only one in-flight flow per session.
	if err := s.callbacks.DeleteBySession(ctx, sessionKey); err != nil {
		return "", fmt.Errorf("failed to discard previous callback state: %w", err)
	}

	state := uuid.NewString()
	cb := &CallbackState{
		State:      state,
		SessionKey: sessionKey,
		URL:        returnTo,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.callbacks.Save(ctx, cb); err != nil {
		return "", fmt.Errorf("failed to save callback state: %w", err)
	}

	log.Debug().Str("state", state).Str("return_to", returnTo).Msg("sso flow initiated")

	return s.exchange.AuthCodeURL(state, scopes), nil
}

// Complete finalizes an inbound callback: it matches the state nonce
// against the session's pending flow, exchanges the code, persists the
// resulting token and back-links it to the callback state. The caller
// resumes the URL recorded at initiation.
//
// A missing code or state yields ErrInvalidCallback; an unknown or
// mismatched state yields ErrCallbackNotFound.
func (s *CallbackService) Complete(ctx context.Context, code, state, sessionKey, ownerID string) (*Token, error) {
	if code == "" || state == "" {
		return nil, ErrInvalidCallback
	}

	cb, err := s.callbacks.GetByState(ctx, state)
	if err != nil {
		return nil, err
	}
	if cb.SessionKey != sessionKey {
		return nil, ErrCallbackNotFound
	}

	token, err := s.tokens.CreateFromCode(ctx, code, ownerID)
	if err != nil {
		return nil, err
	}

	if err := s.callbacks.SetToken(ctx, state, token.ID); err != nil {
		log.Error().Err(err).Str("state", state).Msg("failed to link token to callback state")
	}

	log.Info().
		Str("token_id", token.ID).
		Int64("character_id", token.CharacterID).
		Msg("sso callback completed")

	return token, nil
}

// ReturnURL reports where the session should resume after completion.
func (s *CallbackService) ReturnURL(ctx context.Context, state string) (string, error) {
	cb, err := s.callbacks.GetByState(ctx, state)
	if err != nil {
		return "", err
	}
	return cb.URL, nil
}

// ConsumePending fetches and removes the session's completed callback
// state, returning the token it produced. ErrCallbackNotFound when the
// session has no completed flow.
func (s *CallbackService) ConsumePending(ctx context.Context, sessionKey string) (*Token, error) {
	cb, err := s.callbacks.GetBySession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if !cb.Completed() {
		return nil, ErrCallbackNotFound
	}

	token, err := s.tokens.tokens.GetByID(ctx, cb.TokenID)
	if err != nil {
		return nil, err
	}
	if err := s.callbacks.Delete(ctx, cb.State); err != nil {
		log.Error().Err(err).Str("state", cb.State).Msg("failed to delete consumed callback state")
	}
	return token, nil
}

// Sweep deletes callback states older than maxAge, completed or not,
// bounding storage growth from abandoned flows.
func (s *CallbackService) Sweep(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := s.callbacks.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("callback sweep failed: %w", err)
	}
	if n > 0 {
		log.Debug().Int64("removed", n).Msg("swept stale callback states")
	}
	return nil
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *CallbackService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Sweep(ctx, s.cfg.CallbackMaxAge); err != nil {
					log.Error().Err(err).Msg("callback sweeper pass failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
