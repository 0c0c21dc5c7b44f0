package esi

import "errors"

var (
	// ErrTokenInvalid signals that the refresh token was rejected or
	// revoked by the authorization server. The record is unrecoverable
	// and must be deleted.
	ErrTokenInvalid = errors.New("refresh token rejected by the authorization server")

	// ErrTokenExpired signals that the access token is stale and cannot
	// be refreshed. The operation is aborted rather than retried with
	// stale credentials.
	ErrTokenExpired = errors.New("access token expired and cannot be refreshed")

	// ErrNotRefreshable signals that the token carries no refresh token.
	ErrNotRefreshable = errors.New("token has no refresh token")

	// ErrIncompleteResponse signals a malformed or partial upstream
	// payload. Possibly transient; the record must be retained.
	ErrIncompleteResponse = errors.New("incomplete response from the authorization server")

	// ErrMisconfiguredClient signals that the client id or secret was
	// rejected. This is a configuration-level failure, never a
	// per-token one, and must halt bulk operations.
	ErrMisconfiguredClient = errors.New("client credentials rejected, verify client id and client secret")

	// ErrInvalidCallback signals an inbound SSO callback with a missing
	// code or state parameter.
	ErrInvalidCallback = errors.New("callback is missing code or state")

	// ErrCallbackNotFound signals that no pending callback state matches
	// the given state nonce and session.
	ErrCallbackNotFound = errors.New("no pending callback matches state and session")

	ErrTokenNotFound = errors.New("token not found")
	ErrScopeNotFound = errors.New("scope not found")
)
