package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"go.pilab.hu/esi/config"
)

// Credentials is the pair returned by a code exchange or refresh grant.
// IssuedAt marks the start of the access token's validity window.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
}

// IdentityClaims carries the identity fields returned by the SSO verify
// endpoint for an access token.
type IdentityClaims struct {
	CharacterID   int64  `json:"CharacterID"`
	CharacterName string `json:"CharacterName"`
	OwnerHash     string `json:"CharacterOwnerHash"`
	TokenType     string `json:"TokenType"`
	Scopes        string `json:"Scopes"`
	ExpiresOn     string `json:"ExpiresOn"`
}

// ScopeNames splits the space-delimited scope grant into names.
func (c *IdentityClaims) ScopeNames() []string {
	return strings.Fields(c.Scopes)
}

// Exchanger performs grants against the SSO token endpoint and identity
// lookups against the verify endpoint. ExchangeClient is the production
// implementation.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code string) (*Credentials, *IdentityClaims, error)
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
	Verify(ctx context.Context, accessToken string) (*IdentityClaims, error)
}

// ExchangeClient trades authorization codes and refresh tokens for
// access tokens against the SSO endpoints configured at construction.
type ExchangeClient struct {
	conf       *oauth2.Config
	verifyURL  string
	httpClient *http.Client
}

// NewExchangeClient builds an ExchangeClient from the configuration.
// All calls are bounded by cfg.HTTPTimeout.
func NewExchangeClient(cfg *config.Config) *ExchangeClient {
	return &ExchangeClient{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL(),
				TokenURL: cfg.TokenURL(),
			},
		},
		verifyURL:  cfg.VerifyURL(),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// AuthCodeURL builds the SSO authorization URL for the given state nonce
// and scope request.
func (c *ExchangeClient) AuthCodeURL(state string, scopes []string) string {
	conf := *c.conf
	conf.Scopes = scopes
	return conf.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for credentials and then
// verifies the fresh access token to retrieve the identity claims.
func (c *ExchangeClient) ExchangeCode(ctx context.Context, code string) (*Credentials, *IdentityClaims, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, nil, classifyOAuthError(err)
	}

	creds := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now().UTC(),
	}

	claims, err := c.Verify(ctx, creds.AccessToken)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Int64("character_id", claims.CharacterID).
		Str("token_type", claims.TokenType).
		Msg("authorization code exchanged")

	return creds, claims, nil
}

// Refresh performs a refresh grant with basic-auth client credentials.
// The returned credentials carry the rotated refresh token; when the
// server does not rotate, the input token is retained.
func (c *ExchangeClient) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	if refreshToken == "" {
		return nil, ErrNotRefreshable
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	creds := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now().UTC(),
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}

	return creds, nil
}

// Verify retrieves the identity claims for an access token.
func (c *ExchangeClient) Verify(ctx context.Context, accessToken string) (*IdentityClaims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verify returned status %d", ErrIncompleteResponse, resp.StatusCode)
	}

	var claims IdentityClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteResponse, err)
	}
	if claims.CharacterID == 0 || claims.CharacterName == "" || claims.OwnerHash == "" {
		return nil, fmt.Errorf("%w: verify response is missing identity fields", ErrIncompleteResponse)
	}

	return &claims, nil
}

// classifyOAuthError maps token endpoint failures onto the library's
// error taxonomy. Transport errors pass through wrapped; the caller may
// retry those but must treat credential errors as final for the record.
func classifyOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_token":
			return fmt.Errorf("%w: %s", ErrTokenInvalid, re.ErrorDescription)
		case "invalid_client", "unauthorized_client":
			return fmt.Errorf("%w: %s", ErrMisconfiguredClient, re.ErrorDescription)
		}
		if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized && re.ErrorCode == "" {
			return fmt.Errorf("%w: token endpoint returned 401", ErrMisconfiguredClient)
		}
		return fmt.Errorf("token endpoint error: %w", err)
	}
	// oauth2 reports a 2xx response without token material with a plain
	// error rather than a RetrieveError.
	if strings.Contains(err.Error(), "missing access_token") {
		return fmt.Errorf("%w: %v", ErrIncompleteResponse, err)
	}
	return fmt.Errorf("token endpoint unreachable: %w", err)
}
