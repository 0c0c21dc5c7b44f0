// Package echo exposes the SSO login and callback routes over the Echo
// framework. The application mounts these next to its own routes; token
// selection UI and admin surfaces stay out of scope here.
package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	esi "go.pilab.hu/esi"
)

// SessionCookie names the cookie correlating a browser session with its
// pending SSO flow.
const SessionCookie = "esi_session"

// OwnerResolver maps an inbound request to the owning identity for new
// tokens. Returning an empty string stores the token unowned.
type OwnerResolver func(c echo.Context) string

// SSOAPI holds the handlers for the SSO redirect flow.
type SSOAPI struct {
	callbacks *esi.CallbackService
	owner     OwnerResolver
}

// NewSSOAPI initializes the SSO API. A nil resolver leaves tokens
// unowned.
func NewSSOAPI(callbacks *esi.CallbackService, owner OwnerResolver) *SSOAPI {
	if owner == nil {
		owner = func(echo.Context) string { return "" }
	}
	return &SSOAPI{
		callbacks: callbacks,
		owner:     owner,
	}
}

// RegisterRoutes registers the SSO routes.
func (a *SSOAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/sso/login", a.LoginHandler)
	e.GET("/sso/callback", a.CallbackHandler)
}

// LoginHandler starts an SSO flow: it records the pending callback state
// for the session and redirects the browser to the authorization
// endpoint. Scopes arrive space- or comma-delimited in the "scope"
// query parameter; "return_to" names where to resume afterwards.
func (a *SSOAPI) LoginHandler(c echo.Context) error {
	sessionKey := a.sessionKey(c)

	scopes := splitScopes(c.QueryParam("scope"))
	returnTo := c.QueryParam("return_to")

	redirectURL, err := a.callbacks.Initiate(c.Request().Context(), sessionKey, scopes, returnTo)
	if err != nil {
		log.Error().Err(err).Msg("failed to initiate sso flow")
		return c.String(http.StatusInternalServerError, "failed to initiate login")
	}

	return c.Redirect(http.StatusFound, redirectURL)
}

// CallbackHandler finalizes an inbound SSO callback. Missing parameters
// yield 400, an unknown or expired state 404, and success a redirect to
// the destination recorded at initiation.
func (a *SSOAPI) CallbackHandler(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	sessionKey := a.sessionKey(c)

	token, err := a.callbacks.Complete(c.Request().Context(), code, state, sessionKey, a.owner(c))
	if err != nil {
		switch {
		case errors.Is(err, esi.ErrInvalidCallback):
			return c.String(http.StatusBadRequest, "missing code or state")
		case errors.Is(err, esi.ErrCallbackNotFound):
			return c.String(http.StatusNotFound, "callback not found")
		}
		log.Error().Err(err).Str("state", state).Msg("sso callback failed")
		return c.String(http.StatusInternalServerError, "login failed")
	}

	returnTo, err := a.callbacks.ReturnURL(c.Request().Context(), state)
	if err != nil {
		returnTo = "/"
	}

	log.Debug().Str("token_id", token.ID).Msg("sso callback handled")
	return c.Redirect(http.StatusFound, returnTo)
}

// sessionKey reads the session cookie, minting one when absent.
func (a *SSOAPI) sessionKey(c echo.Context) string {
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	key := uuid.NewString()
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func splitScopes(raw string) []string {
	raw = strings.ReplaceAll(raw, ",", " ")
	return strings.Fields(raw)
}
