package client

import (
	"context"
	"net/http"

	esi "go.pilab.hu/esi"
)

// RequestDecorator mutates an outgoing request before dispatch. Bearer
// injection and datasource selection are decorators rather than baked
// into the transport, so callers can compose their own.
type RequestDecorator interface {
	Decorate(ctx context.Context, req *http.Request) error
}

// AccessTokenProvider yields a currently valid access token for a
// record, refreshing it when needed. *esi.TokenService implements it.
type AccessTokenProvider interface {
	GetValidAccessToken(ctx context.Context, token *esi.Token) (string, error)
}

// BearerDecorator injects an Authorization header for a token record.
// The provider refuses to hand out a stale credential: an expired,
// unrefreshable record fails the call with esi.ErrTokenExpired before
// anything is sent upstream.
type BearerDecorator struct {
	Provider AccessTokenProvider
	Token    *esi.Token
}

func (d *BearerDecorator) Decorate(ctx context.Context, req *http.Request) error {
	access, err := d.Provider.GetValidAccessToken(ctx, d.Token)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	return nil
}

// DatasourceDecorator adds the datasource query parameter selecting the
// upstream environment.
type DatasourceDecorator struct {
	Datasource string
}

func (d *DatasourceDecorator) Decorate(_ context.Context, req *http.Request) error {
	q := req.URL.Query()
	if q.Get("datasource") == "" {
		q.Set("datasource", d.Datasource)
		req.URL.RawQuery = q.Encode()
	}
	return nil
}
