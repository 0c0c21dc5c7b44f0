// Package client is the caching HTTP layer for the ESI API. Read
// requests are cached according to the upstream Expires header; all
// requests are decorated with the bearer token and datasource before
// dispatch.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	esi "go.pilab.hu/esi"
	"go.pilab.hu/esi/config"
)

// Response is the outcome of an API call. Body is fully read; Cached
// reports whether it was served without an upstream dispatch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cached     bool
}

// clone deep-copies the response. Cache entries and caller-held
// responses must never share the body slice or header map.
func (r *Response) clone() *Response {
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Cached:     r.Cached,
	}
}

// APIClient dispatches requests against the ESI API with response
// caching for idempotent calls.
//
// Cache policy: only GET requests are cached. The key is a digest of
// method, URL, parameters and body. Responses are stored only when the
// upstream Expires header is in the future, with the remaining lifetime
// as TTL; anything without a usable expiry is not cached.
type APIClient struct {
	cfg        *config.Config
	httpClient *http.Client
	catalog    *SpecCatalog
	decorators []RequestDecorator
	respCache  *ttlcache.Cache[string, *Response]
}

// Option customizes an APIClient.
type Option func(*APIClient)

// WithToken authenticates every request with the given token record,
// refreshing it through the provider as needed.
func WithToken(provider AccessTokenProvider, token *esi.Token) Option {
	return func(c *APIClient) {
		c.decorators = append(c.decorators, &BearerDecorator{Provider: provider, Token: token})
	}
}

// WithDecorator appends a custom request decorator.
func WithDecorator(d RequestDecorator) Option {
	return func(c *APIClient) {
		c.decorators = append(c.decorators, d)
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *APIClient) {
		c.httpClient = hc
	}
}

// New creates an APIClient. The datasource decorator is always present;
// a bearer decorator is added via WithToken.
func New(cfg *config.Config, opts ...Option) *APIClient {
	c := &APIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	c.decorators = append(c.decorators, &DatasourceDecorator{Datasource: cfg.Datasource})

	for _, opt := range opts {
		opt(c)
	}

	// The catalog shares whatever transport the options settled on.
	c.catalog = NewSpecCatalog(cfg, c.httpClient)

	if cfg.CacheResponses {
		c.respCache = ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *Response](),
		)
		go c.respCache.Start()
	}

	return c
}

// Spec returns the (cached) API description, optionally minimized to the
// given operation ids and tag groups.
func (c *APIClient) Spec(ctx context.Context, operations, resources []string) (*Spec, error) {
	spec, err := c.catalog.Get(ctx, c.cfg.APIVersion, c.cfg.Datasource)
	if err != nil {
		return nil, err
	}
	return Minimize(spec, operations, resources), nil
}

// Get performs a cached GET against an API path relative to the base
// URL.
func (c *APIClient) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, params, nil)
}

// Do dispatches a request. Non-GET methods bypass the response cache
// entirely; they are assumed to have side effects.
func (c *APIClient) Do(ctx context.Context, method, path string, params url.Values, body []byte) (*Response, error) {
	u, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	cacheable := c.respCache != nil && method == http.MethodGet
	key := cacheKey(method, u, body)

	if cacheable {
		if item := c.respCache.Get(key); item != nil && !item.IsExpired() {
			log.Debug().Str("path", path).Msg("response cache hit")
			cached := item.Value().clone()
			cached.Cached = true
			return cached, nil
		}
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for _, d := range c.decorators {
		if err := d.Decorate(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read api response: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		if ttl, ok := expiresIn(resp.Header); ok {
			c.respCache.Set(key, out.clone(), ttl)
			log.Debug().Str("path", path).Dur("ttl", ttl).Msg("response cached")
		}
	}

	return out, nil
}

// Close releases the cache goroutines.
func (c *APIClient) Close() error {
	if c.respCache != nil {
		c.respCache.Stop()
	}
	return c.catalog.Close()
}

func (c *APIClient) buildURL(path string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.cfg.APIBaseURL, "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid api path %q: %w", path, err)
	}
	if params != nil {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// cacheKey digests the full request identity. Query parameters are
// already canonicalized by url.Values.Encode, which sorts keys.
func cacheKey(method, rawURL string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, method)
	io.WriteString(h, "\n")
	if u, err := url.Parse(rawURL); err == nil {
		q := u.Query()
		u.RawQuery = sortedEncode(q)
		io.WriteString(h, u.String())
	} else {
		io.WriteString(h, rawURL)
	}
	io.WriteString(h, "\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedEncode(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// expiresIn derives the cache TTL from the upstream Expires header.
func expiresIn(h http.Header) (time.Duration, bool) {
	raw := h.Get("Expires")
	if raw == "" {
		return 0, false
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	ttl := time.Until(at)
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}
