package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/esi/config"
)

// Operation is a single callable operation from the API description.
type Operation struct {
	OperationID string   `json:"operationId"`
	Tags        []string `json:"tags"`
	Summary     string   `json:"summary"`
}

// Spec is the machine-readable API description: paths to methods to
// operations. The schema details are treated as opaque; only the
// operation identifiers and tag groups drive the client.
type Spec struct {
	Host     string                          `json:"host"`
	BasePath string                          `json:"basePath"`
	Paths    map[string]map[string]Operation `json:"paths"`
}

// Operations returns every operation id in the description.
func (s *Spec) Operations() []string {
	var ids []string
	for _, methods := range s.Paths {
		for _, op := range methods {
			if op.OperationID != "" {
				ids = append(ids, op.OperationID)
			}
		}
	}
	return ids
}

// Minimize trims the description to the requested operation ids and tag
// groups. Paths left without any matching operation are dropped. Nil
// filters keep everything.
func Minimize(spec *Spec, operations, resources []string) *Spec {
	if len(operations) == 0 && len(resources) == 0 {
		return spec
	}

	wantOp := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		wantOp[op] = struct{}{}
	}
	wantTag := make(map[string]struct{}, len(resources))
	for _, tag := range resources {
		wantTag[tag] = struct{}{}
	}

	out := &Spec{
		Host:     spec.Host,
		BasePath: spec.BasePath,
		Paths:    make(map[string]map[string]Operation),
	}
	for path, methods := range spec.Paths {
		kept := make(map[string]Operation)
		for method, op := range methods {
			if _, ok := wantOp[op.OperationID]; ok {
				kept[method] = op
				continue
			}
			for _, tag := range op.Tags {
				if _, ok := wantTag[tag]; ok {
					kept[method] = op
					break
				}
			}
		}
		if len(kept) > 0 {
			out.Paths[path] = kept
		}
	}
	return out
}

// SpecCatalog fetches and caches API descriptions per version and
// datasource. The catalog cache is independent of the per-response
// cache and bounded by the configured spec cache duration.
type SpecCatalog struct {
	cfg        *config.Config
	httpClient *http.Client
	cache      *ttlcache.Cache[string, *Spec]
}

// NewSpecCatalog creates a catalog bound to the configured API base URL.
func NewSpecCatalog(cfg *config.Config, httpClient *http.Client) *SpecCatalog {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Spec](cfg.SpecCacheDuration),
		ttlcache.WithDisableTouchOnHit[string, *Spec](),
	)
	go cache.Start()

	return &SpecCatalog{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      cache,
	}
}

// Get returns the description for a version and datasource, fetching it
// at most once per cache period. Empty arguments fall back to the
// configured defaults.
func (c *SpecCatalog) Get(ctx context.Context, version, datasource string) (*Spec, error) {
	if version == "" {
		version = c.cfg.APIVersion
	}
	if datasource == "" {
		datasource = c.cfg.Datasource
	}

	key := version + ":" + datasource
	if item := c.cache.Get(key); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}

	spec, err := c.fetch(ctx, version, datasource)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, spec, ttlcache.DefaultTTL)

	return spec, nil
}

// Close stops the cache cleanup goroutine.
func (c *SpecCatalog) Close() error {
	c.cache.Stop()
	return nil
}

func (c *SpecCatalog) fetch(ctx context.Context, version, datasource string) (*Spec, error) {
	u, err := url.Parse(c.cfg.SwaggerURL(version))
	if err != nil {
		return nil, fmt.Errorf("invalid swagger url: %w", err)
	}
	q := u.Query()
	q.Set("datasource", datasource)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build spec request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spec fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spec fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec response: %w", err)
	}

	var spec Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}

	log.Debug().
		Str("version", version).
		Str("datasource", datasource).
		Int("paths", len(spec.Paths)).
		Dur("cached_for", c.cfg.SpecCacheDuration).
		Msg("api description fetched")

	return &spec, nil
}
