// Package cache holds the short-lived access tokens that the durable
// repositories deliberately do not store.
package cache

import (
	"context"
	"io"
	"time"
)

// AccessTokenCache stores access tokens keyed by record identity plus a
// fingerprint of the refresh token (see esi.CacheKey). Entries expire
// with the token's validity window; a refresh-token rotation changes the
// key and so invalidates the old entry without an explicit delete.
//
// The cache is shared state: implementations must be safe for
// concurrent use.
type AccessTokenCache interface {
	io.Closer

	// Set stores an access token under the given key for ttl.
	Set(ctx context.Context, key, accessToken string, ttl time.Duration) error

	// Get retrieves an access token, reporting whether it was found and
	// still valid.
	Get(ctx context.Context, key string) (string, bool)

	// Delete removes an entry.
	Delete(ctx context.Context, key string) error
}
