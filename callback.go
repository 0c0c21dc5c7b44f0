package esi

import "time"

// CallbackState records the intended destination for an SSO callback and
// correlates the outbound redirect with the eventual inbound callback.
//
// Lifecycle: created when the redirect is issued, consumed when the
// callback completes, and swept after MaxAge regardless of completion.
// Abandoning a flow needs no explicit cancel; the sweep is the cleanup
// path.
type CallbackState struct {
	State      string    `bson:"_id"          json:"state"`
	SessionKey string    `bson:"session_key"  json:"session_key"`
	URL        string    `bson:"url"          json:"url"`
	TokenID    string    `bson:"token_id,omitempty" json:"token_id,omitempty"`
	CreatedAt  time.Time `bson:"created_at"   json:"created_at"`
}

// Completed reports whether the flow finished with a code exchange.
func (c *CallbackState) Completed() bool {
	return c.TokenID != ""
}
