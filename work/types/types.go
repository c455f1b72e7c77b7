package types

import (
	"errors"
	"time"
)

// Sentinel errors forming the failure taxonomy for upstream interactions.
// Callers classify with errors.Is and decide between retrying, falling back
// to the next candidate, and surfacing the failure to the player.
var (
	// ErrUpstreamUnavailable covers network failures and 5xx responses from a
	// backend. Retryable; triggers the next fallback candidate.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrProtocolChanged means an expected pattern or field was missing from an
	// upstream response. The reverse-engineered extraction likely broke and
	// needs human attention; retrying with the current logic is pointless.
	ErrProtocolChanged = errors.New("upstream protocol changed")

	// ErrInvalidKeyData means a decryption key response had the wrong size or
	// shape. Never retried with the same parameters.
	ErrInvalidKeyData = errors.New("invalid key data")

	// ErrAuthExpired means a handshake token or portal session was rejected.
	// Invalidates the cached session and allows one retry with a fresh one.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrAllMappingsExhausted means every mapped account for a channel failed.
	ErrAllMappingsExhausted = errors.New("all channel mappings exhausted")

	// ErrAllSourcesFailed means every enabled provider failed for a request.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// StreamResolution is the normalized output of any provider path. The fallback
// router and the stalker selector both produce this shape so the HTTP layer
// can respond uniformly regardless of which backend served the request.
type StreamResolution struct {
	Success        bool              `json:"success"`
	StreamURL      string            `json:"streamUrl,omitempty"`
	SourceProvider string            `json:"sourceProvider,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt,omitempty"`
}

// Account status values.
const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
	AccountStatusError    = "error"
)

// Account is a portal credential set. ActiveStreams vs StreamLimit is a
// selection precondition only, re-checked on every pick; two concurrent
// requests may briefly oversubscribe an account and self-correct on the
// next selection cycle.
type Account struct {
	ID              int64      `json:"id"`
	PortalURL       string     `json:"portalUrl"`
	MACAddress      string     `json:"macAddress"`
	StreamLimit     int        `json:"streamLimit"`
	ActiveStreams   int        `json:"activeStreams"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	TotalUsageCount int64      `json:"totalUsageCount"`
}

// ChannelMapping links an internal channel to one portal channel on one
// account. Administrators create mappings; every resolution attempt mutates
// the usage counters and LastUsedAt.
type ChannelMapping struct {
	ID                int64      `json:"id"`
	InternalChannelID string     `json:"internalChannelId"`
	AccountID         int64      `json:"accountId"`
	PortalChannelID   string     `json:"portalChannelId"`
	PortalChannelName string     `json:"portalChannelName"`
	PortalChannelCmd  string     `json:"portalChannelCmd"`
	Priority          int        `json:"priority"`
	IsActive          bool       `json:"isActive"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	SuccessCount      int64      `json:"successCount"`
	FailureCount      int64      `json:"failureCount"`
}

// SuccessRatio returns the historical success ratio and whether any attempts
// were recorded at all. Mappings with no history sort after mappings with one
// ("nulls last"); the selector handles that rule.
func (m *ChannelMapping) SuccessRatio() (float64, bool) {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0, false
	}
	return float64(m.SuccessCount) / float64(total), true
}

// HandshakeSession is an ephemeral bearer credential for one channel,
// recovered from the player page. Its cache TTL is bounded by the upstream
// token lifetime.
type HandshakeSession struct {
	ChannelKey  string
	BearerToken string
	FetchedAt   time.Time
}

// ServerKey is a cached backend server assignment for a channel. Assignments
// rotate rarely, so these live much longer than handshake sessions.
type ServerKey struct {
	ChannelKey     string
	ServerKey      string
	ResolvedDomain string
	FetchedAt      time.Time
}

// DecryptionKey is a cached 16-byte AES key plus its presentation encodings.
type DecryptionKey struct {
	ChannelID string
	KeyBytes  []byte
	KeyHex    string
	KeyBase64 string
	IV        string
	FetchedAt time.Time
}

// ManifestRewriteResult is derived per request and never persisted.
type ManifestRewriteResult struct {
	Body          string
	KeyURI        string
	IV            string
	TargetChannel string
}
