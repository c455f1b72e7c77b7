package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"flyx-proxy/work/cache"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"

	"github.com/grafana/regexp"
)

// jwtPattern matches the three-part session token embedded in the player
// page. Both the header and payload segments of a JWT start with the base64
// rendering of '{"', hence the double eyJ anchor.
var jwtPattern = regexp.MustCompile(`(eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)`)

// Handshake completes the player-page challenge for the DLHD provider
// family: fetch the page under a browser identity, lift the session JWT out
// of the markup, and recover the internal channel key from the token's
// subject claim. Results are cached per channel; the cache TTL tracks the
// upstream token lifetime.
type Handshake struct {
	cfg    *config.Config
	client *client.BrowserClient
	caches *cache.Caches
	log    *logger.Logger
}

// New creates the handshake client.
func New(cfg *config.Config, httpClient *client.BrowserClient, caches *cache.Caches, log *logger.Logger) *Handshake {
	return &Handshake{
		cfg:    cfg,
		client: httpClient,
		caches: caches,
		log:    log.WithComponent("handshake"),
	}
}

// GetCredentials returns the bearer token and channel key for a channel,
// fetching the player page only on cache miss or expiry.
func (h *Handshake) GetCredentials(ctx context.Context, channel string) (types.HandshakeSession, error) {
	if session, ok := h.caches.Handshakes.Get(channel); ok {
		metrics.CacheRequests.WithLabelValues("handshake", "hit").Inc()
		return session, nil
	}
	metrics.CacheRequests.WithLabelValues("handshake", "miss").Inc()

	pageURL := fmt.Sprintf("%s/premiumtv/daddylive.php?id=%s", h.cfg.PlayerBaseURL, channel)
	h.log.Debug("fetching player page for channel %s: %s", channel, utils.LogURL(h.cfg, pageURL))

	resp, err := h.client.Get(ctx, pageURL, h.cfg.PlayerBaseURL+"/", h.cfg.PageTimeout)
	if err != nil {
		return types.HandshakeSession{}, fmt.Errorf("player page fetch for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return types.HandshakeSession{}, fmt.Errorf("player page returned %d for %s: %w", resp.StatusCode, channel, types.ErrUpstreamUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return types.HandshakeSession{}, fmt.Errorf("player page returned %d for %s: %w", resp.StatusCode, channel, types.ErrProtocolChanged)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.HandshakeSession{}, fmt.Errorf("player page read for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}

	token := jwtPattern.FindString(string(body))
	if token == "" {
		// the page loaded fine but the token pattern is gone; this is the
		// extraction breaking, not an outage
		return types.HandshakeSession{}, fmt.Errorf("no session token in player page for %s: %w", channel, types.ErrProtocolChanged)
	}

	session := types.HandshakeSession{
		ChannelKey:  channelKeyFromToken(token, channel),
		BearerToken: token,
		FetchedAt:   h.caches.Handshakes.NowFunc()(),
	}
	h.caches.Handshakes.Set(channel, session)

	h.log.Debug("handshake complete for channel %s, key %s", channel, session.ChannelKey)
	return session, nil
}

// Invalidate drops the cached session for a channel. Called when an upstream
// rejects the bearer token (401/403) before its TTL ran out.
func (h *Handshake) Invalidate(channel string) {
	h.caches.Handshakes.Invalidate(channel)
}

// InvalidateChannel drops both the session and the server assignment for a
// channel. The assignment was derived from the rejected session, so keeping
// it alive for its long TTL would pin every request to a stale backend.
func (h *Handshake) InvalidateChannel(channel string) {
	h.caches.Handshakes.Invalidate(channel)
	h.caches.ServerKeys.Invalidate(channel)
}

// channelKeyFromToken decodes the JWT payload and pulls the subject claim
// used upstream as the channel key. Tokens without a usable subject fall back
// to the deterministic premium-prefixed default.
func channelKeyFromToken(token, channel string) string {
	fallback := "premium" + channel

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fallback
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fallback
	}

	var claims struct {
		Subject string `json:"subject"`
		Sub     string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fallback
	}

	if claims.Subject != "" {
		return claims.Subject
	}
	if claims.Sub != "" {
		return claims.Sub
	}
	return fallback
}

// GetServerKey resolves which backend server hosts a channel's stream. The
// assignment changes rarely, so hits are served from a long-lived cache.
func (h *Handshake) GetServerKey(ctx context.Context, channel string) (types.ServerKey, error) {
	if key, ok := h.caches.ServerKeys.Get(channel); ok {
		metrics.CacheRequests.WithLabelValues("server_key", "hit").Inc()
		return key, nil
	}
	metrics.CacheRequests.WithLabelValues("server_key", "miss").Inc()

	session, err := h.GetCredentials(ctx, channel)
	if err != nil {
		return types.ServerKey{}, err
	}

	lookupURL := h.cfg.LookupURL + session.ChannelKey
	resp, err := h.client.Get(ctx, lookupURL, h.cfg.PlayerBaseURL+"/", h.cfg.LookupTimeout)
	if err != nil {
		return types.ServerKey{}, fmt.Errorf("server lookup for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ServerKey{}, fmt.Errorf("server lookup returned %d for %s: %w", resp.StatusCode, channel, types.ErrUpstreamUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ServerKey{}, fmt.Errorf("server lookup read for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}

	serverKey, err := parseServerKey(body)
	if err != nil {
		return types.ServerKey{}, fmt.Errorf("server lookup for %s: %w: %v", channel, types.ErrProtocolChanged, err)
	}

	key := types.ServerKey{
		ChannelKey:     session.ChannelKey,
		ServerKey:      serverKey,
		ResolvedDomain: fmt.Sprintf("%snew.newkso.ru", serverKey),
		FetchedAt:      h.caches.ServerKeys.NowFunc()(),
	}
	h.caches.ServerKeys.Set(channel, key)

	h.log.Debug("server assignment for channel %s: %s", channel, serverKey)
	return key, nil
}

// parseServerKey accepts either a bare server name or the JSON wrapper the
// lookup endpoint switched to at some point; both shapes remain in the wild.
func parseServerKey(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("empty lookup response")
	}

	if strings.HasPrefix(text, "{") {
		var wrapper struct {
			Server string `json:"server_key"`
			Alt    string `json:"server"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return "", fmt.Errorf("malformed lookup JSON: %v", err)
		}
		if wrapper.Error != "" {
			return "", fmt.Errorf("lookup error: %s", wrapper.Error)
		}
		if wrapper.Server != "" {
			return wrapper.Server, nil
		}
		if wrapper.Alt != "" {
			return wrapper.Alt, nil
		}
		return "", fmt.Errorf("lookup JSON carries no server field")
	}

	return text, nil
}
