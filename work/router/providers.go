package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"flyx-proxy/work/auth"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/manifest"
	"flyx-proxy/work/types"
)

// DLHDProvider resolves through the full handshake path: player page, token
// extraction, server lookup, then the per-server manifest URL. This is the
// primary provider.
type DLHDProvider struct {
	cfg       *config.Config
	handshake *auth.Handshake
	priority  int
}

// NewDLHDProvider creates the handshake-backed provider.
func NewDLHDProvider(cfg *config.Config, handshake *auth.Handshake, priority int) *DLHDProvider {
	return &DLHDProvider{cfg: cfg, handshake: handshake, priority: priority}
}

func (p *DLHDProvider) Name() string  { return "dlhd" }
func (p *DLHDProvider) Priority() int { return p.priority }

func (p *DLHDProvider) Resolve(ctx context.Context, channel string) (types.StreamResolution, error) {
	serverKey, err := p.handshake.GetServerKey(ctx, channel)
	if err != nil {
		return types.StreamResolution{}, err
	}

	return types.StreamResolution{
		StreamURL: manifest.ManifestURL(p.cfg, serverKey),
		Headers:   browserHeaders(p.cfg),
	}, nil
}

// CDNRelayProvider skips the handshake and derives the manifest URL straight
// from the deterministic channel-key convention. Works only while the
// backend accepts unauthenticated manifest fetches for a channel, which
// makes it a useful fallback when the player page itself is down.
type CDNRelayProvider struct {
	cfg      *config.Config
	client   *client.BrowserClient
	priority int
}

// NewCDNRelayProvider creates the direct-CDN fallback provider.
func NewCDNRelayProvider(cfg *config.Config, httpClient *client.BrowserClient, priority int) *CDNRelayProvider {
	return &CDNRelayProvider{cfg: cfg, client: httpClient, priority: priority}
}

func (p *CDNRelayProvider) Name() string  { return "cdn-relay" }
func (p *CDNRelayProvider) Priority() int { return p.priority }

func (p *CDNRelayProvider) Resolve(ctx context.Context, channel string) (types.StreamResolution, error) {
	guessed := types.ServerKey{ChannelKey: "premium" + channel, ServerKey: "top1"}
	manifestURL := manifest.ManifestURL(p.cfg, guessed)

	// probe before answering; a guessed URL that 404s must fall through to
	// the next provider, not reach the player
	resp, err := p.client.Get(ctx, manifestURL, p.cfg.PlayerBaseURL+"/", p.cfg.LookupTimeout)
	if err != nil {
		return types.StreamResolution{}, fmt.Errorf("cdn probe for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.StreamResolution{}, fmt.Errorf("cdn probe returned %d for %s: %w", resp.StatusCode, channel, types.ErrUpstreamUnavailable)
	}

	return types.StreamResolution{
		StreamURL: manifestURL,
		Headers:   browserHeaders(p.cfg),
	}, nil
}

// EventListProvider resolves against a published event list, a JSON document
// mapping channel ids to direct stream URLs. Event lists exist only around
// live events, so this provider ships disabled by default.
type EventListProvider struct {
	cfg      *config.Config
	client   *client.BrowserClient
	priority int
}

// NewEventListProvider creates the event-list provider.
func NewEventListProvider(cfg *config.Config, httpClient *client.BrowserClient, priority int) *EventListProvider {
	return &EventListProvider{cfg: cfg, client: httpClient, priority: priority}
}

func (p *EventListProvider) Name() string  { return "event-list" }
func (p *EventListProvider) Priority() int { return p.priority }

func (p *EventListProvider) Resolve(ctx context.Context, channel string) (types.StreamResolution, error) {
	if p.cfg.EventListURL == "" {
		return types.StreamResolution{}, fmt.Errorf("event list URL not configured: %w", types.ErrUpstreamUnavailable)
	}

	resp, err := p.client.Get(ctx, p.cfg.EventListURL, p.cfg.PlayerBaseURL+"/", p.cfg.LookupTimeout)
	if err != nil {
		return types.StreamResolution{}, fmt.Errorf("event list fetch: %w: %v", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.StreamResolution{}, fmt.Errorf("event list returned %d: %w", resp.StatusCode, types.ErrUpstreamUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.StreamResolution{}, fmt.Errorf("event list read: %w: %v", types.ErrUpstreamUnavailable, err)
	}

	var events map[string]string
	if err := json.Unmarshal(body, &events); err != nil {
		return types.StreamResolution{}, fmt.Errorf("event list parse: %w: %v", types.ErrProtocolChanged, err)
	}

	streamURL, ok := events[channel]
	if !ok || streamURL == "" {
		return types.StreamResolution{}, fmt.Errorf("channel %s not in event list: %w", channel, types.ErrUpstreamUnavailable)
	}

	return types.StreamResolution{
		StreamURL: streamURL,
		Headers:   browserHeaders(p.cfg),
	}, nil
}

func browserHeaders(cfg *config.Config) map[string]string {
	return map[string]string{
		"User-Agent": cfg.UserAgent,
		"Referer":    cfg.PlayerBaseURL + "/",
		"Origin":     cfg.PlayerBaseURL,
	}
}
