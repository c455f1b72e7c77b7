package stalker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// stbUserAgent is the set-top-box identity Stalker middleware expects. The
// portal fingerprints clients on it; a browser UA gets an empty token back.
const stbUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// Client speaks the Stalker middleware protocol: handshake for a session
// token, then create_link to resolve a channel command into a playable URL.
// Each portal gets its own rate limiter so a burst of mapping attempts
// against one portal cannot trip its flood protection and poison every
// account on it.
type Client struct {
	cfg      *config.Config
	http     *http.Client
	log      *logger.Logger
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewClient creates a portal client.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:      log.WithComponent("stalker"),
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// ResolveStream runs one full portal attempt for an account and mapping:
// handshake, then link creation. Returns the playable stream URL.
func (c *Client) ResolveStream(ctx context.Context, account types.Account, mapping types.ChannelMapping) (string, error) {
	c.limiter(account.PortalURL).Take()

	token, err := c.Handshake(ctx, account)
	if err != nil {
		return "", err
	}

	streamURL, err := c.CreateLink(ctx, account, token, mapping.PortalChannelCmd)
	if err != nil {
		return "", err
	}

	c.log.Debug("resolved portal stream for mapping %d via account %d", mapping.ID, account.ID)
	return streamURL, nil
}

// Handshake requests a session token from the portal under the account's
// set-top-box identity.
func (c *Client) Handshake(ctx context.Context, account types.Account) (string, error) {
	params := url.Values{
		"type":          {"stb"},
		"action":        {"handshake"},
		"token":         {""},
		"JsHttpRequest": {"1-xml"},
	}

	body, err := c.call(ctx, account, "", params)
	if err != nil {
		return "", err
	}

	var response struct {
		Js struct {
			Token string `json:"token"`
		} `json:"js"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("portal handshake response from %s: %w: %v", utils.ObfuscateURL(account.PortalURL), types.ErrProtocolChanged, err)
	}
	if response.Js.Token == "" {
		return "", fmt.Errorf("portal handshake from %s returned no token: %w", utils.ObfuscateURL(account.PortalURL), types.ErrAuthExpired)
	}
	return response.Js.Token, nil
}

// CreateLink asks the portal to resolve a channel command into a stream URL.
func (c *Client) CreateLink(ctx context.Context, account types.Account, token, cmd string) (string, error) {
	params := url.Values{
		"type":          {"itv"},
		"action":        {"create_link"},
		"cmd":           {cmd},
		"JsHttpRequest": {"1-xml"},
	}

	body, err := c.call(ctx, account, token, params)
	if err != nil {
		return "", err
	}

	var response struct {
		Js struct {
			Cmd string `json:"cmd"`
		} `json:"js"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("create_link response from %s: %w: %v", utils.ObfuscateURL(account.PortalURL), types.ErrProtocolChanged, err)
	}
	if response.Js.Cmd == "" {
		return "", fmt.Errorf("create_link from %s returned no command: %w", utils.ObfuscateURL(account.PortalURL), types.ErrProtocolChanged)
	}

	return StreamURLFromCmd(response.Js.Cmd, cmd), nil
}

// call performs one portal request with the STB identity and returns the
// unwrapped JSON body.
func (c *Client) call(ctx context.Context, account types.Account, token string, params url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.PortalTimeout)
	defer cancel()

	endpoint := portalEndpoint(account.PortalURL) + "?" + params.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("portal request: %v", err)
	}

	req.Header.Set("User-Agent", stbUserAgent)
	req.Header.Set("Cookie", fmt.Sprintf("mac=%s; stb_lang=en; timezone=GMT", url.QueryEscape(account.MACAddress)))
	req.Header.Set("X-User-Agent", "Model: MAG200; Link: Ethernet")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal call to %s: %w: %v", utils.ObfuscateURL(account.PortalURL), types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamDuration.WithLabelValues("portal").Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("portal %s rejected session: %w", utils.ObfuscateURL(account.PortalURL), types.ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal %s returned %d: %w", utils.ObfuscateURL(account.PortalURL), resp.StatusCode, types.ErrUpstreamUnavailable)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("portal read from %s: %w: %v", utils.ObfuscateURL(account.PortalURL), types.ErrUpstreamUnavailable, err)
	}

	return ParseSecureJSON(raw)
}

// limiter returns the per-portal rate limiter, creating it on first use.
func (c *Client) limiter(portalURL string) ratelimit.Limiter {
	limiter, _ := c.limiters.LoadOrCompute(portalURL, func() ratelimit.Limiter {
		return ratelimit.New(c.cfg.PortalRateLimit)
	})
	return limiter
}

// ParseSecureJSON strips the non-standard comment wrapper some Stalker
// portals put around their JSON responses and returns the inner document.
// Plain JSON passes through untouched.
func ParseSecureJSON(body []byte) ([]byte, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, fmt.Errorf("empty portal response: %w", types.ErrProtocolChanged)
	}

	if strings.HasPrefix(text, "/*-secure-") {
		text = strings.TrimPrefix(text, "/*-secure-")
		if idx := strings.LastIndex(text, "*/"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		return nil, fmt.Errorf("portal response is not JSON: %w", types.ErrProtocolChanged)
	}
	return []byte(text), nil
}

// StreamURLFromCmd extracts the playable URL from a create_link command
// string. Portals prefix the URL with a player hint (ffmpeg, ffrt) that must
// be dropped. A resolved URL that echoes back with an empty stream parameter
// is the portal declining the request without saying so; fall back to the
// original command's URL rather than handing the player a dead link.
func StreamURLFromCmd(resolved, original string) string {
	streamURL := stripPlayerHint(resolved)

	if parsed, err := url.Parse(streamURL); err == nil {
		query := parsed.Query()
		if stream, present := query["stream"]; present && (len(stream) == 0 || stream[0] == "") {
			if fallback := stripPlayerHint(original); fallback != "" {
				return fallback
			}
		}
	}
	return streamURL
}

func stripPlayerHint(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	for _, prefix := range []string{"ffmpeg ", "ffrt ", "ffrt2 ", "ffrt3 "} {
		if strings.HasPrefix(cmd, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(cmd, prefix))
		}
	}
	return cmd
}

// portalEndpoint normalizes an account's portal URL to the middleware
// endpoint. Administrators enter anything from a bare host to the full
// load.php path; both must work.
func portalEndpoint(portalURL string) string {
	trimmed := strings.TrimRight(portalURL, "/")
	if strings.HasSuffix(trimmed, ".php") {
		return trimmed
	}
	return trimmed + "/portal.php"
}
