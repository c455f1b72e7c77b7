package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flyx-proxy/work/auth"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

var keyURIPattern = regexp.MustCompile(`URI="([^"]+)"`)
var keyIVPattern = regexp.MustCompile(`IV=(0x[0-9a-fA-F]+)`)

// Fetcher retrieves live HLS manifests from the resolved backend server and
// rewrites them so every key and segment request the player makes comes back
// through this service. Manifests are never cached: live playlists change
// every few seconds and a stale one stalls the player.
type Fetcher struct {
	cfg       *config.Config
	client    *client.BrowserClient
	handshake *auth.Handshake
	log       *logger.Logger
}

// NewFetcher creates a manifest fetcher.
func NewFetcher(cfg *config.Config, httpClient *client.BrowserClient, handshake *auth.Handshake, log *logger.Logger) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		client:    httpClient,
		handshake: handshake,
		log:       log.WithComponent("manifest"),
	}
}

// FetchAndRewrite resolves the channel's backend server through the
// handshake path, pulls the current live manifest and returns the
// client-facing rewrite. When the backend rejects the credentials, the
// resolve and fetch run once more on a fresh session.
func (f *Fetcher) FetchAndRewrite(ctx context.Context, channel string) (types.ManifestRewriteResult, error) {
	serverKey, err := f.handshake.GetServerKey(ctx, channel)
	if err != nil {
		return types.ManifestRewriteResult{}, err
	}

	result, err := f.RewriteFrom(ctx, ManifestURL(f.cfg, serverKey), channel)
	if err != nil && errors.Is(err, types.ErrAuthExpired) {
		// RewriteFrom already dropped the stale session and assignment, so
		// this resolve hits the upstream instead of replaying the cache
		serverKey, rerr := f.handshake.GetServerKey(ctx, channel)
		if rerr != nil {
			return types.ManifestRewriteResult{}, rerr
		}
		return f.RewriteFrom(ctx, ManifestURL(f.cfg, serverKey), channel)
	}
	return result, err
}

// RewriteFrom pulls a live manifest from an already-resolved URL and returns
// the client-facing rewrite. The fallback router hands resolved URLs here.
func (f *Fetcher) RewriteFrom(ctx context.Context, manifestURL, channel string) (types.ManifestRewriteResult, error) {
	f.log.Debug("fetching manifest for channel %s: %s", channel, utils.LogURL(f.cfg, manifestURL))

	start := time.Now()
	resp, err := f.client.Get(ctx, manifestURL, f.cfg.PlayerBaseURL+"/", f.cfg.FetchTimeout)
	if err != nil {
		return types.ManifestRewriteResult{}, fmt.Errorf("manifest fetch for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamDuration.WithLabelValues("manifest").Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		f.handshake.InvalidateChannel(channel)
		return types.ManifestRewriteResult{}, fmt.Errorf("manifest fetch returned %d for %s: %w", resp.StatusCode, channel, types.ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return types.ManifestRewriteResult{}, fmt.Errorf("manifest fetch returned %d for %s: %w", resp.StatusCode, channel, types.ErrUpstreamUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ManifestRewriteResult{}, fmt.Errorf("manifest read for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}

	result, err := Rewrite(string(body), manifestURL, f.cfg.BaseURL, channel)
	if err != nil {
		return types.ManifestRewriteResult{}, err
	}

	// a malformed rewrite must never reach the player; validate the output
	// parses as a media playlist before responding
	if err := validate(result.Body); err != nil {
		return types.ManifestRewriteResult{}, fmt.Errorf("rewritten manifest for %s failed validation: %v", channel, err)
	}

	return result, nil
}

// ManifestURL builds the live playlist URL from a server assignment. The
// top1 server keeps a legacy path layout the others dropped.
func ManifestURL(cfg *config.Config, key types.ServerKey) string {
	if key.ServerKey == "" || key.ServerKey == "top1" {
		return fmt.Sprintf("https://top1.newkso.ru/top1/cdn/%s/mono.m3u8", key.ChannelKey)
	}
	return fmt.Sprintf(cfg.CDNTemplate, key.ServerKey, key.ServerKey, key.ChannelKey)
}

// Rewrite transforms an upstream live manifest into the client-facing one:
//
//   - the encryption key URI becomes a same-origin /key proxy URL carrying
//     the original as a parameter. The key is not embedded inline because its
//     path rotates during the life of a stream and an inlined copy goes stale;
//   - any end-of-list marker is stripped, since a live playlist must never
//     signal completion;
//   - the target duration is left exactly as received, since changing it
//     alters the player's poll cadence and causes stalls;
//   - segment URLs are resolved to absolute form and redirected through the
//     same-origin /segment proxy.
//
// Rewriting is idempotent with respect to structure: running it over its own
// output never reintroduces an ENDLIST tag or changes the target duration.
func Rewrite(body, manifestURL, baseURL, channel string) (types.ManifestRewriteResult, error) {
	if !strings.Contains(body, "#EXTM3U") {
		return types.ManifestRewriteResult{}, fmt.Errorf("response is not an HLS playlist: %w", types.ErrUpstreamUnavailable)
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return types.ManifestRewriteResult{}, fmt.Errorf("bad manifest URL %q: %v", manifestURL, err)
	}

	result := types.ManifestRewriteResult{TargetChannel: channel}

	var out []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "#EXT-X-ENDLIST"):
			// live playlists never end
			continue

		case strings.HasPrefix(trimmed, "#EXT-X-KEY"):
			rewritten, keyURI := rewriteKeyLine(trimmed, base, baseURL, channel)
			if keyURI != "" {
				result.KeyURI = keyURI
			}
			if iv := keyIVPattern.FindStringSubmatch(trimmed); len(iv) > 1 {
				result.IV = iv[1]
			}
			out = append(out, rewritten)

		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			out = append(out, line)

		default:
			segment := resolveAgainst(base, trimmed)
			if strings.Contains(segment, "/segment?url=") {
				// already pointing at us; second pass stays stable
				out = append(out, line)
				continue
			}
			out = append(out, baseURL+"/segment?url="+url.QueryEscape(segment))
		}
	}
	if err := scanner.Err(); err != nil {
		return types.ManifestRewriteResult{}, fmt.Errorf("manifest scan: %v", err)
	}

	result.Body = strings.Join(out, "\n") + "\n"
	return result, nil
}

// rewriteKeyLine swaps the URI attribute of an EXT-X-KEY tag for the key
// proxy endpoint and returns the original key URL.
func rewriteKeyLine(line string, base *url.URL, baseURL, channel string) (string, string) {
	matches := keyURIPattern.FindStringSubmatch(line)
	if len(matches) < 2 {
		return line, ""
	}

	original := resolveAgainst(base, matches[1])
	if strings.Contains(original, "/key?url=") {
		return line, ""
	}

	proxied := fmt.Sprintf("%s/key?url=%s&channel=%s", baseURL, url.QueryEscape(original), url.QueryEscape(channel))
	return strings.Replace(line, `URI="`+matches[1]+`"`, `URI="`+proxied+`"`, 1), original
}

// resolveAgainst makes a possibly-relative playlist reference absolute.
func resolveAgainst(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if parsed.IsAbs() {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// validate runs the rewritten text through the m3u8 parser and confirms it
// still decodes as a media playlist.
func validate(body string) error {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		return fmt.Errorf("parse: %v", err)
	}
	if listType != m3u8.MEDIA {
		return fmt.Errorf("rewrite produced a non-media playlist")
	}
	if _, ok := playlist.(*m3u8.MediaPlaylist); !ok {
		return fmt.Errorf("unexpected playlist type")
	}
	return nil
}
