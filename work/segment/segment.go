package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"

	"github.com/maypok86/otter/v2"
)

// maxSegmentBytes caps how much of a segment response is buffered. Live
// segments run a few megabytes; anything past this is an upstream error page
// or a misrouted VOD asset.
const maxSegmentBytes = 32 << 20

// Segment is one fetched media segment plus the content type the upstream
// declared for it.
type Segment struct {
	Body        []byte
	ContentType string
}

// Proxy relays encrypted media segments to the player with the spoofed
// browser identity the backend expects. Segments are immutable once
// published, so successful fetches sit in a short-TTL positive cache and
// absorb the stampede of players sharing a live edge.
type Proxy struct {
	cfg    *config.Config
	client *client.BrowserClient
	cache  *otter.Cache[string, Segment]
	log    *logger.Logger
}

// NewProxy creates the segment relay with a bounded positive cache.
func NewProxy(cfg *config.Config, httpClient *client.BrowserClient, log *logger.Logger) *Proxy {
	segCache := otter.Must(&otter.Options[string, Segment]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, Segment](cfg.SegmentTTL),
	})
	return &Proxy{
		cfg:    cfg,
		client: httpClient,
		cache:  segCache,
		log:    log.WithComponent("segment"),
	}
}

// FetchSegment returns the segment bytes and content type for an upstream
// URL, from cache when the same edge segment was relayed moments ago.
func (p *Proxy) FetchSegment(ctx context.Context, segmentURL string) (Segment, error) {
	if seg, ok := p.cache.GetIfPresent(segmentURL); ok {
		metrics.CacheRequests.WithLabelValues("segment", "hit").Inc()
		return seg, nil
	}
	metrics.CacheRequests.WithLabelValues("segment", "miss").Inc()

	start := time.Now()
	resp, err := p.client.Get(ctx, segmentURL, p.cfg.PlayerBaseURL+"/", p.cfg.StreamTimeout)
	if err != nil {
		return Segment{}, fmt.Errorf("segment fetch %s: %w: %v", utils.LogURL(p.cfg, segmentURL), types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamDuration.WithLabelValues("segment").Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return Segment{}, fmt.Errorf("segment fetch returned %d for %s: %w", resp.StatusCode, utils.LogURL(p.cfg, segmentURL), types.ErrUpstreamUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return Segment{}, fmt.Errorf("segment read %s: %w: %v", utils.LogURL(p.cfg, segmentURL), types.ErrUpstreamUnavailable, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp2t"
	}

	seg := Segment{Body: body, ContentType: contentType}
	p.cache.Set(segmentURL, seg)
	return seg, nil
}

// InvalidateAll clears the positive cache. Wired to the admin reload path so
// a config change with a new TTL starts from a clean slate.
func (p *Proxy) InvalidateAll() {
	p.cache.InvalidateAll()
}
