package keys

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flyx-proxy/work/auth"
	"flyx-proxy/work/cache"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/pow"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"

	"github.com/panjf2000/ants/v2"
)

// Service fetches and caches the 16-byte AES keys that encrypt live segments.
// Each fetch carries a fresh proof-of-work, so misses are CPU-bound as well as
// network-bound; the PoW search runs on a shared worker pool instead of the
// request goroutine to keep handler latency predictable under load.
type Service struct {
	cfg       *config.Config
	client    *client.BrowserClient
	handshake *auth.Handshake
	caches    *cache.Caches
	pool      *ants.Pool
	engine    pow.Engine
	log       *logger.Logger
}

// NewService creates the key service on top of a shared worker pool.
func NewService(cfg *config.Config, httpClient *client.BrowserClient, handshake *auth.Handshake, caches *cache.Caches, pool *ants.Pool, log *logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		client:    httpClient,
		handshake: handshake,
		caches:    caches,
		pool:      pool,
		engine: pow.Engine{
			Threshold:     cfg.PowThreshold,
			MaxIterations: cfg.PowMaxIterations,
		},
		log: log.WithComponent("keys"),
	}
}

// GetKey returns the current decryption key for a channel, fetching on cache
// miss. bearerOverride, when non-empty, is used instead of the handshake
// session token; players that already carry a JWT pass it straight through.
// A rejected handshake token gets one retry on a fresh session, including a
// fresh proof-of-work; a rejected override is terminal since only the caller
// can renew it. The returned key is always exactly 16 bytes.
func (s *Service) GetKey(ctx context.Context, channel, keyURL, bearerOverride string) (types.DecryptionKey, error) {
	if key, ok := s.caches.Keys.Get(channel); ok {
		metrics.CacheRequests.WithLabelValues("key", "hit").Inc()
		return key, nil
	}
	metrics.CacheRequests.WithLabelValues("key", "miss").Inc()

	resource, keyNumber, err := DeriveKeyParams(keyURL)
	if err != nil {
		return types.DecryptionKey{}, fmt.Errorf("key URL %s: %w: %v", utils.LogURL(s.cfg, keyURL), types.ErrProtocolChanged, err)
	}

	bearer := bearerOverride
	if bearer == "" {
		session, err := s.handshake.GetCredentials(ctx, channel)
		if err != nil {
			return types.DecryptionKey{}, err
		}
		bearer = session.BearerToken
	}

	keyBytes, proof, err := s.proveAndFetch(ctx, channel, keyURL, resource, keyNumber, bearer)
	if err != nil && bearerOverride == "" && errors.Is(err, types.ErrAuthExpired) {
		// the 401 already dropped the cached session, so this handshake
		// hits the upstream and the retry runs on a fresh token
		session, herr := s.handshake.GetCredentials(ctx, channel)
		if herr != nil {
			return types.DecryptionKey{}, herr
		}
		keyBytes, proof, err = s.proveAndFetch(ctx, channel, keyURL, resource, keyNumber, session.BearerToken)
	}
	if err != nil {
		return types.DecryptionKey{}, err
	}

	now := s.caches.Keys.NowFunc()()
	key := types.DecryptionKey{
		ChannelID: channel,
		KeyBytes:  keyBytes,
		KeyHex:    hex.EncodeToString(keyBytes),
		KeyBase64: base64.StdEncoding.EncodeToString(keyBytes),
		FetchedAt: now,
	}
	s.caches.Keys.Set(channel, key)

	s.log.Debug("cached key for channel %s after %d pow iterations", channel, proof.Iterations)
	return key, nil
}

// Invalidate drops the cached key for a channel. Players signal this after
// repeated decrypt failures; the next request recomputes from scratch.
func (s *Service) Invalidate(channel string) {
	s.caches.Keys.Invalidate(channel)
}

// proveAndFetch runs one complete authenticated attempt: a fresh timestamp,
// a fresh nonce search bound to the given bearer, then the key request.
func (s *Service) proveAndFetch(ctx context.Context, channel, keyURL, resource, keyNumber, bearer string) ([]byte, pow.Result, error) {
	// the upstream validates the PoW against its own clock, which runs
	// behind ours by a margin that changes without notice; the offset is
	// config so operators can chase it without a redeploy
	timestamp := s.caches.Keys.NowFunc()().Add(-s.cfg.PowClockOffset).Unix()

	proof, err := s.computeProof(ctx, bearer, resource, keyNumber, timestamp)
	if err != nil {
		return nil, pow.Result{}, err
	}
	metrics.PowIterations.Observe(float64(proof.Iterations))
	if proof.Exhausted {
		s.log.Warn("proof-of-work search exhausted for channel %s after %d attempts", channel, proof.Iterations)
	}

	keyBytes, err := s.fetchWithRetry(ctx, channel, keyURL, bearer, proof, timestamp)
	return keyBytes, proof, err
}

// computeProof runs the nonce search on the worker pool and waits for either
// the result or context cancellation. The search itself is not interruptible,
// but it is bounded by the iteration ceiling so an abandoned task finishes
// quickly and frees its worker.
func (s *Service) computeProof(ctx context.Context, bearer, resource, keyNumber string, timestamp int64) (pow.Result, error) {
	results := make(chan pow.Result, 1)
	err := s.pool.Submit(func() {
		results <- s.engine.ComputeNonce(bearer, resource, keyNumber, timestamp)
	})
	if err != nil {
		// pool saturated or released; fall back to inline computation
		// rather than failing the request
		s.log.Warn("pow pool submit failed, computing inline: %v", err)
		return s.engine.ComputeNonce(bearer, resource, keyNumber, timestamp), nil
	}

	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		return pow.Result{}, fmt.Errorf("proof-of-work wait: %w: %v", types.ErrUpstreamUnavailable, ctx.Err())
	}
}

// fetchWithRetry issues the authenticated key request, retrying transient
// failures with linear backoff. Size violations and auth rejections are not
// retried with the same parameters.
func (s *Service) fetchWithRetry(ctx context.Context, channel, keyURL, bearer string, proof pow.Result, timestamp int64) ([]byte, error) {
	requestURL := authenticatedKeyURL(keyURL, proof, timestamp)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.KeyMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * s.cfg.KeyRetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("key fetch for %s: %w: %v", channel, types.ErrUpstreamUnavailable, ctx.Err())
			}
		}

		keyBytes, err := s.fetchOnce(ctx, channel, requestURL, bearer)
		if err == nil {
			return keyBytes, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		s.log.Debug("key fetch attempt %d for channel %s failed: %v", attempt+1, channel, err)
	}

	return nil, lastErr
}

func (s *Service) fetchOnce(ctx context.Context, channel, requestURL, bearer string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("key request for %s: %v", channel, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Referer", s.cfg.PlayerBaseURL+"/")
	req.Header.Set("Origin", s.cfg.PlayerBaseURL)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key fetch for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamDuration.WithLabelValues("key").Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.handshake.Invalidate(channel)
		return nil, fmt.Errorf("key fetch returned %d for %s: %w", resp.StatusCode, channel, types.ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch returned %d for %s: %w", resp.StatusCode, channel, types.ErrUpstreamUnavailable)
	}

	keyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, fmt.Errorf("key read for %s: %w: %v", channel, types.ErrUpstreamUnavailable, err)
	}

	// anything other than exactly 16 bytes means the upstream served an
	// error page or changed its response shape; caching it would poison
	// every player on the channel
	if len(keyBytes) != 16 {
		return nil, fmt.Errorf("key for %s is %d bytes, want 16: %w", channel, len(keyBytes), types.ErrInvalidKeyData)
	}
	return keyBytes, nil
}

// isRetryable reports whether a fetch error is worth another attempt with the
// same proof. Invalid key data never is; an expired token needs a fresh
// handshake and proof, which GetKey performs once at its own level.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, types.ErrInvalidKeyData) && !errors.Is(err, types.ErrAuthExpired)
}

// authenticatedKeyURL appends the proof-of-work parameters to the upstream
// key URL.
func authenticatedKeyURL(keyURL string, proof pow.Result, timestamp int64) string {
	sep := "?"
	if strings.Contains(keyURL, "?") {
		sep = "&"
	}
	return keyURL + sep + url.Values{
		"ts":    {strconv.FormatInt(timestamp, 10)},
		"nonce": {strconv.Itoa(proof.Nonce)},
	}.Encode()
}

// DeriveKeyParams extracts the PoW resource and key number from a key URL.
// Two shapes exist in the wild: query parameters (name/number) and positional
// path segments with a trailing numeric component.
func DeriveKeyParams(keyURL string) (resource, keyNumber string, err error) {
	parsed, err := url.Parse(keyURL)
	if err != nil {
		return "", "", fmt.Errorf("unparseable key URL: %v", err)
	}

	query := parsed.Query()
	if name := query.Get("name"); name != "" {
		number := query.Get("number")
		if number == "" {
			number = "1"
		}
		return name, number, nil
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) >= 2 {
		last := segments[len(segments)-1]
		if _, numErr := strconv.Atoi(last); numErr == nil {
			return segments[len(segments)-2], last, nil
		}
	}
	if len(segments) >= 1 && segments[0] != "" {
		return segments[len(segments)-1], "1", nil
	}

	return "", "", fmt.Errorf("key URL carries no resource identifier")
}
