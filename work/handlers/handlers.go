package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"flyx-proxy/work/cache"
	"flyx-proxy/work/config"
	"flyx-proxy/work/keys"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/manifest"
	"flyx-proxy/work/router"
	"flyx-proxy/work/segment"
	"flyx-proxy/work/selector"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"
)

// App bundles the services the playback handlers need. Handlers receive it
// through an atomic pointer and load a snapshot per request, so a config
// reload can publish a rebuilt graph without racing in-flight requests.
type App struct {
	Config   *config.Config
	Caches   *cache.Caches
	Manifest *manifest.Fetcher
	Keys     *keys.Service
	Segments *segment.Proxy
	Selector *selector.Selector
	Router   *router.Router
	Log      *logger.Logger
}

// HandleStream serves the rewritten live manifest for a channel. The
// invalidate flag drops every cached credential and key for the channel
// first; players send it after repeated decrypt failures.
func HandleStream(apps *atomic.Pointer[App]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := apps.Load()

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			writeError(w, http.StatusBadRequest, "missing channel parameter")
			return
		}

		if r.URL.Query().Get("invalidate") == "true" {
			app.Caches.InvalidateChannel(channel)
			app.Log.Info("invalidated caches for channel %s on player request", channel)
		}

		resolution, err := app.Router.GetStream(r.Context(), channel, router.Options{
			Preferred: r.URL.Query().Get("provider"),
		})
		if err != nil {
			writeError(w, statusFor(err), utils.ShortError(err))
			return
		}

		result, err := app.Manifest.RewriteFrom(r.Context(), resolution.StreamURL, channel)
		if err != nil {
			writeError(w, statusFor(err), utils.ShortError(err))
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte(result.Body))
	}
}

// HandleKey serves the 16-byte decryption key for a channel. The url
// parameter carries the upstream key URL lifted from the manifest; jwt, when
// present, overrides the handshake bearer token.
func HandleKey(apps *atomic.Pointer[App]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := apps.Load()

		keyURL := r.URL.Query().Get("url")
		if keyURL == "" {
			writeError(w, http.StatusBadRequest, "missing url parameter")
			return
		}

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			// the handshake path needs a channel, not a URL; fall back to
			// the resource the key URL itself names
			resource, _, err := keys.DeriveKeyParams(keyURL)
			if err != nil {
				writeError(w, http.StatusBadRequest, "missing channel parameter and key url names no resource")
				return
			}
			channel = resource
		}

		key, err := app.Keys.GetKey(r.Context(), channel, keyURL, r.URL.Query().Get("jwt"))
		if err != nil {
			writeError(w, statusFor(err), utils.ShortError(err))
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(key.KeyBytes)
	}
}

// HandleSegment relays one media segment.
func HandleSegment(apps *atomic.Pointer[App]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := apps.Load()

		segmentURL := r.URL.Query().Get("url")
		if segmentURL == "" {
			writeError(w, http.StatusBadRequest, "missing url parameter")
			return
		}

		seg, err := app.Segments.FetchSegment(r.Context(), segmentURL)
		if err != nil {
			writeError(w, statusFor(err), utils.ShortError(err))
			return
		}

		w.Header().Set("Content-Type", seg.ContentType)
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(app.Config.SegmentTTL.Seconds())))
		w.Write(seg.Body)
	}
}

// HandleStalkerStream resolves a channel through the portal account pool and
// returns the resolved stream URL as JSON.
func HandleStalkerStream(apps *atomic.Pointer[App]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := apps.Load()

		channelID := r.URL.Query().Get("channelId")
		if channelID == "" {
			writeError(w, http.StatusBadRequest, "missing channelId parameter")
			return
		}

		resolution, err := app.Selector.ResolveStream(r.Context(), channelID)
		if err != nil {
			status := http.StatusServiceUnavailable
			if resolution.Tried == 0 {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]any{
				"success":       false,
				"error":         utils.ShortError(err),
				"triedMappings": resolution.Tried,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"streamUrl": resolution.StreamURL,
			"account":   resolution.AccountID,
			"mapping":   resolution.MappingID,
		})
	}
}

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAllMappingsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrAllSourcesFailed):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrAuthExpired):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrProtocolChanged):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrInvalidKeyData):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
