package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"flyx-proxy/work/cache"
	"flyx-proxy/work/config"
	"flyx-proxy/work/keys"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/types"
)

func appPtr(app *App) *atomic.Pointer[App] {
	var p atomic.Pointer[App]
	p.Store(app)
	return &p
}

func TestMissingParametersRejected(t *testing.T) {
	apps := appPtr(&App{})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		url     string
	}{
		{"stream without channel", HandleStream(apps), "/stream"},
		{"key without url", HandleKey(apps), "/key"},
		{"segment without url", HandleSegment(apps), "/segment"},
		{"stalker without channelId", HandleStalkerStream(apps), "/stalker-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}

			var payload map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("error response is not JSON: %v", err)
			}
			if msg, ok := payload["error"].(string); !ok || msg == "" {
				t.Fatal("error response missing message")
			}
		})
	}
}

func TestKeyWithoutChannelDerivesFromURL(t *testing.T) {
	keyBytes := []byte("0123456789abcdef")

	caches := cache.New(time.Minute, time.Minute, time.Minute, nil)
	caches.Keys.Set("premium9", types.DecryptionKey{ChannelID: "premium9", KeyBytes: keyBytes})
	app := &App{
		Keys: keys.NewService(&config.Config{}, nil, nil, caches, nil, logger.New("ERROR")),
	}

	rec := httptest.NewRecorder()
	target := "/key?url=" + url.QueryEscape("https://keys.example.com/premium9/4")
	HandleKey(appPtr(app))(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via derived channel, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != string(keyBytes) {
		t.Fatalf("wrong key bytes served: %q", rec.Body.String())
	}
}

func TestKeyWithoutChannelOrResourceRejected(t *testing.T) {
	rec := httptest.NewRecorder()
	target := "/key?url=" + url.QueryEscape("https://keys.example.com/")
	HandleKey(appPtr(&App{}))(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no channel can be derived, got %d", rec.Code)
	}
}

func TestStatusForFailureTaxonomy(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", types.ErrUpstreamUnavailable), http.StatusBadGateway},
		{fmt.Errorf("x: %w", types.ErrProtocolChanged), http.StatusBadGateway},
		{fmt.Errorf("x: %w", types.ErrInvalidKeyData), http.StatusBadGateway},
		{fmt.Errorf("x: %w", types.ErrAuthExpired), http.StatusBadGateway},
		{fmt.Errorf("x: %w", types.ErrAllSourcesFailed), http.StatusBadGateway},
		{fmt.Errorf("x: %w", types.ErrAllMappingsExhausted), http.StatusServiceUnavailable},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
