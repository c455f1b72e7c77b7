package segment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/types"
)

func segmentTestConfig(playerURL string) *config.Config {
	return &config.Config{
		UserAgent:     "test-agent",
		PlayerBaseURL: playerURL,
		SegmentTTL:    30 * time.Second,
		StreamTimeout: 5 * time.Second,
	}
}

func TestFetchSegmentRelaysAndCaches(t *testing.T) {
	payload := []byte{0x47, 0x40, 0x00, 0x10} // transport stream sync byte
	var fetches int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)

		// the relay must present the spoofed player identity
		if got := r.Header.Get("Referer"); got == "" {
			t.Error("segment fetch without referer")
		}
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("segment fetch with wrong user agent %q", got)
		}

		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(payload)
	}))
	defer srv.Close()

	proxy := NewProxy(segmentTestConfig(srv.URL), client.NewBrowserClient(segmentTestConfig(srv.URL)), logger.New("ERROR"))

	seg, err := proxy.FetchSegment(context.Background(), srv.URL+"/seg100.ts")
	if err != nil {
		t.Fatalf("FetchSegment: %v", err)
	}
	if string(seg.Body) != string(payload) {
		t.Fatal("segment body mangled in relay")
	}
	if seg.ContentType != "video/mp2t" {
		t.Fatalf("content type not preserved: %q", seg.ContentType)
	}

	// same segment again comes out of the positive cache
	if _, err := proxy.FetchSegment(context.Background(), srv.URL+"/seg100.ts"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Fatalf("expected 1 upstream fetch, got %d", n)
	}
}

func TestFetchSegmentUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := segmentTestConfig(srv.URL)
	proxy := NewProxy(cfg, client.NewBrowserClient(cfg), logger.New("ERROR"))

	_, err := proxy.FetchSegment(context.Background(), srv.URL+"/seg100.ts")
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestFetchSegmentDefaultsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil // suppress Go's detection
		w.Write([]byte{0x47})
	}))
	defer srv.Close()

	cfg := segmentTestConfig(srv.URL)
	proxy := NewProxy(cfg, client.NewBrowserClient(cfg), logger.New("ERROR"))

	seg, err := proxy.FetchSegment(context.Background(), srv.URL+"/seg.ts")
	if err != nil {
		t.Fatalf("FetchSegment: %v", err)
	}
	if seg.ContentType != "video/mp2t" {
		t.Fatalf("expected default content type, got %q", seg.ContentType)
	}
}
