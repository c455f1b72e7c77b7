package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flyx-proxy/work/cache"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/types"
)

func testConfig(playerURL string) *config.Config {
	return &config.Config{
		UserAgent:     "test-agent",
		PlayerBaseURL: playerURL,
		LookupURL:     playerURL + "/server_lookup.php?channel_id=",
		PageTimeout:   5 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

func testToken(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + ".c2lnbmF0dXJl"
}

func newHandshake(cfg *config.Config) (*Handshake, *cache.Caches) {
	caches := cache.New(5*time.Minute, 30*time.Minute, 10*time.Minute, nil)
	return New(cfg, client.NewBrowserClient(cfg), caches, logger.New("ERROR")), caches
}

func TestGetCredentialsExtractsTokenAndCaches(t *testing.T) {
	token := testToken(`{"subject":"premium999"}`)
	var fetches int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		fmt.Fprintf(w, `<html><script>const t = "%s";</script></html>`, token)
	}))
	defer srv.Close()

	handshake, _ := newHandshake(testConfig(srv.URL))

	session, err := handshake.GetCredentials(context.Background(), "999")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if session.BearerToken != token {
		t.Fatalf("wrong token extracted: %q", session.BearerToken)
	}
	if session.ChannelKey != "premium999" {
		t.Fatalf("expected channel key from subject claim, got %q", session.ChannelKey)
	}

	// second call must come from cache
	if _, err := handshake.GetCredentials(context.Background(), "999"); err != nil {
		t.Fatalf("cached GetCredentials: %v", err)
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Fatalf("expected 1 page fetch, got %d", n)
	}
}

func TestGetCredentialsMissingTokenIsProtocolChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>nothing to see here</html>`)
	}))
	defer srv.Close()

	handshake, _ := newHandshake(testConfig(srv.URL))

	_, err := handshake.GetCredentials(context.Background(), "1")
	if !errors.Is(err, types.ErrProtocolChanged) {
		t.Fatalf("expected ErrProtocolChanged, got %v", err)
	}
}

func TestGetCredentialsServerErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	handshake, _ := newHandshake(testConfig(srv.URL))

	_, err := handshake.GetCredentials(context.Background(), "1")
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestChannelKeyFallsBackWhenClaimsUnusable(t *testing.T) {
	if got := channelKeyFromToken(testToken(`{"iat":12345}`), "42"); got != "premium42" {
		t.Fatalf("expected fallback premium42, got %q", got)
	}
	if got := channelKeyFromToken(testToken(`{"sub":"premium42"}`), "42"); got != "premium42" {
		t.Fatalf("expected sub claim premium42, got %q", got)
	}
	if got := channelKeyFromToken("not-a-jwt", "7"); got != "premium7" {
		t.Fatalf("expected fallback premium7, got %q", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	token := testToken(`{"subject":"premium5"}`)
	var fetches int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		fmt.Fprintf(w, `<html>%s</html>`, token)
	}))
	defer srv.Close()

	handshake, _ := newHandshake(testConfig(srv.URL))

	if _, err := handshake.GetCredentials(context.Background(), "5"); err != nil {
		t.Fatal(err)
	}
	handshake.Invalidate("5")
	if _, err := handshake.GetCredentials(context.Background(), "5"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&fetches); n != 2 {
		t.Fatalf("expected 2 fetches after invalidation, got %d", n)
	}
}

func TestInvalidateChannelDropsSessionAndServerKey(t *testing.T) {
	token := testToken(`{"subject":"premium6"}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "server_lookup") {
			fmt.Fprint(w, `{"server_key":"top3"}`)
			return
		}
		fmt.Fprintf(w, `<html>%s</html>`, token)
	}))
	defer srv.Close()

	handshake, caches := newHandshake(testConfig(srv.URL))

	if _, err := handshake.GetServerKey(context.Background(), "6"); err != nil {
		t.Fatal(err)
	}
	if _, ok := caches.Handshakes.Get("6"); !ok {
		t.Fatal("session not cached after resolve")
	}
	if _, ok := caches.ServerKeys.Get("6"); !ok {
		t.Fatal("server assignment not cached after resolve")
	}

	handshake.InvalidateChannel("6")

	if _, ok := caches.Handshakes.Get("6"); ok {
		t.Fatal("session survived InvalidateChannel")
	}
	if _, ok := caches.ServerKeys.Get("6"); ok {
		t.Fatal("server assignment survived InvalidateChannel")
	}
}

func TestGetServerKeyResolvesAndCaches(t *testing.T) {
	token := testToken(`{"subject":"premium8"}`)
	var lookups int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "server_lookup") {
			atomic.AddInt64(&lookups, 1)
			fmt.Fprint(w, `{"server_key":"top5"}`)
			return
		}
		fmt.Fprintf(w, `<html>%s</html>`, token)
	}))
	defer srv.Close()

	handshake, _ := newHandshake(testConfig(srv.URL))

	key, err := handshake.GetServerKey(context.Background(), "8")
	if err != nil {
		t.Fatalf("GetServerKey: %v", err)
	}
	if key.ServerKey != "top5" {
		t.Fatalf("expected server key top5, got %q", key.ServerKey)
	}
	if key.ChannelKey != "premium8" {
		t.Fatalf("expected channel key premium8, got %q", key.ChannelKey)
	}
	if key.ResolvedDomain != "top5new.newkso.ru" {
		t.Fatalf("unexpected resolved domain %q", key.ResolvedDomain)
	}

	if _, err := handshake.GetServerKey(context.Background(), "8"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&lookups); n != 1 {
		t.Fatalf("expected 1 lookup call, got %d", n)
	}
}

func TestParseServerKey(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"bare text", "top2\n", "top2", false},
		{"json server_key", `{"server_key":"top3"}`, "top3", false},
		{"json server", `{"server":"top4"}`, "top4", false},
		{"json error field", `{"error":"channel not found"}`, "", true},
		{"json without server", `{"status":"ok"}`, "", true},
		{"malformed json", `{"server_key":`, "", true},
		{"empty body", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServerKey([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
