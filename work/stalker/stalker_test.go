package stalker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flyx-proxy/work/config"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/types"
)

func stalkerTestConfig() *config.Config {
	return &config.Config{
		PortalTimeout:   5 * time.Second,
		PortalRateLimit: 100,
	}
}

func TestParseSecureJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"secure wrapper", `/*-secure- {"js":{"token":"abc"}} */`, `{"js":{"token":"abc"}}`, false},
		{"plain json", `{"js":{"token":"abc"}}`, `{"js":{"token":"abc"}}`, false},
		{"json array", `[1,2,3]`, `[1,2,3]`, false},
		{"wrapper without close", `/*-secure- {"js":{}}`, `{"js":{}}`, false},
		{"html error page", `<html>banned</html>`, "", true},
		{"empty body", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSecureJSON([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			if !json.Valid(got) {
				t.Fatalf("unwrapped body is not valid JSON: %q", got)
			}
		})
	}
}

func TestStreamURLFromCmd(t *testing.T) {
	tests := []struct {
		name     string
		resolved string
		original string
		want     string
	}{
		{
			"ffmpeg prefix stripped",
			"ffmpeg http://portal.example.com/live/abc.m3u8",
			"ffmpeg http://portal.example.com/ch/42",
			"http://portal.example.com/live/abc.m3u8",
		},
		{
			"no prefix passes through",
			"http://portal.example.com/live/abc.m3u8",
			"http://portal.example.com/ch/42",
			"http://portal.example.com/live/abc.m3u8",
		},
		{
			"empty stream param falls back to original",
			"ffmpeg http://portal.example.com/play?stream=&extension=ts",
			"ffmpeg http://portal.example.com/ch/42",
			"http://portal.example.com/ch/42",
		},
		{
			"populated stream param is kept",
			"ffmpeg http://portal.example.com/play?stream=9981&extension=ts",
			"ffmpeg http://portal.example.com/ch/42",
			"http://portal.example.com/play?stream=9981&extension=ts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StreamURLFromCmd(tt.resolved, tt.original); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPortalEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://p.example.com", "http://p.example.com/portal.php"},
		{"http://p.example.com/", "http://p.example.com/portal.php"},
		{"http://p.example.com/stalker_portal/server/load.php", "http://p.example.com/stalker_portal/server/load.php"},
	}
	for _, tt := range tests {
		if got := portalEndpoint(tt.in); got != tt.want {
			t.Fatalf("portalEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveStreamFullFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "MAG200") {
			t.Errorf("portal call without STB identity: %q", ua)
		}
		if cookie := r.Header.Get("Cookie"); !strings.Contains(cookie, "mac=") {
			t.Errorf("portal call without MAC cookie: %q", cookie)
		}

		switch r.URL.Query().Get("action") {
		case "handshake":
			fmt.Fprint(w, `/*-secure- {"js":{"token":"session-token"}} */`)
		case "create_link":
			if auth := r.Header.Get("Authorization"); auth != "Bearer session-token" {
				t.Errorf("create_link without session token: %q", auth)
			}
			if cmd := r.URL.Query().Get("cmd"); cmd != "ffmpeg http://x/ch/42" {
				t.Errorf("unexpected cmd %q", cmd)
			}
			fmt.Fprint(w, `{"js":{"cmd":"ffmpeg http://x/live/resolved.m3u8"}}`)
		default:
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
		}
	}))
	defer srv.Close()

	portal := NewClient(stalkerTestConfig(), logger.New("ERROR"))
	account := types.Account{ID: 1, PortalURL: srv.URL, MACAddress: "00:1A:79:AA:BB:CC"}
	mapping := types.ChannelMapping{ID: 7, PortalChannelCmd: "ffmpeg http://x/ch/42"}

	streamURL, err := portal.ResolveStream(context.Background(), account, mapping)
	if err != nil {
		t.Fatalf("ResolveStream: %v", err)
	}
	if streamURL != "http://x/live/resolved.m3u8" {
		t.Fatalf("wrong stream URL %q", streamURL)
	}
}

func TestHandshakeEmptyTokenIsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"token":""}}`)
	}))
	defer srv.Close()

	portal := NewClient(stalkerTestConfig(), logger.New("ERROR"))
	account := types.Account{PortalURL: srv.URL, MACAddress: "00:1A:79:AA:BB:CC"}

	_, err := portal.Handshake(context.Background(), account)
	if err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestPortalEndpointUsedInCall(t *testing.T) {
	// a portal URL without a .php path must land on /portal.php
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"js":{"token":"tk"}}`)
	}))
	defer srv.Close()

	portal := NewClient(stalkerTestConfig(), logger.New("ERROR"))
	account := types.Account{PortalURL: srv.URL, MACAddress: "00:1A:79:AA:BB:CC"}

	if _, err := portal.Handshake(context.Background(), account); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if gotPath != "/portal.php" {
		t.Fatalf("expected /portal.php, got %s", gotPath)
	}
}
