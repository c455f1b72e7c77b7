package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"flyx-proxy/work/config"
)

// BrowserClient wraps http.Client with a shared transport tuned for many
// short upstream calls and stamps every request with a browser-profile
// identity. Upstreams here actively fingerprint clients, so the default Go
// headers are never sent.
type BrowserClient struct {
	Client *http.Client
	config *config.Config
}

// NewBrowserClient builds the shared upstream client. The client itself has
// no overall timeout; every call site bounds its request with a context so
// segment relays can run long while lookup calls stay tight.
func NewBrowserClient(cfg *config.Config) *BrowserClient {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &BrowserClient{
		Client: client,
		config: cfg,
	}
}

// Do sends the request with browser identity headers applied. Headers already
// set by the caller are kept.
func (bc *BrowserClient) Do(req *http.Request) (*http.Response, error) {
	bc.setHeaders(req)
	return bc.Client.Do(req)
}

// Get issues a GET bounded by the given timeout, with the spoofed Referer and
// Origin the upstream expects. An empty referer leaves both unset.
func (bc *BrowserClient) Get(ctx context.Context, url, referer string, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
		req.Header.Set("Origin", trimToOrigin(referer))
	}

	resp, err := bc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	// tie the context's lifetime to the body so the caller's Close releases it
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (bc *BrowserClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", bc.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Connection", "keep-alive")
}

// trimToOrigin strips a trailing slash path so a referer like
// "https://host/" yields origin "https://host".
func trimToOrigin(referer string) string {
	if len(referer) > 0 && referer[len(referer)-1] == '/' {
		return referer[:len(referer)-1]
	}
	return referer
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
