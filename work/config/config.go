package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration for the live-stream aggregation
// proxy: server identity, upstream endpoints, cache lifetimes, outbound call
// timeouts and the proof-of-work parameters observed from the upstream player.
type Config struct {
	BaseURL       string `json:"baseURL"`       // Base URL for rewritten manifest links
	ListenPort    int    `json:"listenPort"`    // HTTP listen port
	WorkerThreads int    `json:"workerThreads"` // Size of the shared worker pool
	Debug         bool   `json:"debug"`         // Enable debug logging
	LogLevel      string `json:"logLevel"`      // DEBUG/INFO/WARN/ERROR
	ObfuscateUrls bool   `json:"obfuscateUrls"` // Obfuscate upstream URLs in logs
	DatabasePath  string `json:"databasePath"`  // SQLite database file path

	UserAgent     string `json:"userAgent"`     // Browser-profile User-Agent for upstream calls
	PlayerBaseURL string `json:"playerBaseURL"` // Player page base, e.g. https://epicplayplay.cfd
	LookupURL     string `json:"lookupURL"`     // Server assignment lookup endpoint
	AuthBaseURL   string `json:"authBaseURL"`   // Key issuing host
	CDNTemplate   string `json:"cdnTemplate"`   // Relay URL template: server key + channel key slots
	EventListURL  string `json:"eventListURL"`  // Event schedule endpoint for the listing provider

	// Proof-of-work parameters. Upstream providers change these without
	// notice, so they are configuration, not constants; a config reload picks
	// up new values without a restart.
	PowThreshold     int64         `json:"powThreshold"`     // Accept hashes whose leading 4 hex chars parse below this
	PowMaxIterations int           `json:"powMaxIterations"` // Nonce search ceiling
	PowClockOffset   time.Duration `json:"powClockOffset"`   // Subtracted from wall clock when stamping key requests

	HandshakeTTL  time.Duration `json:"handshakeTTL"`  // Player session cache lifetime
	ServerKeyTTL  time.Duration `json:"serverKeyTTL"`  // Server assignment cache lifetime
	KeyTTL        time.Duration `json:"keyTTL"`        // Decryption key cache lifetime
	SegmentTTL    time.Duration `json:"segmentTTL"`    // Segment positive-cache lifetime
	PageTimeout   time.Duration `json:"pageTimeout"`   // Player page fetch
	LookupTimeout time.Duration `json:"lookupTimeout"` // Server lookup call
	FetchTimeout  time.Duration `json:"fetchTimeout"`  // Manifest and key fetches
	PortalTimeout time.Duration `json:"portalTimeout"` // Stalker portal calls
	StreamTimeout time.Duration `json:"streamTimeout"` // Segment relay

	KeyMaxRetries   int           `json:"keyMaxRetries"`   // Transient key fetch retries
	KeyRetryDelay   time.Duration `json:"keyRetryDelay"`   // Base backoff between key retries
	PortalRateLimit int           `json:"portalRateLimit"` // Requests per second per portal

	Providers []ProviderConfig `json:"providers"` // Fallback provider chain
}

// ProviderConfig enables and orders one upstream provider in the fallback
// chain. Higher priority providers are tried first.
type ProviderConfig struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

// ConfigFile mirrors Config for JSON files, with durations as strings
// (e.g. "30m", "10s") parsed into time.Duration values on load.
type ConfigFile struct {
	BaseURL       string `json:"baseURL"`
	ListenPort    int    `json:"listenPort"`
	WorkerThreads int    `json:"workerThreads"`
	Debug         bool   `json:"debug"`
	LogLevel      string `json:"logLevel"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`
	DatabasePath  string `json:"databasePath"`

	UserAgent     string `json:"userAgent"`
	PlayerBaseURL string `json:"playerBaseURL"`
	LookupURL     string `json:"lookupURL"`
	AuthBaseURL   string `json:"authBaseURL"`
	CDNTemplate   string `json:"cdnTemplate"`
	EventListURL  string `json:"eventListURL"`

	PowThreshold     int64  `json:"powThreshold"`
	PowMaxIterations int    `json:"powMaxIterations"`
	PowClockOffset   string `json:"powClockOffset"`

	HandshakeTTL  string `json:"handshakeTTL"`
	ServerKeyTTL  string `json:"serverKeyTTL"`
	KeyTTL        string `json:"keyTTL"`
	SegmentTTL    string `json:"segmentTTL"`
	PageTimeout   string `json:"pageTimeout"`
	LookupTimeout string `json:"lookupTimeout"`
	FetchTimeout  string `json:"fetchTimeout"`
	PortalTimeout string `json:"portalTimeout"`
	StreamTimeout string `json:"streamTimeout"`

	KeyMaxRetries   int    `json:"keyMaxRetries"`
	KeyRetryDelay   string `json:"keyRetryDelay"`
	PortalRateLimit int    `json:"portalRateLimit"`

	Providers []ProviderConfig `json:"providers"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
	configPath  = "/settings/config.json"
)

// SetConfigPath overrides the config file location. Intended for tests and
// container entrypoints; call before the first LoadConfig.
func SetConfigPath(path string) {
	configMutex.Lock()
	defer configMutex.Unlock()
	configPath = path
	configCache = nil
}

// LoadConfig loads the configuration from file or returns the cached
// instance. Uses double-checked locking to avoid redundant reloads; falls
// back to defaults when the file is missing or invalid, then validates so
// every field carries a safe value.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Player base: %s", config.PlayerBaseURL)
		log.Printf("  PoW threshold: %#x, ceiling: %d, clock offset: %s",
			config.PowThreshold, config.PowMaxIterations, config.PowClockOffset)
		log.Printf("  Providers: %d configured", len(config.Providers))
	}

	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by the admin reload endpoint; this is how a changed
// PoW clock offset takes effect without a restart.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config := &Config{
		BaseURL:       file.BaseURL,
		ListenPort:    file.ListenPort,
		WorkerThreads: file.WorkerThreads,
		Debug:         file.Debug,
		LogLevel:      file.LogLevel,
		ObfuscateUrls: file.ObfuscateUrls,
		DatabasePath:  file.DatabasePath,

		UserAgent:     file.UserAgent,
		PlayerBaseURL: file.PlayerBaseURL,
		LookupURL:     file.LookupURL,
		AuthBaseURL:   file.AuthBaseURL,
		CDNTemplate:   file.CDNTemplate,
		EventListURL:  file.EventListURL,

		PowThreshold:     file.PowThreshold,
		PowMaxIterations: file.PowMaxIterations,

		KeyMaxRetries:   file.KeyMaxRetries,
		PortalRateLimit: file.PortalRateLimit,

		Providers: file.Providers,
	}

	// -1 marks "not set in file" so validation can apply the default while an
	// explicit "0s" stays zero
	config.PowClockOffset = parseDuration(file.PowClockOffset, -1)
	config.HandshakeTTL = parseDuration(file.HandshakeTTL, 0)
	config.ServerKeyTTL = parseDuration(file.ServerKeyTTL, 0)
	config.KeyTTL = parseDuration(file.KeyTTL, 0)
	config.SegmentTTL = parseDuration(file.SegmentTTL, 0)
	config.PageTimeout = parseDuration(file.PageTimeout, 0)
	config.LookupTimeout = parseDuration(file.LookupTimeout, 0)
	config.FetchTimeout = parseDuration(file.FetchTimeout, 0)
	config.PortalTimeout = parseDuration(file.PortalTimeout, 0)
	config.StreamTimeout = parseDuration(file.StreamTimeout, 0)
	config.KeyRetryDelay = parseDuration(file.KeyRetryDelay, 0)

	return config, nil
}

// parseDuration parses a duration string, returning fallback on empty or
// malformed input.
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid duration %q, using %s", value, fallback)
		return fallback
	}
	return d
}

// getDefaultConfig returns a configuration with every field set to the values
// observed working against the current upstreams.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:7777",
		ListenPort:    7777,
		WorkerThreads: 8,
		LogLevel:      "INFO",
		DatabasePath:  "/data/flyx.db",

		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		PlayerBaseURL: "https://epicplayplay.cfd",
		LookupURL:     "https://top2new.newkso.ru/server_lookup.php?channel_id=",
		AuthBaseURL:   "https://top2new.newkso.ru",
		CDNTemplate:   "https://%snew.newkso.ru/%s/%s/mono.m3u8",
		EventListURL:  "",

		PowThreshold:     0x1000,
		PowMaxIterations: 100000,
		PowClockOffset:   16 * time.Second,

		HandshakeTTL:  5 * time.Minute,
		ServerKeyTTL:  30 * time.Minute,
		KeyTTL:        10 * time.Minute,
		SegmentTTL:    30 * time.Second,
		PageTimeout:   15 * time.Second,
		LookupTimeout: 10 * time.Second,
		FetchTimeout:  10 * time.Second,
		PortalTimeout: 20 * time.Second,
		StreamTimeout: 30 * time.Second,

		KeyMaxRetries:   3,
		KeyRetryDelay:   500 * time.Millisecond,
		PortalRateLimit: 4,

		Providers: []ProviderConfig{
			{Name: "dlhd", Enabled: true, Priority: 100},
			{Name: "cdn-relay", Enabled: true, Priority: 50},
			{Name: "event-list", Enabled: false, Priority: 10},
		},
	}
}

// validateAndSetDefaults ensures safe values for anything the file left unset
// or set to something unusable.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = defaults.ListenPort
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	} else if _, err := url.Parse(config.BaseURL); err != nil {
		log.Printf("Invalid baseURL %q, using default", config.BaseURL)
		config.BaseURL = defaults.BaseURL
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.DatabasePath == "" {
		config.DatabasePath = defaults.DatabasePath
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.PlayerBaseURL == "" {
		config.PlayerBaseURL = defaults.PlayerBaseURL
	}
	if config.LookupURL == "" {
		config.LookupURL = defaults.LookupURL
	}
	if config.AuthBaseURL == "" {
		config.AuthBaseURL = defaults.AuthBaseURL
	}
	if config.CDNTemplate == "" {
		config.CDNTemplate = defaults.CDNTemplate
	}

	if config.PowThreshold <= 0 {
		config.PowThreshold = defaults.PowThreshold
	}
	if config.PowMaxIterations <= 0 {
		config.PowMaxIterations = defaults.PowMaxIterations
	}
	if config.PowClockOffset < 0 {
		config.PowClockOffset = defaults.PowClockOffset
	}

	if config.HandshakeTTL <= 0 {
		config.HandshakeTTL = defaults.HandshakeTTL
	}
	if config.ServerKeyTTL <= 0 {
		config.ServerKeyTTL = defaults.ServerKeyTTL
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = defaults.KeyTTL
	}
	if config.SegmentTTL <= 0 {
		config.SegmentTTL = defaults.SegmentTTL
	}
	if config.PageTimeout <= 0 {
		config.PageTimeout = defaults.PageTimeout
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = defaults.LookupTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.PortalTimeout <= 0 {
		config.PortalTimeout = defaults.PortalTimeout
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaults.StreamTimeout
	}

	if config.KeyMaxRetries <= 0 {
		config.KeyMaxRetries = defaults.KeyMaxRetries
	}
	if config.KeyRetryDelay <= 0 {
		config.KeyRetryDelay = defaults.KeyRetryDelay
	}
	if config.PortalRateLimit <= 0 {
		config.PortalRateLimit = defaults.PortalRateLimit
	}

	if len(config.Providers) == 0 {
		config.Providers = defaults.Providers
	}
}
