package main

import (
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flyx-proxy/work/auth"
	"flyx-proxy/work/cache"
	"flyx-proxy/work/client"
	"flyx-proxy/work/config"
	"flyx-proxy/work/database"
	"flyx-proxy/work/handlers"
	"flyx-proxy/work/keys"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/manifest"
	"flyx-proxy/work/middleware"
	"flyx-proxy/work/router"
	"flyx-proxy/work/segment"
	"flyx-proxy/work/selector"
	"flyx-proxy/work/stalker"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// Set up logging
	logger.SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}
	appLog := logger.New(logger.GetLogLevel())

	// Initialize worker pool for proof-of-work searches
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Open the mapping database
	db, err := database.Open(cfg.DatabasePath, appLog)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Build the service graph. Handlers hold the atomic pointer, not the
	// app itself, so a reload can publish a rebuilt graph in one store.
	var apps atomic.Pointer[handlers.App]
	apps.Store(buildApp(cfg, db, workerPool, appLog))

	// Setup HTTP routes
	r := mux.NewRouter()

	r.HandleFunc("/stream", middleware.Gzip(handlers.HandleStream(&apps))).Methods("GET")
	r.HandleFunc("/key", handlers.HandleKey(&apps)).Methods("GET")
	r.HandleFunc("/segment", handlers.HandleSegment(&apps)).Methods("GET")
	r.HandleFunc("/stalker-stream", middleware.Gzip(handlers.HandleStalkerStream(&apps))).Methods("GET")

	// Metrics handler
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(r, &apps, db)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLog.Info("Starting Flyx Proxy %s", Version)
	appLog.Info("Server configuration:")
	appLog.Info("  - Base URL: %s", cfg.BaseURL)
	appLog.Info("  - Listen Port: %d", cfg.ListenPort)
	appLog.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("  - Database: %s", cfg.DatabasePath)
	appLog.Info("  - Providers: %d configured", len(cfg.Providers))
	appLog.Info("  - Handshake TTL: %s, Server Key TTL: %s, Key TTL: %s", cfg.HandshakeTTL, cfg.ServerKeyTTL, cfg.KeyTTL)
	appLog.Info("  - PoW threshold: %#x, ceiling: %d, clock offset: %s", cfg.PowThreshold, cfg.PowMaxIterations, cfg.PowClockOffset)
	appLog.Info("  - Debug Enabled: %v", cfg.Debug)
	appLog.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully reload if it's requested to do.
	go func() {
		for {
			<-restartChan

			appLog.Info("Graceful reload requested...")

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// Reload config from file and rebuild the service graph; the
			// new caches start cold, which is the point of a reload.
			// In-flight requests keep the old graph until they finish.
			newConfig := config.LoadConfig()
			logger.SetLogLevel(newConfig.LogLevel)
			apps.Load().Segments.InvalidateAll()
			apps.Store(buildApp(newConfig, db, workerPool, appLog))

			appLog.Info("Graceful reload completed")
		}
	}()

	// fire us up
	if err := http.ListenAndServe(addr, middleware.CORS(r)); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}

// buildApp wires the services together from one config snapshot.
func buildApp(cfg *config.Config, db *database.DB, pool *ants.Pool, appLog *logger.Logger) *handlers.App {
	httpClient := client.NewBrowserClient(cfg)
	caches := cache.New(cfg.HandshakeTTL, cfg.ServerKeyTTL, cfg.KeyTTL, time.Now)
	handshake := auth.New(cfg, httpClient, caches, appLog)
	fetcher := manifest.NewFetcher(cfg, httpClient, handshake, appLog)
	keyService := keys.NewService(cfg, httpClient, handshake, caches, pool, appLog)
	segments := segment.NewProxy(cfg, httpClient, appLog)
	portal := stalker.NewClient(cfg, appLog)
	sel := selector.New(db, portal, appLog)

	var providers []router.Provider
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch pc.Name {
		case "dlhd":
			providers = append(providers, router.NewDLHDProvider(cfg, handshake, pc.Priority))
		case "cdn-relay":
			providers = append(providers, router.NewCDNRelayProvider(cfg, httpClient, pc.Priority))
		case "event-list":
			providers = append(providers, router.NewEventListProvider(cfg, httpClient, pc.Priority))
		default:
			appLog.Warn("unknown provider %q in config, skipping", pc.Name)
		}
	}

	return &handlers.App{
		Config:   cfg,
		Caches:   caches,
		Manifest: fetcher,
		Keys:     keyService,
		Segments: segments,
		Selector: sel,
		Router:   router.New(appLog, providers...),
		Log:      appLog,
	}
}
