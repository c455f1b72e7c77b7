package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"

	"flyx-proxy/work/database"
	"flyx-proxy/work/handlers"
	"flyx-proxy/work/middleware"
	"flyx-proxy/work/types"
)

var (
	// restartChan provides a signaling mechanism for graceful configuration
	// reload without dropping the listener
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes registers the account and mapping management API plus the
// operational endpoints (stats, config, reload).
func setupAdminRoutes(r *mux.Router, apps *atomic.Pointer[handlers.App], db *database.DB) {
	r.HandleFunc("/api/accounts", middleware.Gzip(handleListAccounts(db))).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/accounts", handleSaveAccount(db)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/accounts/{id}", handleGetAccount(db)).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/accounts/{id}", handleDeleteAccount(db)).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/accounts/{id}/status", handleSetAccountStatus(db)).Methods("POST", "OPTIONS")

	r.HandleFunc("/api/mappings", middleware.Gzip(handleListMappings(db))).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/mappings", handleSaveMapping(db)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/mappings/{id}", handleDeleteMapping(db)).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/api/stats", middleware.Gzip(handleGetStats(apps, db))).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/config", middleware.Gzip(handleGetConfig(apps))).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/restart", handleRestart).Methods("POST", "OPTIONS")
}

func handleListAccounts(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := db.ListAccounts()
		if err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, accounts)
	}
}

func handleGetAccount(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			adminError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		account, err := db.GetAccount(id)
		if err != nil {
			adminError(w, http.StatusNotFound, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, account)
	}
}

func handleSaveAccount(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var account types.Account
		if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
			adminError(w, http.StatusBadRequest, "invalid account payload: "+err.Error())
			return
		}
		if account.PortalURL == "" || account.MACAddress == "" {
			adminError(w, http.StatusBadRequest, "portalUrl and macAddress are required")
			return
		}

		id, err := db.SaveAccount(&account)
		if err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func handleDeleteAccount(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			adminError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		if err := db.DeleteAccount(id); err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

func handleSetAccountStatus(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			adminError(w, http.StatusBadRequest, "invalid account id")
			return
		}

		var payload struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			adminError(w, http.StatusBadRequest, "invalid status payload")
			return
		}
		switch payload.Status {
		case types.AccountStatusActive, types.AccountStatusDisabled, types.AccountStatusError:
		default:
			adminError(w, http.StatusBadRequest, "unknown status "+payload.Status)
			return
		}

		if err := db.SetAccountStatus(id, payload.Status); err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"id": id, "status": payload.Status})
	}
}

func handleListMappings(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mappings, err := db.ListMappings(r.URL.Query().Get("channel"))
		if err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, mappings)
	}
}

func handleSaveMapping(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mapping types.ChannelMapping
		if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
			adminError(w, http.StatusBadRequest, "invalid mapping payload: "+err.Error())
			return
		}
		if mapping.InternalChannelID == "" || mapping.AccountID == 0 || mapping.PortalChannelCmd == "" {
			adminError(w, http.StatusBadRequest, "internalChannelId, accountId and portalChannelCmd are required")
			return
		}

		id, err := db.SaveMapping(&mapping)
		if err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func handleDeleteMapping(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			adminError(w, http.StatusBadRequest, "invalid mapping id")
			return
		}
		if err := db.DeleteMapping(id); err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

func handleGetStats(apps *atomic.Pointer[handlers.App], db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := apps.Load()
		stats, err := db.GetStats()
		if err != nil {
			adminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["handshake_cache_entries"] = app.Caches.Handshakes.Size()
		stats["server_key_cache_entries"] = app.Caches.ServerKeys.Size()
		stats["key_cache_entries"] = app.Caches.Keys.Size()
		adminJSON(w, http.StatusOK, stats)
	}
}

func handleGetConfig(apps *atomic.Pointer[handlers.App]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, apps.Load().Config)
	}
}

// handleRestart queues a graceful reload. The response goes out before the
// reload happens so the caller is not racing the rebuild.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	select {
	case restartChan <- true:
		adminJSON(w, http.StatusOK, map[string]any{"status": "reload queued"})
	default:
		adminJSON(w, http.StatusOK, map[string]any{"status": "reload already pending"})
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func adminError(w http.ResponseWriter, status int, message string) {
	adminJSON(w, status, map[string]any{"error": message})
}

func adminJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
