// Package api serves the read-only status surface: a JSON API over
// the live match snapshot and the store, plus a WebSocket feed of
// controller events. It renders nothing in-game.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/timwie/steward/internal/auth"
	"github.com/timwie/steward/internal/bus"
	"github.com/timwie/steward/internal/controller"
	"github.com/timwie/steward/internal/storage"
)

// Router holds the HTTP routes and dependencies.
type Router struct {
	mux   *http.ServeMux
	store *storage.Store
	ctrl  *controller.Controller
	wsHub *WebSocketHub
	auth  *auth.Service
}

// NewRouter creates a new HTTP router.
func NewRouter(store *storage.Store, ctrl *controller.Controller, authService *auth.Service) *Router {
	r := &Router{
		mux:   http.NewServeMux(),
		store: store,
		ctrl:  ctrl,
		wsHub: NewWebSocketHub(),
		auth:  authService,
	}

	// API routes
	r.mux.HandleFunc("GET /api/status", r.handleStatus)
	r.mux.HandleFunc("GET /api/playlist", r.handlePlaylist)
	r.mux.HandleFunc("GET /api/maps/{uid}/ranking", r.handleMapRanking)
	r.mux.HandleFunc("GET /api/players/{login}/records/{uid}", r.handlePersonalBest)
	r.mux.HandleFunc("GET /api/ranking", r.handleServerRanking)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/auth/check", r.requireAuth(r.handleAuthCheck))

	// WebSocket event feed
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// AttachBus starts the WebSocket hub and forwards bus events to it.
// The returned stop function detaches from the bus.
func (r *Router) AttachBus(b *bus.Bus) (func(), error) {
	go r.wsHub.Run()
	return b.Subscribe(r.wsHub.Broadcast)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
