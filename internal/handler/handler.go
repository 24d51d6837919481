package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ridechat/internal/broker"
	"ridechat/internal/config"
	"ridechat/internal/database"
)

// Handler holds application dependencies
type Handler struct {
	Store    database.Store
	Broker   broker.Broker
	Config   config.Config
	Log      zerolog.Logger
	Clients  map[*client]bool
	Groups   map[string]map[*client]bool
	ClientMu sync.RWMutex
}

// New creates a new Handler with the given dependencies
func New(store database.Store, b broker.Broker, cfg config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		Store:   store,
		Broker:  b,
		Config:  cfg,
		Log:     log,
		Clients: make(map[*client]bool),
		Groups:  make(map[string]map[*client]bool),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	r.HandleFunc("/api/chat/driver/rides/messages/{groupId}", h.GetGroupMessages).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

// Start subscribes the hub to the broker so messages published by any relay
// instance reach this instance's group members. It returns once subscribed.
func (h *Handler) Start(ctx context.Context) error {
	return h.Broker.Subscribe(ctx, h.HandleBroadcast)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.ClientMu.RLock()
	clients := len(h.Clients)
	h.ClientMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": clients})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
