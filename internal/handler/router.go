package handler

import (
	"factoryos-sync/internal/config"
	"factoryos-sync/internal/middleware"

	"github.com/gorilla/mux"
)

// NewRouter wires the sync protocol routes. ws may be nil when change
// notifications are disabled.
func NewRouter(cfg *config.Config, syncHandler *SyncHandler, ws *WebSocketHandler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	r.HandleFunc("/health", NewHealthHandler().Check).Methods("GET")
	if ws != nil {
		r.HandleFunc("/ws", ws.HandleConnection)
	}

	protected := r.PathPrefix("/sync").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/push", syncHandler.Push).Methods("POST", "OPTIONS")
	protected.HandleFunc("/pull", syncHandler.Pull).Methods("POST", "OPTIONS")
	protected.HandleFunc("/conflicts", syncHandler.ListConflicts).Methods("GET", "OPTIONS")
	protected.HandleFunc("/conflicts/{syncId}/resolve", syncHandler.ResolveConflict).Methods("POST", "OPTIONS")
	protected.HandleFunc("/status", syncHandler.Status).Methods("GET", "OPTIONS")

	return r
}
