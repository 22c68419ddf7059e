package handler

import (
	"net/http"
	"time"

	"factoryos-sync/pkg/response"
)

type HealthHandler struct {
	started time.Time
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{started: time.Now()}
}

// Check is the target of client connectivity probes.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
