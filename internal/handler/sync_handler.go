package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/middleware"
	"factoryos-sync/internal/service"
	"factoryos-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const (
	IdempotencyKeyHeader = "X-Idempotency-Key"
	maxPushBodyBytes     = 8 << 20
)

type SyncHandler struct {
	syncService     *service.SyncService
	conflictService *service.ConflictService
	validate        *validator.Validate
}

func NewSyncHandler(syncService *service.SyncService, conflictService *service.ConflictService) *SyncHandler {
	return &SyncHandler{
		syncService:     syncService,
		conflictService: conflictService,
		validate:        validator.New(),
	}
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r)
	if tenantID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	strategy := h.syncService.DefaultStrategy()
	if raw := r.URL.Query().Get("strategy"); raw != "" {
		parsed, ok := domain.ParseStrategy(raw)
		if !ok {
			response.BadRequest(w, "unknown strategy: "+raw)
			return
		}
		strategy = parsed
	}

	var req domain.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes)).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	res, err := h.syncService.ProcessPush(r.Context(), tenantID, middleware.GetUserID(r), r.Header.Get(IdempotencyKeyHeader), &req, strategy)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, res)
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r)
	if tenantID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req domain.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	res, err := h.syncService.ProcessPull(r.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, res)
}

func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r)
	if tenantID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	conflicts, err := h.conflictService.List(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, &domain.ConflictListResponse{
		Success:   true,
		Conflicts: conflicts,
	})
}

func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r)
	if tenantID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	syncID := mux.Vars(r)["syncId"]

	var req domain.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.BadRequest(w, "resolution must be one of accept_client, accept_server, merge")
		return
	}

	entry, err := h.conflictService.Resolve(r.Context(), tenantID, middleware.GetUserID(r), syncID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, &domain.ResolveConflictResponse{
		Success: true,
		Entry:   entry,
	})
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r)
	if tenantID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	res, err := h.syncService.Status(r.Context(), tenantID, r.URL.Query().Get("client_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, res)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidResolution),
		errors.Is(err, service.ErrMergedDataRequired):
		response.BadRequest(w, err.Error())
	case errors.Is(err, service.ErrConflictNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflictNotPending):
		response.Conflict(w, err.Error())
	default:
		log.Printf("[Sync] internal error: %v", err)
		response.InternalError(w, "internal server error")
	}
}
