package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/quiverhq/insightq/internal/domain"
)

// ownerHeader carries the authenticated account id. The auth middleware
// that fills it in is out of scope; the demo router trusts the header.
const ownerHeader = "X-Owner-ID"

type enqueueRequest struct {
	Kind      domain.Kind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// NewRouter mounts the job endpoints.
func NewRouter(svc *Service, logger *zap.Logger) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	h := &handlers{svc: svc, logger: logger}
	rtr.Post("/v1/jobs", h.enqueue)
	rtr.Get("/v1/jobs/{id}", h.status)
	rtr.Delete("/v1/jobs/{id}", h.cancel)
	rtr.Get("/v1/stats", h.stats)
	return rtr
}

type handlers struct {
	svc    *Service
	logger *zap.Logger
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := h.svc.Enqueue(r.Context(), req.Kind, req.Payload, owner, req.NotBefore)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	view, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	cancelled, err := h.svc.CancelIfQueued(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) writeServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrDuplicateJob):
		writeError(w, http.StatusConflict, "duplicate job")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
