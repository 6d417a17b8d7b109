// Copyright 2025 James Ross

// Package httpapi exposes the pipeline's HTTP surface: session
// submission, progress polling, the SSE event stream, cancellation, and
// item search. Ambient /healthz, /readyz and /metrics are served
// separately by internal/obs.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/subscription"
	"go.uber.org/zap"
)

// ErrorResponse is the wire shape of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// statusForErr maps a domain error to an HTTP status, per the typed
// error taxonomy the orchestrator and store raise.
func statusForErr(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case isTooManyItems(err), isTextTooLong(err):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func isTooManyItems(err error) bool {
	_, ok := err.(*orchestrator.ErrTooManyItems)
	return ok
}

func isTextTooLong(err error) bool {
	_, ok := err.(*orchestrator.ErrItemTextTooLong)
	return ok
}

// Handler implements the session/search HTTP surface.
type Handler struct {
	orch        *orchestrator.Orchestrator
	st          *store.Store
	sessionCfg  config.Session
	stream      *subscription.Handler
	log         *zap.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, st *store.Store, sessionCfg config.Session, stream *subscription.Handler, log *zap.Logger) *Handler {
	return &Handler{orch: orch, st: st, sessionCfg: sessionCfg, stream: stream, log: log}
}

type startSessionRequest struct {
	Items []struct {
		JapaneseText string `json:"japanese_text"`
		Category     string `json:"category"`
	} `json:"items"`
}

type startSessionResponse struct {
	SessionID  string `json:"session_id"`
	TotalItems int    `json:"total_items"`
	Status     string `json:"status"`
}

// HandleStartSession implements POST /sessions.
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "request body is not valid JSON")
		return
	}
	items := make([]orchestrator.ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = orchestrator.ItemInput{JapaneseText: it.JapaneseText, Category: it.Category}
	}

	sessionID, err := h.orch.StartSession(r.Context(), h.sessionCfg, items)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startSessionResponse{SessionID: sessionID, TotalItems: len(items), Status: string(store.SessionProcessing)})
}

// HandleGetSession implements GET /sessions/{id}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.st.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleProgress implements GET /sessions/{id}/progress.
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request, sessionID string) {
	progress, err := h.st.GetProgress(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// HandleStream implements GET /sessions/{id}/stream by delegating to
// the SSE subscription handler.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.stream.ServeSession(w, r, sessionID)
}

// HandleCancel implements POST /sessions/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := h.orch.CancelSession(r.Context(), sessionID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSearch implements GET /items/search?q=...&limit=...
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "q is required")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := h.st.SearchItems(r.Context(), query, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusForErr(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", obs.Err(err))
	}
	writeError(w, status, code, err.Error())
}
