// Copyright 2025 James Ross

package httpapi

import (
	"net/http"
	"strings"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"go.uber.org/zap"
)

// NewRouter builds the full HTTP handler: middleware chain plus routes
// for session submission, progress, streaming, cancellation and
// search. Session sub-paths are dispatched manually since the module
// targets Go 1.23's net/http mux pattern matching is avoided here to
// stay close to the teacher's plain ServeMux style.
func NewRouter(h *Handler, cfg config.HTTPAPI, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
			return
		}
		h.HandleStartSession(w, r)
	})

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
		parts := strings.SplitN(rest, "/", 2)
		sessionID := parts[0]
		if sessionID == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "missing session id")
			return
		}
		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
				return
			}
			h.HandleGetSession(w, r, sessionID)
			return
		}
		switch parts[1] {
		case "progress":
			h.HandleProgress(w, r, sessionID)
		case "stream":
			h.HandleStream(w, r, sessionID)
		case "cancel":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
				return
			}
			h.HandleCancel(w, r, sessionID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown session sub-resource")
		}
	})

	mux.HandleFunc("/items/search", h.HandleSearch)

	var chain []Middleware
	chain = append(chain, RequestIDMiddleware(), RecoveryMiddleware(log), LoggingMiddleware(log))
	if cfg.CORSEnabled {
		chain = append(chain, CORSMiddleware(cfg.CORSAllowOrigins))
	}
	return Chain(mux, chain...)
}
