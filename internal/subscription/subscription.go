// Copyright 2025 James Ross

// Package subscription implements the SSE Subscription Endpoint: a
// client connects, optionally supplying the last event id it already
// has, receives a replay of anything it missed from the Session
// Store's durable log, then is forwarded live events from the Event
// Bus until it disconnects.
package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/obs"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"go.uber.org/zap"
)

type wireEvent struct {
	SessionID string          `json:"session_id"`
	EventID   int64           `json:"event_id"`
	ItemID    *int            `json:"item_id,omitempty"`
	Stage     *string         `json:"stage,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toWire(e store.Event) wireEvent {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return wireEvent{
		SessionID: e.SessionID,
		EventID:   e.EventID,
		ItemID:    e.ItemID,
		Stage:     e.Stage,
		Type:      e.Type,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

// Handler serves GET /sessions/{id}/stream.
type Handler struct {
	store          *store.Store
	bus            *eventbus.Bus
	log            *zap.Logger
	heartbeatEvery time.Duration
}

func NewHandler(st *store.Store, bus *eventbus.Bus, heartbeatEvery time.Duration, log *zap.Logger) *Handler {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}
	return &Handler{store: st, bus: bus, heartbeatEvery: heartbeatEvery, log: log}
}

// ServeSession streams sessionID's events: a replay of everything since
// lastEventID (0 means "from the start"), then live forwarding.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	lastEventID := parseLastEventID(r)

	// Subscribe before replaying so no event published during the
	// replay window is lost between the two steps.
	live := h.bus.Subscribe(sessionID)
	defer h.bus.Unsubscribe(sessionID, live)

	replay, err := h.store.ListEventsSince(ctx, sessionID, lastEventID)
	if err != nil {
		h.log.Error("replay lookup failed", obs.SessionID(sessionID), obs.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	highestReplayed := lastEventID
	for _, e := range replay {
		if !writeEvent(w, flusher, toWire(e)) {
			return
		}
		highestReplayed = e.EventID
	}

	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.EventID != 0 && e.EventID <= highestReplayed {
				continue // already sent during replay
			}
			if !writeEvent(w, flusher, toWire(e)) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e wireEvent) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.EventID, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func parseLastEventID(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
