// Copyright 2025 James Ross
package subscription

import (
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"go.uber.org/zap"
)

func TestServeSessionReturnsNotFoundForMissingSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, status").WillReturnRows(sqlmock.NewRows([]string{
		"id", "status", "requires_translation", "item_count", "created_at", "updated_at", "completed_at",
	}))

	st := store.New(db)
	bus := eventbus.New()
	h := NewHandler(st, bus, 15*time.Second, zap.NewNop())

	req := httptest.NewRequest("GET", "/sessions/missing/stream", nil)
	w := httptest.NewRecorder()
	h.ServeSession(w, req, "missing")

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestParseLastEventIDFromHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/sessions/s/stream", nil)
	req.Header.Set("Last-Event-ID", "42")
	if got := parseLastEventID(req); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestParseLastEventIDFromQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/sessions/s/stream?after=7", nil)
	if got := parseLastEventID(req); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
