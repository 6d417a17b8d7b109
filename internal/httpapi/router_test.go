// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/subscription"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	bus := eventbus.New()
	pools := map[string]orchestrator.Enqueuer{}
	stageCfg := map[string]config.StagePool{}
	chains := map[string]config.ProviderChain{}
	for _, s := range queue.Stages {
		pools[string(s)] = fakeEnqueuer{}
		stageCfg[string(s)] = config.StagePool{TimeoutMS: 1000}
		chains[string(s)] = config.ProviderChain{Primary: "stub_" + string(s)}
	}
	orch := orchestrator.New(st, bus, pools, stageCfg, chains, zap.NewNop())
	stream := subscription.NewHandler(st, bus, 0, zap.NewNop())
	h := NewHandler(orch, st, config.Session{MaxItemsPerSession: 10, MaxItemTextLength: 100}, stream, zap.NewNop())
	return h, mock
}

type fakeEnqueuer struct{}

func (fakeEnqueuer) Enqueue(ctx context.Context, task queue.Task) error { return nil }

func TestHandleSearchRejectsEmptyQuery(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest("GET", "/items/search", nil)
	w := httptest.NewRecorder()
	h.HandleSearch(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleGetSessionNotFound(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectQuery("SELECT id, status").WillReturnRows(sqlmock.NewRows([]string{
		"id", "status", "requires_translation", "item_count", "created_at", "updated_at", "completed_at",
	}))
	req := httptest.NewRequest("GET", "/sessions/missing", nil)
	w := httptest.NewRecorder()
	h.HandleGetSession(w, req, "missing")
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRouterDispatchesSearch(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h, config.HTTPAPI{CORSEnabled: true, CORSAllowOrigins: []string{"*"}}, zap.NewNop())
	req := httptest.NewRequest("GET", "/items/search", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400 for missing q, got %d", w.Code)
	}
}
