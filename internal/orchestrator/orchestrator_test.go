// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/config"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/queue"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
	"go.uber.org/zap"
)

type fakePool struct {
	tasks []queue.Task
}

func (f *fakePool) Enqueue(ctx context.Context, task queue.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func allStagePools() (map[string]Enqueuer, map[string]*fakePool) {
	pools := make(map[string]Enqueuer)
	raw := make(map[string]*fakePool)
	for _, s := range queue.Stages {
		p := &fakePool{}
		pools[string(s)] = p
		raw[string(s)] = p
	}
	return pools, raw
}

func defaultStageCfg() map[string]config.StagePool {
	cfg := map[string]config.StagePool{}
	for _, s := range queue.Stages {
		cfg[string(s)] = config.StagePool{TimeoutMS: 1000}
	}
	return cfg
}

func TestStartSessionEnqueuesAllStagesWhenNotGated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_event_id FROM sessions").WillReturnRows(sqlmock.NewRows([]string{"next_event_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE sessions SET next_event_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_event_id FROM sessions").WillReturnRows(sqlmock.NewRows([]string{"next_event_id"}).AddRow(int64(2)))
	mock.ExpectExec("UPDATE sessions SET next_event_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := store.New(db)
	bus := eventbus.New()
	pools, raw := allStagePools()
	chains := map[string]config.ProviderChain{}
	for _, s := range queue.Stages {
		chains[string(s)] = config.ProviderChain{Primary: "stub_" + string(s)}
	}

	o := New(st, bus, pools, defaultStageCfg(), chains, zap.NewNop())
	sessionID, err := o.StartSession(context.Background(), config.Session{MaxItemsPerSession: 10, MaxItemTextLength: 100}, []ItemInput{{JapaneseText: "寿司"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	for _, s := range queue.Stages {
		if len(raw[string(s)].tasks) != 1 {
			t.Fatalf("expected stage %s to have exactly one enqueued task, got %d", s, len(raw[string(s)].tasks))
		}
	}
}

func TestStartSessionRejectsTooManyItems(t *testing.T) {
	st := store.New(nil)
	bus := eventbus.New()
	pools, _ := allStagePools()
	o := New(st, bus, pools, defaultStageCfg(), map[string]config.ProviderChain{}, zap.NewNop())
	_, err := o.StartSession(context.Background(), config.Session{MaxItemsPerSession: 1, MaxItemTextLength: 100}, []ItemInput{{JapaneseText: "a"}, {JapaneseText: "b"}})
	if _, ok := err.(*ErrTooManyItems); !ok {
		t.Fatalf("expected ErrTooManyItems, got %v", err)
	}
}

func TestGatedByTranslationFlagsConfiguredStages(t *testing.T) {
	pools, raw := allStagePools()
	chains := map[string]config.ProviderChain{
		"translation": {Primary: "stub_translation"},
		"allergen":    {Primary: "stub_allergen", RequiresTranslation: true},
	}
	st := store.New(nil)
	bus := eventbus.New()
	o := New(st, bus, pools, defaultStageCfg(), chains, zap.NewNop())

	if o.gatedByTranslation("allergen") != true {
		t.Fatal("expected allergen to be gated")
	}
	if o.gatedByTranslation("translation") != false {
		t.Fatal("translation stage itself is never gated")
	}
	_ = raw
	_ = time.Second
}

// TestHandleEventUnblocksGatedStagesOnTranslationFailure covers the
// case where translation itself fails: gated stages must still be
// enqueued (against the untranslated text) rather than leaving the
// session stuck waiting on a translation-completed event that will
// never arrive.
func TestHandleEventUnblocksGatedStagesOnTranslationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT session_id, item_id, japanese_text").WillReturnRows(sqlmock.NewRows([]string{
		"session_id", "item_id", "japanese_text", "english_text", "category", "description",
		"allergens", "ingredients", "translation_status", "description_status", "allergen_status",
		"ingredient_status", "image_search_status", "image_gen_status", "created_at", "updated_at",
	}).AddRow("sess-1", 0, "寿司", "", "", "", nil, nil, "failed", "pending", "pending", "pending", "pending", "pending", time.Now(), time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM sessions").WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.SessionProcessing))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM menu_items").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	st := store.New(db)
	bus := eventbus.New()
	pools, raw := allStagePools()
	chains := map[string]config.ProviderChain{
		"translation": {Primary: "stub_translation"},
		"allergen":    {Primary: "stub_allergen", RequiresTranslation: true},
		"ingredient":  {Primary: "stub_ingredient", RequiresTranslation: true},
	}
	o := New(st, bus, pools, defaultStageCfg(), chains, zap.NewNop())

	stage := "translation"
	itemID := 0
	o.handleEvent(context.Background(), store.Event{SessionID: "sess-1", ItemID: &itemID, Stage: &stage, Type: "stage_failed"})

	if len(raw["allergen"].tasks) != 1 {
		t.Fatalf("expected allergen to be enqueued after translation failure, got %d tasks", len(raw["allergen"].tasks))
	}
	if len(raw["ingredient"].tasks) != 1 {
		t.Fatalf("expected ingredient to be enqueued after translation failure, got %d tasks", len(raw["ingredient"].tasks))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
