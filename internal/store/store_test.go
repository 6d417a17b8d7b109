// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestCreateSessionCommitsOnSuccess(t *testing.T) {
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

	s := New(db)
	err = s.CreateSession(context.Background(), "sess-1", false, []MenuItem{{ItemID: 1, JapaneseText: "寿司"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionRollsBackOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	s := New(db)
	err = s.CreateSession(context.Background(), "sess-1", false, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, status").WillReturnRows(sqlmock.NewRows([]string{
		"id", "status", "requires_translation", "item_count", "created_at", "updated_at", "completed_at",
	}))

	s := New(db)
	_, err = s.GetSession(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelSessionConflictWhenAlreadyTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	s := New(db)
	err = s.CancelSession(context.Background(), "sess-1")
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// TestRecordStageSuccessSkipsAlreadyTerminalStage guards against a
// replayed or late success flipping a stage that's already failed back
// to completed: the audit row is still appended, but the status column
// and stage_completed event are not.
func TestRecordStageSuccessSkipsAlreadyTerminalStage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT translation_status FROM menu_items").WillReturnRows(
		sqlmock.NewRows([]string{"translation_status"}).AddRow("failed"))
	mock.ExpectExec("INSERT INTO processing_providers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	result := StageResult{Provider: "stub_translate", AttemptCount: 2, Duration: time.Millisecond}
	err = s.RecordStageSuccess(context.Background(), "sess-1", 1, "translation", map[string]any{"english_text": "sushi"}, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRecordStageFailureSkipsAlreadyTerminalStage is the mirror image:
// a late failure (e.g. from the reconciler) must not flip an
// already-completed stage back to failed.
func TestRecordStageFailureSkipsAlreadyTerminalStage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT translation_status FROM menu_items").WillReturnRows(
		sqlmock.NewRows([]string{"translation_status"}).AddRow("completed"))
	mock.ExpectExec("INSERT INTO processing_providers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	result := StageResult{Provider: "stub_translate", AttemptCount: 3, ErrorDetail: "heartbeat expired"}
	err = s.RecordStageFailure(context.Background(), "sess-1", 1, "translation", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRecordStageSuccessInsertsOneImageRowPerURL covers the
// image-search fan-out: one menu_item_images row per candidate URL.
func TestRecordStageSuccessInsertsOneImageRowPerURL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT image_search_status FROM menu_items").WillReturnRows(
		sqlmock.NewRows([]string{"image_search_status"}).AddRow("pending"))
	mock.ExpectExec("INSERT INTO processing_providers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_item_images").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_item_images").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_item_images").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE menu_items SET image_search_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_event_id FROM sessions").WillReturnRows(
		sqlmock.NewRows([]string{"next_event_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE sessions SET next_event_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	images := []map[string]any{
		{"url": "https://stub.local/images/search/1-0.jpg", "storage_key": "", "prompt": "", "metadata": map[string]any{"rank": 0}},
		{"url": "https://stub.local/images/search/1-1.jpg", "storage_key": "", "prompt": "", "metadata": map[string]any{"rank": 1}},
		{"url": "https://stub.local/images/search/1-2.jpg", "storage_key": "", "prompt": "", "metadata": map[string]any{"rank": 2}},
	}

	s := New(db)
	result := StageResult{Provider: "stub_image_search", FallbackUsed: true, AttemptCount: 1, Duration: time.Millisecond}
	err = s.RecordStageSuccess(context.Background(), "sess-1", 1, "image_search", map[string]any{"images": images}, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestAppendEventAssignsOneBasedEventID confirms a fresh session's
// first event gets event_id 1, not 0.
func TestAppendEventAssignsOneBasedEventID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT next_event_id FROM sessions").WillReturnRows(
		sqlmock.NewRows([]string{"next_event_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE sessions SET next_event_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	if _, err := s.AppendEvent(context.Background(), "sess-1", nil, nil, "session_started", map[string]any{"item_count": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The mocked SELECT next_event_id above returns 1, matching
	// schema.go's new DEFAULT 1 on a freshly created session; a stale
	// DEFAULT 0 would make this the second event's ID instead of the
	// first's.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
