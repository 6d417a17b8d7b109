// Copyright 2025 James Ross
package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/eventbus"
	"github.com/kirie0319/menu-sense-backend-sub000/internal/store"
)

func TestSubmitProcessingPublishesOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT translation_status FROM menu_items").WillReturnRows(sqlmock.NewRows([]string{"translation_status"}).AddRow("pending"))
	mock.ExpectExec("UPDATE menu_items SET translation_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_event_id FROM sessions").WillReturnRows(sqlmock.NewRows([]string{"next_event_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE sessions SET next_event_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := store.New(db)
	bus := eventbus.New()
	ch := bus.Subscribe("sess-1")
	defer bus.Unsubscribe("sess-1", ch)

	s := New(st, bus, nil, 3)
	if err := s.SubmitProcessing(context.Background(), "sess-1", 1, "translation"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case e := <-ch:
		if e.Type != "stage_processing" {
			t.Fatalf("unexpected event type %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	s := &Sink{maxAttempts: 2}
	err := s.withRetry(context.Background(), func() error {
		calls++
		return errors.New("boom")
	}, func() {})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	var pt *PersistenceTransient
	if !errors.As(err, &pt) {
		t.Fatalf("expected PersistenceTransient, got %T", err)
	}
}
