// Copyright 2025 James Ross

// Package store implements the Session Store: the Postgres system of
// record for sessions, menu items, per-attempt provider audit rows,
// generated images, and the durable per-session event log.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrValidation = errors.New("store: validation failed")
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

type Session struct {
	ID                   string
	Status               SessionStatus
	RequiresTranslation  bool
	ItemCount            int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

type MenuItem struct {
	SessionID         string
	ItemID            int
	JapaneseText      string
	EnglishText       string
	Category          string
	Description       string
	Allergens         []string
	Ingredients       []string
	TranslationStatus StageStatus
	DescriptionStatus StageStatus
	AllergenStatus    StageStatus
	IngredientStatus  StageStatus
	ImageSearchStatus StageStatus
	ImageGenStatus    StageStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Progress summarizes one session's per-stage completion counts for
// the GET /sessions/{id}/progress endpoint.
type Progress struct {
	SessionID       string
	Status          SessionStatus
	ItemCount       int
	StageCompleted  map[string]int
	StageFailed     map[string]int
	StagePending    map[string]int
}

// Event mirrors one row of session_events; it is also the shape
// published on the Event Bus and framed onto SSE.
type Event struct {
	SessionID string
	EventID   int64
	ItemID    *int
	Stage     *string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}
