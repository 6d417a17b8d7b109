// Copyright 2025 James Ross
// Package queue defines the wire shape of a stage task and its
// (de)serialization for the Redis-backed stage worker pools.
package queue

import (
	"encoding/json"
	"time"
)

// Stage identifies one of the six enrichment stages.
type Stage string

const (
	StageTranslation Stage = "translation"
	StageDescription Stage = "description"
	StageAllergen    Stage = "allergen"
	StageIngredient  Stage = "ingredient"
	StageImageSearch Stage = "image_search"
	StageImageGen    Stage = "image_gen"
)

// Stages lists every stage in a stable order, used for fan-out and for
// per-stage progress aggregation.
var Stages = []Stage{StageTranslation, StageDescription, StageAllergen, StageIngredient, StageImageSearch, StageImageGen}

// Task is one unit of work for a stage worker pool: enrich one item's
// one stage. It is JSON-serialized onto a Redis list.
type Task struct {
	SessionID    string    `json:"session_id"`
	ItemID       int       `json:"item_id"`
	Stage        Stage     `json:"stage"`
	JapaneseText string    `json:"japanese_text"`
	EnglishText  string    `json:"english_text,omitempty"`
	Category     string    `json:"category,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	Deadline     time.Time `json:"deadline"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

func NewTask(sessionID string, itemID int, stage Stage, japanese string, stageTimeout time.Duration) Task {
	now := time.Now()
	return Task{
		SessionID:    sessionID,
		ItemID:       itemID,
		Stage:        stage,
		JapaneseText: japanese,
		AttemptCount: 0,
		Deadline:     now.Add(stageTimeout),
		EnqueuedAt:   now,
	}
}

// Expired reports whether the task's deadline has already passed.
func (t Task) Expired() bool {
	return time.Now().After(t.Deadline)
}

func (t Task) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalTask(s string) (Task, error) {
	var t Task
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}
