// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store is the Postgres-backed Session Store. Every mutating operation
// runs in a single transaction, and event_id is assigned in the same
// transaction as the state mutation it describes.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Reset drops and recreates the schema; only ever called when
// auto_reset_database is set, for local dev and tests.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS session_events, menu_item_images, processing_providers, menu_items, sessions CASCADE
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func marshalStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalStrings(b []byte) []string {
	var v []string
	_ = json.Unmarshal(b, &v)
	return v
}

// CreateSession inserts a new session and its menu items, and appends
// the session_started + one item_created event per item, all in one
// transaction.
func (s *Store) CreateSession(ctx context.Context, sessionID string, requiresTranslation bool, items []MenuItem) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrValidation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, status, requires_translation, item_count, next_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
	`, sessionID, SessionProcessing, requiresTranslation, len(items), now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	for _, it := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO menu_items (
				session_id, item_id, japanese_text, category,
				translation_status, description_status, allergen_status,
				ingredient_status, image_search_status, image_gen_status,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, 'pending', 'pending', 'pending', 'pending', 'pending', 'pending', $5, $5)
		`, sessionID, it.ItemID, it.JapaneseText, it.Category, now)
		if err != nil {
			return err
		}
	}

	if err := s.appendEventTx(ctx, tx, sessionID, nil, nil, "session_started", map[string]any{
		"item_count": len(items),
	}); err != nil {
		return err
	}

	for _, it := range items {
		if err := s.appendEventTx(ctx, tx, sessionID, &it.ItemID, nil, "item_created", map[string]any{
			"item_id":       it.ItemID,
			"japanese_text": it.JapaneseText,
		}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, requires_translation, item_count, created_at, updated_at, completed_at
		FROM sessions WHERE id = $1
	`, sessionID).Scan(&sess.ID, &sess.Status, &sess.RequiresTranslation, &sess.ItemCount, &sess.CreatedAt, &sess.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return sess, nil
}

func (s *Store) GetItem(ctx context.Context, sessionID string, itemID int) (MenuItem, error) {
	var it MenuItem
	var allergens, ingredients []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, item_id, japanese_text, english_text, category, description,
			allergens, ingredients, translation_status, description_status, allergen_status,
			ingredient_status, image_search_status, image_gen_status, created_at, updated_at
		FROM menu_items WHERE session_id = $1 AND item_id = $2
	`, sessionID, itemID).Scan(
		&it.SessionID, &it.ItemID, &it.JapaneseText, &it.EnglishText, &it.Category, &it.Description,
		&allergens, &ingredients, &it.TranslationStatus, &it.DescriptionStatus, &it.AllergenStatus,
		&it.IngredientStatus, &it.ImageSearchStatus, &it.ImageGenStatus, &it.CreatedAt, &it.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return MenuItem{}, ErrNotFound
	}
	if err != nil {
		return MenuItem{}, err
	}
	it.Allergens = unmarshalStrings(allergens)
	it.Ingredients = unmarshalStrings(ingredients)
	return it, nil
}

// stageStatusColumn maps a stage name to the menu_items status column
// it tracks.
func stageStatusColumn(stage string) (string, error) {
	switch stage {
	case "translation":
		return "translation_status", nil
	case "description":
		return "description_status", nil
	case "allergen":
		return "allergen_status", nil
	case "ingredient":
		return "ingredient_status", nil
	case "image_search":
		return "image_search_status", nil
	case "image_gen":
		return "image_gen_status", nil
	default:
		return "", fmt.Errorf("%w: unknown stage %q", ErrValidation, stage)
	}
}

// isTerminalStageStatus reports whether a stage's status column value
// is sticky: once completed or failed, later writes to the same
// (session_id, item_id, stage) must not revive or flip it.
func isTerminalStageStatus(status string) bool {
	return status == string(StageCompleted) || status == string(StageFailed)
}

// currentStageStatus reads and row-locks the stage's current status so
// the caller's own transition check and write happen atomically
// against any concurrent writer for the same (session_id, item_id).
func (s *Store) currentStageStatus(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, col string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM menu_items WHERE session_id = $1 AND item_id = $2 FOR UPDATE
	`, col), sessionID, itemID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

// MarkStageProcessing transitions one item's stage to processing and
// appends a stage_processing event. It is a no-op when the stage is
// already processing or has reached a terminal status, so a retried,
// late or replayed dequeue neither appends a second stage_processing
// event nor revives a stage that has already completed or failed.
func (s *Store) MarkStageProcessing(ctx context.Context, sessionID string, itemID int, stage string) error {
	col, err := stageStatusColumn(stage)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentStageStatus(ctx, tx, sessionID, itemID, col)
	if err != nil {
		return err
	}
	if isTerminalStageStatus(current) || current == string(StageProcessing) {
		return tx.Commit()
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE menu_items SET %s = 'processing', updated_at = $3
		WHERE session_id = $1 AND item_id = $2
	`, col), sessionID, itemID, now); err != nil {
		return err
	}
	if err := s.appendEventTx(ctx, tx, sessionID, &itemID, &stage, "stage_processing", map[string]any{
		"item_id": itemID, "stage": stage,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// StageResult carries the outcome of a provider call back to the
// store for RecordStageSuccess/RecordStageFailure, and the audit row
// they both append to processing_providers.
type StageResult struct {
	Provider         string
	FallbackUsed     bool
	AttemptCount     int
	Duration         time.Duration
	ErrorClass       string
	ErrorDetail      string
	ProviderMetadata map[string]any
}

// RecordStageSuccess persists the stage's output, transitions its
// status to completed, appends the processing_providers audit row and
// a stage_completed event, all in one transaction. The audit row is
// always appended (it is a per-attempt log, not an idempotency key),
// but the status transition and event are skipped once the stage has
// already reached a terminal status, so a replayed or late success
// cannot flip a stage back from failed to completed.
func (s *Store) RecordStageSuccess(ctx context.Context, sessionID string, itemID int, stage string, output map[string]any, result StageResult) error {
	col, err := stageStatusColumn(stage)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentStageStatus(ctx, tx, sessionID, itemID, col)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := s.insertAuditRow(ctx, tx, sessionID, itemID, stage, "success", result, now); err != nil {
		return err
	}
	if isTerminalStageStatus(current) {
		return tx.Commit()
	}

	if err := s.applyStageOutput(ctx, tx, sessionID, itemID, stage, output, result, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE menu_items SET %s = 'completed', updated_at = $3
		WHERE session_id = $1 AND item_id = $2
	`, col), sessionID, itemID, now); err != nil {
		return err
	}
	if err := s.appendEventTx(ctx, tx, sessionID, &itemID, &stage, "stage_completed", mergeMap(output, map[string]any{
		"item_id": itemID, "stage": stage, "provider": result.Provider,
		"fallback_used": result.FallbackUsed, "elapsed_ms": result.Duration.Milliseconds(),
	})); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordStageFailure transitions the stage to failed, appends the
// audit row and a stage_failed event. As with RecordStageSuccess, the
// audit row always records the attempt, but the terminal status and
// event are only written the first time the stage reaches a terminal
// status.
func (s *Store) RecordStageFailure(ctx context.Context, sessionID string, itemID int, stage string, result StageResult) error {
	col, err := stageStatusColumn(stage)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentStageStatus(ctx, tx, sessionID, itemID, col)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := s.insertAuditRow(ctx, tx, sessionID, itemID, stage, "failure", result, now); err != nil {
		return err
	}
	if isTerminalStageStatus(current) {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE menu_items SET %s = 'failed', updated_at = $3
		WHERE session_id = $1 AND item_id = $2
	`, col), sessionID, itemID, now); err != nil {
		return err
	}
	if err := s.appendEventTx(ctx, tx, sessionID, &itemID, &stage, "stage_failed", map[string]any{
		"item_id": itemID, "stage": stage, "provider": result.Provider, "error": result.ErrorDetail,
		"fallback_used": result.FallbackUsed, "elapsed_ms": result.Duration.Milliseconds(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertAuditRow(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, stage, outcome string, result StageResult, now time.Time) error {
	meta := result.ProviderMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_providers (
			session_id, item_id, stage, provider, outcome, success, error_class,
			error_detail, fallback_used, attempt_count, duration_ms, provider_metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sessionID, itemID, stage, result.Provider, outcome, outcome == "success", result.ErrorClass,
		result.ErrorDetail, result.FallbackUsed, result.AttemptCount, result.Duration.Milliseconds(), metaJSON, now)
	return err
}

func (s *Store) applyStageOutput(ctx context.Context, tx *sql.Tx, sessionID string, itemID int, stage string, output map[string]any, result StageResult, now time.Time) error {
	switch stage {
	case "translation":
		if v, ok := output["english_text"].(string); ok {
			_, err := tx.ExecContext(ctx, `UPDATE menu_items SET english_text = $3, updated_at = $4 WHERE session_id = $1 AND item_id = $2`, sessionID, itemID, v, now)
			return err
		}
	case "description":
		if v, ok := output["description"].(string); ok {
			_, err := tx.ExecContext(ctx, `UPDATE menu_items SET description = $3, updated_at = $4 WHERE session_id = $1 AND item_id = $2`, sessionID, itemID, v, now)
			return err
		}
	case "allergen":
		if v, ok := output["allergens"].([]string); ok {
			_, err := tx.ExecContext(ctx, `UPDATE menu_items SET allergens = $3, updated_at = $4 WHERE session_id = $1 AND item_id = $2`, sessionID, itemID, marshalStrings(v), now)
			return err
		}
	case "ingredient":
		if v, ok := output["ingredients"].([]string); ok {
			_, err := tx.ExecContext(ctx, `UPDATE menu_items SET ingredients = $3, updated_at = $4 WHERE session_id = $1 AND item_id = $2`, sessionID, itemID, marshalStrings(v), now)
			return err
		}
	case "image_search", "image_gen":
		// image-search may return several candidate URLs per item,
		// image-gen exactly one; both land here as a list of refs and
		// each becomes its own menu_item_images row.
		images, ok := output["images"].([]map[string]any)
		if !ok {
			return nil
		}
		for _, img := range images {
			url, _ := img["url"].(string)
			if url == "" {
				continue
			}
			storageKey, _ := img["storage_key"].(string)
			prompt, _ := img["prompt"].(string)
			var metaJSON []byte
			if meta, ok := img["metadata"].(map[string]any); ok && meta != nil {
				var err error
				metaJSON, err = json.Marshal(meta)
				if err != nil {
					return err
				}
			} else {
				metaJSON = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO menu_item_images (
					session_id, item_id, source, image_url, storage_key, prompt,
					provider, fallback_used, image_metadata, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, sessionID, itemID, stage, url, storageKey, prompt, result.Provider, result.FallbackUsed, metaJSON, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func mergeMap(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// GetProgress aggregates per-stage completion counts for one session.
func (s *Store) GetProgress(ctx context.Context, sessionID string) (Progress, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	prog := Progress{
		SessionID:      sessionID,
		Status:         sess.Status,
		ItemCount:      sess.ItemCount,
		StageCompleted: map[string]int{},
		StageFailed:    map[string]int{},
		StagePending:   map[string]int{},
	}
	cols := []string{"translation_status", "description_status", "allergen_status", "ingredient_status", "image_search_status", "image_gen_status"}
	stages := []string{"translation", "description", "allergen", "ingredient", "image_search", "image_gen"}
	for i, col := range cols {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, count(*) FROM menu_items WHERE session_id = $1 GROUP BY %s`, col, col), sessionID)
		if err != nil {
			return Progress{}, err
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return Progress{}, err
			}
			switch status {
			case "completed":
				prog.StageCompleted[stages[i]] = n
			case "failed":
				prog.StageFailed[stages[i]] = n
			default:
				prog.StagePending[stages[i]] = n
			}
		}
		rows.Close()
	}
	return prog, nil
}

// SearchItems does a simple case-insensitive substring search over each
// item's english_text and category (japanese_text is not searched) for
// the GET /items/search endpoint.
func (s *Store) SearchItems(ctx context.Context, query string, limit int) ([]MenuItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, item_id, japanese_text, english_text, category, description,
			allergens, ingredients, translation_status, description_status, allergen_status,
			ingredient_status, image_search_status, image_gen_status, created_at, updated_at
		FROM menu_items
		WHERE english_text ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MenuItem
	for rows.Next() {
		var it MenuItem
		var allergens, ingredients []byte
		if err := rows.Scan(
			&it.SessionID, &it.ItemID, &it.JapaneseText, &it.EnglishText, &it.Category, &it.Description,
			&allergens, &ingredients, &it.TranslationStatus, &it.DescriptionStatus, &it.AllergenStatus,
			&it.IngredientStatus, &it.ImageSearchStatus, &it.ImageGenStatus, &it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, err
		}
		it.Allergens = unmarshalStrings(allergens)
		it.Ingredients = unmarshalStrings(ingredients)
		out = append(out, it)
	}
	return out, rows.Err()
}

// CompleteSessionIfDone transitions a session to completed once every
// item has reached a terminal status on every stage it requires. It is
// safe to call repeatedly; only the first caller to observe "done"
// performs the transition.
func (s *Store) CompleteSessionIfDone(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status SessionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if status == SessionCompleted || status == SessionCancelled || status == SessionFailed {
		return false, nil
	}

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM menu_items WHERE session_id = $1 AND (
			translation_status = 'pending' OR translation_status = 'processing' OR
			description_status = 'pending' OR description_status = 'processing' OR
			allergen_status = 'pending' OR allergen_status = 'processing' OR
			ingredient_status = 'pending' OR ingredient_status = 'processing' OR
			image_search_status = 'pending' OR image_search_status = 'processing' OR
			image_gen_status = 'pending' OR image_gen_status = 'processing'
		)
	`, sessionID).Scan(&pending)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = $2, updated_at = $3, completed_at = $3 WHERE id = $1
	`, sessionID, SessionCompleted, now); err != nil {
		return false, err
	}
	if err := s.appendEventTx(ctx, tx, sessionID, nil, nil, "session_completed", map[string]any{
		"session_id": sessionID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CancelSession marks a session cancelled and appends a
// session_cancelled event. It does not stop tasks already in flight;
// the Pipeline Orchestrator stops enqueuing for the session and stage
// workers drop its queued tasks at dequeue via IsSessionCancelled.
func (s *Store) CancelSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = $2, updated_at = $3, completed_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'failed')
	`, sessionID, SessionCancelled, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if err := s.appendEventTx(ctx, tx, sessionID, nil, nil, "session_cancelled", map[string]any{
		"session_id": sessionID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// IsSessionCancelled reports whether a session has already transitioned
// to cancelled, for the stage worker pool to consult at dequeue time so
// a task popped after CancelSession doesn't run to completion anyway.
func (s *Store) IsSessionCancelled(ctx context.Context, sessionID string) (bool, error) {
	var status SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == SessionCancelled, nil
}

// appendEventTx assigns the next event_id for the session (via a
// row-locking read of sessions.next_event_id) and inserts the event,
// all within the caller's transaction.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, sessionID string, itemID *int, stage *string, eventType string, payload map[string]any) error {
	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT next_event_id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&nextID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET next_event_id = $2 WHERE id = $1`, sessionID, nextID+1); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event_id, item_id, stage, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sessionID, nextID, itemID, stage, eventType, payloadJSON, time.Now())
	return err
}

// AppendEvent appends one event in its own transaction, for callers
// that are not already inside one of this store's own transactions.
// The returned Event does not carry the assigned EventID.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, itemID *int, stage *string, eventType string, payload map[string]any) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	if err := s.appendEventTx(ctx, tx, sessionID, itemID, stage, eventType, payload); err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}

	payloadJSON, _ := json.Marshal(payload)
	return Event{SessionID: sessionID, ItemID: itemID, Stage: stage, Type: eventType, Payload: payloadJSON, CreatedAt: time.Now()}, nil
}

// ListEventsSince returns every event for a session with event_id >
// afterEventID, in order, for SSE replay.
func (s *Store) ListEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, event_id, item_id, stage, event_type, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND event_id > $2
		ORDER BY event_id ASC
	`, sessionID, afterEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var itemID sql.NullInt64
		var stage sql.NullString
		if err := rows.Scan(&e.SessionID, &e.EventID, &itemID, &stage, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if itemID.Valid {
			v := int(itemID.Int64)
			e.ItemID = &v
		}
		if stage.Valid {
			e.Stage = &stage.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
