// Copyright 2025 James Ross
package store

// Schema is the DDL applied at startup when auto_reset_database is
// enabled (tests, local dev). Production deployments are expected to
// manage migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	requires_translation BOOLEAN NOT NULL DEFAULT FALSE,
	item_count INT NOT NULL,
	next_event_id BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS menu_items (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	item_id INT NOT NULL,
	japanese_text TEXT NOT NULL,
	english_text TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	allergens JSONB NOT NULL DEFAULT '[]',
	ingredients JSONB NOT NULL DEFAULT '[]',
	translation_status TEXT NOT NULL DEFAULT 'pending',
	description_status TEXT NOT NULL DEFAULT 'pending',
	allergen_status TEXT NOT NULL DEFAULT 'pending',
	ingredient_status TEXT NOT NULL DEFAULT 'pending',
	image_search_status TEXT NOT NULL DEFAULT 'pending',
	image_gen_status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, item_id)
);

CREATE TABLE IF NOT EXISTS processing_providers (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	item_id INT NOT NULL,
	stage TEXT NOT NULL,
	provider TEXT NOT NULL,
	outcome TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	attempt_count INT NOT NULL,
	duration_ms BIGINT NOT NULL,
	provider_metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS menu_item_images (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	item_id INT NOT NULL,
	source TEXT NOT NULL,
	image_url TEXT NOT NULL,
	storage_key TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	image_metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL,
	event_id BIGINT NOT NULL,
	item_id INT,
	stage TEXT,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_menu_items_session ON menu_items(session_id);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, event_id);
CREATE INDEX IF NOT EXISTS idx_processing_providers_item ON processing_providers(session_id, item_id, stage);
`
