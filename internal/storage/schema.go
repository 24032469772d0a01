package storage

// Schema is the idempotent DDL for the ingestion tables. The real
// deployment manages these through the central migration pipeline; this
// copy exists so a fresh daemon and the integration tests can bootstrap a
// database on their own. Foreign-key constraints live in the migrations;
// here the link columns are plain indexed UUIDs because upserts for
// different entity kinds land in independent transactions.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
	id          SERIAL PRIMARY KEY,
	url         TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	priority    INT  NOT NULL DEFAULT 3,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bodies (
	id              UUID PRIMARY KEY,
	external_id     TEXT NOT NULL UNIQUE,
	source_url      TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	short_name      TEXT NOT NULL DEFAULT '',
	ags             TEXT NOT NULL DEFAULT '',
	website         TEXT NOT NULL DEFAULT '',
	list_urls       JSONB,
	max_pages       INT,
	last_sync       TIMESTAMPTZ,
	last_full_sync  TIMESTAMPTZ,
	deleted         BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created   TIMESTAMPTZ,
	oparl_modified  TIMESTAMPTZ,
	raw_json        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS organizations (
	id                UUID PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	body_id           UUID,
	name              TEXT NOT NULL DEFAULT '',
	short_name        TEXT NOT NULL DEFAULT '',
	organization_type TEXT NOT NULL DEFAULT '',
	classification    TEXT NOT NULL DEFAULT '',
	website           TEXT NOT NULL DEFAULT '',
	start_date        TIMESTAMPTZ,
	end_date          TIMESTAMPTZ,
	deleted           BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created     TIMESTAMPTZ,
	oparl_modified    TIMESTAMPTZ,
	raw_json          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_organizations_body ON organizations (body_id);

CREATE TABLE IF NOT EXISTS persons (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	name           TEXT NOT NULL DEFAULT '',
	given_name     TEXT NOT NULL DEFAULT '',
	family_name    TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	gender         TEXT NOT NULL DEFAULT '',
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_persons_body ON persons (body_id);

CREATE TABLE IF NOT EXISTS meetings (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	name           TEXT NOT NULL DEFAULT '',
	start_time     TIMESTAMPTZ,
	end_time       TIMESTAMPTZ,
	cancelled      BOOLEAN NOT NULL DEFAULT FALSE,
	meeting_state  TEXT NOT NULL DEFAULT '',
	location_id    UUID,
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_meetings_body ON meetings (body_id);
CREATE INDEX IF NOT EXISTS idx_meetings_start ON meetings (start_time);

CREATE TABLE IF NOT EXISTS papers (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	name           TEXT NOT NULL DEFAULT '',
	reference      TEXT NOT NULL DEFAULT '',
	paper_type     TEXT NOT NULL DEFAULT '',
	date           TIMESTAMPTZ,
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_papers_body ON papers (body_id);
CREATE INDEX IF NOT EXISTS idx_papers_date ON papers (date);

CREATE TABLE IF NOT EXISTS memberships (
	id              UUID PRIMARY KEY,
	external_id     TEXT NOT NULL UNIQUE,
	body_id         UUID,
	person_id       UUID,
	organization_id UUID,
	role            TEXT NOT NULL DEFAULT '',
	voting_right    BOOLEAN NOT NULL DEFAULT TRUE,
	start_date      TIMESTAMPTZ,
	end_date        TIMESTAMPTZ,
	deleted         BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created   TIMESTAMPTZ,
	oparl_modified  TIMESTAMPTZ,
	raw_json        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_memberships_body ON memberships (body_id);

CREATE TABLE IF NOT EXISTS locations (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	name           TEXT NOT NULL DEFAULT '',
	street_address TEXT NOT NULL DEFAULT '',
	postal_code    TEXT NOT NULL DEFAULT '',
	locality       TEXT NOT NULL DEFAULT '',
	room           TEXT NOT NULL DEFAULT '',
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_locations_body ON locations (body_id);

CREATE TABLE IF NOT EXISTS agenda_items (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	meeting_id     UUID,
	name           TEXT NOT NULL DEFAULT '',
	item_order     INT NOT NULL DEFAULT 0,
	number         TEXT NOT NULL DEFAULT '',
	public         BOOLEAN,
	result         TEXT NOT NULL DEFAULT '',
	start_time     TIMESTAMPTZ,
	end_time       TIMESTAMPTZ,
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agenda_items_body ON agenda_items (body_id);
CREATE INDEX IF NOT EXISTS idx_agenda_items_meeting ON agenda_items (meeting_id);

CREATE TABLE IF NOT EXISTS files (
	id                UUID PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	body_id           UUID,
	paper_id          UUID,
	meeting_id        UUID,
	name              TEXT NOT NULL DEFAULT '',
	file_name         TEXT NOT NULL DEFAULT '',
	mime_type         TEXT NOT NULL DEFAULT '',
	size              BIGINT NOT NULL DEFAULT 0,
	access_url        TEXT NOT NULL DEFAULT '',
	download_url      TEXT NOT NULL DEFAULT '',
	date              TIMESTAMPTZ,
	sha256_hash       TEXT NOT NULL DEFAULT '',
	text_content      TEXT,
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	extraction_method TEXT NOT NULL DEFAULT 'none',
	extraction_attempts INT NOT NULL DEFAULT 0,
	page_count        INT NOT NULL DEFAULT 0,
	extraction_error  TEXT NOT NULL DEFAULT '',
	deleted           BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created     TIMESTAMPTZ,
	oparl_modified    TIMESTAMPTZ,
	raw_json          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_files_body ON files (body_id);
CREATE INDEX IF NOT EXISTS idx_files_paper ON files (paper_id);
CREATE INDEX IF NOT EXISTS idx_files_status ON files (extraction_status);

CREATE TABLE IF NOT EXISTS consultations (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	paper_id       UUID,
	meeting_id     UUID,
	agenda_item_id UUID,
	authoritative  BOOLEAN NOT NULL DEFAULT FALSE,
	role           TEXT NOT NULL DEFAULT '',
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_consultations_body ON consultations (body_id);
CREATE INDEX IF NOT EXISTS idx_consultations_paper ON consultations (paper_id);

CREATE TABLE IF NOT EXISTS legislative_terms (
	id             UUID PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	body_id        UUID,
	name           TEXT NOT NULL DEFAULT '',
	start_date     TIMESTAMPTZ,
	end_date       TIMESTAMPTZ,
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	oparl_created  TIMESTAMPTZ,
	oparl_modified TIMESTAMPTZ,
	raw_json       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_legislative_terms_body ON legislative_terms (body_id);

CREATE TABLE IF NOT EXISTS oparl_references (
	from_external_id TEXT NOT NULL,
	field            TEXT NOT NULL,
	to_external_id   TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (from_external_id, field, to_external_id)
);
CREATE INDEX IF NOT EXISTS idx_oparl_references_to ON oparl_references (to_external_id);
`
