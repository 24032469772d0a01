// Package storage persists the normalized OParl entity graph in Postgres.
// All writes are idempotent upserts keyed on the upstream external_id, so a
// sync run can be repeated or interrupted at any point without corrupting
// state.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mandari/ingest/internal/oparl"
)

// Action classifies the outcome of an upsert.
type Action int

const (
	ActionUnchanged Action = iota
	ActionCreated
	ActionUpdated
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store wraps the shared *sql.DB. It carries no per-sync state and is safe
// for concurrent use.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB) *Store {
	return &Store{db: db, log: slog.Default().With("component", "storage")}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema creates all tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertEntity writes one non-body entity. The conditional update predicate
// keeps two invariants: an unchanged payload is a no-op (updated_at stays
// put), and a stale payload never clobbers a newer row; upstream
// oparl_modified decides.
func (s *Store) UpsertEntity(ctx context.Context, e *oparl.Entity) (Action, error) {
	table, cols, vals, err := entityColumns(e)
	if err != nil {
		return ActionUnchanged, err
	}

	placeholders := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col == "id" || col == "external_id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(`INSERT INTO %s (%s, created_at, updated_at)
VALUES (%s, now(), now())
ON CONFLICT (external_id) DO UPDATE SET %s
WHERE (%s.oparl_modified IS NULL OR EXCLUDED.oparl_modified IS NULL OR EXCLUDED.oparl_modified >= %s.oparl_modified)
  AND %s.raw_json IS DISTINCT FROM EXCLUDED.raw_json
RETURNING (xmax = 0)`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(sets, ", "), table, table, table)

	return s.upsertRow(ctx, table, e.ExternalID, query, vals)
}

// UpsertBody writes one body row, remembering which source discovered it.
func (s *Store) UpsertBody(ctx context.Context, sourceURL string, e *oparl.Entity) (Action, error) {
	if e.Type != oparl.TypeBody {
		return ActionUnchanged, fmt.Errorf("upsert body: entity %s has type %q", e.ExternalID, e.Type)
	}
	if e.ExternalID == "" {
		return ActionUnchanged, errors.New("upsert body: missing external id")
	}

	listURLs, err := jsonMap(e.ListURLs)
	if err != nil {
		return ActionUnchanged, fmt.Errorf("upsert body %s: %w", e.ExternalID, err)
	}

	query := `INSERT INTO bodies
(id, external_id, source_url, name, short_name, ags, website, list_urls, deleted, oparl_created, oparl_modified, raw_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
ON CONFLICT (external_id) DO UPDATE SET
source_url = EXCLUDED.source_url, name = EXCLUDED.name, short_name = EXCLUDED.short_name,
ags = EXCLUDED.ags, website = EXCLUDED.website, list_urls = EXCLUDED.list_urls,
deleted = EXCLUDED.deleted, oparl_created = EXCLUDED.oparl_created,
oparl_modified = EXCLUDED.oparl_modified, raw_json = EXCLUDED.raw_json, updated_at = now()
WHERE (bodies.oparl_modified IS NULL OR EXCLUDED.oparl_modified IS NULL OR EXCLUDED.oparl_modified >= bodies.oparl_modified)
  AND bodies.raw_json IS DISTINCT FROM EXCLUDED.raw_json
RETURNING (xmax = 0)`

	vals := []any{
		e.UUID, e.ExternalID, sourceURL, e.Name, e.ShortName, e.AGS, e.Website,
		listURLs, e.Deleted, nullTime(e.OParlCreated), nullTime(e.OParlModified), string(e.Raw),
	}
	return s.upsertRow(ctx, "bodies", e.ExternalID, query, vals)
}

// upsertRow runs a RETURNING upsert with one retry on a serialization
// failure. Zero rows back means the conditional update declined: unchanged.
func (s *Store) upsertRow(ctx context.Context, table, externalID, query string, vals []any) (Action, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, query, vals...).Scan(&inserted)
	if isSerializationFailure(err) {
		s.log.Debug("serialization failure, retrying upsert", "table", table, "external_id", externalID)
		err = s.db.QueryRowContext(ctx, query, vals...).Scan(&inserted)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ActionUnchanged, nil
	}
	if err != nil {
		return ActionUnchanged, fmt.Errorf("upsert %s %s: %w", table, externalID, err)
	}
	if inserted {
		return ActionCreated, nil
	}
	return ActionUpdated, nil
}

// entityColumns maps an entity onto its table and column values.
func entityColumns(e *oparl.Entity) (table string, cols []string, vals []any, err error) {
	if e.ExternalID == "" {
		return "", nil, nil, errors.New("entity has no external id")
	}

	cols = []string{"id", "external_id", "body_id", "deleted", "oparl_created", "oparl_modified", "raw_json"}
	vals = []any{e.UUID, e.ExternalID, linkID(e.BodyExternalID), e.Deleted, nullTime(e.OParlCreated), nullTime(e.OParlModified), string(e.Raw)}

	add := func(moreCols []string, moreVals []any) {
		cols = append(cols, moreCols...)
		vals = append(vals, moreVals...)
	}

	switch e.Type {
	case oparl.TypeOrganization:
		table = "organizations"
		add([]string{"name", "short_name", "organization_type", "classification", "website", "start_date", "end_date"},
			[]any{e.Name, e.ShortName, e.OrganizationType, e.Classification, e.Website, nullTime(e.StartDate), nullTime(e.EndDate)})

	case oparl.TypePerson:
		table = "persons"
		add([]string{"name", "given_name", "family_name", "title", "email", "phone", "gender"},
			[]any{e.Name, e.GivenName, e.FamilyName, e.Title, e.Email, e.Phone, e.Gender})

	case oparl.TypeMeeting:
		table = "meetings"
		add([]string{"name", "start_time", "end_time", "cancelled", "meeting_state", "location_id"},
			[]any{e.Name, nullTime(e.Start), nullTime(e.End), e.Cancelled, e.MeetingState, linkID(e.LocationExternalID)})

	case oparl.TypePaper:
		table = "papers"
		add([]string{"name", "reference", "paper_type", "date"},
			[]any{e.Name, e.Reference, e.PaperType, nullTime(e.Date)})

	case oparl.TypeMembership:
		table = "memberships"
		votingRight := true
		if e.VotingRight != nil {
			votingRight = *e.VotingRight
		}
		add([]string{"person_id", "organization_id", "role", "voting_right", "start_date", "end_date"},
			[]any{linkID(e.PersonExternalID), linkID(e.OrganizationExternalID), e.Role, votingRight, nullTime(e.StartDate), nullTime(e.EndDate)})

	case oparl.TypeLocation:
		table = "locations"
		add([]string{"name", "street_address", "postal_code", "locality", "room"},
			[]any{e.Name, e.StreetAddress, e.PostalCode, e.Locality, e.Room})

	case oparl.TypeAgendaItem:
		table = "agenda_items"
		add([]string{"meeting_id", "name", "item_order", "number", "public", "result", "start_time", "end_time"},
			[]any{linkID(e.MeetingExternalID), e.Name, e.Order, e.Number, nullBool(e.Public), e.Result, nullTime(e.Start), nullTime(e.End)})

	case oparl.TypeFile:
		table = "files"
		add([]string{"paper_id", "meeting_id", "name", "file_name", "mime_type", "size", "access_url", "download_url", "date"},
			[]any{linkID(firstOf(e.PaperExternalID, e.PaperExternalIDs)), linkID(firstOf(e.MeetingExternalID, e.MeetingExternalIDs)),
				e.Name, e.FileName, e.MimeType, e.Size, e.AccessURL, e.DownloadURL, nullTime(e.Date)})

	case oparl.TypeConsultation:
		table = "consultations"
		add([]string{"paper_id", "meeting_id", "agenda_item_id", "authoritative", "role"},
			[]any{linkID(e.PaperExternalID), linkID(e.MeetingExternalID), linkID(e.AgendaItemExternalID), e.Authoritative, e.Role})

	case oparl.TypeLegislativeTerm:
		table = "legislative_terms"
		add([]string{"name", "start_date", "end_date"},
			[]any{e.Name, nullTime(e.StartDate), nullTime(e.EndDate)})

	default:
		return "", nil, nil, fmt.Errorf("no table for entity type %q (%s)", e.Type, e.ExternalID)
	}
	return table, cols, vals, nil
}

// linkID derives the local row UUID for a parent external ID. Identity is a
// pure function of the URL, so links can be written before the target row
// exists.
func linkID(externalID string) any {
	if externalID == "" {
		return nil
	}
	return oparl.UUIDFor(externalID)
}

func firstOf(single string, many []string) string {
	if single != "" {
		return single
	}
	if len(many) > 0 {
		return many[0]
	}
	return ""
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
