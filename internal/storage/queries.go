package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mandari/ingest/internal/oparl"
)

// Source is one configured OParl endpoint.
type Source struct {
	ID        int
	URL       string
	Name      string
	Priority  int
	Active    bool
	CreatedAt time.Time
}

// Body is the persisted view of one municipality, with the sync bookkeeping
// the orchestrator needs.
type Body struct {
	ID           uuid.UUID
	ExternalID   string
	SourceURL    string
	Name         string
	ShortName    string
	AGS          string
	ListURLs     map[string]string
	MaxPages     *int
	LastSync     *time.Time
	LastFullSync *time.Time
}

// FileJob is one file row eligible for text extraction.
type FileJob struct {
	ID          uuid.UUID
	ExternalID  string
	Name        string
	FileName    string
	MimeType    string
	Size        int64
	AccessURL   string
	DownloadURL string
	SHA256      string
	Attempts    int
}

// Extraction is the terminal outcome of one extraction attempt.
type Extraction struct {
	Status    string // completed, failed, skipped
	Method    string // pdf-textlayer, ocr, plaintext, html, none
	Text      string
	PageCount int
	SHA256    string
	Error     string
}

var ErrNotFound = errors.New("not found")

// ===========================================================================
// Sources
// ===========================================================================

// AddSource registers an endpoint, reactivating it if it already exists.
func (s *Store) AddSource(ctx context.Context, url, name string, priority int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sources (url, name, priority, active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, priority = EXCLUDED.priority, active = TRUE`,
		url, name, priority)
	if err != nil {
		return fmt.Errorf("add source %s: %w", url, err)
	}
	return nil
}

func (s *Store) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, name, priority, active, created_at FROM sources ORDER BY priority, url`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.URL, &src.Name, &src.Priority, &src.Active, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ===========================================================================
// Bodies
// ===========================================================================

const bodyColumns = `id, external_id, source_url, name, short_name, ags, list_urls, max_pages, last_sync, last_full_sync`

// Bodies returns every non-deleted body whose source is still active.
func (s *Store) Bodies(ctx context.Context) ([]Body, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT b.id, b.external_id, b.source_url, b.name, b.short_name, b.ags, b.list_urls, b.max_pages, b.last_sync, b.last_full_sync
FROM bodies b
JOIN sources s ON s.url = b.source_url AND s.active
WHERE NOT b.deleted
ORDER BY s.priority, b.name`)
	if err != nil {
		return nil, fmt.Errorf("list bodies: %w", err)
	}
	defer rows.Close()

	var out []Body
	for rows.Next() {
		body, err := scanBody(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// BodyByExternalID looks up one body; ErrNotFound when absent.
func (s *Store) BodyByExternalID(ctx context.Context, externalID string) (Body, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bodyColumns+` FROM bodies WHERE external_id = $1`, externalID)
	body, err := scanBody(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Body{}, fmt.Errorf("body %s: %w", externalID, ErrNotFound)
	}
	return body, err
}

// SetBodyMaxPages overrides the incremental page bound for one body.
// nil clears the override back to the global default.
func (s *Store) SetBodyMaxPages(ctx context.Context, externalID string, maxPages *int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bodies SET max_pages = $2, updated_at = now() WHERE external_id = $1`,
		externalID, nullInt(maxPages))
	if err != nil {
		return fmt.Errorf("set max_pages for %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("body %s: %w", externalID, ErrNotFound)
	}
	return nil
}

// SetLastSync stamps a completed run. Full runs advance both watermarks.
func (s *Store) SetLastSync(ctx context.Context, bodyID uuid.UUID, full bool, at time.Time) error {
	query := `UPDATE bodies SET last_sync = $2, updated_at = now() WHERE id = $1`
	if full {
		query = `UPDATE bodies SET last_sync = $2, last_full_sync = $2, updated_at = now() WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, bodyID, at); err != nil {
		return fmt.Errorf("set last_sync for %s: %w", bodyID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBody(row rowScanner) (Body, error) {
	var (
		b        Body
		listJSON []byte
		maxPages sql.NullInt64
		last     sql.NullTime
		lastFull sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.ExternalID, &b.SourceURL, &b.Name, &b.ShortName, &b.AGS,
		&listJSON, &maxPages, &last, &lastFull); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Body{}, err
		}
		return Body{}, fmt.Errorf("scan body: %w", err)
	}
	if len(listJSON) > 0 {
		if err := json.Unmarshal(listJSON, &b.ListURLs); err != nil {
			return Body{}, fmt.Errorf("decode list_urls for %s: %w", b.ExternalID, err)
		}
	}
	if maxPages.Valid {
		v := int(maxPages.Int64)
		b.MaxPages = &v
	}
	if last.Valid {
		t := last.Time
		b.LastSync = &t
	}
	if lastFull.Valid {
		t := lastFull.Time
		b.LastFullSync = &t
	}
	return b, nil
}

// ===========================================================================
// References
// ===========================================================================

// InsertReferences records external-ID links. Duplicates are ignored, so
// re-processing an unchanged payload is a no-op here too.
func (s *Store) InsertReferences(ctx context.Context, refs []oparl.Reference) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert references: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO oparl_references (from_external_id, field, to_external_id)
VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("insert references: %w", err)
	}
	defer stmt.Close()

	for _, ref := range refs {
		if ref.FromExternalID == "" || ref.ToExternalID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ref.FromExternalID, ref.Field, ref.ToExternalID); err != nil {
			return fmt.Errorf("insert reference %s -> %s: %w", ref.FromExternalID, ref.ToExternalID, err)
		}
	}
	return tx.Commit()
}

// attachmentFields are the paper/meeting fields that point at files.
var attachmentFields = []string{
	"mainFile", "auxiliaryFile", "invitation", "resultsProtocol", "verbatimProtocol", "derivativeFile",
}

// ResolveFileLinks backfills files.paper_id and files.meeting_id from the
// reference table for attachments that arrived as bare URL strings, once
// both rows exist.
func (s *Store) ResolveFileLinks(ctx context.Context) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, `UPDATE files f SET paper_id = p.id, updated_at = now()
FROM oparl_references r
JOIN papers p ON p.external_id = r.from_external_id
WHERE r.field = ANY($1) AND f.external_id = r.to_external_id AND f.paper_id IS NULL`,
		pq.Array(attachmentFields))
	if err != nil {
		return 0, fmt.Errorf("resolve paper file links: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `UPDATE files f SET meeting_id = m.id, updated_at = now()
FROM oparl_references r
JOIN meetings m ON m.external_id = r.from_external_id
WHERE r.field = ANY($1) AND f.external_id = r.to_external_id AND f.meeting_id IS NULL`,
		pq.Array(attachmentFields))
	if err != nil {
		return total, fmt.Errorf("resolve meeting file links: %w", err)
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

// ===========================================================================
// File extraction queue
// ===========================================================================

const maxExtractionAttempts = 3

// PendingFiles returns extraction candidates for one body: a download URL is
// present, the declared size fits the cap (unknown sizes pass and are
// enforced during download), and the file is pending or failed with retry
// budget left.
func (s *Store) PendingFiles(ctx context.Context, bodyID uuid.UUID, maxSize int64, limit int) ([]FileJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_id, name, file_name, mime_type, size, access_url, download_url, sha256_hash, extraction_attempts
FROM files
WHERE body_id = $1
  AND download_url <> ''
  AND (size = 0 OR size <= $2)
  AND (extraction_status = 'pending' OR (extraction_status = 'failed' AND extraction_attempts < $3))
ORDER BY created_at
LIMIT $4`, bodyID, maxSize, maxExtractionAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("pending files: %w", err)
	}
	defer rows.Close()

	var out []FileJob
	for rows.Next() {
		var job FileJob
		if err := rows.Scan(&job.ID, &job.ExternalID, &job.Name, &job.FileName, &job.MimeType,
			&job.Size, &job.AccessURL, &job.DownloadURL, &job.SHA256, &job.Attempts); err != nil {
			return nil, fmt.Errorf("scan file job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkFileProcessing claims one file and burns an attempt.
func (s *Store) MarkFileProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files
SET extraction_status = 'processing', extraction_attempts = extraction_attempts + 1, updated_at = now()
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark file %s processing: %w", id, err)
	}
	return nil
}

// FinishFileExtraction records the terminal state of one attempt.
func (s *Store) FinishFileExtraction(ctx context.Context, id uuid.UUID, ex Extraction) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files
SET extraction_status = $2, extraction_method = $3, text_content = $4, page_count = $5,
    sha256_hash = $6, extraction_error = $7, updated_at = now()
WHERE id = $1`, id, ex.Status, ex.Method, nullString(ex.Text), ex.PageCount, ex.SHA256, ex.Error)
	if err != nil {
		return fmt.Errorf("finish extraction for %s: %w", id, err)
	}
	return nil
}

// FileTexts returns the extracted text of the given files, keyed by row ID.
// Files without text map to the empty string.
func (s *Store) FileTexts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, coalesce(text_content, '') FROM files WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("file texts: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan file text: %w", err)
		}
		out[id] = text
	}
	return out, rows.Err()
}

// ===========================================================================
// Status
// ===========================================================================

var countedTables = []string{
	"bodies", "organizations", "persons", "meetings", "papers",
	"memberships", "locations", "agenda_items", "files", "consultations", "legislative_terms",
}

// Counts returns per-table row counts for the status report.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables))
	for _, table := range countedTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func jsonMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
