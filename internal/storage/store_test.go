package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandari/ingest/internal/oparl"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func meetingEntity(externalID string) *oparl.Entity {
	start := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	return &oparl.Entity{
		Type:           oparl.TypeMeeting,
		ExternalID:     externalID,
		UUID:           uuid.NewSHA1(uuid.NameSpaceURL, []byte(externalID)),
		Raw:            json.RawMessage(`{"id":"` + externalID + `"}`),
		Name:           "Ratssitzung",
		BodyExternalID: "https://oparl.example.de/body/1",
		Start:          &start,
		MeetingState:   "eingeladen",
	}
}

func TestUpsertEntity_Created(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`INSERT INTO meetings`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	action, err := s.UpsertEntity(context.Background(), meetingEntity("https://oparl.example.de/meeting/1"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
}

func TestUpsertEntity_Updated(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`INSERT INTO meetings`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))

	action, err := s.UpsertEntity(context.Background(), meetingEntity("https://oparl.example.de/meeting/1"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
}

func TestUpsertEntity_UnchangedWhenConditionalUpdateDeclines(t *testing.T) {
	s, mock := testStore(t)

	// The DO UPDATE predicate rejected the write: no row comes back.
	mock.ExpectQuery(`INSERT INTO meetings`).WillReturnError(sql.ErrNoRows)

	action, err := s.UpsertEntity(context.Background(), meetingEntity("https://oparl.example.de/meeting/1"))
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, action)
}

func TestUpsertEntity_RetriesSerializationFailure(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`INSERT INTO meetings`).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(`INSERT INTO meetings`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	action, err := s.UpsertEntity(context.Background(), meetingEntity("https://oparl.example.de/meeting/1"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
}

func TestUpsertEntity_UnknownType(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.UpsertEntity(context.Background(), &oparl.Entity{
		Type:       oparl.TypeSystem,
		ExternalID: "https://oparl.example.de/system",
	})
	assert.Error(t, err)
}

func TestUpsertEntity_MissingExternalID(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.UpsertEntity(context.Background(), &oparl.Entity{Type: oparl.TypeMeeting})
	assert.Error(t, err)
}

func TestUpsertEntity_MembershipVotingRightDefault(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`INSERT INTO memberships`).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			true, // voting_right defaults to true when upstream omits it
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	ext := "https://oparl.example.de/membership/7"
	_, err := s.UpsertEntity(context.Background(), &oparl.Entity{
		Type:       oparl.TypeMembership,
		ExternalID: ext,
		UUID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(ext)),
		Raw:        json.RawMessage(`{}`),
	})
	require.NoError(t, err)
}

func TestUpsertBody(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`INSERT INTO bodies`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	ext := "https://oparl.example.de/body/1"
	action, err := s.UpsertBody(context.Background(), "https://oparl.example.de/system", &oparl.Entity{
		Type:       oparl.TypeBody,
		ExternalID: ext,
		UUID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(ext)),
		Raw:        json.RawMessage(`{}`),
		Name:       "Stadt Beispiel",
		ListURLs:   map[string]string{"meetings": ext + "/meetings"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
}

func TestUpsertBody_RejectsWrongType(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.UpsertBody(context.Background(), "src", meetingEntity("https://oparl.example.de/meeting/1"))
	assert.Error(t, err)
}

func TestBodies(t *testing.T) {
	s, mock := testStore(t)

	id := uuid.New()
	last := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT (.+) FROM bodies b`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "external_id", "source_url", "name", "short_name", "ags",
			"list_urls", "max_pages", "last_sync", "last_full_sync",
		}).AddRow(
			id, "https://oparl.example.de/body/1", "https://oparl.example.de/system",
			"Stadt Beispiel", "Beispiel", "05111000",
			[]byte(`{"meetings":"https://oparl.example.de/body/1/meetings"}`),
			nil, last, nil,
		))

	bodies, err := s.Bodies(context.Background())
	require.NoError(t, err)
	require.Len(t, bodies, 1)

	b := bodies[0]
	assert.Equal(t, id, b.ID)
	assert.Equal(t, "Stadt Beispiel", b.Name)
	assert.Equal(t, "https://oparl.example.de/body/1/meetings", b.ListURLs["meetings"])
	assert.Nil(t, b.MaxPages)
	require.NotNil(t, b.LastSync)
	assert.True(t, last.Equal(*b.LastSync))
	assert.Nil(t, b.LastFullSync)
}

func TestBodyByExternalID_NotFound(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM bodies`).WillReturnError(sql.ErrNoRows)

	_, err := s.BodyByExternalID(context.Background(), "https://oparl.example.de/body/404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetLastSync_FullAdvancesBothWatermarks(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`UPDATE bodies SET last_sync = \$2, last_full_sync = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetLastSync(context.Background(), uuid.New(), true, time.Now())
	require.NoError(t, err)
}

func TestInsertReferences_SkipsBlanks(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO oparl_references`)
	mock.ExpectExec(`INSERT INTO oparl_references`).
		WithArgs("https://x/paper/1", "mainFile", "https://x/file/9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InsertReferences(context.Background(), []oparl.Reference{
		{FromExternalID: "https://x/paper/1", Field: "mainFile", ToExternalID: "https://x/file/9"},
		{FromExternalID: "", Field: "mainFile", ToExternalID: "https://x/file/10"},
	})
	require.NoError(t, err)
}

func TestResolveFileLinks(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`UPDATE files f SET paper_id`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE files f SET meeting_id`).WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.ResolveFileLinks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestPendingFiles(t *testing.T) {
	s, mock := testStore(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM files`).
		WithArgs(sqlmock.AnyArg(), int64(50*1024*1024), maxExtractionAttempts, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "external_id", "name", "file_name", "mime_type", "size",
			"access_url", "download_url", "sha256_hash", "extraction_attempts",
		}).AddRow(
			id, "https://x/file/1", "Beschlussvorlage", "vorlage.pdf", "application/pdf",
			int64(4096), "https://x/file/1/access", "https://x/file/1/download", "", 0,
		))

	jobs, err := s.PendingFiles(context.Background(), uuid.New(), 50*1024*1024, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "vorlage.pdf", jobs[0].FileName)
	assert.Equal(t, int64(4096), jobs[0].Size)
}

func TestFinishFileExtraction_EmptyTextIsNull(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`UPDATE files`).
		WithArgs(sqlmock.AnyArg(), "skipped", "none", nil, 0, "", "file too large").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.FinishFileExtraction(context.Background(), uuid.New(), Extraction{
		Status: "skipped", Method: "none", Error: "file too large",
	})
	require.NoError(t, err)
}

func TestCounts(t *testing.T) {
	s, mock := testStore(t)

	for range countedTables {
		mock.ExpectQuery(`SELECT count\(\*\) FROM`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	}

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, len(countedTables))
	assert.Equal(t, int64(7), counts["papers"])
}
