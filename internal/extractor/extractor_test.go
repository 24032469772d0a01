package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandari/ingest/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	processing []uuid.UUID
	finished   map[uuid.UUID]storage.Extraction
}

func newFakeStore() *fakeStore {
	return &fakeStore{finished: make(map[uuid.UUID]storage.Extraction)}
}

func (f *fakeStore) MarkFileProcessing(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = append(f.processing, id)
	return nil
}

func (f *fakeStore) FinishFileExtraction(_ context.Context, id uuid.UUID, ex storage.Extraction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = ex
	return nil
}

func testExtractor(store Store) *Extractor {
	opts := DefaultOptions()
	opts.Concurrency = 2
	opts.DownloadTimeout = 5 * time.Second
	return New(store, opts)
}

func TestRun_PlaintextFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Niederschrift  über die\n\nSitzung des Rates"))
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	stats := e.Run(context.Background(), []storage.FileJob{{
		ID: id, ExternalID: "https://x/file/1", FileName: "protokoll.txt",
		MimeType: "text/plain", DownloadURL: srv.URL,
	}})

	assert.Equal(t, Stats{Completed: 1}, stats)
	require.Contains(t, store.finished, id)
	ex := store.finished[id]
	assert.Equal(t, "completed", ex.Status)
	assert.Equal(t, "plaintext", ex.Method)
	assert.Equal(t, "Niederschrift über die\nSitzung des Rates", ex.Text)
	assert.Len(t, ex.SHA256, 64)
	assert.Equal(t, []uuid.UUID{id}, store.processing)
}

func TestRun_HTMLFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><style>body{color:red}</style></head>
<body><h1>Tagesordnung</h1><script>alert(1)</script><p>Punkt 1: Haushalt</p></body></html>`))
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	e.Run(context.Background(), []storage.FileJob{{
		ID: id, DownloadURL: srv.URL, MimeType: "text/html", FileName: "to.html",
	}})

	ex := store.finished[id]
	assert.Equal(t, "completed", ex.Status)
	assert.Equal(t, "html", ex.Method)
	assert.Contains(t, ex.Text, "Tagesordnung")
	assert.Contains(t, ex.Text, "Punkt 1: Haushalt")
	assert.NotContains(t, ex.Text, "alert")
	assert.NotContains(t, ex.Text, "color:red")
}

func TestRun_ImageSkippedWithoutDownload(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	stats := e.Run(context.Background(), []storage.FileJob{{
		ID: id, DownloadURL: srv.URL, MimeType: "image/jpeg", FileName: "lageplan.jpg",
	}})

	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Equal(t, 0, hits, "media types are rejected before downloading")
	assert.Equal(t, "skipped", store.finished[id].Status)
}

func TestRun_OversizedFileSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	store := newFakeStore()
	opts := DefaultOptions()
	opts.MaxFileSize = 1024
	e := New(store, opts)

	id := uuid.New()
	stats := e.Run(context.Background(), []storage.FileJob{{ID: id, DownloadURL: srv.URL, MimeType: "text/plain"}})

	assert.Equal(t, Stats{Skipped: 1}, stats)
	ex := store.finished[id]
	assert.Equal(t, "skipped", ex.Status)
	assert.Contains(t, ex.Error, "size cap")
}

func TestRun_DownloadErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	stats := e.Run(context.Background(), []storage.FileJob{{ID: id, DownloadURL: srv.URL, MimeType: "text/plain"}})

	assert.Equal(t, Stats{Failed: 1}, stats)
	ex := store.finished[id]
	assert.Equal(t, "failed", ex.Status)
	assert.Contains(t, ex.Error, "status 500")
}

func TestRun_UnknownFormatSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("PK\x03\x04"))
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	stats := e.Run(context.Background(), []storage.FileJob{{
		ID: id, DownloadURL: srv.URL, MimeType: "application/zip", FileName: "anlagen.zip",
	}})

	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Contains(t, store.finished[id].Error, "unsupported format")
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name     string
		mime     string
		fileName string
		data     []byte
		want     format
	}{
		{"pdf by mime", "application/pdf", "x.bin", nil, formatPDF},
		{"pdf by magic", "application/octet-stream", "x.bin", []byte("%PDF-1.7..."), formatPDF},
		{"pdf by extension", "", "vorlage.pdf", nil, formatPDF},
		{"html by mime", "text/html; charset=utf-8", "", nil, formatHTML},
		{"html by extension", "", "index.htm", nil, formatHTML},
		{"text by mime", "text/plain", "", nil, formatText},
		{"text by extension", "", "notes.txt", nil, formatText},
		{"unknown", "application/msword", "vorlage.doc", []byte("\xd0\xcf"), formatUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectFormat(tc.mime, tc.fileName, tc.data))
		})
	}
}

func TestMediaSkipped(t *testing.T) {
	assert.True(t, mediaSkipped("image/png"))
	assert.True(t, mediaSkipped("video/mp4"))
	assert.True(t, mediaSkipped("audio/mpeg"))
	assert.False(t, mediaSkipped("application/pdf"))
	assert.False(t, mediaSkipped("text/plain"))
}

func TestCleanText(t *testing.T) {
	in := "  Erste   Zeile \n\n\n Zweite\tZeile \x00 \nDritte"
	assert.Equal(t, "Erste Zeile\nZweite Zeile\nDritte", cleanText(in))
}

func TestCleanText_InvalidUTF8(t *testing.T) {
	got := cleanText("g\xfcltig")
	assert.Equal(t, "gltig", got)
}

func TestRun_MalformedPDFFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 this is not a real pdf"))
	}))
	defer srv.Close()

	store := newFakeStore()
	e := testExtractor(store)

	id := uuid.New()
	e.Run(context.Background(), []storage.FileJob{{
		ID: id, DownloadURL: srv.URL, MimeType: "application/pdf", FileName: "kaputt.pdf",
	}})

	ex := store.finished[id]
	assert.Equal(t, "failed", ex.Status)
	assert.NotEmpty(t, ex.Error)
}
