package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandari/ingest/internal/circuitbreaker"
	"github.com/mandari/ingest/internal/client"
	"github.com/mandari/ingest/internal/events"
	"github.com/mandari/ingest/internal/extractor"
	"github.com/mandari/ingest/internal/metrics"
	"github.com/mandari/ingest/internal/oparl"
	"github.com/mandari/ingest/internal/search"
	"github.com/mandari/ingest/internal/storage"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	upserts  []*oparl.Entity
	failOn   map[string]bool // external id -> force upsert error
	actions  map[string]storage.Action
	refs     []oparl.Reference
	pending  []storage.FileJob
	texts    map[uuid.UUID]string
	bodies   []storage.Body
	lastSync map[uuid.UUID]bool // body id -> full flag
	resolved bool

	bodiesGate chan struct{} // when set, Bodies blocks until closed
	bodiesHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failOn:   make(map[string]bool),
		actions:  make(map[string]storage.Action),
		texts:    make(map[uuid.UUID]string),
		lastSync: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) UpsertBody(_ context.Context, _ string, e *oparl.Entity) (storage.Action, error) {
	return f.record(e)
}

func (f *fakeStore) UpsertEntity(_ context.Context, e *oparl.Entity) (storage.Action, error) {
	return f.record(e)
}

func (f *fakeStore) record(e *oparl.Entity) (storage.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[e.ExternalID] {
		return storage.ActionUnchanged, assertErr("upsert rejected")
	}
	f.upserts = append(f.upserts, e)
	if action, ok := f.actions[e.ExternalID]; ok {
		return action, nil
	}
	return storage.ActionCreated, nil
}

func (f *fakeStore) InsertReferences(_ context.Context, refs []oparl.Reference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, refs...)
	return nil
}

func (f *fakeStore) ResolveFileLinks(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = true
	return 0, nil
}

func (f *fakeStore) PendingFiles(context.Context, uuid.UUID, int64, int) ([]storage.FileJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeStore) FileTexts(context.Context, []uuid.UUID) (map[uuid.UUID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts, nil
}

func (f *fakeStore) SetLastSync(_ context.Context, bodyID uuid.UUID, full bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSync[bodyID] = full
	return nil
}

func (f *fakeStore) Bodies(context.Context) ([]storage.Body, error) {
	f.mu.Lock()
	f.bodiesHits++
	gate := f.bodiesGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.bodies, nil
}

func (f *fakeStore) upsertedTypes() map[oparl.EntityType]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[oparl.EntityType]int)
	for _, e := range f.upserts {
		out[e.Type]++
	}
	return out
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeExtractor struct {
	mu    sync.Mutex
	jobs  []storage.FileJob
	stats extractor.Stats
}

func (f *fakeExtractor) Run(_ context.Context, jobs []storage.FileJob) extractor.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
	return f.stats
}

type fakeIndexer struct {
	mu      sync.Mutex
	batches map[string]any
	err     error
}

func newFakeIndexer() *fakeIndexer { return &fakeIndexer{batches: make(map[string]any)} }

func (f *fakeIndexer) IndexDocuments(index string, docs any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches[index] = docs
	return nil
}

type publishedEvent struct {
	Channel string
	Env     events.Envelope
}

type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (c *capturePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, publishedEvent{Channel: channel, Env: env})
	return nil
}

func (c *capturePublisher) byType(eventType string) []publishedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publishedEvent
	for _, ev := range c.events {
		if ev.Env.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// fixture server
// ---------------------------------------------------------------------------

// oparlServer serves a minimal but well-formed OParl endpoint: one body
// with a meetings list and a papers list.
func oparlServer(t *testing.T) (*httptest.Server, func() storage.Body) {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := srv.URL
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/system":
			json.NewEncoder(w).Encode(map[string]any{
				"id":   base + "/system",
				"type": "https://schema.oparl.org/1.1/System",
				"body": base + "/bodies",
			})
		case "/bodies":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{
					"id":      base + "/body/1",
					"type":    "https://schema.oparl.org/1.1/Body",
					"name":    "Stadt Beispiel",
					"meeting": base + "/body/1/meetings",
					"paper":   base + "/body/1/papers",
				}},
				"links": map[string]any{},
			})
		case "/body/1/meetings":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{
					"id":       base + "/meeting/1",
					"type":     "https://schema.oparl.org/1.1/Meeting",
					"name":     "Ratssitzung März",
					"start":    "2024-03-01T18:00:00+01:00",
					"modified": "2024-02-25T09:00:00Z",
					"location": map[string]any{
						"id":          base + "/location/1",
						"description": "Rathaus Beispielstadt",
						"locality":    "Beispielstadt",
						"room":        "Saal A",
					},
					"organization": []any{base + "/organization/1"},
					"agendaItem": []any{map[string]any{
						"id":     base + "/agendaitem/1",
						"name":   "Haushalt 2024",
						"number": "TOP 1",
					}},
				}},
				"links": map[string]any{},
			})
		case "/body/1/papers":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{
					"id":        base + "/paper/1",
					"type":      "https://schema.oparl.org/1.1/Paper",
					"name":      "Haushaltssatzung 2024",
					"reference": "VO/2024/123",
					"modified":  "2024-02-20T08:00:00Z",
					"mainFile": map[string]any{
						"id":          base + "/file/1",
						"fileName":    "vorlage.pdf",
						"mimeType":    "application/pdf",
						"downloadUrl": base + "/file/1/download",
					},
				}},
				"links": map[string]any{},
			})
		case "/body/1/old-papers":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{
					map[string]any{
						"id":       base + "/paper/old",
						"type":     "https://schema.oparl.org/1.1/Paper",
						"name":     "Altvorlage",
						"modified": "2020-01-01T00:00:00Z",
					},
					map[string]any{
						"id":       base + "/paper/new",
						"type":     "https://schema.oparl.org/1.1/Paper",
						"name":     "Neuvorlage",
						"modified": "2024-06-01T00:00:00Z",
					},
				},
				"links": map[string]any{},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	t.Cleanup(srv.Close)

	bodyOf := func() storage.Body {
		ext := srv.URL + "/body/1"
		return storage.Body{
			ID:         oparl.UUIDFor(ext),
			ExternalID: ext,
			SourceURL:  srv.URL + "/system",
			Name:       "Stadt Beispiel",
			ListURLs: map[string]string{
				"meetings": srv.URL + "/body/1/meetings",
				"papers":   srv.URL + "/body/1/papers",
			},
		}
	}
	return srv, bodyOf
}

func testOrchestrator(t *testing.T, store Store, ex FileExtractor, ix DocumentIndexer, pub events.Publisher) *Orchestrator {
	t.Helper()
	rec := metrics.NewFallback()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	opts := client.DefaultOptions()
	opts.WaitTime = 0
	opts.MaxRetries = 2
	opts.BackoffUnit = time.Millisecond
	c := client.New(opts, breakers, rec)

	o := NewOrchestrator(c, store, ex, ix, events.NewEmitter(pub), rec, DefaultOptions())
	return o
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestSyncBody_FullCycle(t *testing.T) {
	_, bodyOf := oparlServer(t)
	body := bodyOf()

	store := newFakeStore()
	store.pending = []storage.FileJob{{ID: oparl.UUIDFor(body.ExternalID + "/file/1")}}
	ex := &fakeExtractor{stats: extractor.Stats{Completed: 1}}
	ix := newFakeIndexer()
	pub := &capturePublisher{}

	o := testOrchestrator(t, store, ex, ix, pub)
	res := o.SyncBody(context.Background(), body, true)

	require.NoError(t, res.Err)
	assert.Empty(t, res.Errors)

	// Meeting brings a nested location, agenda item; paper brings a file.
	types := store.upsertedTypes()
	assert.Equal(t, 1, types[oparl.TypeMeeting])
	assert.Equal(t, 1, types[oparl.TypePaper])
	assert.Equal(t, 1, types[oparl.TypeFile])
	assert.Equal(t, 1, types[oparl.TypeAgendaItem])
	assert.Equal(t, 1, types[oparl.TypeLocation])
	assert.Equal(t, 5, res.Created)

	// Reference side table got the meeting -> organization link.
	var orgRef bool
	for _, ref := range store.refs {
		if ref.Field == "organization" {
			orgRef = true
		}
	}
	assert.True(t, orgRef)

	assert.True(t, store.resolved, "file link resolution runs after persistence")
	assert.Len(t, ex.jobs, 1, "extraction runs against pending files")
	assert.Equal(t, extractor.Stats{Completed: 1}, res.Extracted)

	// Watermark advanced as a full sync.
	full, ok := store.lastSync[body.ID]
	require.True(t, ok)
	assert.True(t, full)

	// Lifecycle events on the sync channel.
	require.Len(t, pub.byType("sync:started"), 1)
	require.Len(t, pub.byType("sync:completed"), 1)
	completed := pub.byType("sync:completed")[0]
	assert.Equal(t, events.ChannelSync, completed.Channel)
	assert.Equal(t, body.ExternalID, completed.Env.BodyID)

	// New meeting and paper are priority singles; the rest arrive batched.
	var priority int
	for _, ev := range pub.byType("entity:created") {
		if ev.Env.Data["priority"] == true {
			priority++
		}
	}
	assert.Equal(t, 2, priority)

	// All five document kinds were pushed.
	ix.mu.Lock()
	defer ix.mu.Unlock()
	assert.Contains(t, ix.batches, search.IndexMeetings)
	assert.Contains(t, ix.batches, search.IndexPapers)
	assert.Contains(t, ix.batches, search.IndexFiles)

	meetings := ix.batches[search.IndexMeetings].([]search.MeetingDoc)
	require.Len(t, meetings, 1)
	assert.Equal(t, "Ratssitzung März", meetings[0].Name)
	assert.Equal(t, "Rathaus Beispielstadt", meetings[0].LocationName)

	papers := ix.batches[search.IndexPapers].([]search.PaperDoc)
	require.Len(t, papers, 1)
	assert.Equal(t, []string{"vorlage.pdf"}, papers[0].FileNames)
}

func TestSyncBody_IncrementalSkipsItemsOlderThanCutoff(t *testing.T) {
	srv, bodyOf := oparlServer(t)
	body := bodyOf()
	body.ListURLs = map[string]string{"papers": srv.URL + "/body/1/old-papers"}
	last := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	body.LastSync = &last

	store := newFakeStore()
	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	res := o.SyncBody(context.Background(), body, false)
	require.Empty(t, res.Errors)

	// Only the paper modified after lastSync-1h survives the filter.
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "Neuvorlage", store.upserts[0].Name)
}

func TestSyncBody_UpsertErrorsAggregatedNotFatal(t *testing.T) {
	srv, bodyOf := oparlServer(t)
	body := bodyOf()

	store := newFakeStore()
	store.failOn[srv.URL+"/paper/1"] = true
	pub := &capturePublisher{}

	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), pub)
	res := o.SyncBody(context.Background(), body, true)

	assert.NotEmpty(t, res.Errors)
	assert.Greater(t, res.Created, 0, "other entities still persisted")

	require.Len(t, pub.byType("sync:failed"), 1)
	failed := pub.byType("sync:failed")[0]
	assert.Equal(t, "errors", failed.Env.Data["reason"])

	// Partial success still advances the watermark.
	_, ok := store.lastSync[body.ID]
	assert.True(t, ok)
}

func TestSyncBody_Cancelled(t *testing.T) {
	_, bodyOf := oparlServer(t)
	body := bodyOf()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	pub := &capturePublisher{}
	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), pub)

	res := o.SyncBody(ctx, body, false)
	assert.Error(t, res.Err)

	require.Len(t, pub.byType("sync:failed"), 1)
	assert.Equal(t, "cancelled", pub.byType("sync:failed")[0].Env.Data["reason"])

	// No watermark advance on cancellation.
	assert.Empty(t, store.lastSync)
}

func TestSyncAll_RunsEveryBody(t *testing.T) {
	_, bodyOf := oparlServer(t)
	body := bodyOf()

	store := newFakeStore()
	store.bodies = []storage.Body{body}
	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	results, err := o.SyncAll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, body.ExternalID, results[0].Body)
	assert.Greater(t, results[0].Created, 0)
}

// Two bodies syncing in parallel share one emitter; every published entity
// batch and lifecycle event must carry the identity of the body that
// produced it, not whichever body started last.
func TestSyncAll_ConcurrentBodiesKeepEventAttribution(t *testing.T) {
	srv, bodyOf := oparlServer(t)

	body1 := bodyOf()
	body2 := bodyOf()
	body2.ExternalID = srv.URL + "/body/2"
	body2.ID = oparl.UUIDFor(body2.ExternalID)

	store := newFakeStore()
	store.bodies = []storage.Body{body1, body2}
	pub := &capturePublisher{}

	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), pub)
	results, err := o.SyncAll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.Empty(t, res.Errors, res.Body)
	}

	// Each body flushes exactly one batch (location, agenda item, file)
	// under its own identity.
	batchesByBody := make(map[string]int)
	for _, ev := range pub.byType("entity:created") {
		if ev.Env.Data["priority"] == true {
			continue
		}
		batchesByBody[ev.Env.BodyID]++
		assert.Equal(t, float64(3), ev.Env.Data["count"], "batch of body %s", ev.Env.BodyID)
	}
	assert.Equal(t, map[string]int{body1.ExternalID: 1, body2.ExternalID: 1}, batchesByBody)

	completedByBody := make(map[string]int)
	for _, ev := range pub.byType("sync:completed") {
		completedByBody[ev.Env.BodyID]++
	}
	assert.Equal(t, map[string]int{body1.ExternalID: 1, body2.ExternalID: 1}, completedByBody)
}

// A full sync crawls every page even when the first page revalidates to
// 304 from an earlier incremental run; only incremental mode may stop at
// an unchanged page.
func TestSyncBody_FullModeCrawlsPastUnchangedFirstPage(t *testing.T) {
	var mu sync.Mutex
	extraPaper := false

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := srv.URL
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path + "?" + r.URL.RawQuery {
		case "/papers?":
			if r.Header.Get("If-None-Match") == `"papers-p1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"papers-p1"`)
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{
					"id":   base + "/paper/1",
					"type": "https://schema.oparl.org/1.1/Paper",
					"name": "Vorlage Seite 1",
				}},
				"links": map[string]any{"next": base + "/papers?page=2"},
			})
		case "/papers?page=2":
			items := []any{map[string]any{
				"id":   base + "/paper/2",
				"type": "https://schema.oparl.org/1.1/Paper",
				"name": "Vorlage Seite 2",
			}}
			mu.Lock()
			if extraPaper {
				items = append(items, map[string]any{
					"id":   base + "/paper/3",
					"type": "https://schema.oparl.org/1.1/Paper",
					"name": "Nachtrag",
				})
			}
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"data":  items,
				"links": map[string]any{},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	t.Cleanup(srv.Close)

	ext := srv.URL + "/body/1"
	body := storage.Body{
		ID:         oparl.UUIDFor(ext),
		ExternalID: ext,
		SourceURL:  srv.URL + "/system",
		ListURLs:   map[string]string{"papers": srv.URL + "/papers"},
	}

	store := newFakeStore()
	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	// Incremental run primes the first page's validators and sees both pages.
	res := o.SyncBody(context.Background(), body, false)
	require.Empty(t, res.Errors)
	require.Len(t, store.upserts, 2)

	// A deeper page changes while page 1 stays byte-identical.
	mu.Lock()
	extraPaper = true
	mu.Unlock()

	// Incremental stops at page 1's 304 and misses the change by design.
	res = o.SyncBody(context.Background(), body, false)
	require.Empty(t, res.Errors)
	require.Len(t, store.upserts, 2)

	// Full mode must reach it.
	res = o.SyncBody(context.Background(), body, true)
	require.Empty(t, res.Errors)

	var names []string
	store.mu.Lock()
	for _, e := range store.upserts {
		names = append(names, e.Name)
	}
	store.mu.Unlock()
	assert.Contains(t, names, "Nachtrag")
}

func TestDiscoverBodies_SystemWithListEndpoint(t *testing.T) {
	srv, _ := oparlServer(t)
	o := testOrchestrator(t, newFakeStore(), &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	bodies, err := o.DiscoverBodies(context.Background(), srv.URL+"/system")
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, srv.URL+"/body/1", bodies[0].Entity.ExternalID)
	assert.Equal(t, "Stadt Beispiel", bodies[0].Entity.Name)
	assert.Equal(t, srv.URL+"/body/1/meetings", bodies[0].Entity.ListURLs["meetings"])
}

func TestRegisterSource(t *testing.T) {
	srv, _ := oparlServer(t)
	store := newFakeStore()
	o := testOrchestrator(t, store, &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	bodies, err := o.RegisterSource(context.Background(), srv.URL+"/system")
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, srv.URL+"/system", bodies[0].SourceURL)

	types := store.upsertedTypes()
	assert.Equal(t, 1, types[oparl.TypeBody])
}

func TestTestConnection(t *testing.T) {
	srv, _ := oparlServer(t)
	o := testOrchestrator(t, newFakeStore(), &fakeExtractor{}, newFakeIndexer(), &capturePublisher{})

	report, err := o.TestConnection(context.Background(), srv.URL+"/system")
	require.NoError(t, err)
	require.Len(t, report.Bodies, 1)

	probes := report.Bodies[0].Lists
	require.Len(t, probes, 2)
	for _, probe := range probes {
		assert.True(t, probe.Reachable, probe.Kind)
		assert.Equal(t, http.StatusOK, probe.Status)
		assert.Equal(t, 1, probe.Items)
	}
}
