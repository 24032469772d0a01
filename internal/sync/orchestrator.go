// Package sync drives the per-body ingestion cycle: list, fetch, process,
// persist, extract, index, emit. The orchestrator is the only component
// that knows the full sequence; everything it touches is an independently
// testable collaborator.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mandari/ingest/internal/client"
	"github.com/mandari/ingest/internal/events"
	"github.com/mandari/ingest/internal/extractor"
	"github.com/mandari/ingest/internal/metrics"
	"github.com/mandari/ingest/internal/oparl"
	"github.com/mandari/ingest/internal/search"
	"github.com/mandari/ingest/internal/storage"
)

// Store is the persistence surface the orchestrator drives.
type Store interface {
	UpsertBody(ctx context.Context, sourceURL string, e *oparl.Entity) (storage.Action, error)
	UpsertEntity(ctx context.Context, e *oparl.Entity) (storage.Action, error)
	InsertReferences(ctx context.Context, refs []oparl.Reference) error
	ResolveFileLinks(ctx context.Context) (int64, error)
	PendingFiles(ctx context.Context, bodyID uuid.UUID, maxSize int64, limit int) ([]storage.FileJob, error)
	FileTexts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	SetLastSync(ctx context.Context, bodyID uuid.UUID, full bool, at time.Time) error
	Bodies(ctx context.Context) ([]storage.Body, error)
}

// FileExtractor runs one extraction batch.
type FileExtractor interface {
	Run(ctx context.Context, jobs []storage.FileJob) extractor.Stats
}

// DocumentIndexer is the slice of the search layer the orchestrator uses.
type DocumentIndexer interface {
	IndexDocuments(index string, docs any) error
}

// Options tunes the orchestrator.
type Options struct {
	BodyConcurrency     int           // parallel bodies per run
	IncrementalMaxPages int           // page bound per list in incremental mode
	BatchSize           int           // entities per persistence batch
	ModifiedSlack       time.Duration // clock-skew tolerance for the incremental filter
	ExtractBatch        int           // files per extraction batch
	MaxFileSize         int64         // extraction candidate size cap
}

func DefaultOptions() Options {
	return Options{
		BodyConcurrency:     3,
		IncrementalMaxPages: 5,
		BatchSize:           100,
		ModifiedSlack:       time.Hour,
		ExtractBatch:        100,
		MaxFileSize:         50 * 1024 * 1024,
	}
}

// BodyResult summarizes one body sync.
type BodyResult struct {
	Body      string
	Created   int
	Updated   int
	Unchanged int
	Extracted extractor.Stats
	Duration  time.Duration
	Errors    []string
	Err       error
}

// Counts renders the totals for event payloads.
func (r BodyResult) Counts() map[string]int {
	return map[string]int{
		"created":   r.Created,
		"updated":   r.Updated,
		"unchanged": r.Unchanged,
		"errors":    len(r.Errors),
	}
}

// Orchestrator coordinates one sync cycle across all collaborators.
type Orchestrator struct {
	client  *client.Client
	proc    *oparl.Processor
	store   Store
	extract FileExtractor
	search  DocumentIndexer
	emitter *events.Emitter
	rec     metrics.Recorder
	opts    Options
	log     *slog.Logger
}

func NewOrchestrator(c *client.Client, store Store, ex FileExtractor, ix DocumentIndexer,
	em *events.Emitter, rec metrics.Recorder, opts Options) *Orchestrator {
	if opts.BodyConcurrency < 1 {
		opts.BodyConcurrency = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.ExtractBatch < 1 {
		opts.ExtractBatch = DefaultOptions().ExtractBatch
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if em == nil {
		em = events.NewEmitter(nil)
	}
	return &Orchestrator{
		client:  c,
		proc:    oparl.NewProcessor(),
		store:   store,
		extract: ex,
		search:  ix,
		emitter: em,
		rec:     rec,
		opts:    opts,
		log:     slog.Default().With("component", "sync"),
	}
}

// SyncAll syncs every active body, up to BodyConcurrency in parallel. The
// HTTP semaphore is shared underneath, so total request parallelism stays
// bounded regardless of body fan-out.
func (o *Orchestrator) SyncAll(ctx context.Context, full bool) ([]BodyResult, error) {
	bodies, err := o.store.Bodies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bodies: %w", err)
	}
	if len(bodies) == 0 {
		o.log.Warn("no active bodies to sync")
		return nil, nil
	}

	results := make([]BodyResult, len(bodies))
	slots := make(chan struct{}, o.opts.BodyConcurrency)
	var wg sync.WaitGroup

	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body storage.Body) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			results[i] = o.SyncBody(ctx, body, full)
		}(i, body)
	}
	wg.Wait()
	return results, nil
}

// SyncBody runs the full cycle for one body. Individual entity failures
// are aggregated, never fatal; the sync is interrupted, not rolled back,
// on cancellation.
func (o *Orchestrator) SyncBody(ctx context.Context, body storage.Body, full bool) BodyResult {
	kind := "incremental"
	if full {
		kind = "full"
	}
	log := o.log.With("body", body.ExternalID, "mode", kind)
	log.Info("sync started", "name", body.Name)

	ev := o.emitter.SyncStarted(ctx, body.SourceURL, body.ExternalID, body.Name)
	done := o.rec.TrackSync(hostLabel(body.ExternalID), kind)

	run := &bodyRun{
		orch:   o,
		body:   body,
		full:   full,
		ev:     ev,
		start:  time.Now(),
		papers: make(map[string]*oparl.Entity),
		orgs:   make(map[string]string),
		locs:   make(map[string]string),
	}
	if !full && body.LastSync != nil {
		cutoff := body.LastSync.Add(-o.opts.ModifiedSlack)
		run.cutoff = &cutoff
	}

	run.execute(ctx)

	res := run.result()
	res.Duration = time.Since(run.start)

	switch {
	case ctx.Err() != nil:
		done("cancelled", res.Created+res.Updated)
		ev.Failed(ctx, "cancelled", res.Counts(), res.Errors)
		res.Err = ctx.Err()
		log.Warn("sync cancelled", "created", res.Created, "updated", res.Updated)

	case len(res.Errors) > 0:
		// Partial success: the watermark still advances, the upserts that
		// worked are final.
		if err := o.store.SetLastSync(ctx, body.ID, full, time.Now().UTC()); err != nil {
			log.Error("advance last_sync failed", "error", err)
		}
		done("failed", res.Created+res.Updated)
		ev.Failed(ctx, "errors", res.Counts(), res.Errors)
		log.Error("sync finished with errors",
			"created", res.Created, "updated", res.Updated, "errors", len(res.Errors))

	default:
		if err := o.store.SetLastSync(ctx, body.ID, full, time.Now().UTC()); err != nil {
			log.Error("advance last_sync failed", "error", err)
		}
		done("success", res.Created+res.Updated)
		ev.Completed(ctx, res.Duration, res.Counts())
		log.Info("sync completed",
			"created", res.Created, "updated", res.Updated,
			"unchanged", res.Unchanged, "duration", res.Duration.Round(time.Millisecond))
	}
	return res
}

// bodyRun carries the state of one body sync: batched results, the
// in-memory entity maps the indexing step joins against, and the error
// list.
type bodyRun struct {
	orch   *Orchestrator
	body   storage.Body
	full   bool
	ev     *events.SyncEvents
	start  time.Time
	cutoff *time.Time

	batch []*oparl.Result

	created, updated, unchanged int
	errs                        []string

	papers map[string]*oparl.Entity // external id -> paper
	orgs   map[string]string        // external id -> organization name
	locs   map[string]string        // external id -> location name

	meetings []*oparl.Entity
	persons  []*oparl.Entity
	orgList  []*oparl.Entity
	files    []*oparl.Entity
	meetRefs map[string][]string // meeting ext id -> organization ext ids

	extracted extractor.Stats
}

const maxErrors = 50

func (r *bodyRun) fail(format string, args ...any) {
	if len(r.errs) >= maxErrors {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.errs = append(r.errs, msg)
	r.orch.log.Error("sync error", "body", r.body.ExternalID, "error", msg)
}

func (r *bodyRun) result() BodyResult {
	return BodyResult{
		Body:      r.body.ExternalID,
		Created:   r.created,
		Updated:   r.updated,
		Unchanged: r.unchanged,
		Extracted: r.extracted,
		Errors:    r.errs,
	}
}

func (r *bodyRun) execute(ctx context.Context) {
	r.meetRefs = make(map[string][]string)

	for _, kind := range oparl.SyncOrder {
		if ctx.Err() != nil {
			return
		}
		listURL := r.body.ListURLs[kind]
		if listURL == "" {
			continue
		}
		r.syncList(ctx, kind, listURL)
	}
	r.flush(ctx)

	if ctx.Err() != nil {
		return
	}
	if _, err := r.orch.store.ResolveFileLinks(ctx); err != nil {
		r.fail("resolve file links: %v", err)
	}

	r.runExtraction(ctx)
	r.index(ctx)
}

// syncList walks one list endpoint. Incremental mode bounds pages and
// drops items older than the cutoff; a page that 304s ends the list.
func (r *bodyRun) syncList(ctx context.Context, kind, listURL string) {
	entityType := oparl.KindType(kind)
	maxPages := 0
	if !r.full {
		maxPages = r.orch.opts.IncrementalMaxPages
		if r.body.MaxPages != nil {
			maxPages = *r.body.MaxPages
		}
	}

	// Conditional requests only in incremental mode: a 304 ends the list
	// walk there, which a full crawl must never do.
	err := r.orch.client.FetchList(ctx, listURL, maxPages, !r.full, func(items []map[string]any) error {
		for _, item := range items {
			if r.cutoff != nil {
				if mod := oparl.ParseTime(stringField(item, "modified")); mod != nil && mod.Before(*r.cutoff) {
					continue
				}
			}

			var res *oparl.Result
			if stringField(item, "type") != "" {
				res = r.orch.proc.Process(item)
			} else {
				res = r.orch.proc.ProcessAs(item, entityType)
			}
			if res == nil {
				r.orch.log.Warn("skipping unprocessable item",
					"body", r.body.ExternalID, "list", kind, "id", stringField(item, "id"))
				continue
			}
			if res.Entity.BodyExternalID == "" {
				res.Entity.BodyExternalID = r.body.ExternalID
			}

			r.remember(res)
			r.batch = append(r.batch, res)
			if r.batchLen() >= r.orch.opts.BatchSize {
				r.flush(ctx)
			}
		}
		return ctx.Err()
	})
	if err != nil && ctx.Err() == nil {
		r.fail("list %s: %v", kind, err)
	}
}

func (r *bodyRun) batchLen() int {
	n := 0
	for _, res := range r.batch {
		n += 1 + len(res.Nested)
	}
	return n
}

// remember stashes the entities the indexing step needs to join.
func (r *bodyRun) remember(res *oparl.Result) {
	for _, e := range res.All() {
		if e.BodyExternalID == "" {
			e.BodyExternalID = r.body.ExternalID
		}
		switch e.Type {
		case oparl.TypePaper:
			r.papers[e.ExternalID] = e
		case oparl.TypeOrganization:
			r.orgs[e.ExternalID] = e.Name
			r.orgList = append(r.orgList, e)
		case oparl.TypeLocation:
			r.locs[e.ExternalID] = e.Name
		case oparl.TypeMeeting:
			r.meetings = append(r.meetings, e)
		case oparl.TypePerson:
			r.persons = append(r.persons, e)
		case oparl.TypeFile:
			r.files = append(r.files, e)
		}
	}
	for _, ref := range res.Refs {
		if ref.Field == "organization" {
			r.meetRefs[ref.FromExternalID] = append(r.meetRefs[ref.FromExternalID], ref.ToExternalID)
		}
	}
}

// flush persists the current batch: upserts, references, entity events.
func (r *bodyRun) flush(ctx context.Context) {
	if len(r.batch) == 0 {
		return
	}
	batch := r.batch
	r.batch = nil

	for _, res := range batch {
		for _, e := range res.All() {
			action, err := r.orch.store.UpsertEntity(ctx, e)
			if err != nil {
				r.fail("persist %s %s: %v", e.Type, e.ExternalID, err)
				continue
			}
			r.count(action)
			r.orch.rec.RecordEntitySynced(string(e.Type), hostLabel(r.body.ExternalID), action.String())

			if action == storage.ActionCreated {
				priority := e.Type == oparl.TypeMeeting || e.Type == oparl.TypePaper
				r.ev.EntityCreated(ctx, events.EntityRef{
					Type:       string(e.Type),
					ExternalID: e.ExternalID,
					Name:       e.Name,
				}, priority)
			}
		}
		if err := r.orch.store.InsertReferences(ctx, res.Refs); err != nil {
			r.fail("references for %s: %v", res.Entity.ExternalID, err)
		}
	}
}

func (r *bodyRun) count(action storage.Action) {
	switch action {
	case storage.ActionCreated:
		r.created++
	case storage.ActionUpdated:
		r.updated++
	default:
		r.unchanged++
	}
}

func (r *bodyRun) runExtraction(ctx context.Context) {
	if ctx.Err() != nil || r.orch.extract == nil {
		return
	}
	jobs, err := r.orch.store.PendingFiles(ctx, r.body.ID, r.orch.opts.MaxFileSize, r.orch.opts.ExtractBatch)
	if err != nil {
		r.fail("load extraction candidates: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	r.extracted = r.orch.extract.Run(ctx, jobs)
	r.orch.log.Info("extraction finished", "body", r.body.ExternalID,
		"completed", r.extracted.Completed, "failed", r.extracted.Failed, "skipped", r.extracted.Skipped)
}

// index pushes the entities touched in this run to the search backend.
// Failures are logged and recorded but the data is safe in the relational
// store, so nothing here escalates.
func (r *bodyRun) index(ctx context.Context) {
	if ctx.Err() != nil || r.orch.search == nil {
		return
	}

	fileTexts := r.fileTexts(ctx)
	fileNamesByPaper := make(map[string][]string)
	fileTextByPaper := make(map[string]string)
	for _, f := range r.files {
		paperExt := f.PaperExternalID
		if paperExt == "" && len(f.PaperExternalIDs) > 0 {
			paperExt = f.PaperExternalIDs[0]
		}
		if paperExt == "" {
			continue
		}
		name := f.FileName
		if name == "" {
			name = f.Name
		}
		if name != "" {
			fileNamesByPaper[paperExt] = append(fileNamesByPaper[paperExt], name)
		}
		if text := fileTexts[f.UUID]; text != "" {
			fileTextByPaper[paperExt] += text + "\n"
		}
	}

	if len(r.papers) > 0 {
		docs := make([]search.PaperDoc, 0, len(r.papers))
		for ext, p := range r.papers {
			docs = append(docs, search.PaperDocument(p, fileNamesByPaper[ext], fileTextByPaper[ext]))
		}
		r.pushDocs(search.IndexPapers, docs)
	}

	if len(r.meetings) > 0 {
		docs := make([]search.MeetingDoc, 0, len(r.meetings))
		for _, m := range r.meetings {
			var orgNames []string
			for _, orgExt := range r.meetRefs[m.ExternalID] {
				if name := r.orgs[orgExt]; name != "" {
					orgNames = append(orgNames, name)
				}
			}
			docs = append(docs, search.MeetingDocument(m, orgNames, r.locs[m.LocationExternalID]))
		}
		r.pushDocs(search.IndexMeetings, docs)
	}

	if len(r.persons) > 0 {
		docs := make([]search.PersonDoc, 0, len(r.persons))
		for _, p := range r.persons {
			docs = append(docs, search.PersonDocument(p))
		}
		r.pushDocs(search.IndexPersons, docs)
	}

	if len(r.orgList) > 0 {
		docs := make([]search.OrganizationDoc, 0, len(r.orgList))
		for _, org := range r.orgList {
			docs = append(docs, search.OrganizationDocument(org))
		}
		r.pushDocs(search.IndexOrganizations, docs)
	}

	if len(r.files) > 0 {
		docs := make([]search.FileDoc, 0, len(r.files))
		for _, f := range r.files {
			var paperName, paperRef string
			paperExt := f.PaperExternalID
			if paperExt == "" && len(f.PaperExternalIDs) > 0 {
				paperExt = f.PaperExternalIDs[0]
			}
			if p := r.papers[paperExt]; p != nil {
				paperName, paperRef = p.Name, p.Reference
			}
			docs = append(docs, search.FileDocument(f, fileTexts[f.UUID], paperName, paperRef))
		}
		r.pushDocs(search.IndexFiles, docs)
	}
}

func (r *bodyRun) fileTexts(ctx context.Context) map[uuid.UUID]string {
	if len(r.files) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(r.files))
	for _, f := range r.files {
		ids = append(ids, f.UUID)
	}
	texts, err := r.orch.store.FileTexts(ctx, ids)
	if err != nil {
		r.fail("load file texts: %v", err)
		return nil
	}
	return texts
}

func (r *bodyRun) pushDocs(index string, docs any) {
	if err := r.orch.search.IndexDocuments(index, docs); err != nil {
		r.fail("index %s: %v", index, err)
	}
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func hostLabel(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return rawurl
	}
	return u.Host
}
