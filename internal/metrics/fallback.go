package metrics

import (
	"sync"
	"time"
)

// Fallback mirrors the Prometheus counters into a plain struct. It is used
// when METRICS_ENABLED=false so the sync path never has to nil-check its
// recorder, and the status CLI can still print aggregate numbers.
type Fallback struct {
	mu sync.Mutex

	HTTPRequests    map[string]int64 // source -> count
	HTTPErrors      map[string]int64 // source:type -> count
	CacheHits       map[string]int64
	BreakerFailures map[string]int64
	BreakerStates   map[string]int
	Entities        map[string]int64 // type:source:action -> count
	SyncRuns        map[string]int64 // source:type:status -> count
	ActiveSyncs     int
}

// NewFallback creates an empty in-memory recorder.
func NewFallback() *Fallback {
	return &Fallback{
		HTTPRequests:    make(map[string]int64),
		HTTPErrors:      make(map[string]int64),
		CacheHits:       make(map[string]int64),
		BreakerFailures: make(map[string]int64),
		BreakerStates:   make(map[string]int),
		Entities:        make(map[string]int64),
		SyncRuns:        make(map[string]int64),
	}
}

func (f *Fallback) RecordHTTPRequest(source string, status int, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HTTPRequests[source]++
}

func (f *Fallback) RecordHTTPError(source, errType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HTTPErrors[source+":"+errType]++
}

func (f *Fallback) RecordCacheHit(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CacheHits[source]++
}

func (f *Fallback) RecordBreakerFailure(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BreakerFailures[source]++
}

func (f *Fallback) SetBreakerState(source string, state int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BreakerStates[source] = state
}

func (f *Fallback) RecordEntitySynced(entityType, source, action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Entities[entityType+":"+source+":"+action]++
}

func (f *Fallback) TrackSync(source, kind string) DoneFunc {
	f.mu.Lock()
	f.ActiveSyncs++
	f.mu.Unlock()

	return func(status string, entities int) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ActiveSyncs--
		f.SyncRuns[source+":"+kind+":"+status]++
	}
}

// Snapshot returns a copy of the sync-run counters for the status CLI.
func (f *Fallback) Snapshot() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int64, len(f.SyncRuns))
	for k, v := range f.SyncRuns {
		out[k] = v
	}
	return out
}
