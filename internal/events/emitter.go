// Package events publishes sync lifecycle and entity events to Redis
// Pub/Sub. Emission is strictly best-effort: a dead bus degrades to log
// lines and never touches the sync path.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// ChannelSync carries sync:started / sync:completed / sync:failed.
	ChannelSync = "mandari:sync"
	// ChannelEntities carries entity:created batches and priority singles.
	ChannelEntities = "mandari:entities"

	// batchSize is the entity buffer flush threshold.
	batchSize = 50
)

// Publisher is the minimal Redis surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Envelope is the JSON wire format for every event.
type Envelope struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	BodyID    string         `json:"body_id,omitempty"`
	BodyName  string         `json:"body_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EntityRef identifies one created entity inside a batch event.
type EntityRef struct {
	Type       string `json:"type"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`
}

// Emitter is the shared publishing front. Bodies sync in parallel, so all
// per-body state lives on the SyncEvents handle SyncStarted returns; the
// emitter itself only holds the publisher.
type Emitter struct {
	pub Publisher
}

// NewEmitter creates an emitter over a publisher. A nil publisher yields a
// no-op emitter, which is how EVENTS_ENABLED=false is implemented.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

// SyncStarted announces the beginning of a body sync and returns the event
// stream for that sync. Every subsequent event of the run goes through the
// handle, so concurrent bodies never publish under each other's identity.
func (e *Emitter) SyncStarted(ctx context.Context, source, bodyID, bodyName string) *SyncEvents {
	e.publish(ctx, ChannelSync, Envelope{
		EventType: "sync:started",
		Timestamp: time.Now().UTC(),
		Source:    source,
		BodyID:    bodyID,
		BodyName:  bodyName,
	})
	return &SyncEvents{em: e, source: source, bodyID: bodyID}
}

// SyncEvents is the event stream of one running body sync. New meetings
// and papers are priority entities: downstream consumers (the AI
// summarizer, notification fan-out) want them the moment they appear, so
// they bypass the batch buffer. Everything else buffers here, per body.
type SyncEvents struct {
	em     *Emitter
	source string
	bodyID string

	mu     sync.Mutex
	buffer []EntityRef
}

// Completed announces a finished sync with its duration and counts.
// Buffered entity events of this body flush first.
func (s *SyncEvents) Completed(ctx context.Context, duration time.Duration, counts map[string]int) {
	s.Flush(ctx)

	data := map[string]any{"duration_seconds": duration.Seconds()}
	if len(counts) > 0 {
		data["counts"] = counts
	}
	s.em.publish(ctx, ChannelSync, Envelope{
		EventType: "sync:completed",
		Timestamp: time.Now().UTC(),
		Source:    s.source,
		BodyID:    s.bodyID,
		Data:      data,
	})
}

// Failed announces a failed or cancelled sync alongside the partial counts
// and the aggregated per-body error list.
func (s *SyncEvents) Failed(ctx context.Context, reason string, counts map[string]int, errs []string) {
	s.Flush(ctx)

	data := map[string]any{"reason": reason}
	if len(counts) > 0 {
		data["counts"] = counts
	}
	if len(errs) > 0 {
		data["errors"] = errs
	}
	s.em.publish(ctx, ChannelSync, Envelope{
		EventType: "sync:failed",
		Timestamp: time.Now().UTC(),
		Source:    s.source,
		BodyID:    s.bodyID,
		Data:      data,
	})
}

// EntityCreated records a created entity. Priority types publish a single
// event immediately; everything else buffers until batchSize or sync end.
func (s *SyncEvents) EntityCreated(ctx context.Context, ref EntityRef, priority bool) {
	if priority {
		s.em.publish(ctx, ChannelEntities, Envelope{
			EventType: "entity:created",
			Timestamp: time.Now().UTC(),
			Source:    s.source,
			BodyID:    s.bodyID,
			Data: map[string]any{
				"entity":   ref,
				"priority": true,
			},
		})
		return
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, ref)
	full := len(s.buffer) >= batchSize
	s.mu.Unlock()

	if full {
		s.Flush(ctx)
	}
}

// Flush publishes this body's buffered entity events as one batch event.
func (s *SyncEvents) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	s.em.publish(ctx, ChannelEntities, Envelope{
		EventType: "entity:created",
		Timestamp: time.Now().UTC(),
		Source:    s.source,
		BodyID:    s.bodyID,
		Data: map[string]any{
			"entities": batch,
			"count":    len(batch),
		},
	})
}

// Buffered returns the number of unflushed entity events of this sync.
func (s *SyncEvents) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (e *Emitter) publish(ctx context.Context, channel string, env Envelope) {
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Warn("event marshal failed", "type", env.EventType, "error", err)
		return
	}
	if err := e.pub.Publish(ctx, channel, payload); err != nil {
		slog.Warn("event publish failed", "channel", channel, "type", env.EventType, "error", err)
	}
}
