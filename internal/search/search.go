// Package search pushes entity documents into Meilisearch. Indexing is
// best-effort: the relational store stays the source of truth, and every
// failure here is logged and returned but never escalated.
package search

import (
	"fmt"
	"log/slog"

	"github.com/meilisearch/meilisearch-go"
)

// Index names. One index per searchable entity kind.
const (
	IndexPapers        = "papers"
	IndexMeetings      = "meetings"
	IndexPersons       = "persons"
	IndexOrganizations = "organizations"
	IndexFiles         = "files"
)

// indexSettings carries the attribute contract per index. Pushing the same
// settings again is a no-op on the backend, so EnsureSettings is safe to
// run on every daemon start.
var indexSettings = map[string]meilisearch.Settings{
	IndexPapers: {
		SearchableAttributes: []string{"name", "reference", "paper_type", "file_contents_preview", "file_names"},
		FilterableAttributes: []string{"body_id", "paper_type", "date"},
		SortableAttributes:   []string{"date", "oparl_created", "oparl_modified"},
	},
	IndexMeetings: {
		SearchableAttributes: []string{"name", "organization_names", "location_name"},
		FilterableAttributes: []string{"body_id", "cancelled", "start"},
		SortableAttributes:   []string{"start", "end", "oparl_modified"},
	},
	IndexPersons: {
		SearchableAttributes: []string{"name", "given_name", "family_name", "title"},
		FilterableAttributes: []string{"body_id"},
		SortableAttributes:   []string{"family_name", "given_name"},
	},
	IndexOrganizations: {
		SearchableAttributes: []string{"name", "short_name", "organization_type", "classification"},
		FilterableAttributes: []string{"body_id", "organization_type"},
		SortableAttributes:   []string{"name"},
	},
	IndexFiles: {
		SearchableAttributes: []string{"text_content", "name", "file_name", "paper_name", "paper_reference"},
		FilterableAttributes: []string{"body_id", "paper_id", "mime_type"},
		SortableAttributes:   []string{"oparl_modified"},
	},
}

// Indexer wraps one Meilisearch connection.
type Indexer struct {
	client *meilisearch.Client
	log    *slog.Logger
}

func New(host, apiKey string) *Indexer {
	return &Indexer{
		client: meilisearch.NewClient(meilisearch.ClientConfig{Host: host, APIKey: apiKey}),
		log:    slog.Default().With("component", "search"),
	}
}

// Healthy reports whether the backend answers.
func (ix *Indexer) Healthy() error {
	if ix == nil {
		return fmt.Errorf("search: not configured")
	}
	if _, err := ix.client.Health(); err != nil {
		return fmt.Errorf("search health: %w", err)
	}
	return nil
}

// EnsureSettings pushes every index's attribute lists. Idempotent.
func (ix *Indexer) EnsureSettings() error {
	if ix == nil {
		return nil
	}
	for name, settings := range indexSettings {
		settings := settings
		if _, err := ix.client.Index(name).UpdateSettings(&settings); err != nil {
			ix.log.Error("push index settings failed", "index", name, "error", err)
			return fmt.Errorf("settings for index %s: %w", name, err)
		}
	}
	return nil
}

// IndexDocuments sends one batch to one index. docs must be a slice of the
// document type for that index; the primary key is always "id".
func (ix *Indexer) IndexDocuments(index string, docs any) error {
	if ix == nil {
		return nil
	}
	if _, err := ix.client.Index(index).AddDocuments(docs, "id"); err != nil {
		ix.log.Error("index documents failed", "index", index, "error", err)
		return fmt.Errorf("index %s: %w", index, err)
	}
	return nil
}
