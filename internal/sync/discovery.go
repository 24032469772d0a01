package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/mandari/ingest/internal/oparl"
	"github.com/mandari/ingest/internal/storage"
)

// DiscoverBodies resolves an OParl entry point to its body entities. The
// entry point is usually a System object whose `body` field is a URL, a
// list of URLs, or a list endpoint; a direct Body URL also works.
func (o *Orchestrator) DiscoverBodies(ctx context.Context, entryURL string) ([]*oparl.Result, error) {
	res := o.client.Fetch(ctx, entryURL, false, true)
	if res.Err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entryURL, res.Err)
	}
	if res.Data == nil {
		return nil, fmt.Errorf("fetch %s: empty response (status %d)", entryURL, res.Status)
	}

	// The entry point may already be a body.
	if oparl.DetectType(stringField(res.Data, "type")) == oparl.TypeBody {
		body := o.proc.ProcessAs(res.Data, oparl.TypeBody)
		if body == nil {
			return nil, fmt.Errorf("%s: body object without id", entryURL)
		}
		return []*oparl.Result{body}, nil
	}

	var bodies []*oparl.Result
	switch v := res.Data["body"].(type) {
	case string:
		found, err := o.bodiesFromURL(ctx, v)
		if err != nil {
			return nil, err
		}
		bodies = found

	case []any:
		for _, item := range v {
			switch b := item.(type) {
			case string:
				found, err := o.bodiesFromURL(ctx, b)
				if err != nil {
					return nil, err
				}
				bodies = append(bodies, found...)
			case map[string]any:
				if body := o.proc.ProcessAs(b, oparl.TypeBody); body != nil {
					bodies = append(bodies, body)
				}
			}
		}

	default:
		return nil, fmt.Errorf("%s: system object has no body field", entryURL)
	}

	if len(bodies) == 0 {
		return nil, fmt.Errorf("%s: no bodies found", entryURL)
	}
	return bodies, nil
}

// bodiesFromURL fetches a URL that is either one body object or a body
// list endpoint.
func (o *Orchestrator) bodiesFromURL(ctx context.Context, rawurl string) ([]*oparl.Result, error) {
	res := o.client.Fetch(ctx, rawurl, false, true)
	if res.Err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawurl, res.Err)
	}
	if res.Data == nil {
		return nil, fmt.Errorf("fetch %s: empty response (status %d)", rawurl, res.Status)
	}

	if _, isList := res.Data["data"]; !isList {
		body := o.proc.ProcessAs(res.Data, oparl.TypeBody)
		if body == nil {
			return nil, fmt.Errorf("%s: body object without id", rawurl)
		}
		return []*oparl.Result{body}, nil
	}

	var bodies []*oparl.Result
	err := o.client.FetchList(ctx, rawurl, 0, false, func(items []map[string]any) error {
		for _, item := range items {
			if body := o.proc.ProcessAs(item, oparl.TypeBody); body != nil {
				bodies = append(bodies, body)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("body list %s: %w", rawurl, err)
	}
	return bodies, nil
}

// RegisterSource discovers and persists the bodies behind one source URL.
// Nested entities (legislative terms, locations) and references are stored
// alongside.
func (o *Orchestrator) RegisterSource(ctx context.Context, sourceURL string) ([]storage.Body, error) {
	discovered, err := o.DiscoverBodies(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	var out []storage.Body
	for _, res := range discovered {
		if _, err := o.store.UpsertBody(ctx, sourceURL, res.Entity); err != nil {
			return nil, err
		}
		for _, nested := range res.Nested {
			if nested.BodyExternalID == "" {
				nested.BodyExternalID = res.Entity.ExternalID
			}
			if _, err := o.store.UpsertEntity(ctx, nested); err != nil {
				o.log.Warn("persist nested entity failed",
					"body", res.Entity.ExternalID, "entity", nested.ExternalID, "error", err)
			}
		}
		if err := o.store.InsertReferences(ctx, res.Refs); err != nil {
			o.log.Warn("persist body references failed", "body", res.Entity.ExternalID, "error", err)
		}

		out = append(out, storage.Body{
			ID:         res.Entity.UUID,
			ExternalID: res.Entity.ExternalID,
			SourceURL:  sourceURL,
			Name:       res.Entity.Name,
			ShortName:  res.Entity.ShortName,
			AGS:        res.Entity.AGS,
			ListURLs:   res.Entity.ListURLs,
		})
	}
	return out, nil
}

// ListProbe is the reachability check of one list endpoint.
type ListProbe struct {
	Kind      string
	URL       string
	Reachable bool
	Status    int
	Items     int
	Err       string
}

// BodyReport describes one discovered body during a connection test.
type BodyReport struct {
	ExternalID string
	Name       string
	Lists      []ListProbe
}

// ConnectionReport is the outcome of probing one OParl endpoint.
type ConnectionReport struct {
	EntryURL string
	Bodies   []BodyReport
	Elapsed  time.Duration
}

// TestConnection walks an endpoint without persisting anything: discover
// bodies, then probe the first page of every announced list.
func (o *Orchestrator) TestConnection(ctx context.Context, entryURL string) (*ConnectionReport, error) {
	start := time.Now()
	discovered, err := o.DiscoverBodies(ctx, entryURL)
	if err != nil {
		return nil, err
	}

	report := &ConnectionReport{EntryURL: entryURL}
	for _, res := range discovered {
		body := BodyReport{ExternalID: res.Entity.ExternalID, Name: res.Entity.Name}
		for _, kind := range oparl.SyncOrder {
			listURL := res.Entity.ListURLs[kind]
			if listURL == "" {
				continue
			}
			probe := ListProbe{Kind: kind, URL: listURL}
			page := o.client.Fetch(ctx, listURL, false, true)
			probe.Status = page.Status
			if page.Err != nil {
				probe.Err = page.Err.Error()
			} else if page.Data != nil {
				probe.Reachable = true
				if items, ok := page.Data["data"].([]any); ok {
					probe.Items = len(items)
				}
			}
			body.Lists = append(body.Lists, probe)
		}
		report.Bodies = append(report.Bodies, body)
	}
	report.Elapsed = time.Since(start)
	return report, nil
}
