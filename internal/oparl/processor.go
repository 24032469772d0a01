package oparl

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Processor turns raw OParl JSON objects into typed entity records.
// UUIDs are deterministic (UUID5 over the URL namespace), so a cache keyed
// by external ID avoids re-hashing the same URL across pages and runs.
type Processor struct {
	mu        sync.Mutex
	uuidCache map[string]uuid.UUID
}

// NewProcessor creates a processor with an empty UUID cache.
func NewProcessor() *Processor {
	return &Processor{uuidCache: make(map[string]uuid.UUID)}
}

// UUIDFor derives the deterministic UUID of an external ID. Two independent
// processors agree on the result for the same input.
func (p *Processor) UUIDFor(externalID string) uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u, ok := p.uuidCache[externalID]; ok {
		return u
	}
	u := UUIDFor(externalID)
	p.uuidCache[externalID] = u
	return u
}

// UUIDFor is the identity function of the whole system: local row IDs are
// name-based UUIDs over the upstream URL, so any component can derive the
// ID of an entity it has never seen.
func UUIDFor(externalID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(externalID))
}

// Process transforms one raw object. It returns nil for unknown types and
// for objects without an id; the caller logs and continues with the list.
func (p *Processor) Process(raw map[string]any) *Result {
	t := DetectType(str(raw, "type"))
	if t == TypeUnknown || t == TypeSystem {
		return nil
	}
	return p.process(raw, t)
}

// ProcessAs transforms one raw object under a known type, for list items
// and payloads that omit the type URL.
func (p *Processor) ProcessAs(raw map[string]any, t EntityType) *Result {
	if t == TypeUnknown || t == TypeSystem {
		return nil
	}
	return p.process(raw, t)
}

func (p *Processor) process(raw map[string]any, t EntityType) *Result {
	id := str(raw, "id")
	if id == "" {
		return nil
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil
	}

	e := &Entity{
		Type:          t,
		ExternalID:    id,
		UUID:          p.UUIDFor(id),
		Raw:           rawJSON,
		OParlCreated:  ParseTime(str(raw, "created")),
		OParlModified: ParseTime(str(raw, "modified")),
		Name:          truncate(str(raw, "name"), maxNameLen),
		ShortName:     str(raw, "shortName"),
		Deleted:       boolOf(raw, "deleted"),
	}
	if body, ok := idOf(raw["body"]); ok {
		e.BodyExternalID = body
	}

	res := &Result{Entity: e}

	switch t {
	case TypeBody:
		p.extractBody(raw, e, res)
	case TypeMeeting:
		p.extractMeeting(raw, e, res)
	case TypePaper:
		p.extractPaper(raw, e, res)
	case TypePerson:
		p.extractPerson(raw, e)
	case TypeOrganization:
		p.extractOrganization(raw, e, res)
	case TypeMembership:
		p.extractMembership(raw, e, res)
	case TypeAgendaItem:
		p.extractAgendaItem(raw, e, res)
	case TypeConsultation:
		p.extractConsultation(raw, e, res)
	case TypeFile:
		p.extractFile(raw, e)
	case TypeLocation:
		p.extractLocation(raw, e)
	case TypeLegislativeTerm:
		e.StartDate = ParseTime(str(raw, "startDate"))
		e.EndDate = ParseTime(str(raw, "endDate"))
	}

	return res
}

// bodyListFields maps the upstream field names to list kinds. Real servers
// disagree on singular vs plural for consultations and files; the singular
// form wins when both are present.
var bodyListFields = []struct {
	fields []string
	kind   string
}{
	{[]string{"organization"}, "organizations"},
	{[]string{"person"}, "persons"},
	{[]string{"meeting"}, "meetings"},
	{[]string{"paper"}, "papers"},
	{[]string{"membership"}, "memberships"},
	{[]string{"locationList"}, "locations"},
	{[]string{"agendaItem"}, "agenda_items"},
	{[]string{"consultation", "consultations"}, "consultations"},
	{[]string{"file", "files"}, "files"},
	{[]string{"legislativeTermList"}, "legislative_terms"},
}

func (p *Processor) extractBody(raw map[string]any, e *Entity, res *Result) {
	e.Website = str(raw, "website")
	e.AGS = str(raw, "ags")

	e.ListURLs = make(map[string]string)
	for _, f := range bodyListFields {
		for _, field := range f.fields {
			if url := str(raw, field); url != "" {
				e.ListURLs[f.kind] = url
				break
			}
		}
	}

	// Embedded legislative terms become first-class rows.
	for _, item := range listOf(raw["legislativeTerm"]) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if sub := p.process(obj, TypeLegislativeTerm); sub != nil {
			sub.Entity.BodyExternalID = e.ExternalID
			res.absorb(sub)
		}
	}
}

func (p *Processor) extractMeeting(raw map[string]any, e *Entity, res *Result) {
	e.Start = ParseTime(str(raw, "start"))
	e.End = ParseTime(str(raw, "end"))
	e.Cancelled = boolOf(raw, "cancelled")
	e.MeetingState = str(raw, "meetingState")

	// location is either an embedded object or a bare id string.
	switch loc := raw["location"].(type) {
	case map[string]any:
		if sub := p.process(loc, TypeLocation); sub != nil {
			sub.Entity.BodyExternalID = firstNonEmpty(sub.Entity.BodyExternalID, e.BodyExternalID)
			e.LocationExternalID = sub.Entity.ExternalID
			res.absorb(sub)
			res.ref(e.ExternalID, "location", sub.Entity.ExternalID)
		}
	case string:
		if loc != "" {
			e.LocationExternalID = loc
			res.ref(e.ExternalID, "location", loc)
		}
	}

	// organization is a list of id strings or objects.
	for _, item := range listOf(raw["organization"]) {
		if orgID, ok := idOf(item); ok {
			res.ref(e.ExternalID, "organization", orgID)
		}
	}

	// Nested agenda items inherit this meeting's identity.
	for _, item := range listOf(raw["agendaItem"]) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if sub := p.process(obj, TypeAgendaItem); sub != nil {
			sub.Entity.MeetingExternalID = e.ExternalID
			sub.Entity.BodyExternalID = firstNonEmpty(sub.Entity.BodyExternalID, e.BodyExternalID)
			res.absorb(sub)
		}
	}

	p.scanFiles(raw, e, res, func(f *Entity) { f.MeetingExternalID = e.ExternalID })
}

func (p *Processor) extractPaper(raw map[string]any, e *Entity, res *Result) {
	e.Reference = str(raw, "reference")
	e.PaperType = str(raw, "paperType")
	e.Date = ParseTime(str(raw, "date"))

	for _, item := range listOf(raw["consultation"]) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if sub := p.process(obj, TypeConsultation); sub != nil {
			sub.Entity.PaperExternalID = e.ExternalID
			sub.Entity.BodyExternalID = firstNonEmpty(sub.Entity.BodyExternalID, e.BodyExternalID)
			res.absorb(sub)
		}
	}

	for _, field := range []string{"originatorPerson", "originatorOrganization", "underDirectionOf"} {
		for _, item := range listOf(raw[field]) {
			if refID, ok := idOf(item); ok {
				res.ref(e.ExternalID, field, refID)
			}
		}
	}

	p.scanFiles(raw, e, res, func(f *Entity) { f.PaperExternalID = e.ExternalID })
}

func (p *Processor) extractPerson(raw map[string]any, e *Entity) {
	e.GivenName = str(raw, "givenName")
	e.FamilyName = str(raw, "familyName")
	e.Gender = str(raw, "gender")
	// title, email and phone arrive as either a string or a list of
	// strings depending on the server; both shapes normalize to the
	// first value.
	e.Title = strOrFirst(raw, "title")
	e.Email = strOrFirst(raw, "email")
	e.Phone = strOrFirst(raw, "phone")
}

func (p *Processor) extractOrganization(raw map[string]any, e *Entity, res *Result) {
	e.OrganizationType = str(raw, "organizationType")
	e.Classification = str(raw, "classification")
	e.Website = str(raw, "website")
	e.StartDate = ParseTime(str(raw, "startDate"))
	e.EndDate = ParseTime(str(raw, "endDate"))

	for _, item := range listOf(raw["membership"]) {
		if refID, ok := idOf(item); ok {
			res.ref(e.ExternalID, "membership", refID)
		}
	}
}

func (p *Processor) extractMembership(raw map[string]any, e *Entity, res *Result) {
	e.Role = str(raw, "role")
	e.StartDate = ParseTime(str(raw, "startDate"))
	e.EndDate = ParseTime(str(raw, "endDate"))

	// votingRight defaults to true when the server omits it.
	voting := true
	if v, ok := raw["votingRight"].(bool); ok {
		voting = v
	}
	e.VotingRight = &voting

	if personID, ok := idOf(raw["person"]); ok {
		e.PersonExternalID = personID
		res.ref(e.ExternalID, "person", personID)
	}
	if orgID, ok := idOf(raw["organization"]); ok {
		e.OrganizationExternalID = orgID
		res.ref(e.ExternalID, "organization", orgID)
	}
}

func (p *Processor) extractAgendaItem(raw map[string]any, e *Entity, res *Result) {
	e.Number = str(raw, "number")
	e.Order = intOf(raw, "order")
	e.Result = str(raw, "result")
	e.Start = ParseTime(str(raw, "start"))
	e.End = ParseTime(str(raw, "end"))
	if pub, ok := raw["public"].(bool); ok {
		e.Public = &pub
	}

	if meetingID, ok := idOf(raw["meeting"]); ok {
		e.MeetingExternalID = meetingID
	}
	// consultation may be an id string or an embedded object; either way
	// only the reference is recorded here.
	if refID, ok := idOf(raw["consultation"]); ok {
		res.ref(e.ExternalID, "consultation", refID)
	}
}

func (p *Processor) extractConsultation(raw map[string]any, e *Entity, res *Result) {
	e.Authoritative = boolOf(raw, "authoritative")
	e.Role = str(raw, "role")

	if paperID, ok := idOf(raw["paper"]); ok {
		e.PaperExternalID = paperID
		res.ref(e.ExternalID, "paper", paperID)
	}
	if meetingID, ok := idOf(raw["meeting"]); ok {
		e.MeetingExternalID = meetingID
		res.ref(e.ExternalID, "meeting", meetingID)
	}
	if agendaID, ok := idOf(raw["agendaItem"]); ok {
		e.AgendaItemExternalID = agendaID
		res.ref(e.ExternalID, "agendaItem", agendaID)
	}
	for _, item := range listOf(raw["organization"]) {
		if orgID, ok := idOf(item); ok {
			res.ref(e.ExternalID, "organization", orgID)
		}
	}
}

func (p *Processor) extractFile(raw map[string]any, e *Entity) {
	e.FileName = truncate(str(raw, "fileName"), maxFileNameLen)
	e.MimeType = str(raw, "mimeType")
	e.Size = int64(intOf(raw, "size"))
	e.AccessURL = str(raw, "accessUrl")
	e.DownloadURL = str(raw, "downloadUrl")
	e.Date = ParseTime(str(raw, "date"))

	// Standalone file fetches carry their owners as arrays.
	for _, item := range listOf(raw["paper"]) {
		if refID, ok := idOf(item); ok {
			e.PaperExternalIDs = append(e.PaperExternalIDs, refID)
		}
	}
	for _, item := range listOf(raw["meeting"]) {
		if refID, ok := idOf(item); ok {
			e.MeetingExternalIDs = append(e.MeetingExternalIDs, refID)
		}
	}
}

func (p *Processor) extractLocation(raw map[string]any, e *Entity) {
	e.StreetAddress = str(raw, "streetAddress")
	e.PostalCode = str(raw, "postalCode")
	e.Locality = str(raw, "locality")
	e.Room = str(raw, "room")
	if e.Name == "" {
		e.Name = truncate(str(raw, "description"), maxNameLen)
	}
}

// fileFields are the attachment slots scanned on meetings and papers.
// Each holds either a single object, an array of objects, or id strings.
var fileFields = []string{
	"mainFile",
	"auxiliaryFile",
	"invitation",
	"resultsProtocol",
	"verbatimProtocol",
	"derivativeFile",
}

// scanFiles walks the attachment fields of a meeting or paper. Embedded
// objects recurse through the File extractor and get linked to the parent;
// bare id strings are recorded as references only.
func (p *Processor) scanFiles(raw map[string]any, parent *Entity, res *Result, link func(*Entity)) {
	for _, field := range fileFields {
		v, ok := raw[field]
		if !ok || v == nil {
			continue
		}

		items, isList := v.([]any)
		if !isList {
			items = []any{v}
		}

		for _, item := range items {
			switch fv := item.(type) {
			case map[string]any:
				if sub := p.process(fv, TypeFile); sub != nil {
					link(sub.Entity)
					sub.Entity.BodyExternalID = firstNonEmpty(sub.Entity.BodyExternalID, parent.BodyExternalID)
					res.absorb(sub)
					res.ref(parent.ExternalID, field, sub.Entity.ExternalID)
				}
			case string:
				if fv != "" {
					res.ref(parent.ExternalID, field, fv)
				}
			}
		}
	}
}

// absorb merges a nested result into the parent: the nested entity and its
// own nested entities flatten into one list, references concatenate.
func (r *Result) absorb(sub *Result) {
	r.Nested = append(r.Nested, sub.Entity)
	r.Nested = append(r.Nested, sub.Nested...)
	r.Refs = append(r.Refs, sub.Refs...)
}

func (r *Result) ref(from, field, to string) {
	r.Refs = append(r.Refs, Reference{FromExternalID: from, Field: field, ToExternalID: to})
}

// --- JSON shape helpers -------------------------------------------------

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// strOrFirst normalizes string-or-list-of-strings fields to one string.
// An empty list yields the empty string.
func strOrFirst(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func boolOf(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intOf(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// idOf extracts the external ID from a polymorphic value: a bare id string
// or an embedded object with an id field.
func idOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case map[string]any:
		id := str(t, "id")
		return id, id != ""
	}
	return "", false
}

// listOf tolerates single values where lists are expected.
func listOf(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
