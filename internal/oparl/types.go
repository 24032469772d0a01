// Package oparl models the OParl 1.0/1.1 entity graph and transforms raw
// JSON payloads into typed, normalized entity records.
package oparl

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType enumerates the OParl vocabulary.
type EntityType string

const (
	TypeBody            EntityType = "body"
	TypeOrganization    EntityType = "organization"
	TypePerson          EntityType = "person"
	TypeMeeting         EntityType = "meeting"
	TypePaper           EntityType = "paper"
	TypeMembership      EntityType = "membership"
	TypeLocation        EntityType = "location"
	TypeAgendaItem      EntityType = "agenda_item"
	TypeFile            EntityType = "file"
	TypeConsultation    EntityType = "consultation"
	TypeLegislativeTerm EntityType = "legislative_term"
	TypeSystem          EntityType = "system"
	TypeUnknown         EntityType = ""
)

// typeBySchema maps OParl schema URLs to entity types. 1.0 and 1.1 resolve
// to the same type; servers in the wild also mix http and https prefixes.
var typeBySchema = map[string]EntityType{
	"https://schema.oparl.org/1.0/System":          TypeSystem,
	"https://schema.oparl.org/1.0/Body":            TypeBody,
	"https://schema.oparl.org/1.0/Organization":    TypeOrganization,
	"https://schema.oparl.org/1.0/Person":          TypePerson,
	"https://schema.oparl.org/1.0/Meeting":         TypeMeeting,
	"https://schema.oparl.org/1.0/Paper":           TypePaper,
	"https://schema.oparl.org/1.0/Membership":      TypeMembership,
	"https://schema.oparl.org/1.0/Location":        TypeLocation,
	"https://schema.oparl.org/1.0/AgendaItem":      TypeAgendaItem,
	"https://schema.oparl.org/1.0/File":            TypeFile,
	"https://schema.oparl.org/1.0/Consultation":    TypeConsultation,
	"https://schema.oparl.org/1.0/LegislativeTerm": TypeLegislativeTerm,

	"https://schema.oparl.org/1.1/System":          TypeSystem,
	"https://schema.oparl.org/1.1/Body":            TypeBody,
	"https://schema.oparl.org/1.1/Organization":    TypeOrganization,
	"https://schema.oparl.org/1.1/Person":          TypePerson,
	"https://schema.oparl.org/1.1/Meeting":         TypeMeeting,
	"https://schema.oparl.org/1.1/Paper":           TypePaper,
	"https://schema.oparl.org/1.1/Membership":      TypeMembership,
	"https://schema.oparl.org/1.1/Location":        TypeLocation,
	"https://schema.oparl.org/1.1/AgendaItem":      TypeAgendaItem,
	"https://schema.oparl.org/1.1/File":            TypeFile,
	"https://schema.oparl.org/1.1/Consultation":    TypeConsultation,
	"https://schema.oparl.org/1.1/LegislativeTerm": TypeLegislativeTerm,
}

// DetectType resolves an OParl `type` schema URL to an entity type.
// Unknown URLs yield TypeUnknown; the caller logs and skips.
func DetectType(typeURL string) EntityType {
	if typeURL == "" {
		return TypeUnknown
	}
	if strings.HasPrefix(typeURL, "http://") {
		typeURL = "https://" + strings.TrimPrefix(typeURL, "http://")
	}
	return typeBySchema[typeURL]
}

// SyncOrder is the fixed per-body list order. Foreign-key targets come
// before their referrers: organizations before memberships, meetings
// before agenda items.
var SyncOrder = []string{
	"organizations",
	"persons",
	"memberships",
	"meetings",
	"papers",
	"files",
	"locations",
	"agenda_items",
	"consultations",
}

// listKindByType maps a list kind name back to the entity type it yields.
var listKindByType = map[string]EntityType{
	"organizations": TypeOrganization,
	"persons":       TypePerson,
	"memberships":   TypeMembership,
	"meetings":      TypeMeeting,
	"papers":        TypePaper,
	"files":         TypeFile,
	"locations":     TypeLocation,
	"agenda_items":  TypeAgendaItem,
	"consultations": TypeConsultation,
}

// KindType returns the entity type produced by a list kind.
func KindType(kind string) EntityType {
	return listKindByType[kind]
}

// Entity is the normalized projection of one OParl object. It is a sparse
// union across all entity types; Type says which field groups are live.
// Raw preserves the upstream payload verbatim as the recovery source of truth.
type Entity struct {
	Type       EntityType
	ExternalID string
	UUID       uuid.UUID
	Raw        json.RawMessage

	OParlCreated  *time.Time
	OParlModified *time.Time

	Name      string
	ShortName string
	Deleted   bool

	// Parent links, as upstream external IDs. Resolution to local rows
	// happens post-persistence by external_id lookup.
	BodyExternalID         string
	MeetingExternalID      string
	PaperExternalID        string
	PersonExternalID       string
	OrganizationExternalID string
	AgendaItemExternalID   string
	LocationExternalID     string

	// Body
	ListURLs map[string]string // kind name -> list URL
	Website  string
	AGS      string // Amtlicher Gemeindeschlüssel

	// Meeting
	Start        *time.Time
	End          *time.Time
	Cancelled    bool
	MeetingState string

	// Paper
	Reference string
	PaperType string
	Date      *time.Time

	// Person
	GivenName  string
	FamilyName string
	Title      string
	Email      string
	Phone      string
	Gender     string

	// Organization
	OrganizationType string
	Classification   string

	// Membership
	VotingRight *bool
	Role        string
	StartDate   *time.Time
	EndDate     *time.Time

	// AgendaItem
	Order  int
	Number string
	Public *bool
	Result string

	// File
	FileName           string
	MimeType           string
	Size               int64
	AccessURL          string
	DownloadURL        string
	PaperExternalIDs   []string
	MeetingExternalIDs []string

	// Location
	StreetAddress string
	PostalCode    string
	Locality      string
	Room          string

	// Consultation
	Authoritative bool
}

// Reference records an external-ID link between two entities. Links land in
// a side table and are resolved once both rows exist, which keeps the
// in-memory graph cycle-free.
type Reference struct {
	FromExternalID string
	Field          string
	ToExternalID   string
}

// Result is the output of processing one raw object: the entity itself,
// every nested entity discovered inside the payload (flattened), and the
// external-ID references extracted along the way.
type Result struct {
	Entity *Entity
	Nested []*Entity
	Refs   []Reference
}

// All returns the parent and nested entities as one slice, parent first.
func (r *Result) All() []*Entity {
	out := make([]*Entity, 0, 1+len(r.Nested))
	out = append(out, r.Entity)
	out = append(out, r.Nested...)
	return out
}

const (
	maxNameLen     = 500
	maxFileNameLen = 255
)

// truncate shortens s to max runes, ellipsis-preserving.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
