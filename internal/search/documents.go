package search

import (
	"time"
	"unicode/utf8"

	"github.com/mandari/ingest/internal/oparl"
)

// previewLen bounds the file-content preview attached to paper documents.
const previewLen = 5000

// PaperDoc is the flat search shape of one paper, enriched with the names
// and text of its attached files.
type PaperDoc struct {
	ID                  string   `json:"id"`
	ExternalID          string   `json:"external_id"`
	BodyID              string   `json:"body_id,omitempty"`
	Name                string   `json:"name"`
	Reference           string   `json:"reference,omitempty"`
	PaperType           string   `json:"paper_type,omitempty"`
	Date                int64    `json:"date,omitempty"`
	OParlCreated        int64    `json:"oparl_created,omitempty"`
	OParlModified       int64    `json:"oparl_modified,omitempty"`
	FileNames           []string `json:"file_names,omitempty"`
	FileContentsPreview string   `json:"file_contents_preview,omitempty"`
}

type MeetingDoc struct {
	ID                string   `json:"id"`
	ExternalID        string   `json:"external_id"`
	BodyID            string   `json:"body_id,omitempty"`
	Name              string   `json:"name"`
	Start             int64    `json:"start,omitempty"`
	End               int64    `json:"end,omitempty"`
	Cancelled         bool     `json:"cancelled"`
	OParlModified     int64    `json:"oparl_modified,omitempty"`
	OrganizationNames []string `json:"organization_names,omitempty"`
	LocationName      string   `json:"location_name,omitempty"`
}

type PersonDoc struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	BodyID     string `json:"body_id,omitempty"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Title      string `json:"title,omitempty"`
}

type OrganizationDoc struct {
	ID               string `json:"id"`
	ExternalID       string `json:"external_id"`
	BodyID           string `json:"body_id,omitempty"`
	Name             string `json:"name"`
	ShortName        string `json:"short_name,omitempty"`
	OrganizationType string `json:"organization_type,omitempty"`
	Classification   string `json:"classification,omitempty"`
}

type FileDoc struct {
	ID             string `json:"id"`
	ExternalID     string `json:"external_id"`
	BodyID         string `json:"body_id,omitempty"`
	PaperID        string `json:"paper_id,omitempty"`
	Name           string `json:"name"`
	FileName       string `json:"file_name,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	OParlModified  int64  `json:"oparl_modified,omitempty"`
	TextContent    string `json:"text_content,omitempty"`
	PaperName      string `json:"paper_name,omitempty"`
	PaperReference string `json:"paper_reference,omitempty"`
}

// PaperDocument builds the search shape of one paper. fileText is the
// concatenated text of the paper's files, truncated to the preview bound.
func PaperDocument(e *oparl.Entity, fileNames []string, fileText string) PaperDoc {
	if len(fileText) > previewLen {
		// Back up to a rune boundary so the cut never splits a UTF-8
		// sequence; the extractor guarantees valid UTF-8 going in.
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(fileText[cut]) {
			cut--
		}
		fileText = fileText[:cut]
	}
	return PaperDoc{
		ID:                  e.UUID.String(),
		ExternalID:          e.ExternalID,
		BodyID:              bodyID(e),
		Name:                e.Name,
		Reference:           e.Reference,
		PaperType:           e.PaperType,
		Date:                unix(e.Date),
		OParlCreated:        unix(e.OParlCreated),
		OParlModified:       unix(e.OParlModified),
		FileNames:           fileNames,
		FileContentsPreview: fileText,
	}
}

func MeetingDocument(e *oparl.Entity, organizationNames []string, locationName string) MeetingDoc {
	return MeetingDoc{
		ID:                e.UUID.String(),
		ExternalID:        e.ExternalID,
		BodyID:            bodyID(e),
		Name:              e.Name,
		Start:             unix(e.Start),
		End:               unix(e.End),
		Cancelled:         e.Cancelled,
		OParlModified:     unix(e.OParlModified),
		OrganizationNames: organizationNames,
		LocationName:      locationName,
	}
}

func PersonDocument(e *oparl.Entity) PersonDoc {
	return PersonDoc{
		ID:         e.UUID.String(),
		ExternalID: e.ExternalID,
		BodyID:     bodyID(e),
		Name:       e.Name,
		GivenName:  e.GivenName,
		FamilyName: e.FamilyName,
		Title:      e.Title,
	}
}

func OrganizationDocument(e *oparl.Entity) OrganizationDoc {
	return OrganizationDoc{
		ID:               e.UUID.String(),
		ExternalID:       e.ExternalID,
		BodyID:           bodyID(e),
		Name:             e.Name,
		ShortName:        e.ShortName,
		OrganizationType: e.OrganizationType,
		Classification:   e.Classification,
	}
}

// FileDocument builds the search shape of one file. text comes from the
// extraction pipeline; paperName and paperReference from the owning paper
// when it is known.
func FileDocument(e *oparl.Entity, text, paperName, paperReference string) FileDoc {
	doc := FileDoc{
		ID:             e.UUID.String(),
		ExternalID:     e.ExternalID,
		BodyID:         bodyID(e),
		Name:           e.Name,
		FileName:       e.FileName,
		MimeType:       e.MimeType,
		OParlModified:  unix(e.OParlModified),
		TextContent:    text,
		PaperName:      paperName,
		PaperReference: paperReference,
	}
	if paperExt := firstPaper(e); paperExt != "" {
		doc.PaperID = oparl.UUIDFor(paperExt).String()
	}
	return doc
}

func firstPaper(e *oparl.Entity) string {
	if e.PaperExternalID != "" {
		return e.PaperExternalID
	}
	if len(e.PaperExternalIDs) > 0 {
		return e.PaperExternalIDs[0]
	}
	return ""
}

func bodyID(e *oparl.Entity) string {
	if e.BodyExternalID == "" {
		return ""
	}
	return oparl.UUIDFor(e.BodyExternalID).String()
}

func unix(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
