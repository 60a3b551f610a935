// Package models defines the shared domain types of the ingestion and sync
// orchestrator: source documents and their sections, chunks bound for the
// search index, connector checkpoints, connector failures, and the status
// enumerations persisted in the relational store.
//
// The types here are plain data records. All behavior lives in the packages
// that operate on them (connectors, pipeline, syncer); repositories in the
// store package persist the subset that is durable.
package models

import "time"

// DocumentSource identifies the external system a document came from.
type DocumentSource string

const (
	SourceWeb           DocumentSource = "web"
	SourceSlack         DocumentSource = "slack"
	SourceConfluence    DocumentSource = "confluence"
	SourceGoogleDrive   DocumentSource = "google_drive"
	SourceMock          DocumentSource = "mock"
	SourceIngestionAPI  DocumentSource = "ingestion_api"
	SourceFileUpload    DocumentSource = "file"
	SourceNotApplicable DocumentSource = "not_applicable"
)

// TextSection is a contiguous span of document text with an optional link.
type TextSection struct {
	Text string `json:"text"`
	Link string `json:"link,omitempty"`
}

// ImageSection references an image stored externally. The pipeline either
// summarizes it to text through a vision model or replaces it with a
// placeholder before chunking.
type ImageSection struct {
	ImageFileID string `json:"image_file_id"`
	Link        string `json:"link,omitempty"`
}

// Section is the tagged union of text and image sections. Exactly one of
// Text/Image is set.
type Section struct {
	Text  *TextSection  `json:"text,omitempty"`
	Image *ImageSection `json:"image,omitempty"`
}

// IsText reports whether the section carries text content.
func (s Section) IsText() bool { return s.Text != nil }

// BasicExpert identifies a document owner as reported by the source.
type BasicExpert struct {
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Document is a source document as yielded by a connector, prior to any
// pipeline processing. The ID is unique within the source; connectors that
// cannot guarantee global uniqueness prefix it with their source name.
type Document struct {
	ID                 string              `json:"id"`
	SemanticIdentifier string              `json:"semantic_identifier"`
	Sections           []Section           `json:"sections"`
	Source             DocumentSource      `json:"source"`
	Metadata           map[string][]string `json:"metadata,omitempty"`
	Title              string              `json:"title,omitempty"`
	DocUpdatedAt       *time.Time          `json:"doc_updated_at,omitempty"`
	PrimaryOwners      []BasicExpert       `json:"primary_owners,omitempty"`
	SecondaryOwners    []BasicExpert       `json:"secondary_owners,omitempty"`
	FromIngestionAPI   bool                `json:"from_ingestion_api,omitempty"`
}

// IsEmpty reports whether the document carries no indexable content: no
// title, no semantic identifier, and no non-empty text section. Empty
// documents are dropped by the pipeline filter.
func (d *Document) IsEmpty() bool {
	if d.Title != "" || d.SemanticIdentifier != "" {
		return false
	}
	for _, s := range d.Sections {
		if s.Text != nil && s.Text.Text != "" {
			return false
		}
	}
	return true
}

// TextLength returns the total number of text bytes across all sections.
func (d *Document) TextLength() int {
	total := 0
	for _, s := range d.Sections {
		if s.Text != nil {
			total += len(s.Text.Text)
		}
	}
	return total
}

// GetTitleForIndexing returns the title used for the title embedding and the
// chunk title prefix, falling back to the semantic identifier.
func (d *Document) GetTitleForIndexing() string {
	if d.Title != "" {
		return d.Title
	}
	return d.SemanticIdentifier
}

// ProcessedSection pairs the original section with the text the pipeline
// derived from it. For text sections the two are identical; for image
// sections Text holds the vision summary or a placeholder.
type ProcessedSection struct {
	Section Section
	Text    string
}

// IndexingDocument is a Document plus the processed form of each section.
// It preserves the raw sections so downstream stages can still distinguish
// images from text.
type IndexingDocument struct {
	Document
	ProcessedSections []ProcessedSection
}

// SlimDocument is the minimal record used by permission-only connector
// passes: the document id plus whatever permission payload the source
// reports.
type SlimDocument struct {
	ID          string              `json:"id"`
	PermSyncMap map[string][]string `json:"perm_sync_map,omitempty"`
}
