package indexing

import "time"

// Section is one chunk-able unit of a document's content.
type Section struct {
	Link string `json:"link,omitempty"`
	Text string `json:"text"`
}

// Document is a single item produced by a connector.
type Document struct {
	ID                 string            `json:"id"`
	SemanticIdentifier string            `json:"semantic_identifier"`
	Source             string            `json:"source"`
	Sections           []Section         `json:"sections"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	UpdatedAt          *time.Time        `json:"updated_at,omitempty"`
}

// Failure records a transient per-document or per-entity connector error. It
// never aborts an attempt on its own.
type Failure struct {
	DocumentID string `json:"document_id,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Message    string `json:"message"`
	Exception  string `json:"exception,omitempty"`
}
