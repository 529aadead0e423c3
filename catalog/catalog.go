// Package catalog persists the durable byproducts of document processing:
// document records, extracted text, indexed chunks with embeddings, and the
// project snapshot. Steps consult it for idempotency checks — work whose rows
// already exist is skipped on resume.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Document is one stored source document for a project.
type Document struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Label       string    `json:"label"`
	FiscalYear  string    `json:"fiscal_year,omitempty"`
	SourceURL   string    `json:"source_url"`
	ArtifactKey string    `json:"artifact_key"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Extraction is the extracted text body of one document.
type Extraction struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	PageCount  int       `json:"page_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is one indexed slice of extracted text with its embedding vector.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Snapshot is the generated project summary.
type Snapshot struct {
	ProjectID   string         `json:"project_id"`
	Data        map[string]any `json:"data"`
	Version     int            `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Catalog is the persistence contract consumed by the pipeline steps.
type Catalog interface {
	// UpsertDocument inserts the document or returns the existing record
	// for the same (project, artifact key) pair.
	UpsertDocument(ctx context.Context, doc Document) (Document, error)
	DocumentByArtifactKey(ctx context.Context, projectID, artifactKey string) (*Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]Document, error)

	HasExtraction(ctx context.Context, documentID string) (bool, error)
	SaveExtraction(ctx context.Context, ex Extraction) error
	ExtractionByDocument(ctx context.Context, documentID string) (*Extraction, error)

	HasChunks(ctx context.Context, documentID string) (bool, error)
	// SaveChunks stores all chunks for a document atomically: either every
	// chunk commits or none do, so a failed index step can be retried whole.
	SaveChunks(ctx context.Context, documentID string, chunks []Chunk) error

	UpsertSnapshot(ctx context.Context, projectID string, data map[string]any) error
	SnapshotByProject(ctx context.Context, projectID string) (*Snapshot, error)
}
