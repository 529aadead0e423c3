package steps

import (
	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/storage"
)

// Step names double as resume anchors persisted in checkpoints: they are
// append-only for the life of the pipeline, never renamed or reordered.
const (
	StepFetch    = "fetch"
	StepUpload   = "upload"
	StepExtract  = "extract"
	StepIndex    = "index"
	StepSnapshot = "snapshot"
)

// Deps carries the collaborators shared by the steps.
type Deps struct {
	Artifacts storage.Store
	Catalog   catalog.Catalog
	Fetcher   Fetcher
	Extractor Extractor
	Embedder  Embedder

	// UploadConcurrency bounds the parallel document registrations in the
	// upload step.
	UploadConcurrency int
}

// DefaultRegistry assembles the document-processing pipeline in its released
// order.
func DefaultRegistry(deps Deps) (*pipeline.Registry, error) {
	return pipeline.NewRegistry(
		&FetchStep{deps: deps},
		&UploadStep{deps: deps},
		&ExtractStep{deps: deps},
		&IndexStep{deps: deps},
		&SnapshotStep{deps: deps},
	)
}

// DocumentRef points at a fetched document's durable artifact. Only
// references travel through resume data; the bytes stay in the artifact
// store.
type DocumentRef struct {
	Label       string `json:"label"`
	FiscalYear  string `json:"fiscal_year,omitempty"`
	SourceURL   string `json:"source_url"`
	ArtifactKey string `json:"artifact_key"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
}

type fetchPayload struct {
	Documents []DocumentRef `json:"documents"`
}

// UploadedDocument links a catalog document row to its artifact.
type UploadedDocument struct {
	DocumentID  string `json:"document_id"`
	ArtifactKey string `json:"artifact_key"`
	Label       string `json:"label"`
}

type uploadPayload struct {
	Documents []UploadedDocument `json:"documents"`
}

type extractPayload struct {
	DocumentIDs []string `json:"document_ids"`
}

type indexPayload struct {
	Documents  int `json:"documents"`
	Embeddings int `json:"embeddings"`
}

type snapshotPayload struct {
	Version int `json:"version"`
}
