// Package steps contains the concrete pipeline steps and the collaborator
// contracts they call out to. Every step checks durable state before
// re-performing an external side effect, so a resumed run skips work whose
// results already exist.
package steps

import (
	"context"
)

// FetchedDocument is a source document downloaded by a Fetcher.
type FetchedDocument struct {
	Label      string
	FiscalYear string
	URL        string
	Data       []byte
}

// Fetcher retrieves the source documents for a project from its source URL.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]FetchedDocument, error)
}

// Extractor turns raw document bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (text string, pageCount int, err error)
}

// Embedder converts text chunks into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
