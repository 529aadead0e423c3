package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

// chunkSize is the target chunk length in characters. Chunks break on
// whitespace near the boundary so words stay intact.
const chunkSize = 800

// IndexStep splits each document's extracted text into chunks, embeds them,
// and stores them atomically per document. Chunk writes are all-or-nothing,
// so a document either shows up fully indexed or not at all.
type IndexStep struct {
	deps Deps
}

func (s *IndexStep) Name() string { return StepIndex }

func (s *IndexStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	out := ec.Data.Clone()

	docs, serr := uploadedDocuments(ctx, s.deps, ec.ProjectID, out)
	if serr != nil {
		return out, serr
	}

	indexed := 0
	embeddings := 0
	for _, doc := range docs {
		has, err := s.deps.Catalog.HasChunks(ctx, doc.DocumentID)
		if err != nil {
			return out, pipeline.Transient(fmt.Errorf("check chunks for %s: %w", doc.DocumentID, err))
		}
		if has {
			indexed++
			continue
		}

		ex, err := s.deps.Catalog.ExtractionByDocument(ctx, doc.DocumentID)
		if err != nil {
			return out, pipeline.MissingPrerequisite(fmt.Errorf("no extraction for document %s (%s): %w", doc.DocumentID, doc.Label, err))
		}

		pieces := chunkText(ex.Text, chunkSize)
		vectors, err := s.deps.Embedder.Embed(ctx, pieces)
		if err != nil {
			return out, pipeline.Transient(fmt.Errorf("embed %d chunks for %s: %w", len(pieces), doc.Label, err))
		}
		if len(vectors) != len(pieces) {
			return out, pipeline.Transient(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces)))
		}

		chunks := make([]catalog.Chunk, len(pieces))
		for i, piece := range pieces {
			chunks[i] = catalog.Chunk{
				DocumentID: doc.DocumentID,
				Index:      i,
				Content:    piece,
				Embedding:  vectors[i],
			}
		}
		if err := s.deps.Catalog.SaveChunks(ctx, doc.DocumentID, chunks); err != nil {
			return out, pipeline.Transient(fmt.Errorf("save chunks for %s: %w", doc.DocumentID, err))
		}

		indexed++
		embeddings += len(chunks)
		ec.Progress(fmt.Sprintf("Indexed %s", doc.Label), map[string]any{
			"document_id": doc.DocumentID,
			"chunks":      len(chunks),
		})
	}

	if err := out.Put(StepIndex, indexPayload{Documents: indexed, Embeddings: embeddings}); err != nil {
		return out, pipeline.Transient(err)
	}
	return out, nil
}

// chunkText splits text into pieces of at most size characters, preferring a
// whitespace boundary in the back half of each piece.
func chunkText(text string, size int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= size {
			if piece := strings.TrimSpace(text); piece != "" {
				chunks = append(chunks, piece)
			}
			break
		}
		cut := size
		if i := strings.LastIndexAny(text[size/2:size], " \t\n"); i >= 0 {
			cut = size/2 + i
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			chunks = append(chunks, piece)
		}
		text = text[cut:]
	}
	return chunks
}
