package steps

import (
	"context"
	"fmt"

	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

// ExtractStep pulls each registered document's bytes back out of the
// artifact store and saves the extracted text. Documents that already have
// an extraction are skipped, so a resumed run only pays for what is missing.
type ExtractStep struct {
	deps Deps
}

func (s *ExtractStep) Name() string { return StepExtract }

func (s *ExtractStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	out := ec.Data.Clone()

	docs, serr := uploadedDocuments(ctx, s.deps, ec.ProjectID, out)
	if serr != nil {
		return out, serr
	}

	ids := make([]string, 0, len(docs))
	skipped := 0
	for _, doc := range docs {
		ids = append(ids, doc.DocumentID)

		has, err := s.deps.Catalog.HasExtraction(ctx, doc.DocumentID)
		if err != nil {
			return out, pipeline.Transient(fmt.Errorf("check extraction for %s: %w", doc.DocumentID, err))
		}
		if has {
			skipped++
			continue
		}

		data, err := s.deps.Artifacts.Get(ctx, doc.ArtifactKey)
		if err != nil {
			return out, pipeline.MissingPrerequisite(fmt.Errorf("artifact %s for document %s is unreadable: %w", doc.ArtifactKey, doc.DocumentID, err))
		}

		text, pages, err := s.deps.Extractor.Extract(ctx, data)
		if err != nil {
			return out, pipeline.Transient(fmt.Errorf("extract text from %s: %w", doc.Label, err))
		}
		if len(text) == 0 {
			return out, pipeline.Validation(fmt.Errorf("document %s (%s) produced no text: likely a scanned or image-only file", doc.Label, doc.ArtifactKey))
		}

		ex := catalog.Extraction{DocumentID: doc.DocumentID, Text: text, PageCount: pages}
		if err := s.deps.Catalog.SaveExtraction(ctx, ex); err != nil {
			return out, pipeline.Transient(fmt.Errorf("save extraction for %s: %w", doc.DocumentID, err))
		}
		ec.Progress(fmt.Sprintf("Extracted %s", doc.Label), map[string]any{
			"document_id": doc.DocumentID,
			"pages":       pages,
			"characters":  len(text),
		})
	}

	if skipped > 0 {
		ec.Progress("Skipped already-extracted documents", map[string]any{"skipped": skipped})
	}

	if err := out.Put(StepExtract, extractPayload{DocumentIDs: ids}); err != nil {
		return out, pipeline.Transient(err)
	}
	return out, nil
}

// uploadedDocuments reads the upload payload from resume data, falling back
// to the catalog when the checkpoint predates it.
func uploadedDocuments(ctx context.Context, deps Deps, projectID string, data models.ResumeData) ([]UploadedDocument, *pipeline.StepError) {
	var payload uploadPayload
	ok, err := data.Get(StepUpload, &payload)
	if err != nil {
		return nil, pipeline.Transient(err)
	}
	if ok && len(payload.Documents) > 0 {
		return payload.Documents, nil
	}

	docs, err := deps.Catalog.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("list documents for project %s: %w", projectID, err))
	}
	if len(docs) == 0 {
		return nil, pipeline.MissingPrerequisite(fmt.Errorf("no registered documents for project %s", projectID))
	}
	out := make([]UploadedDocument, 0, len(docs))
	for _, doc := range docs {
		out = append(out, UploadedDocument{
			DocumentID:  doc.ID,
			ArtifactKey: doc.ArtifactKey,
			Label:       doc.Label,
		})
	}
	return out, nil
}
