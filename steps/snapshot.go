package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

// SnapshotStep rolls the project's documents and extractions up into a
// versioned summary. The upsert bumps the version on every run, which is
// harmless on resume: regenerating a snapshot from the same rows yields the
// same content.
type SnapshotStep struct {
	deps Deps
}

func (s *SnapshotStep) Name() string { return StepSnapshot }

func (s *SnapshotStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	out := ec.Data.Clone()

	docs, err := s.deps.Catalog.ListDocuments(ctx, ec.ProjectID)
	if err != nil {
		return out, pipeline.Transient(fmt.Errorf("list documents for project %s: %w", ec.ProjectID, err))
	}
	if len(docs) == 0 {
		return out, pipeline.MissingPrerequisite(fmt.Errorf("no registered documents for project %s", ec.ProjectID))
	}

	entries := make([]map[string]any, 0, len(docs))
	totalPages := 0
	for _, doc := range docs {
		entry := map[string]any{
			"document_id": doc.ID,
			"label":       doc.Label,
			"source_url":  doc.SourceURL,
			"size":        doc.Size,
		}
		if doc.FiscalYear != "" {
			entry["fiscal_year"] = doc.FiscalYear
		}
		if ex, err := s.deps.Catalog.ExtractionByDocument(ctx, doc.ID); err == nil {
			entry["pages"] = ex.PageCount
			totalPages += ex.PageCount
		}
		entries = append(entries, entry)
	}

	data := map[string]any{
		"documents":    entries,
		"total_pages":  totalPages,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.deps.Catalog.UpsertSnapshot(ctx, ec.ProjectID, data); err != nil {
		return out, pipeline.Transient(fmt.Errorf("save snapshot for project %s: %w", ec.ProjectID, err))
	}

	snap, err := s.deps.Catalog.SnapshotByProject(ctx, ec.ProjectID)
	if err != nil {
		return out, pipeline.Transient(fmt.Errorf("read back snapshot for project %s: %w", ec.ProjectID, err))
	}
	ec.Progress("Snapshot generated", map[string]any{
		"version":   snap.Version,
		"documents": len(entries),
	})

	if err := out.Put(StepSnapshot, snapshotPayload{Version: snap.Version}); err != nil {
		return out, pipeline.Transient(err)
	}
	return out, nil
}
