package steps

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

const defaultUploadConcurrency = 3

// UploadStep registers each fetched artifact as a catalog document. The
// catalog upsert keys on (project, artifact key), so re-running after a
// partial failure registers only the remainder.
type UploadStep struct {
	deps Deps
}

func (s *UploadStep) Name() string { return StepUpload }

func (s *UploadStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	out := ec.Data.Clone()

	var fetched fetchPayload
	ok, err := out.Get(StepFetch, &fetched)
	if err != nil {
		return out, pipeline.Transient(err)
	}
	if !ok || len(fetched.Documents) == 0 {
		// The fetch payload can be absent when an older checkpoint predates
		// it. Recover from the catalog before giving up.
		recovered, rerr := s.recoverRefs(ctx, ec.ProjectID)
		if rerr != nil {
			return out, rerr
		}
		fetched.Documents = recovered
	}

	for _, ref := range fetched.Documents {
		exists, err := s.deps.Artifacts.Exists(ctx, ref.ArtifactKey)
		if err != nil {
			return out, pipeline.Transient(fmt.Errorf("check artifact %s: %w", ref.ArtifactKey, err))
		}
		if !exists {
			return out, pipeline.MissingPrerequisite(fmt.Errorf("artifact %s referenced by checkpoint is gone from storage", ref.ArtifactKey))
		}
	}

	concurrency := s.deps.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}

	var mu sync.Mutex
	uploaded := make([]UploadedDocument, 0, len(fetched.Documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, ref := range fetched.Documents {
		ref := ref
		g.Go(func() error {
			doc, err := s.deps.Catalog.UpsertDocument(gctx, catalogDocument(ec.ProjectID, ref))
			if err != nil {
				return fmt.Errorf("register document %s: %w", ref.Label, err)
			}
			mu.Lock()
			uploaded = append(uploaded, UploadedDocument{
				DocumentID:  doc.ID,
				ArtifactKey: doc.ArtifactKey,
				Label:       doc.Label,
			})
			mu.Unlock()
			ec.Progress(fmt.Sprintf("Registered %s", doc.Label), map[string]any{"document_id": doc.ID})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, pipeline.Transient(err)
	}

	if err := out.Put(StepUpload, uploadPayload{Documents: uploaded}); err != nil {
		return out, pipeline.Transient(err)
	}
	return out, nil
}

// recoverRefs rebuilds document references from catalog rows written by an
// earlier run of this step.
func (s *UploadStep) recoverRefs(ctx context.Context, projectID string) ([]DocumentRef, error) {
	docs, err := s.deps.Catalog.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("list documents for project %s: %w", projectID, err))
	}
	if len(docs) == 0 {
		return nil, pipeline.MissingPrerequisite(fmt.Errorf("no fetched documents in checkpoint and none registered for project %s", projectID))
	}
	refs := make([]DocumentRef, 0, len(docs))
	for _, doc := range docs {
		refs = append(refs, DocumentRef{
			Label:       doc.Label,
			FiscalYear:  doc.FiscalYear,
			SourceURL:   doc.SourceURL,
			ArtifactKey: doc.ArtifactKey,
			SHA256:      doc.SHA256,
			Size:        doc.Size,
		})
	}
	return refs, nil
}

func catalogDocument(projectID string, ref DocumentRef) catalog.Document {
	return catalog.Document{
		ProjectID:   projectID,
		Label:       ref.Label,
		FiscalYear:  ref.FiscalYear,
		SourceURL:   ref.SourceURL,
		ArtifactKey: ref.ArtifactKey,
		SHA256:      ref.SHA256,
		Size:        ref.Size,
	}
}
