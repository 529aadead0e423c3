package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/pipeline"
)

// FetchStep downloads the project's source documents and writes each one to
// the artifact store under a content-addressed key. Only the keys travel
// forward in resume data.
type FetchStep struct {
	deps Deps
}

func (s *FetchStep) Name() string { return StepFetch }

func (s *FetchStep) Run(ctx context.Context, ec pipeline.ExecContext) (models.ResumeData, error) {
	out := ec.Data.Clone()

	if strings.TrimSpace(ec.SourceURL) == "" {
		return out, pipeline.Validation(fmt.Errorf("project %s has no source URL", ec.ProjectID))
	}
	if _, err := url.ParseRequestURI(ec.SourceURL); err != nil {
		return out, pipeline.Validation(fmt.Errorf("source URL %q is not a valid URL: %w", ec.SourceURL, err))
	}

	// A resumed run that already stored every artifact skips the network
	// entirely.
	var prior fetchPayload
	if ok, err := out.Get(StepFetch, &prior); err == nil && ok && len(prior.Documents) > 0 {
		if s.allStored(ctx, prior.Documents) {
			ec.Progress("Documents already fetched", map[string]any{"documents": len(prior.Documents)})
			return out, nil
		}
	}

	ec.Progress("Fetching source documents", map[string]any{"source_url": ec.SourceURL})
	docs, err := s.deps.Fetcher.Fetch(ctx, ec.SourceURL)
	if err != nil {
		return out, pipeline.Transient(fmt.Errorf("fetch documents from %s: %w", ec.SourceURL, err))
	}
	if len(docs) == 0 {
		return out, pipeline.Validation(fmt.Errorf("no documents found at %s", ec.SourceURL))
	}

	refs := make([]DocumentRef, 0, len(docs))
	for _, doc := range docs {
		sum := sha256.Sum256(doc.Data)
		digest := hex.EncodeToString(sum[:])
		key := artifactKey(ec.ProjectID, digest)
		if err := s.deps.Artifacts.Put(ctx, key, doc.Data); err != nil {
			return out, pipeline.Transient(fmt.Errorf("store artifact %s: %w", key, err))
		}
		refs = append(refs, DocumentRef{
			Label:       doc.Label,
			FiscalYear:  doc.FiscalYear,
			SourceURL:   doc.URL,
			ArtifactKey: key,
			SHA256:      digest,
			Size:        int64(len(doc.Data)),
		})
		ec.Progress(fmt.Sprintf("Stored %s", doc.Label), map[string]any{
			"artifact_key": key,
			"size":         len(doc.Data),
		})
	}

	if err := out.Put(StepFetch, fetchPayload{Documents: refs}); err != nil {
		return out, pipeline.Transient(err)
	}
	return out, nil
}

func (s *FetchStep) allStored(ctx context.Context, refs []DocumentRef) bool {
	for _, ref := range refs {
		ok, err := s.deps.Artifacts.Exists(ctx, ref.ArtifactKey)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func artifactKey(projectID, digest string) string {
	return fmt.Sprintf("projects/%s/%s.pdf", projectID, digest[:16])
}
