package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCatalog mirrors the Postgres catalog semantics in memory for tests.
type MemoryCatalog struct {
	mu          sync.RWMutex
	documents   map[string]Document     // by document id
	extractions map[string]Extraction   // by document id
	chunks      map[string][]Chunk      // by document id
	snapshots   map[string]Snapshot     // by project id
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		documents:   make(map[string]Document),
		extractions: make(map[string]Extraction),
		chunks:      make(map[string][]Chunk),
		snapshots:   make(map[string]Snapshot),
	}
}

func (c *MemoryCatalog) UpsertDocument(ctx context.Context, doc Document) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.documents {
		if existing.ProjectID == doc.ProjectID && existing.ArtifactKey == doc.ArtifactKey {
			return existing, nil
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = time.Now()
	c.documents[doc.ID] = doc
	return doc, nil
}

func (c *MemoryCatalog) DocumentByArtifactKey(ctx context.Context, projectID, artifactKey string) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, doc := range c.documents {
		if doc.ProjectID == projectID && doc.ArtifactKey == artifactKey {
			cp := doc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCatalog) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var docs []Document
	for _, doc := range c.documents {
		if doc.ProjectID == projectID {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (c *MemoryCatalog) HasExtraction(ctx context.Context, documentID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.extractions[documentID]
	return ok, nil
}

func (c *MemoryCatalog) SaveExtraction(ctx context.Context, ex Extraction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.extractions[ex.DocumentID]; ok {
		return nil
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	ex.CreatedAt = time.Now()
	c.extractions[ex.DocumentID] = ex
	return nil
}

func (c *MemoryCatalog) ExtractionByDocument(ctx context.Context, documentID string) (*Extraction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ex, ok := c.extractions[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := ex
	return &cp, nil
}

func (c *MemoryCatalog) HasChunks(ctx context.Context, documentID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks[documentID]) > 0, nil
}

func (c *MemoryCatalog) SaveChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]Chunk, len(chunks))
	for i, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		stored[i] = chunk
	}
	c.chunks[documentID] = stored
	return nil
}

func (c *MemoryCatalog) UpsertSnapshot(ctx context.Context, projectID string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.snapshots[projectID]
	if ok {
		snap.Data = data
		snap.Version++
	} else {
		snap = Snapshot{ProjectID: projectID, Data: data, Version: 1}
	}
	snap.GeneratedAt = time.Now()
	c.snapshots[projectID] = snap
	return nil
}

func (c *MemoryCatalog) SnapshotByProject(ctx context.Context, projectID string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := snap
	return &cp, nil
}
