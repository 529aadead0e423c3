package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog stores catalog records in Postgres. Chunk writes run inside
// a transaction so an interrupted index step leaves no partial document index.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog wraps an existing connection pool.
func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

func (c *PostgresCatalog) UpsertDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	row := c.pool.QueryRow(ctx, `
		INSERT INTO documents (id, project_id, label, fiscal_year, source_url, artifact_key, sha256, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project_id, artifact_key) DO UPDATE SET label = EXCLUDED.label
		RETURNING id, project_id, label, fiscal_year, source_url, artifact_key, sha256, size, created_at`,
		doc.ID, doc.ProjectID, doc.Label, doc.FiscalYear, doc.SourceURL, doc.ArtifactKey, doc.SHA256, doc.Size)
	return scanDocument(row)
}

func (c *PostgresCatalog) DocumentByArtifactKey(ctx context.Context, projectID, artifactKey string) (*Document, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, project_id, label, fiscal_year, source_url, artifact_key, sha256, size, created_at
		FROM documents
		WHERE project_id = $1 AND artifact_key = $2`, projectID, artifactKey)
	doc, err := scanDocument(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *PostgresCatalog) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, project_id, label, fiscal_year, source_url, artifact_key, sha256, size, created_at
		FROM documents
		WHERE project_id = $1
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *PostgresCatalog) HasExtraction(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extractions WHERE document_id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check extraction: %w", err)
	}
	return exists, nil
}

func (c *PostgresCatalog) SaveExtraction(ctx context.Context, ex Extraction) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO extractions (id, document_id, text, page_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO NOTHING`,
		ex.ID, ex.DocumentID, ex.Text, ex.PageCount)
	if err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) ExtractionByDocument(ctx context.Context, documentID string) (*Extraction, error) {
	var ex Extraction
	err := c.pool.QueryRow(ctx, `
		SELECT id, document_id, text, page_count, created_at
		FROM extractions
		WHERE document_id = $1`, documentID).
		Scan(&ex.ID, &ex.DocumentID, &ex.Text, &ex.PageCount, &ex.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load extraction: %w", err)
	}
	return &ex, nil
}

func (c *PostgresCatalog) HasChunks(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE document_id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chunks: %w", err)
	}
	return exists, nil
}

func (c *PostgresCatalog) SaveChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			id, documentID, chunk.Index, chunk.Content, chunk.Embedding); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) UpsertSnapshot(ctx context.Context, projectID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO snapshots (project_id, data, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (project_id) DO UPDATE
		SET data = EXCLUDED.data, version = snapshots.version + 1, generated_at = now()`,
		projectID, raw)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) SnapshotByProject(ctx context.Context, projectID string) (*Snapshot, error) {
	var (
		snap Snapshot
		raw  []byte
	)
	err := c.pool.QueryRow(ctx, `
		SELECT project_id, data, version, generated_at
		FROM snapshots
		WHERE project_id = $1`, projectID).
		Scan(&snap.ProjectID, &raw, &snap.Version, &snap.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Label, &doc.FiscalYear,
		&doc.SourceURL, &doc.ArtifactKey, &doc.SHA256, &doc.Size, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// Migrate creates the catalog tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	label        TEXT NOT NULL,
	fiscal_year  TEXT NOT NULL DEFAULT '',
	source_url   TEXT NOT NULL DEFAULT '',
	artifact_key TEXT NOT NULL,
	sha256       TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, artifact_key)
);

CREATE TABLE IF NOT EXISTS extractions (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents (id),
	text        TEXT NOT NULL,
	page_count  INT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_id)
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents (id),
	chunk_index INT NOT NULL,
	content     TEXT NOT NULL,
	embedding   REAL[],
	UNIQUE (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS snapshots (
	project_id   TEXT PRIMARY KEY,
	data         JSONB NOT NULL,
	version      INT NOT NULL DEFAULT 1,
	generated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
