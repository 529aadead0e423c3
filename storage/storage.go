// Package storage is the durable artifact store for raw document bytes.
// Checkpoints hold artifact keys only; the bytes themselves live here and are
// re-fetched by key when a resumed step needs them.
package storage

import "context"

// Store puts and gets immutable artifacts by key. Put with an existing key is
// a no-op, which is what makes re-running an upload step safe.
type Store interface {
	// Put writes the artifact unless the key already exists.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the artifact bytes for a key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the key has been written.
	Exists(ctx context.Context, key string) (bool, error)
}
