package storage

import (
	"context"
	"testing"
)

func TestLocalStorePutGetExists(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	key := "projects/proj-1/abcdef0123456789.pdf"
	if ok, err := s.Exists(ctx, key); err != nil || ok {
		t.Fatalf("Exists before Put = (%v, %v)", ok, err)
	}

	if err := s.Put(ctx, key, []byte("document body")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists after Put = (%v, %v)", ok, err)
	}

	data, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "document body" {
		t.Fatalf("Get = %q", data)
	}
}

func TestLocalStorePutIsImmutable(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := "projects/proj-1/key.pdf"
	if err := s.Put(ctx, key, []byte("first")); err != nil {
		t.Fatal(err)
	}
	// Second Put with the same key is a no-op.
	if err := s.Put(ctx, key, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Fatalf("Get = %q, want first write preserved", data)
	}
}

func TestLocalStoreGetMissingKey(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "projects/x/missing.pdf"); err == nil {
		t.Fatal("expected an error for a missing key")
	}
}

func TestLocalStoreRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"../outside", "/etc/passwd", ".", "a/../../b"} {
		if err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Fatalf("Put accepted invalid key %q", key)
		}
	}
}
