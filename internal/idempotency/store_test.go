package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idempotency.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint("chat", "msg-100", map[string]any{"text": "hi", "n": 1})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint("chat", "msg-100", map[string]any{"n": 1, "text": "hi"})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("expected key-order-independent fingerprint, got %s != %s", a, b)
	}
}

func TestFingerprintDiffersOnPayload(t *testing.T) {
	a, _ := Fingerprint("chat", "msg-100", map[string]any{"text": "hi"})
	b, _ := Fingerprint("chat", "msg-100", map[string]any{"text": "bye"})
	if a == b {
		t.Fatalf("expected different fingerprints for different payloads")
	}
}

func TestFirstSightingOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.FirstSighting(ctx, "abc123")
	if err != nil {
		t.Fatalf("first sighting: %v", err)
	}
	if !first {
		t.Fatalf("expected first sighting to be true")
	}

	second, err := s.FirstSighting(ctx, "abc123")
	if err != nil {
		t.Fatalf("second sighting: %v", err)
	}
	if second {
		t.Fatalf("expected second sighting to be false")
	}
}

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.FirstSighting(ctx, "old-one"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	n, err := s.PurgeOlderThan(ctx, future)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row purged, got %d", n)
	}

	first, err := s.FirstSighting(ctx, "old-one")
	if err != nil {
		t.Fatalf("re-sight after purge: %v", err)
	}
	if !first {
		t.Fatalf("expected fingerprint to be a fresh first sighting after purge")
	}
}
