// Package idempotency implements the durable fingerprint store of spec
// §4.7: a sha256 fingerprint over canonicalized (source, external_id,
// payload), backed by an embedded single-file relational database with
// TTL purge. Opening semantics (WAL mode, schema-mismatch
// delete-and-recreate, file: URI escaping) are grounded directly on the
// teacher's internal/db.Store.Open/openDB.
package idempotency

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"database/sql"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vaulterr"
)

//go:embed schema.sql
var schemaSQL string

// DefaultTTL is the default retention window for seen fingerprints
// (spec §4.7: "TTL configurable (default 30 days)").
const DefaultTTL = 30 * 24 * time.Hour

// Store is the sqlite-backed fingerprint ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the idempotency database at dbPath, recreating
// it from scratch if the existing schema is incompatible — the same
// recovery strategy the teacher's cache.db uses for Linear schema
// drift.
func Open(dbPath string) (*Store, error) {
	store, err := openDB(dbPath)
	if err != nil {
		if isSchemaMismatch(err) {
			if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, &vaulterr.IOError{Op: "remove incompatible idempotency db", Err: rmErr}
			}
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")
			return openDB(dbPath)
		}
		return nil, err
	}
	return store, nil
}

func isSchemaMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "SQL logic error")
}

func openDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &vaulterr.IOError{Op: "create idempotency db dir", Err: err}
	}

	escaped := strings.ReplaceAll(dbPath, " ", "%20")
	connStr := "file:" + escaped + "?_time_format=sqlite"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &vaulterr.IOError{Op: "open idempotency db", Err: err}
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &vaulterr.IOError{Op: "enable WAL on idempotency db", Err: err}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &vaulterr.IOError{Op: "initialize idempotency schema", Err: err}
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Fingerprint computes sha256(source || external_id || canonical_json(payload))
// per spec §4.7. canonical_json sorts map keys recursively.
func Fingerprint(source, externalID string, payload map[string]any) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte(externalID))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalJSON(v any) ([]byte, error) {
	normalized := canonicalizeValue(v)
	return json.Marshal(normalized)
}

func canonicalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]canonicalPair, 0, len(keys))
		for _, k := range keys {
			out = append(out, canonicalPair{Key: k, Value: canonicalizeValue(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// canonicalPair preserves sorted key order through json.Marshal, since
// Go's encoding/json always re-sorts map[string]any keys anyway but we
// want the *hash input*, not the JSON text, to be order-independent of
// Go map iteration — marshaling a slice of pairs makes that explicit
// and auditable.
type canonicalPair struct {
	Key   string
	Value any
}

func (p canonicalPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

// FirstSighting returns true iff fingerprint has not been seen before;
// on first sighting it records (fingerprint, first_seen_ts) atomically.
func (s *Store) FirstSighting(ctx context.Context, fingerprint string) (bool, error) {
	now := timeutil.Format(timeutil.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (fingerprint, first_seen_ts) VALUES (?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`, fingerprint, now)
	if err != nil {
		return false, &vaulterr.IOError{Op: "insert fingerprint", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &vaulterr.IOError{Op: "rows affected after fingerprint insert", Err: err}
	}
	return affected == 1, nil
}

// PurgeOlderThan bulk-deletes fingerprints whose first_seen_ts predates
// cutoff, run periodically by the scheduler (C12).
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE first_seen_ts < ?`, timeutil.Format(cutoff))
	if err != nil {
		return 0, &vaulterr.IOError{Op: "purge fingerprints", Err: err}
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after a purge, mirroring spec §4.7's
// "VACUUM/compaction runs from the scheduler".
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return &vaulterr.IOError{Op: "vacuum idempotency db", Err: err}
	}
	return nil
}
