// Package syncledger implements the two-way sync ledger and reconciler
// of spec §4.10: a durable table keyed by (source, remote_id), echo
// detection, latest-wins conflict resolution, and the pull/push sync
// loop the scheduler drives. The store's opening semantics mirror
// internal/idempotency (both are grounded on the teacher's
// internal/db.Store); the sync_meta table and "sync until unchanged"
// pagination watermark are grounded on the teacher's own
// GetSyncMeta/UpsertSyncMeta and internal/sync/worker.go's
// syncTeamIssues loop.
package syncledger

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vaulterr"
)

//go:embed schema.sql
var schemaSQL string

// Record is one (source, remote_id) ledger row, per spec §6.5.
type Record struct {
	Source            string
	RemoteID          string
	EntityID          string
	VersionSeen       string
	EtagSeen          string
	LastSyncTS        time.Time
	LastWriteTSLocal  time.Time
	LastWriteTSRemote time.Time
	SourcePriority    int
}

// Store is the sqlite-backed sync ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger database at dbPath, recreating it on
// schema mismatch exactly like internal/idempotency.Open.
func Open(dbPath string) (*Store, error) {
	store, err := openDB(dbPath)
	if err != nil {
		if isSchemaMismatch(err) {
			if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, &vaulterr.IOError{Op: "remove incompatible ledger db", Err: rmErr}
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
		return nil, &vaulterr.IOError{Op: "create ledger db dir", Err: err}
	}
	escaped := strings.ReplaceAll(dbPath, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, &vaulterr.IOError{Op: "open ledger db", Err: err}
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &vaulterr.IOError{Op: "enable WAL on ledger db", Err: err}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &vaulterr.IOError{Op: "initialize ledger schema", Err: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the ledger record for (source, remoteID), or ok=false if
// none exists yet.
func (s *Store) Get(ctx context.Context, source, remoteID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, remote_id, entity_id, version_seen, etag_seen,
		       last_sync_ts, last_write_ts_local, last_write_ts_remote, source_priority
		FROM ledger WHERE source = ? AND remote_id = ?`, source, remoteID)

	var r Record
	var versionSeen, etagSeen, lastSync, lastLocal, lastRemote sql.NullString
	err := row.Scan(&r.Source, &r.RemoteID, &r.EntityID, &versionSeen, &etagSeen,
		&lastSync, &lastLocal, &lastRemote, &r.SourcePriority)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &vaulterr.IOError{Op: "query ledger record", Err: err}
	}

	r.VersionSeen = versionSeen.String
	r.EtagSeen = etagSeen.String
	r.LastSyncTS = parseOptional(lastSync)
	r.LastWriteTSLocal = parseOptional(lastLocal)
	r.LastWriteTSRemote = parseOptional(lastRemote)
	return r, true, nil
}

func parseOptional(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := timeutil.Parse(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatOptional(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeutil.Format(t)
}

// Upsert writes a ledger record, replacing any existing row for the
// same (source, remote_id).
func (s *Store) Upsert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (source, remote_id, entity_id, version_seen, etag_seen,
		                     last_sync_ts, last_write_ts_local, last_write_ts_remote, source_priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, remote_id) DO UPDATE SET
			entity_id = excluded.entity_id,
			version_seen = excluded.version_seen,
			etag_seen = excluded.etag_seen,
			last_sync_ts = excluded.last_sync_ts,
			last_write_ts_local = excluded.last_write_ts_local,
			last_write_ts_remote = excluded.last_write_ts_remote,
			source_priority = excluded.source_priority`,
		r.Source, r.RemoteID, r.EntityID, r.VersionSeen, r.EtagSeen,
		formatOptional(r.LastSyncTS), formatOptional(r.LastWriteTSLocal), formatOptional(r.LastWriteTSRemote),
		r.SourcePriority)
	if err != nil {
		return &vaulterr.IOError{Op: "upsert ledger record", Err: err}
	}
	return nil
}

// DropIfEntityMissing removes ledger rows whose entity no longer
// exists, per spec §9's startup reconciliation step 3 ("dropping ledger
// rows whose entity no longer exists"). known is supplied by the caller
// after scanning the vault.
func (s *Store) DropIfEntityMissing(ctx context.Context, known map[string]bool) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, remote_id, entity_id FROM ledger`)
	if err != nil {
		return 0, &vaulterr.IOError{Op: "scan ledger for reconciliation", Err: err}
	}
	type key struct{ source, remoteID string }
	var stale []key
	for rows.Next() {
		var source, remoteID, entityID string
		if err := rows.Scan(&source, &remoteID, &entityID); err != nil {
			rows.Close()
			return 0, &vaulterr.IOError{Op: "scan ledger row", Err: err}
		}
		if !known[entityID] {
			stale = append(stale, key{source, remoteID})
		}
	}
	rows.Close()

	var dropped int64
	for _, k := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE source = ? AND remote_id = ?`, k.source, k.remoteID)
		if err != nil {
			return dropped, &vaulterr.IOError{Op: "delete stale ledger row", Err: err}
		}
		n, _ := res.RowsAffected()
		dropped += n
	}
	return dropped, nil
}

// IsEcho reports whether an incoming remote change matches what the
// ledger recorded as last pushed/pulled for this (source, remote_id) —
// i.e. it is the core seeing its own prior write reflected back.
func IsEcho(r Record, found bool, incomingVersion, incomingEtag string) bool {
	if !found {
		return false
	}
	return r.VersionSeen == incomingVersion && r.EtagSeen == incomingEtag
}

// ShouldImport reports whether the remote has advanced beyond the
// recorded ledger state (so the pull path must upsert locally).
func ShouldImport(r Record, found bool, incomingVersion, incomingEtag string) bool {
	if !found {
		return true
	}
	return r.VersionSeen != incomingVersion || r.EtagSeen != incomingEtag
}

// SyncMeta is a per-source watermark, generalizing the teacher's
// GetSyncMeta/UpsertSyncMeta: Reconciler.Pull passes
// LastSyncedUpdatedAt as its since cursor, so the watermark carries
// across process restarts. LastCursor is stored but not read by Pull.
type SyncMeta struct {
	Source              string
	LastCursor          string
	LastSyncedUpdatedAt time.Time
}

// GetSyncMeta returns the watermark for source, or the zero value if
// this source has never completed a pull.
func (s *Store) GetSyncMeta(ctx context.Context, source string) (SyncMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source, last_cursor, last_synced_updated_at FROM sync_meta WHERE source = ?`, source)

	var m SyncMeta
	var cursor, updatedAt sql.NullString
	err := row.Scan(&m.Source, &cursor, &updatedAt)
	if err == sql.ErrNoRows {
		return SyncMeta{Source: source}, nil
	}
	if err != nil {
		return SyncMeta{}, &vaulterr.IOError{Op: "query sync meta", Err: err}
	}
	m.LastCursor = cursor.String
	m.LastSyncedUpdatedAt = parseOptional(updatedAt)
	return m, nil
}

// UpsertSyncMeta records the watermark for source.
func (s *Store) UpsertSyncMeta(ctx context.Context, m SyncMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (source, last_cursor, last_synced_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			last_cursor = excluded.last_cursor,
			last_synced_updated_at = excluded.last_synced_updated_at`,
		m.Source, m.LastCursor, formatOptional(m.LastSyncedUpdatedAt))
	if err != nil {
		return &vaulterr.IOError{Op: "upsert sync meta", Err: err}
	}
	return nil
}

// Resolution is the outcome of Resolve.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveTie    Resolution = "tie"
)

// localSourcePriority is the fixed priority assigned to the vault's own
// local edits when breaking a timestamp tie against an incoming remote
// change (DESIGN.md Open Question decision: the spec leaves the
// tie-break comparison's second operand unspecified beyond
// "(source_priority, remote_id)"; only the incoming remote's
// source_priority is compared against this fixed local baseline, so
// the comparison is total and deterministic).
const localSourcePriority = 0

// Resolve implements latest-wins conflict resolution (spec §4.10):
// whichever write timestamp is later wins. An exact tie is broken by
// comparing the incoming remote's source_priority against
// localSourcePriority: a higher remote priority returns ResolveRemote, a
// lower one ResolveLocal. remoteID is not compared; equal priorities
// return ResolveTie.
func Resolve(localWriteTS, remoteWriteTS time.Time, remoteSourcePriority int, remoteID string) Resolution {
	switch {
	case localWriteTS.After(remoteWriteTS):
		return ResolveLocal
	case remoteWriteTS.After(localWriteTS):
		return ResolveRemote
	default:
		if remoteSourcePriority > localSourcePriority {
			return ResolveRemote
		}
		if remoteSourcePriority < localSourcePriority {
			return ResolveLocal
		}
		return ResolveTie
	}
}
