// Package audit implements the quarantine and audit trail of spec
// §4.6/§4.13/§6.1: rejected inputs persisted as JSON quarantine records,
// and an append-only, line-delimited JSON audit stream sufficient to
// reconstruct any processing path from ingress to disk. Quarantine
// writes reuse internal/atomicfile's temp-rename protocol (the same
// durability guarantee as entity files); audit lines are appended under
// a per-day advisory lock so concurrent writers never interleave
// partial JSON lines, mirroring the per-entity lock discipline C4 uses
// for the vault itself.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jra3/vaultd/internal/atomicfile"
	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vaulterr"
)

// NewTraceID generates a correlation id for one end-to-end operation.
func NewTraceID() string {
	return uuid.NewString()
}

// QuarantineRecord is the payload of one rejected-input artifact.
type QuarantineRecord struct {
	Timestamp string                `json:"timestamp"`
	TraceID   string                `json:"trace_id"`
	Kind      string                `json:"kind"`
	Payload   map[string]any        `json:"payload"`
	Errors    []vaulterr.FieldError `json:"errors"`
	Reason    string                `json:"reason"`
}

// Entry is one line of the append-only audit stream.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id"`
	EntityID   string `json:"entity_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Operation  string `json:"operation"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Log is the quarantine + audit sink for one vault.
type Log struct {
	vaultRoot string
}

func New(vaultRoot string) *Log {
	return &Log{vaultRoot: vaultRoot}
}

func (l *Log) quarantineDir() string { return filepath.Join(l.vaultRoot, "artifacts", "quarantine") }
func (l *Log) auditDir() string      { return filepath.Join(l.vaultRoot, "artifacts", "audit") }

// Quarantine persists a rejected-input record at
// artifacts/quarantine/{ts}-{tid}-{kind}.json (spec §4.6).
func (l *Log) Quarantine(rec QuarantineRecord) error {
	if rec.Timestamp == "" {
		rec.Timestamp = timeutil.Format(timeutil.Now())
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quarantine record: %w", err)
	}

	tsStamp := sanitizeForFilename(rec.Timestamp)
	name := fmt.Sprintf("%s-%s-%s.json", tsStamp, rec.TraceID, rec.Kind)
	path := filepath.Join(l.quarantineDir(), name)
	return atomicfile.Write(path, b)
}

// CountByKind reports how many quarantine records with a timestamp in
// [start, end) exist, grouped by entity kind. Satisfies
// rollup.QuarantineCounter so rollup documents can report quarantined
// counts per spec §4.11 without a hard dependency from rollup on audit.
func (l *Log) CountByKind(start, end time.Time) (map[string]int, error) {
	counts := map[string]int{}
	entries, err := os.ReadDir(l.quarantineDir())
	if os.IsNotExist(err) {
		return counts, nil
	}
	if err != nil {
		return nil, &vaulterr.IOError{Op: "list quarantine dir", Err: err}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.quarantineDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec QuarantineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		ts, err := timeutil.Parse(rec.Timestamp)
		if err != nil {
			continue
		}
		if !ts.Before(start) && ts.Before(end) {
			counts[rec.Kind]++
		}
	}
	return counts, nil
}

// ListQuarantine returns every quarantine record on disk, most recent
// first, for the "quarantine list" CLI surface.
func (l *Log) ListQuarantine() ([]QuarantineRecord, error) {
	entries, err := os.ReadDir(l.quarantineDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &vaulterr.IOError{Op: "list quarantine dir", Err: err}
	}

	var records []QuarantineRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.quarantineDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec QuarantineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	return records, nil
}

func sanitizeForFilename(ts string) string {
	out := make([]byte, 0, len(ts))
	for i := 0; i < len(ts); i++ {
		c := ts[i]
		if c == ':' || c == '+' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// Append writes one audit entry to today's JSONL file, serialized
// against concurrent writers via a per-day advisory lock.
func (l *Log) Append(entry Entry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = timeutil.Format(timeutil.Now())
	}
	day := time.Now().UTC().Format("2006-01-02")

	lock, err := atomicfile.AcquireLock(l.vaultRoot, "audit-"+day, atomicfile.DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.MkdirAll(l.auditDir(), 0o755); err != nil {
		return &vaulterr.IOError{Op: "mkdir audit dir", Err: err}
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b = append(b, '\n')

	path := filepath.Join(l.auditDir(), day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &vaulterr.IOError{Op: "open audit log", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return &vaulterr.IOError{Op: "write audit entry", Err: err}
	}
	return f.Sync()
}
