package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jra3/vaultd/internal/vaulterr"
)

func TestQuarantineWritesOneFile(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	rec := QuarantineRecord{
		TraceID: "t-A",
		Kind:    "task",
		Payload: map[string]any{"title": ""},
		Errors:  []vaulterr.FieldError{{Category: vaulterr.CategoryCommon, Field: "title", Message: "must not be blank"}},
		Reason:  "validation_failed",
	}
	if err := l.Quarantine(rec); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "artifacts", "quarantine"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 quarantine file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(root, "artifacts", "quarantine", entries[0].Name()))
	if err != nil {
		t.Fatalf("read quarantine file: %v", err)
	}
	var got QuarantineRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TraceID != "t-A" || len(got.Errors) != 1 {
		t.Fatalf("unexpected quarantine record: %+v", got)
	}
}

func TestAppendWritesJSONLLine(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	if err := l.Append(Entry{TraceID: "t-1", Operation: "host.create", Outcome: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(Entry{TraceID: "t-2", Operation: "host.update", Outcome: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "artifacts", "audit"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit file for today, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(root, "artifacts", "audit", entries[0].Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 jsonl lines, got %d", lines)
	}
}
