package frontmatter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleHeader() map[string]any {
	return map[string]any{
		"id":         "task-20251008-1342-review-q4-report",
		"title":      "Review Q4 report",
		"state":      "todo",
		"tags":       []string{"finance", "quarterly"},
		"created_ts": "2025-10-08T13:42:17+00:00",
		"updated_ts": "2025-10-08T13:42:17+00:00",
		"links":      []string{"note-20250101-0000-context"},
		"assignee":   "alice@example.com",
		"x-sync": map[string]any{
			"source":    "cal",
			"remote_id": "evt-1",
		},
	}
}

func TestRenderCanonicalOrder(t *testing.T) {
	doc := &Document{Header: sampleHeader(), Body: "body text\n"}
	out, err := Render(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	want := `---
id: task-20251008-1342-review-q4-report
title: Review Q4 report
state: todo
tags:
    - finance
    - quarterly
created_ts: "2025-10-08T13:42:17+00:00"
updated_ts: "2025-10-08T13:42:17+00:00"
links:
    - note-20250101-0000-context
assignee: "alice@example.com"
x-sync:
    source: cal
    remote_id: evt-1
---
body text
`
	if string(out) != want {
		t.Fatalf("unexpected output:\n%s\n--- want ---\n%s", out, want)
	}
}

func TestParseRenderRoundTrip(t *testing.T) {
	doc := &Document{Header: sampleHeader(), Body: "hello\n"}
	bytes1, err := Render(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	parsed, err := Parse(bytes1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	bytes2, err := Render(parsed)
	if err != nil {
		t.Fatalf("re-render: %v", err)
	}

	if string(bytes1) != string(bytes2) {
		t.Fatalf("serialize(parse(S)) != S:\n%s\n---\n%s", bytes1, bytes2)
	}
}

func TestQuotingRules(t *testing.T) {
	doc := &Document{
		Header: map[string]any{
			"id":    "note-1",
			"title": "[[wiki style]]",
			"tags":  []string{"has:colon", "plain"},
		},
	}
	out, err := Render(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	got := string(out)
	if !contains(got, `title: "[[wiki style]]"`) {
		t.Fatalf("expected wiki-style title to be quoted, got:\n%s", got)
	}
	if !contains(got, `"has:colon"`) {
		t.Fatalf("expected colon-bearing tag to be quoted, got:\n%s", got)
	}
}

func TestNoFrontmatter(t *testing.T) {
	doc, err := Parse([]byte("just a body\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Header) != 0 {
		t.Fatalf("expected empty header, got %v", doc.Header)
	}
	if doc.Body != "just a body\n" {
		t.Fatalf("unexpected body: %q", doc.Body)
	}
}

func TestUnclosedFrontmatterErrors(t *testing.T) {
	_, err := Parse([]byte("---\nid: x\n"))
	if err == nil {
		t.Fatalf("expected error for unclosed frontmatter")
	}
}

func TestNestedMapNormalizedToStringKeys(t *testing.T) {
	doc := &Document{Header: map[string]any{
		"id": "n-1",
		"x-sync": map[string]any{
			"source": "cal", "remote_id": "r1", "version_seen": 3,
		},
	}}
	out, err := Render(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	parsed, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sync, ok := parsed.Header["x-sync"].(map[string]any)
	if !ok {
		t.Fatalf("expected x-sync to be map[string]any, got %T", parsed.Header["x-sync"])
	}
	if diff := cmp.Diff("cal", sync["source"]); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
