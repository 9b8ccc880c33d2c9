package rollup

import (
	"testing"
	"time"

	"github.com/jra3/vaultd/internal/vault"
)

type fakeSource struct {
	entities []*vault.Entity
}

func (f *fakeSource) List(kind vault.Kind, filter func(*vault.Entity) bool) ([]*vault.Entity, error) {
	var out []*vault.Entity
	for _, e := range f.entities {
		if e.Kind != kind {
			continue
		}
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func entity(kind vault.Kind, id string, header map[string]any) *vault.Entity {
	header["id"] = id
	return &vault.Entity{Kind: kind, Header: header}
}

func TestDailyIncludesEventsInWindow(t *testing.T) {
	src := &fakeSource{entities: []*vault.Entity{
		entity(vault.KindEvent, "event-20251008-0900-standup", map[string]any{
			"title": "Standup", "start_ts": "2025-10-08T09:00:00+00:00", "tags": []string{"team"},
		}),
		entity(vault.KindEvent, "event-20251009-0900-standup", map[string]any{
			"title": "Standup next day", "start_ts": "2025-10-09T09:00:00+00:00",
		}),
	}}
	e := New(src, nil)

	localDate, _ := time.Parse("2006-01-02", "2025-10-08")
	doc, err := e.Daily(localDate, time.UTC)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(doc.Events) != 1 {
		t.Fatalf("expected 1 event in window, got %d", len(doc.Events))
	}
	if doc.CountsByTag["team"] != 1 {
		t.Fatalf("expected tag count 1, got %d", doc.CountsByTag["team"])
	}
	if doc.DSTTransition {
		t.Fatalf("did not expect dst transition for a plain UTC day")
	}
}

func TestDailySeparatesTaskSections(t *testing.T) {
	src := &fakeSource{entities: []*vault.Entity{
		entity(vault.KindTask, "task-20251008-0000-done-one", map[string]any{
			"title": "Done one", "state": vault.TaskDone, "done_ts": "2025-10-08T10:00:00+00:00",
		}),
		entity(vault.KindTask, "task-20251008-0000-in-progress", map[string]any{
			"title": "In progress", "state": vault.TaskDoing,
		}),
		entity(vault.KindTask, "task-20251008-0000-due-today", map[string]any{
			"title": "Due today", "state": vault.TaskTodo, "due_ts": "2025-10-08T18:00:00+00:00",
		}),
	}}
	e := New(src, nil)

	localDate, _ := time.Parse("2006-01-02", "2025-10-08")
	doc, err := e.Daily(localDate, time.UTC)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(doc.TasksCompleted) != 1 || doc.TasksCompleted[0].ID() != "task-20251008-0000-done-one" {
		t.Fatalf("unexpected completed tasks: %+v", doc.TasksCompleted)
	}
	if len(doc.TasksInProgress) != 1 || doc.TasksInProgress[0].ID() != "task-20251008-0000-in-progress" {
		t.Fatalf("unexpected in-progress tasks: %+v", doc.TasksInProgress)
	}
	if len(doc.TasksDue) != 1 || doc.TasksDue[0].ID() != "task-20251008-0000-due-today" {
		t.Fatalf("unexpected due tasks: %+v", doc.TasksDue)
	}
}

func TestDailyDSTFallBackWindow(t *testing.T) {
	zone, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	src := &fakeSource{entities: []*vault.Entity{
		entity(vault.KindEvent, "event-20251026-0030-late", map[string]any{
			"title": "Late event", "start_ts": "2025-10-26T01:30:00+00:00",
		}),
	}}
	e := New(src, nil)

	localDate, _ := time.Parse("2006-01-02", "2025-10-26")
	doc, err := e.Daily(localDate, zone)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if !doc.DSTTransition {
		t.Fatalf("expected dst_transition=true for the fall-back day")
	}
	if len(doc.Events) != 1 {
		t.Fatalf("expected the late event to fall inside the 25h window, got %d events", len(doc.Events))
	}
}
