package schema

import (
	"reflect"
	"testing"
	"time"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
)

func baseTaskHeader(state string) map[string]any {
	return map[string]any{
		"id":         "task-20251008-1342-review-q4-report",
		"title":      "Review Q4 report",
		"state":      state,
		"tags":       []string{},
		"created_ts": "2025-10-08T13:42:17+00:00",
		"updated_ts": "2025-10-08T13:42:17+00:00",
	}
}

func TestValidateAcceptsMinimalTask(t *testing.T) {
	errs := Validate(vault.KindTask, baseTaskHeader(vault.TaskTodo))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateRejectsMissingTitle(t *testing.T) {
	h := baseTaskHeader(vault.TaskTodo)
	h["title"] = ""
	errs := Validate(vault.KindTask, h)
	if len(errs) == 0 {
		t.Fatalf("expected errors for empty title")
	}
}

func TestValidateRejectsBlockedWithoutReason(t *testing.T) {
	h := baseTaskHeader(vault.TaskBlocked)
	errs := Validate(vault.KindTask, h)
	found := false
	for _, e := range errs {
		if e.Field == "blocked_reason" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected blocked_reason error, got %v", errs)
	}
}

func TestValidateRejectsBadTimestampOffset(t *testing.T) {
	h := baseTaskHeader(vault.TaskTodo)
	h["created_ts"] = "2025-10-08T13:42:17"
	errs := Validate(vault.KindTask, h)
	if len(errs) == 0 {
		t.Fatalf("expected error for naive timestamp")
	}
}

func TestValidateEventStartAfterEndRejected(t *testing.T) {
	h := map[string]any{
		"id": "event-20251008-1342-standup", "title": "Standup",
		"state": vault.StateActive, "tags": []string{},
		"created_ts": "2025-10-08T13:42:17+00:00",
		"updated_ts": "2025-10-08T13:42:17+00:00",
		"start_ts":   "2025-10-08T14:00:00+00:00",
		"end_ts":     "2025-10-08T13:00:00+00:00",
	}
	errs := Validate(vault.KindEvent, h)
	if len(errs) == 0 {
		t.Fatalf("expected error for end_ts before start_ts")
	}
}

func TestTransitionTodoToDoingSetsStartTS(t *testing.T) {
	h := baseTaskHeader(vault.TaskTodo)
	now := time.Date(2025, 10, 8, 14, 0, 0, 0, time.UTC)
	next, err := Transition(vault.KindTask, h, vault.TaskDoing, "", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next["start_ts"] != timeutil.Format(now) {
		t.Fatalf("expected start_ts to be set, got %v", next["start_ts"])
	}
	if next["state"] != vault.TaskDoing {
		t.Fatalf("expected state doing, got %v", next["state"])
	}
	if _, stillUnset := h["start_ts"]; stillUnset {
		t.Fatalf("original header must not be mutated")
	}
}

func TestTransitionTodoToBlockedRequiresReason(t *testing.T) {
	h := baseTaskHeader(vault.TaskTodo)
	_, err := Transition(vault.KindTask, h, vault.TaskBlocked, "", time.Now())
	fsmErr, ok := vaulterr.As[*vaulterr.FSMError](err)
	if !ok {
		t.Fatalf("expected FSMError, got %v", err)
	}
	if fsmErr.From != vault.TaskTodo || fsmErr.To != vault.TaskBlocked {
		t.Fatalf("unexpected from/to: %+v", fsmErr)
	}
}

func TestTransitionToDoneFreezesEstimate(t *testing.T) {
	h := baseTaskHeader(vault.TaskDoing)
	h["estimate"] = "2h"
	now := time.Date(2025, 10, 8, 15, 0, 0, 0, time.UTC)
	next, err := Transition(vault.KindTask, h, vault.TaskDone, "", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next["estimate_frozen"] != true {
		t.Fatalf("expected estimate_frozen=true, got %v", next["estimate_frozen"])
	}
	if next["done_ts"] != timeutil.Format(now) {
		t.Fatalf("expected done_ts set, got %v", next["done_ts"])
	}
}

// TestTransitionDoneReopenRejected covers Scenario B: reopening a done
// task without reopen_reason fails with no mutation.
func TestTransitionDoneReopenRejected(t *testing.T) {
	h := baseTaskHeader(vault.TaskDone)
	h["done_ts"] = "2025-10-08T15:00:00+00:00"
	before := cloneHeader(h)

	next, err := Transition(vault.KindTask, h, vault.TaskDoing, "", time.Now())
	if err == nil {
		t.Fatalf("expected FSMError")
	}
	if _, ok := vaulterr.As[*vaulterr.FSMError](err); !ok {
		t.Fatalf("expected FSMError type, got %T", err)
	}
	for k, v := range before {
		if !reflect.DeepEqual(next[k], v) {
			t.Fatalf("header mutated on failed guard: key %s changed from %v to %v", k, v, next[k])
		}
	}
}

func TestTransitionDoneReopenWithReasonSucceeds(t *testing.T) {
	h := baseTaskHeader(vault.TaskDone)
	h["done_ts"] = "2025-10-08T15:00:00+00:00"
	next, err := Transition(vault.KindTask, h, vault.TaskDoing, "found a regression", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := next["done_ts"]; ok {
		t.Fatalf("expected done_ts to be cleared")
	}
	if next["reopen_reason"] != "found a regression" {
		t.Fatalf("expected reopen_reason set, got %v", next["reopen_reason"])
	}
}

func TestTransitionInvalidEdgeRejected(t *testing.T) {
	h := baseTaskHeader(vault.TaskTodo)
	_, err := Transition(vault.KindTask, h, vault.TaskReview, "", time.Now())
	if _, ok := vaulterr.As[*vaulterr.FSMError](err); !ok {
		t.Fatalf("expected FSMError for todo->review, got %v", err)
	}
}

func TestEventNoteArchiveRoundTrip(t *testing.T) {
	h := map[string]any{"state": vault.StateActive}
	next, err := Transition(vault.KindNote, h, vault.StateArchived, "", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err = Transition(vault.KindNote, next, vault.StateActive, "", time.Now())
	if err != nil {
		t.Fatalf("unexpected error unarchiving: %v", err)
	}
	if next["state"] != vault.StateActive {
		t.Fatalf("expected active, got %v", next["state"])
	}
}
