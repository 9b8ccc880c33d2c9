package schema

import (
	"time"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
)

// transitionKey is a (from, to) pair in a kind's FSM table.
type transitionKey struct {
	From, To string
}

// guard validates and mutates header in place; it must not mutate
// anything if it returns an error (§4.6: "no state is mutated" on a
// failed guard).
type guard func(header map[string]any, reason string, now time.Time) error

var taskTransitions = map[transitionKey]guard{
	{vault.TaskTodo, vault.TaskDoing}:    guardTodoToDoing,
	{vault.TaskTodo, vault.TaskBlocked}:  guardRequireBlockedReason,
	{vault.TaskTodo, vault.TaskDone}:     guardToDone,
	{vault.TaskDoing, vault.TaskDone}:    guardToDone,
	{vault.TaskReview, vault.TaskDone}:   guardToDone,
	{vault.TaskDoing, vault.TaskReview}:  guardNoop,
	{vault.TaskDoing, vault.TaskBlocked}: guardRequireBlockedReason,
	{vault.TaskReview, vault.TaskDoing}:  guardNoop,
	{vault.TaskReview, vault.TaskBlocked}: guardRequireBlockedReason,
	{vault.TaskBlocked, vault.TaskTodo}:  guardClearBlockedReason,
	{vault.TaskBlocked, vault.TaskDoing}: guardClearBlockedReason,
	{vault.TaskDone, vault.TaskDoing}:    guardReopen,
}

var noteEventTransitions = map[transitionKey]guard{
	{vault.StateActive, vault.StateArchived}: guardNoop,
	{vault.StateArchived, vault.StateActive}: guardNoop,
}

func guardNoop(header map[string]any, reason string, now time.Time) error {
	return nil
}

func guardTodoToDoing(header map[string]any, reason string, now time.Time) error {
	hasAssignee := vault.StringField(header, "assignee") != ""
	hasStart := vault.StringField(header, "start_ts") != ""
	if !hasAssignee && !hasStart {
		header["start_ts"] = timeutil.Format(now)
	}
	return nil
}

func guardRequireBlockedReason(header map[string]any, reason string, now time.Time) error {
	if reason == "" && vault.StringField(header, "blocked_reason") == "" {
		return &vaulterr.FSMError{Kind: string(vault.KindTask), Err: errFieldRequired("blocked_reason")}
	}
	if reason != "" {
		header["blocked_reason"] = reason
	}
	return nil
}

func guardClearBlockedReason(header map[string]any, reason string, now time.Time) error {
	delete(header, "blocked_reason")
	return nil
}

func guardToDone(header map[string]any, reason string, now time.Time) error {
	if vault.StringField(header, "done_ts") == "" {
		header["done_ts"] = timeutil.Format(now)
	}
	header["estimate_frozen"] = true
	return nil
}

func guardReopen(header map[string]any, reason string, now time.Time) error {
	if reason == "" && vault.StringField(header, "reopen_reason") == "" {
		return &vaulterr.FSMError{Kind: string(vault.KindTask), Err: errFieldRequired("reopen_reason")}
	}
	if reason != "" {
		header["reopen_reason"] = reason
	}
	delete(header, "done_ts")
	return nil
}

type fieldRequiredError string

func (e fieldRequiredError) Error() string { return "required field missing: " + string(e) }

func errFieldRequired(field string) error { return fieldRequiredError(field) }

// Transition applies the FSM layer of §4.3/§3.4: it looks up the
// (kind, from, to) edge, runs its guard, and on success returns a copy
// of header with guarded fields mutated (done_ts, blocked_reason,
// estimate_frozen, reopen_reason, start_ts). On failure, header is
// returned unmodified and the error is a *vaulterr.FSMError.
func Transition(kind vault.Kind, header map[string]any, newState, reason string, now time.Time) (map[string]any, error) {
	from := vault.StringField(header, "state")
	table := transitionTable(kind)

	g, ok := table[transitionKey{from, newState}]
	if !ok {
		return header, &vaulterr.FSMError{
			Kind: string(kind),
			From: from,
			To:   newState,
			Err:  fieldRequiredError("no transition " + from + " -> " + newState),
		}
	}

	next := cloneHeader(header)
	if err := g(next, reason, now); err != nil {
		if fsmErr, ok := err.(*vaulterr.FSMError); ok {
			fsmErr.From = from
			fsmErr.To = newState
			return header, fsmErr
		}
		return header, &vaulterr.FSMError{Kind: string(kind), From: from, To: newState, Err: err}
	}

	next["state"] = newState
	return next, nil
}

func transitionTable(kind vault.Kind) map[transitionKey]guard {
	if kind == vault.KindTask {
		return taskTransitions
	}
	return noteEventTransitions
}

func cloneHeader(header map[string]any) map[string]any {
	out := make(map[string]any, len(header))
	for k, v := range header {
		out[k] = v
	}
	return out
}
