// Package schema implements the four-layer entity validator and the
// per-kind finite state machines described in spec §3.4 and §4.3. There
// is no validation library anywhere in the retrieval pack (linear-fuse
// trusts the Linear API as its source of truth and never rejects a
// write), so this is hand-rolled in the same "table of allowed
// transitions" idiom the teacher uses for its own sync-direction
// dispatch in internal/repo.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
)

// Validate runs layers 1–3 (schema, kind-specific, common business) and
// returns every violation found; an empty slice means the header is
// acceptable to write. The FSM layer (layer 4) is run separately by
// Transition, since it only applies when a state change is requested.
func Validate(kind vault.Kind, header map[string]any) []vaulterr.FieldError {
	var errs []vaulterr.FieldError

	errs = append(errs, validateSchema(kind, header)...)
	errs = append(errs, validateKindSpecific(kind, header)...)
	errs = append(errs, validateCommon(header)...)

	return errs
}

func fieldErr(cat vaulterr.Category, field, msg, hint string) vaulterr.FieldError {
	return vaulterr.FieldError{Category: cat, Field: field, Message: msg, Hint: hint}
}

// validateSchema enforces presence and basic semantic type of the common
// header (§3.2): id, title, created_ts, updated_ts, state, tags.
func validateSchema(kind vault.Kind, header map[string]any) []vaulterr.FieldError {
	var errs []vaulterr.FieldError

	if vault.StringField(header, "id") == "" {
		errs = append(errs, fieldErr(vaulterr.CategorySchema, "id", "missing or empty", "id is assigned by the host on create"))
	}
	if vault.StringField(header, "title") == "" {
		errs = append(errs, fieldErr(vaulterr.CategorySchema, "title", "missing or empty", "supply a non-empty title"))
	}

	for _, f := range []string{"created_ts", "updated_ts"} {
		s := vault.StringField(header, f)
		if s == "" {
			errs = append(errs, fieldErr(vaulterr.CategorySchema, f, "missing", "timestamps are required on every entity"))
			continue
		}
		if _, err := timeutil.Parse(s); err != nil {
			errs = append(errs, fieldErr(vaulterr.CategorySchema, f, "not a UTC instant with explicit offset", "use ISO-8601 with +00:00"))
		}
	}

	if _, ok := header["tags"]; !ok {
		errs = append(errs, fieldErr(vaulterr.CategorySchema, "tags", "missing", "tags is required; use an empty sequence for none"))
	} else {
		switch header["tags"].(type) {
		case []string, []any:
		default:
			errs = append(errs, fieldErr(vaulterr.CategorySchema, "tags", "must be a sequence of strings", ""))
		}
	}

	if s := vault.StringField(header, "state"); s == "" {
		errs = append(errs, fieldErr(vaulterr.CategorySchema, "state", "missing", "state is required"))
	} else if !stateAllowed(kind, s) {
		errs = append(errs, fieldErr(vaulterr.CategorySchema, "state", fmt.Sprintf("%q is not a valid state for %s", s, kind), allowedStatesHint(kind)))
	}

	for _, f := range []string{"due_ts", "start_ts", "end_ts", "done_ts"} {
		s := vault.StringField(header, f)
		if s == "" {
			continue
		}
		if _, err := timeutil.Parse(s); err != nil {
			errs = append(errs, fieldErr(vaulterr.CategorySchema, f, "not a UTC instant with explicit offset", "use ISO-8601 with +00:00"))
		}
	}

	return errs
}

func stateAllowed(kind vault.Kind, s string) bool {
	switch kind {
	case vault.KindTask:
		switch s {
		case vault.TaskTodo, vault.TaskDoing, vault.TaskReview, vault.TaskDone, vault.TaskBlocked:
			return true
		}
		return false
	case vault.KindNote, vault.KindEvent:
		return s == vault.StateActive || s == vault.StateArchived
	}
	return false
}

func allowedStatesHint(kind vault.Kind) string {
	switch kind {
	case vault.KindTask:
		return "one of todo, doing, review, done, blocked"
	default:
		return "one of active, archived"
	}
}

var estimateRe = regexp.MustCompile(`^[0-9]+(m|h|d)$`)

// validateKindSpecific enforces layer 2 of §4.3: Task-specific and
// Event-specific rules.
func validateKindSpecific(kind vault.Kind, header map[string]any) []vaulterr.FieldError {
	var errs []vaulterr.FieldError

	switch kind {
	case vault.KindTask:
		if vault.StringField(header, "state") == vault.TaskBlocked && vault.StringField(header, "blocked_reason") == "" {
			errs = append(errs, fieldErr(vaulterr.CategoryTask, "blocked_reason", "required when state is blocked", "set blocked_reason explaining the block"))
		}
		if vault.StringField(header, "state") == vault.TaskDone && vault.StringField(header, "done_ts") == "" {
			errs = append(errs, fieldErr(vaulterr.CategoryTask, "done_ts", "required when state is done", "done_ts is normally set automatically by transition"))
		}
		if est, ok := header["estimate"]; ok {
			if !estimateValid(est) {
				errs = append(errs, fieldErr(vaulterr.CategoryTask, "estimate", "must match <int>(m|h|d) or be a numeric minute count", "e.g. \"30m\", \"2h\", \"1d\", or 45"))
			}
		}
	case vault.KindEvent:
		start := vault.StringField(header, "start_ts")
		end := vault.StringField(header, "end_ts")
		if start != "" && end != "" {
			st, errS := timeutil.Parse(start)
			et, errE := timeutil.Parse(end)
			if errS == nil && errE == nil && st.After(et) {
				errs = append(errs, fieldErr(vaulterr.CategoryEvent, "end_ts", "must be >= start_ts", ""))
			}
		}
	}

	return errs
}

func estimateValid(v any) bool {
	switch t := v.(type) {
	case string:
		if estimateRe.MatchString(t) {
			return true
		}
		_, err := strconv.Atoi(t)
		return err == nil
	case int, int64, float64:
		return true
	default:
		return false
	}
}

// validateCommon enforces layer 3 of §4.3, shared across all kinds.
func validateCommon(header map[string]any) []vaulterr.FieldError {
	var errs []vaulterr.FieldError

	if strings.TrimSpace(vault.StringField(header, "title")) == "" {
		errs = append(errs, fieldErr(vaulterr.CategoryCommon, "title", "must not be blank", ""))
	}

	created := vault.StringField(header, "created_ts")
	updated := vault.StringField(header, "updated_ts")
	if created != "" && updated != "" {
		ct, errC := timeutil.Parse(created)
		ut, errU := timeutil.Parse(updated)
		if errC == nil && errU == nil && ct.After(ut) {
			errs = append(errs, fieldErr(vaulterr.CategoryCommon, "updated_ts", "must be >= created_ts", ""))
		}
	}

	return errs
}
