// Package host implements the single-writer storage layer (C6): the
// only component permitted to mutate entity files. It composes the
// frontmatter codec (C2), schema/FSM validator (C3), atomic writer
// (C4), and link graph (C5); emits post-write events on the bus (C8);
// and quarantines rejected inputs via audit (C13). There is no teacher
// analogue for a single-writer composition root — linear-fuse's
// internal/repo.Repository is read-mostly — so the write path is built
// directly from spec §4.6's ten numbered steps, while its
// "constructor takes every collaborator explicitly, no ambient
// singletons" shape follows spec §9's design note and the teacher's own
// preference for explicit field injection over global state
// (internal/sync.NewWorker, internal/db.Open, internal/config.Load all
// take their dependencies as constructor arguments).
package host

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jra3/vaultd/internal/atomicfile"
	"github.com/jra3/vaultd/internal/audit"
	"github.com/jra3/vaultd/internal/eventbus"
	"github.com/jra3/vaultd/internal/frontmatter"
	"github.com/jra3/vaultd/internal/linkgraph"
	"github.com/jra3/vaultd/internal/schema"
	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
)

// Host is the vault's single writer.
type Host struct {
	vaultRoot string
	graph     *linkgraph.Graph
	bus       *eventbus.Bus
	log       *audit.Log

	lockTimeout time.Duration

	mu       sync.RWMutex
	titles   map[string]string // normalized title -> id
	aliases  map[string]string // alias -> current id
	existing map[string]bool   // id -> exists
}

// New constructs a Host over an existing vault directory tree. Call
// Rebuild to (re)populate the in-memory title/alias/existence indices
// from disk and replay the link journal, as the spec's startup
// reconciliation requires (§9). The per-entity lock timeout defaults to
// atomicfile.DefaultLockTimeout; call SetLockTimeout to honor a
// configured override (spec §4.4: "Timeout configurable (default 10s)").
func New(vaultRoot string, graph *linkgraph.Graph, bus *eventbus.Bus, log *audit.Log) *Host {
	return &Host{
		vaultRoot:   vaultRoot,
		graph:       graph,
		bus:         bus,
		log:         log,
		lockTimeout: atomicfile.DefaultLockTimeout,
		titles:      make(map[string]string),
		aliases:     make(map[string]string),
		existing:    make(map[string]bool),
	}
}

// SetLockTimeout overrides the per-entity advisory lock acquisition
// timeout used by every write path (spec §4.4/§5). A non-positive d is
// ignored.
func (h *Host) SetLockTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.lockTimeout = d
}

// Rebuild scans the vault for existing entities (rebuilding the
// title/id index), loads the alias table, and replays the link
// journal, per spec §9's startup reconciliation.
func (h *Host) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadAliasesLocked(); err != nil {
		return err
	}

	for _, kind := range []vault.Kind{vault.KindTask, vault.KindNote, vault.KindEvent} {
		dir := filepath.Join(h.vaultRoot, kind.Dir())
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return &vaulterr.IOError{Op: "scan " + dir, Err: err}
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".md")
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return &vaulterr.IOError{Op: "read " + e.Name(), Err: err}
			}
			doc, err := frontmatter.Parse(data)
			if err != nil {
				continue
			}
			h.existing[id] = true
			if title := vault.StringField(doc.Header, "title"); title != "" {
				h.titles[normalizeTitle(title)] = id
			}
		}
	}

	return h.graph.Replay()
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func (h *Host) aliasPath() string {
	return filepath.Join(h.vaultRoot, ".aliases.json")
}

// loadAliasesLocked reads the alias -> current-id table persisted by
// Rename, per spec §3.5's "per-alias table records historical renames
// for reference stability". A missing file (e.g. a freshly
// initialized vault) leaves the table empty rather than erroring.
// Callers must already hold h.mu.
func (h *Host) loadAliasesLocked() error {
	data, err := os.ReadFile(h.aliasPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &vaulterr.IOError{Op: "read .aliases.json", Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	aliases := make(map[string]string)
	if err := json.Unmarshal(data, &aliases); err != nil {
		return &vaulterr.IOError{Op: "parse .aliases.json", Err: err}
	}
	h.aliases = aliases
	return nil
}

// saveAliasesLocked persists the current alias table. Callers must
// already hold h.mu.
func (h *Host) saveAliasesLocked() error {
	data, err := json.MarshalIndent(h.aliases, "", "  ")
	if err != nil {
		return &vaulterr.IOError{Op: "marshal .aliases.json", Err: err}
	}
	if err := atomicfile.Write(h.aliasPath(), data); err != nil {
		return err
	}
	return nil
}

// Resolve implements linkgraph.Resolver: targets may be ids, aliases,
// or titles (§4.5).
func (h *Host) Resolve(target string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.existing[target] {
		return target, true
	}
	if id, ok := h.aliases[target]; ok {
		return id, true
	}
	if id, ok := h.titles[normalizeTitle(target)]; ok {
		return id, true
	}
	return "", false
}

func (h *Host) existingIDsLocked() map[string]bool {
	out := make(map[string]bool, len(h.existing))
	for k, v := range h.existing {
		out[k] = v
	}
	return out
}

func (h *Host) path(kind vault.Kind, id string) string {
	return filepath.Join(h.vaultRoot, kind.Dir(), id+".md")
}

// quarantine persists a rejected-input record via the audit log. It
// returns nothing: a failure to write the record is ignored, and callers
// return their own error.
func (h *Host) quarantine(traceID, kind string, payload map[string]any, errs []vaulterr.FieldError, reason string) {
	if h.log == nil {
		return
	}
	_ = h.log.Quarantine(audit.QuarantineRecord{
		TraceID: traceID, Kind: kind, Payload: payload, Errors: errs, Reason: reason,
	})
}

func (h *Host) auditEntry(traceID, entityID, op, outcome string, errStr string) {
	if h.log == nil {
		return
	}
	_ = h.log.Append(audit.Entry{TraceID: traceID, EntityID: entityID, Operation: op, Outcome: outcome, Error: errStr})
}

func (h *Host) emit(ctx context.Context, eventType string, kind vault.Kind, id string, traceID string, syncOrigin bool) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(ctx, eventbus.Envelope{
		EventID:    audit.NewTraceID(),
		EventTS:    timeutil.Now(),
		Source:     "host",
		Type:       eventType,
		Payload:    map[string]any{"id": id, "kind": string(kind)},
		TraceID:    traceID,
		SyncOrigin: syncOrigin,
	})
}

// writeOptions configures a write-path invocation.
type writeOptions struct {
	traceID    string
	syncOrigin bool
}

// Create creates a new entity of kind with a generated id (spec §4.6
// "create"). header must not already contain "id".
func (h *Host) Create(ctx context.Context, kind vault.Kind, header map[string]any, body string, traceID string) (*vault.Entity, error) {
	return h.createInternal(ctx, kind, header, body, writeOptions{traceID: traceID})
}

func (h *Host) createInternal(ctx context.Context, kind vault.Kind, header map[string]any, body string, opts writeOptions) (*vault.Entity, error) {
	now := timeutil.Now()
	nowStr := timeutil.Format(now)

	merged := cloneHeader(header)
	title := vault.StringField(merged, "title")

	h.mu.Lock()
	existing := h.existingIDsLocked()
	id := timeutil.GenerateEntityID(string(kind), title, now, existing)
	merged["id"] = id
	h.existing[id] = true
	h.mu.Unlock()

	merged["created_ts"] = nowStr
	merged["updated_ts"] = nowStr
	if _, ok := merged["state"]; !ok {
		merged["state"] = defaultState(kind)
	}
	if _, ok := merged["tags"]; !ok {
		merged["tags"] = []string{}
	}

	return h.writeValidated(ctx, kind, id, merged, body, opts, "host.create")
}

func defaultState(kind vault.Kind) string {
	if kind == vault.KindTask {
		return vault.TaskTodo
	}
	return vault.StateActive
}

// Update applies a partial header delta (and optionally a new body) to
// an existing entity (spec §4.6 "update").
func (h *Host) Update(ctx context.Context, id string, headerDelta map[string]any, body *string, traceID string) (*vault.Entity, error) {
	return h.updateInternal(ctx, id, headerDelta, body, writeOptions{traceID: traceID})
}

func (h *Host) updateInternal(ctx context.Context, id string, headerDelta map[string]any, body *string, opts writeOptions) (*vault.Entity, error) {
	lock, err := atomicfile.AcquireLock(h.vaultRoot, id, h.lockTimeout)
	if err != nil {
		h.auditEntry(opts.traceID, id, "host.update", "error", err.Error())
		return nil, err
	}
	defer lock.Unlock()

	entity, err := h.readLocked(id)
	if err != nil {
		h.auditEntry(opts.traceID, id, "host.update", "error", err.Error())
		return nil, err
	}

	merged := cloneHeader(entity.Header)
	for k, v := range headerDelta {
		merged[k] = v
	}
	merged["updated_ts"] = timeutil.Format(timeutil.Now())

	newBody := entity.Body
	if body != nil {
		newBody = *body
	}

	return h.writeValidatedLocked(ctx, entity.Kind, id, merged, newBody, opts, "host.update")
}

// Transition applies an FSM state change (spec §4.6 "transition"). On
// guard failure, no file is written and a *vaulterr.FSMError is
// returned.
func (h *Host) Transition(ctx context.Context, id, newState, reason, traceID string) (*vault.Entity, error) {
	lock, err := atomicfile.AcquireLock(h.vaultRoot, id, h.lockTimeout)
	if err != nil {
		h.auditEntry(traceID, id, "host.transition", "error", err.Error())
		return nil, err
	}
	defer lock.Unlock()

	entity, err := h.readLocked(id)
	if err != nil {
		h.auditEntry(traceID, id, "host.transition", "error", err.Error())
		return nil, err
	}

	next, err := schema.Transition(entity.Kind, entity.Header, newState, reason, timeutil.Now())
	if err != nil {
		h.quarantine(traceID, string(entity.Kind), entity.Header, nil, err.Error())
		h.auditEntry(traceID, id, "host.transition", "rejected", err.Error())
		return nil, err
	}
	next["updated_ts"] = timeutil.Format(timeutil.Now())

	result, err := h.writeValidatedLocked(ctx, entity.Kind, id, next, entity.Body, writeOptions{traceID: traceID}, "host.transition")
	if err != nil {
		return nil, err
	}
	h.emit(ctx, "task.transitioned", entity.Kind, id, traceID, false)
	return result, nil
}

// Upsert creates or updates depending on whether header carries an id
// that already exists (spec §4.6 "upsert").
func (h *Host) Upsert(ctx context.Context, kind vault.Kind, header map[string]any, body string, traceID string) (*vault.Entity, error) {
	return h.upsertInternal(ctx, kind, header, body, writeOptions{traceID: traceID})
}

// UpsertSyncOrigin is Upsert with the post-write event's sync_origin
// flag set (spec §4.10 step 1): the sync reconciler calls this instead
// of Upsert so the event the write triggers is recognizable as an
// import, and the reconciler's own event-bus subscriber (if any) knows
// not to treat it as a local edit requiring a push.
func (h *Host) UpsertSyncOrigin(ctx context.Context, kind vault.Kind, header map[string]any, body string, traceID string) (*vault.Entity, error) {
	return h.upsertInternal(ctx, kind, header, body, writeOptions{traceID: traceID, syncOrigin: true})
}

func (h *Host) upsertInternal(ctx context.Context, kind vault.Kind, header map[string]any, body string, opts writeOptions) (*vault.Entity, error) {
	id := vault.StringField(header, "id")
	if id == "" {
		return h.createInternal(ctx, kind, header, body, opts)
	}

	h.mu.RLock()
	exists := h.existing[id]
	h.mu.RUnlock()

	if !exists {
		return h.createWithID(ctx, kind, id, header, body, opts)
	}

	delta := cloneHeader(header)
	delete(delta, "id")
	return h.updateInternal(ctx, id, delta, &body, opts)
}

func (h *Host) createWithID(ctx context.Context, kind vault.Kind, id string, header map[string]any, body string, opts writeOptions) (*vault.Entity, error) {
	now := timeutil.Format(timeutil.Now())
	merged := cloneHeader(header)
	merged["id"] = id
	if _, ok := merged["created_ts"]; !ok {
		merged["created_ts"] = now
	}
	merged["updated_ts"] = now
	if _, ok := merged["state"]; !ok {
		merged["state"] = defaultState(kind)
	}
	if _, ok := merged["tags"]; !ok {
		merged["tags"] = []string{}
	}

	h.mu.Lock()
	h.existing[id] = true
	h.mu.Unlock()

	return h.writeValidated(ctx, kind, id, merged, body, opts, "host.upsert")
}

// Delete removes an entity's file and marks its backlinks broken (spec
// §4.6 "delete").
func (h *Host) Delete(ctx context.Context, id, traceID string) error {
	lock, err := atomicfile.AcquireLock(h.vaultRoot, id, h.lockTimeout)
	if err != nil {
		h.auditEntry(traceID, id, "host.delete", "error", err.Error())
		return err
	}
	defer lock.Unlock()

	entity, err := h.readLocked(id)
	if err != nil {
		h.auditEntry(traceID, id, "host.delete", "error", err.Error())
		return err
	}

	if err := atomicfile.Remove(h.path(entity.Kind, id)); err != nil {
		h.auditEntry(traceID, id, "host.delete", "error", err.Error())
		return err
	}

	if err := h.graph.OnEntityDelete(id); err != nil {
		h.auditEntry(traceID, id, "host.delete", "error", err.Error())
		return err
	}

	h.mu.Lock()
	delete(h.existing, id)
	h.mu.Unlock()

	h.emit(ctx, "entity.deleted", entity.Kind, id, traceID, false)
	h.auditEntry(traceID, id, "host.delete", "ok", "")
	return nil
}

// Rename changes an entity's title, which (since a file's id is
// derived from its title at creation) requires a fresh id: the old
// file is removed and a new one is created under the regenerated id,
// preserving the body and every other header field (spec §3.5: "a
// rename is never done lazily; renames go through delete-then-create").
// The old id, and any existing alias that pointed to it, is recorded
// in the alias table as pointing to the new id, so historical
// [[references]] keep resolving (spec §4.5/§9).
func (h *Host) Rename(ctx context.Context, id, newTitle, traceID string) (*vault.Entity, error) {
	lock, err := atomicfile.AcquireLock(h.vaultRoot, id, h.lockTimeout)
	if err != nil {
		h.auditEntry(traceID, id, "host.rename", "error", err.Error())
		return nil, err
	}

	entity, err := h.readLocked(id)
	if err != nil {
		lock.Unlock()
		h.auditEntry(traceID, id, "host.rename", "error", err.Error())
		return nil, err
	}

	header := cloneHeader(entity.Header)
	header["title"] = newTitle
	delete(header, "id")

	if err := atomicfile.Remove(h.path(entity.Kind, id)); err != nil {
		lock.Unlock()
		h.auditEntry(traceID, id, "host.rename", "error", err.Error())
		return nil, err
	}
	if err := h.graph.OnEntityDelete(id); err != nil {
		lock.Unlock()
		h.auditEntry(traceID, id, "host.rename", "error", err.Error())
		return nil, err
	}

	h.mu.Lock()
	delete(h.existing, id)
	h.mu.Unlock()
	lock.Unlock()

	created, err := h.createInternal(ctx, entity.Kind, header, entity.Body, writeOptions{traceID: traceID})
	if err != nil {
		h.auditEntry(traceID, id, "host.rename", "error", err.Error())
		return nil, err
	}

	if err := h.recordAlias(id, created.ID()); err != nil {
		h.auditEntry(traceID, created.ID(), "host.rename", "error", err.Error())
		return nil, err
	}

	h.emit(ctx, "entity.renamed", entity.Kind, created.ID(), traceID, false)
	h.auditEntry(traceID, created.ID(), "host.rename", "ok", "")
	return created, nil
}

// recordAlias maps oldID to newID and collapses any existing alias
// chain that pointed to oldID so it now points straight to newID,
// keeping resolution single-hop. The updated table is persisted to
// .aliases.json immediately.
func (h *Host) recordAlias(oldID, newID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for from, to := range h.aliases {
		if to == oldID {
			h.aliases[from] = newID
		}
	}
	h.aliases[oldID] = newID

	return h.saveAliasesLocked()
}

// Read returns the parsed entity for id.
func (h *Host) Read(id string) (*vault.Entity, error) {
	return h.readLocked(id)
}

func (h *Host) readLocked(id string) (*vault.Entity, error) {
	for _, kind := range []vault.Kind{vault.KindTask, vault.KindNote, vault.KindEvent} {
		path := h.path(kind, id)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, &vaulterr.IOError{Op: "read " + path, Err: err}
		}
		doc, err := frontmatter.Parse(data)
		if err != nil {
			return nil, &vaulterr.IOError{Op: "parse " + path, Err: err}
		}
		return &vault.Entity{Kind: kind, Header: doc.Header, Body: doc.Body}, nil
	}
	return nil, &vaulterr.NotFound{ID: id}
}

// ListFilter optionally restricts List to entities matching it.
type ListFilter func(*vault.Entity) bool

// List returns entities of kind (or all kinds if kind == "") matching
// filter (or all if filter is nil).
func (h *Host) List(kind vault.Kind, filter ListFilter) ([]*vault.Entity, error) {
	kinds := []vault.Kind{vault.KindTask, vault.KindNote, vault.KindEvent}
	if kind != "" {
		kinds = []vault.Kind{kind}
	}

	var out []*vault.Entity
	for _, k := range kinds {
		dir := filepath.Join(h.vaultRoot, k.Dir())
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, &vaulterr.IOError{Op: "list " + dir, Err: err}
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".md")
			entity, err := h.readLocked(id)
			if err != nil {
				continue
			}
			if filter == nil || filter(entity) {
				out = append(out, entity)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// writeValidated acquires the per-id lock then delegates to
// writeValidatedLocked; used by paths that have not already locked id
// (create, where the id is freshly generated and cannot yet contend).
func (h *Host) writeValidated(ctx context.Context, kind vault.Kind, id string, header map[string]any, body string, opts writeOptions, op string) (*vault.Entity, error) {
	lock, err := atomicfile.AcquireLock(h.vaultRoot, id, h.lockTimeout)
	if err != nil {
		h.auditEntry(opts.traceID, id, op, "error", err.Error())
		return nil, err
	}
	defer lock.Unlock()
	return h.writeValidatedLocked(ctx, kind, id, header, body, opts, op)
}

// writeValidatedLocked implements steps (3)-(9) of the write path in
// spec §4.6: merge (caller already merged), validate, quarantine on
// failure, serialize, atomic write, graph update, event emission. The
// caller must already hold id's lock.
func (h *Host) writeValidatedLocked(ctx context.Context, kind vault.Kind, id string, header map[string]any, body string, opts writeOptions, op string) (*vault.Entity, error) {
	if errs := schema.Validate(kind, header); len(errs) > 0 {
		verr := &vaulterr.ValidationError{Kind: string(kind), Errors: errs}
		h.quarantine(opts.traceID, string(kind), header, errs, verr.Error())
		h.auditEntry(opts.traceID, id, op, "rejected", verr.Error())
		return nil, verr
	}

	doc := &frontmatter.Document{Header: header, Body: body}
	bytes, err := frontmatter.Render(doc)
	if err != nil {
		h.auditEntry(opts.traceID, id, op, "error", err.Error())
		return nil, &vaulterr.IOError{Op: "serialize " + id, Err: err}
	}

	if err := atomicfile.Write(h.path(kind, id), bytes); err != nil {
		h.auditEntry(opts.traceID, id, op, "error", err.Error())
		return nil, err
	}

	title := vault.StringField(header, "title")
	forward := linkgraph.ExtractForward(header, body, h)
	external := linkgraph.ExtractExternal(body)
	if err := h.graph.OnEntityUpsert(id, title, forward, external); err != nil {
		h.auditEntry(opts.traceID, id, op, "error", err.Error())
		return nil, err
	}

	if title != "" {
		h.mu.Lock()
		h.titles[normalizeTitle(title)] = id
		h.mu.Unlock()
	}

	eventType := "entity.updated"
	if op == "host.create" || op == "host.upsert" {
		eventType = "entity.created"
	}
	h.emit(ctx, eventType, kind, id, opts.traceID, opts.syncOrigin)
	h.auditEntry(opts.traceID, id, op, "ok", "")

	return &vault.Entity{Kind: kind, Header: header, Body: body}, nil
}

func cloneHeader(header map[string]any) map[string]any {
	out := make(map[string]any, len(header))
	for k, v := range header {
		out[k] = v
	}
	return out
}
