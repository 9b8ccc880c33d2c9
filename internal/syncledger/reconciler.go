package syncledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jra3/vaultd/internal/audit"
	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/internal/vaulterr"
	"github.com/jra3/vaultd/pkg/calendar"
)

// EntityStore is the narrow slice of Host the reconciler needs: listing
// candidates for push, and writing imports with the sync-origin flag
// set. Narrowed to an interface (rather than importing *host.Host
// directly) for the same reason internal/rollup's Source is narrowed —
// host will eventually schedule reconciler runs, so the dependency
// must not point back at host.
type EntityStore interface {
	List(kind vault.Kind, filter func(*vault.Entity) bool) ([]*vault.Entity, error)
	UpsertSyncOrigin(ctx context.Context, kind vault.Kind, header map[string]any, body string, traceID string) (*vault.Entity, error)
	Read(id string) (*vault.Entity, error)
}

// Reconciler drives the two-way sync loop of spec §4.10 between the
// ledger, an external calendar.Client, and the vault (via EntityStore).
type Reconciler struct {
	store    *Store
	calendar calendar.Client
	entities EntityStore
	source   string
	kind     vault.Kind
	now      func() time.Time
}

// NewReconciler constructs a Reconciler for one named external source
// (e.g. "teamcal"), mirroring entities of kind.
func NewReconciler(store *Store, cal calendar.Client, entities EntityStore, source string, kind vault.Kind) *Reconciler {
	return &Reconciler{
		store:    store,
		calendar: cal,
		entities: entities,
		source:   source,
		kind:     kind,
		now:      time.Now,
	}
}

// Sync runs one push-then-pull cycle (spec §4.10). Pushing first
// ensures a push's new version/etag is recorded in the ledger before
// the pull that follows it can observe the same change reflected back,
// so it is suppressed as an echo rather than re-imported.
func (r *Reconciler) Sync(ctx context.Context) error {
	if err := r.Push(ctx); err != nil {
		return err
	}
	return r.Pull(ctx)
}

// Pull fetches remote changes since this source's last synced
// watermark, drops echoes and already-seen revisions, and imports the
// rest through Host with sync_origin=true (spec §4.10 step 1).
func (r *Reconciler) Pull(ctx context.Context) error {
	meta, err := r.store.GetSyncMeta(ctx, r.source)
	if err != nil {
		return err
	}

	changes, err := r.calendar.Pull(ctx, meta.LastSyncedUpdatedAt)
	if err != nil {
		return err
	}

	watermark := meta.LastSyncedUpdatedAt
	for _, rc := range changes {
		if err := r.importChange(ctx, rc); err != nil {
			return err
		}
		if rc.LastModified.After(watermark) {
			watermark = rc.LastModified
		}
	}

	if watermark.After(meta.LastSyncedUpdatedAt) {
		meta.LastSyncedUpdatedAt = watermark
		if err := r.store.UpsertSyncMeta(ctx, meta); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) importChange(ctx context.Context, rc calendar.RemoteChange) error {
	rec, found, err := r.store.Get(ctx, r.source, rc.RemoteID)
	if err != nil {
		return err
	}

	if IsEcho(rec, found, rc.Version, rc.ETag) {
		return nil
	}
	if !ShouldImport(rec, found, rc.Version, rc.ETag) {
		return nil
	}

	// A remote change that has merely advanced its version/etag may
	// still be older than an intervening local edit; resolve against
	// the local entity's updated_ts rather than importing
	// unconditionally (spec §4.10 step 1: "call resolve against local
	// updated_ts; if remote wins, upsert through C6").
	if found && rec.EntityID != "" {
		if local, err := r.entities.Read(rec.EntityID); err == nil {
			if localTS, err := timeutil.Parse(vault.StringField(local.Header, "updated_ts")); err == nil {
				if Resolve(localTS, rc.LastModified, rec.SourcePriority, rc.RemoteID) == ResolveLocal {
					// Local wins: record the remote's new
					// version/etag as seen, so the next pull does not
					// keep re-offering it, but leave the local copy
					// untouched. The newer local edit reaches the
					// remote on the next Push.
					return r.store.Upsert(ctx, Record{
						Source:            r.source,
						RemoteID:          rc.RemoteID,
						EntityID:          rec.EntityID,
						VersionSeen:       rc.Version,
						EtagSeen:          rc.ETag,
						LastSyncTS:        r.now(),
						LastWriteTSLocal:  rec.LastWriteTSLocal,
						LastWriteTSRemote: rc.LastModified,
						SourcePriority:    rec.SourcePriority,
					})
				}
			}
		}
	}

	header := cloneHeader(rc.Header)
	if header == nil {
		header = map[string]any{}
	}
	if rc.Title != "" {
		header["title"] = rc.Title
	}
	if found && rec.EntityID != "" {
		header["id"] = rec.EntityID
	}
	header["x-sync"] = map[string]any{
		"source":        r.source,
		"remote_id":     rc.RemoteID,
		"version_seen":  rc.Version,
		"etag_seen":     rc.ETag,
		"last_write_ts": timeutil.Format(rc.LastModified),
	}

	entity, err := r.entities.UpsertSyncOrigin(ctx, r.kind, header, rc.Body, audit.NewTraceID())
	if err != nil {
		return fmt.Errorf("import remote change %s/%s: %w", r.source, rc.RemoteID, err)
	}

	return r.store.Upsert(ctx, Record{
		Source:            r.source,
		RemoteID:          rc.RemoteID,
		EntityID:          entity.ID(),
		VersionSeen:       rc.Version,
		EtagSeen:          rc.ETag,
		LastSyncTS:        r.now(),
		LastWriteTSRemote: rc.LastModified,
		SourcePriority:    rec.SourcePriority,
	})
}

// Push sends locally modified entities with this source's x-sync
// metadata outward (spec §4.10 step 2): only entities whose updated_ts
// has advanced past the ledger's last_sync_ts for their (source,
// remote_id) are pushed.
func (r *Reconciler) Push(ctx context.Context) error {
	entities, err := r.entities.List(r.kind, func(e *vault.Entity) bool {
		sync, ok := e.Header["x-sync"].(map[string]any)
		if !ok {
			return false
		}
		src, _ := sync["source"].(string)
		return src == r.source
	})
	if err != nil {
		return err
	}

	for _, e := range entities {
		if err := r.pushOne(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) pushOne(ctx context.Context, e *vault.Entity) error {
	sync, _ := e.Header["x-sync"].(map[string]any)
	remoteID, _ := sync["remote_id"].(string)
	if remoteID == "" {
		return nil
	}

	rec, found, err := r.store.Get(ctx, r.source, remoteID)
	if err != nil {
		return err
	}

	updatedTS, err := timeutil.Parse(vault.StringField(e.Header, "updated_ts"))
	if err != nil {
		return nil
	}
	if found && !updatedTS.After(rec.LastSyncTS) {
		return nil
	}

	version, etag, err := r.calendar.Push(ctx, e)
	if err != nil {
		if remoteErr, ok := err.(*vaulterr.RemoteError); ok {
			return remoteErr
		}
		return &vaulterr.RemoteError{Op: "push " + e.ID(), Err: err}
	}

	return r.store.Upsert(ctx, Record{
		Source:           r.source,
		RemoteID:         remoteID,
		EntityID:         e.ID(),
		VersionSeen:      version,
		EtagSeen:         etag,
		LastSyncTS:       r.now(),
		LastWriteTSLocal: updatedTS,
		SourcePriority:   rec.SourcePriority,
	})
}

func cloneHeader(header map[string]any) map[string]any {
	if header == nil {
		return nil
	}
	out := make(map[string]any, len(header))
	for k, v := range header {
		out[k] = v
	}
	return out
}
