package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/jra3/vaultd/internal/audit"
	"github.com/jra3/vaultd/internal/config"
	"github.com/jra3/vaultd/internal/eventbus"
	"github.com/jra3/vaultd/internal/host"
	"github.com/jra3/vaultd/internal/idempotency"
	"github.com/jra3/vaultd/internal/ingress"
	"github.com/jra3/vaultd/internal/linkgraph"
	"github.com/jra3/vaultd/internal/rollup"
	"github.com/jra3/vaultd/internal/syncledger"
	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/pkg/calendar"
)

// engine bundles the composed core (spec §2's dataflow) for the serve
// and rollup subcommands. It is the composition root: every
// collaborator is built and wired here, never through an ambient
// singleton, following internal/host's own "every dependency is a
// constructor argument" discipline.
type engine struct {
	cfg    *config.Config
	log    *audit.Log
	graph  *linkgraph.Graph
	bus    *eventbus.Bus
	host   *host.Host
	idem   *idempotency.Store
	norm   *ingress.Normalizer
	ledger *syncledger.Store
	recon  *syncledger.Reconciler
	rollup *rollup.Engine
}

// hostStore adapts *host.Host's List (which takes the named
// host.ListFilter type) to the unnamed func(*vault.Entity) bool
// signatures rollup.Source and syncledger.EntityStore declare. Go
// treats a defined type and its underlying unnamed type as distinct for
// interface satisfaction, so *host.Host cannot implement either
// interface directly; this thin wrapper is the adaptation point.
type hostStore struct {
	*host.Host
}

func (s hostStore) List(kind vault.Kind, filter func(*vault.Entity) bool) ([]*vault.Entity, error) {
	return s.Host.List(kind, host.ListFilter(filter))
}

// newEngine composes every core collaborator over an initialized vault
// at cfg.VaultRoot. Callers must call engine.Close when done.
func newEngine(cfg *config.Config) (*engine, error) {
	if cfg.VaultRoot == "" {
		return nil, fmt.Errorf("vault_root is not configured (set it in config.yaml or VAULTD_VAULT_ROOT)")
	}

	auditLog := audit.New(cfg.VaultRoot)

	graph, err := linkgraph.Open(filepath.Join(cfg.VaultRoot, ".state", "link_journal.log"))
	if err != nil {
		return nil, fmt.Errorf("open link journal: %w", err)
	}

	bus := eventbus.New(eventbus.DefaultGraceBuffer, func(env eventbus.Envelope, handlerErr error) {
		_ = auditLog.Append(audit.Entry{
			TraceID:   env.TraceID,
			EventID:   env.EventID,
			Operation: "bus.dead_letter",
			Outcome:   "dead_letter",
			Error:     fmt.Sprintf("%s: %v", env.Type, handlerErr),
		})
	})

	h := host.New(cfg.VaultRoot, graph, bus, auditLog)
	h.SetLockTimeout(cfg.Lock.Timeout)
	if err := h.Rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild host indices: %w", err)
	}

	idem, err := idempotency.Open(filepath.Join(cfg.VaultRoot, ".state", "idempotency.db"))
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	norm := ingress.New(idem, bus)

	ledger, err := syncledger.Open(filepath.Join(cfg.VaultRoot, ".state", "sync_ledger.db"))
	if err != nil {
		idem.Close()
		return nil, fmt.Errorf("open sync ledger: %w", err)
	}

	store := hostStore{h}

	var recon *syncledger.Reconciler
	if cfg.Sync.Endpoint != "" {
		calClient := calendar.NewHTTPClient(cfg.Sync.Endpoint, cfg.Sync.Credential, calendar.Options{
			RateLimitRPS: cfg.Sync.RateLimitRPS,
		})
		recon = syncledger.NewReconciler(ledger, calClient, store, "calendar", vault.KindEvent)
	}

	eng := &engine{
		cfg:    cfg,
		log:    auditLog,
		graph:  graph,
		bus:    bus,
		host:   h,
		idem:   idem,
		norm:   norm,
		ledger: ledger,
		recon:  recon,
		rollup: rollup.New(store, auditLog),
	}
	return eng, nil
}

func (e *engine) Close() {
	if e.ledger != nil {
		e.ledger.Close()
	}
	if e.idem != nil {
		e.idem.Close()
	}
	if e.graph != nil {
		e.graph.Close()
	}
}
