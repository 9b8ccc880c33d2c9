// Package ingress normalizes raw inbound payloads from any collaborator
// (chat transport, calendar pull, filesystem drop) into bus envelopes,
// per spec §4.9: extract source/external_id/event_ts, compute the
// idempotency fingerprint, and publish. In-flight fingerprint
// coalescing (so a burst of identical retries from a flaky transport
// collapses into one computation) uses golang.org/x/sync/singleflight,
// mirrored from the teacher's own transitive dependency closure the
// same way internal/eventbus promotes errgroup to direct use.
package ingress

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/jra3/vaultd/internal/eventbus"
	"github.com/jra3/vaultd/internal/idempotency"
	"github.com/jra3/vaultd/internal/timeutil"
)

// RawPayload is what a collaborator hands to the normalizer: enough to
// derive an envelope and a fingerprint.
type RawPayload struct {
	Source     string
	ExternalID string
	Type       string
	EventTS    string // ISO-8601 UTC; "" means "use now"
	Payload    map[string]any
	TraceID    string
}

// Normalizer turns RawPayloads into envelopes on the bus, deduplicating
// via the idempotency store.
type Normalizer struct {
	store *idempotency.Store
	bus   *eventbus.Bus
	sf    singleflight.Group
}

func New(store *idempotency.Store, bus *eventbus.Bus) *Normalizer {
	return &Normalizer{store: store, bus: bus}
}

// Accept implements the four steps of §4.9: parse, derive
// source/external_id/event_ts, fingerprint, publish. It returns
// (published, err): published is false (with nil err) when the
// fingerprint had already been seen — a silent no-op per the
// DuplicateEvent handling in §7.
func (n *Normalizer) Accept(ctx context.Context, raw RawPayload) (bool, error) {
	eventTS := raw.EventTS
	if eventTS == "" {
		eventTS = timeutil.Format(timeutil.Now())
	} else if _, err := timeutil.Parse(eventTS); err != nil {
		return false, fmt.Errorf("ingress: invalid event_ts %q: %w", eventTS, err)
	}

	fingerprint, err := idempotency.Fingerprint(raw.Source, raw.ExternalID, raw.Payload)
	if err != nil {
		return false, fmt.Errorf("ingress: compute fingerprint: %w", err)
	}

	// singleflight collapses concurrent retries of the identical
	// (source, external_id, payload) triple into one first-sighting
	// check, so a flaky transport's retry burst cannot race past the
	// idempotency store and double-publish.
	firstIface, err, _ := n.sf.Do(fingerprint, func() (any, error) {
		return n.store.FirstSighting(ctx, fingerprint)
	})
	if err != nil {
		return false, fmt.Errorf("ingress: first sighting check: %w", err)
	}
	if !firstIface.(bool) {
		return false, nil
	}

	ts, err := timeutil.Parse(eventTS)
	if err != nil {
		return false, fmt.Errorf("ingress: parse event_ts: %w", err)
	}

	env := eventbus.Envelope{
		EventID: fingerprint,
		EventTS: ts,
		Source:  raw.Source,
		Type:    raw.Type,
		Payload: raw.Payload,
		TraceID: raw.TraceID,
	}
	n.bus.Publish(ctx, env)
	return true, nil
}
