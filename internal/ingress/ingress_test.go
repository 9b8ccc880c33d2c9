package ingress

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jra3/vaultd/internal/eventbus"
	"github.com/jra3/vaultd/internal/idempotency"
)

func newTestNormalizer(t *testing.T) (*Normalizer, *eventbus.Bus) {
	t.Helper()
	store, err := idempotency.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New(5*time.Millisecond, nil)
	return New(store, bus), bus
}

// TestAcceptPublishesOnce covers Scenario A's re-publish clause: the
// identical event results in no second publish.
func TestAcceptPublishesOnce(t *testing.T) {
	n, bus := newTestNormalizer(t)
	var deliveries atomic.Int32
	bus.Subscribe("message.received", func(ctx context.Context, env eventbus.Envelope) error {
		deliveries.Add(1)
		return nil
	})

	raw := RawPayload{
		Source: "chat", ExternalID: "msg-100", Type: "message.received",
		EventTS: "2025-10-08T13:42:17+00:00",
		Payload: map[string]any{"text": "TODO: Review Q4 report"},
		TraceID: "t-A",
	}

	published1, err := n.Accept(context.Background(), raw)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if !published1 {
		t.Fatalf("expected first accept to publish")
	}

	published2, err := n.Accept(context.Background(), raw)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if published2 {
		t.Fatalf("expected re-publish of identical event to be suppressed")
	}

	time.Sleep(50 * time.Millisecond)
	if deliveries.Load() != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", deliveries.Load())
	}
}

func TestAcceptRejectsBadEventTS(t *testing.T) {
	n, _ := newTestNormalizer(t)
	raw := RawPayload{Source: "chat", ExternalID: "msg-1", Type: "message.received", EventTS: "not-a-time"}
	if _, err := n.Accept(context.Background(), raw); err == nil {
		t.Fatalf("expected error for malformed event_ts")
	}
}

func TestAcceptDefaultsEventTSToNow(t *testing.T) {
	n, _ := newTestNormalizer(t)
	raw := RawPayload{Source: "chat", ExternalID: "msg-2", Type: "message.received"}
	published, err := n.Accept(context.Background(), raw)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !published {
		t.Fatalf("expected publish")
	}
}
