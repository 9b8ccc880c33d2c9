// Package testutil holds hand-rolled fakes shared across vaultd's
// integration tests, in place of a mocking library — the same choice
// jra3-linear-fuse makes with its own internal/testutil (a fake API
// server and fixture helpers, no mockery/gomock anywhere in the pack).
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jra3/vaultd/internal/vault"
	"github.com/jra3/vaultd/pkg/calendar"
)

// FakeCalendar is an in-memory calendar.Client for exercising the sync
// reconciler (C10) without a real external collaborator.
type FakeCalendar struct {
	mu      sync.Mutex
	changes []calendar.RemoteChange
	pushed  []*vault.Entity
	version int
}

// NewFakeCalendar returns a FakeCalendar with no pending changes.
func NewFakeCalendar() *FakeCalendar {
	return &FakeCalendar{}
}

// QueueChange appends a remote change. Pull returns every queued
// change whose LastModified is after the requested since.
func (f *FakeCalendar) QueueChange(c calendar.RemoteChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
}

// Pull implements calendar.Client.
func (f *FakeCalendar) Pull(ctx context.Context, since time.Time) ([]calendar.RemoteChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]calendar.RemoteChange, 0, len(f.changes))
	for _, c := range f.changes {
		if c.LastModified.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Push implements calendar.Client: it assigns an incrementing version
// and a matching etag, and records the pushed entity for inspection.
func (f *FakeCalendar) Push(ctx context.Context, entity *vault.Entity) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.pushed = append(f.pushed, entity)
	v := fmt.Sprintf("%d", f.version)
	return v, "E" + v, nil
}

// Pushed returns every entity Push has been called with, in order.
func (f *FakeCalendar) Pushed() []*vault.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*vault.Entity, len(f.pushed))
	copy(out, f.pushed)
	return out
}
