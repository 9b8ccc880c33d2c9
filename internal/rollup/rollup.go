// Package rollup implements the aggregation engine of spec §4.11:
// daily and weekly summaries over validated entities, computed against
// the DST-correct UTC windows internal/timeutil derives from a civil
// date and zone. There is no teacher analogue for a reporting pass
// over cached records — the closest relative is
// jra3-linear-fuse/internal/repo.Repository's in-memory scan-and-filter
// queries over its sqlite-backed issue cache — so Daily/Weekly borrow
// that "load everything from the store, filter in Go" shape rather than
// pushing aggregation into SQL, since the rollup source here is the
// Host's entity set, not a SQL table.
package rollup

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jra3/vaultd/internal/timeutil"
	"github.com/jra3/vaultd/internal/vault"
)

// Source is the subset of Host's surface the rollup engine needs. A
// narrow interface rather than a *host.Host dependency keeps rollup
// testable without standing up the full write path, and avoids an
// import cycle (host will eventually schedule rollups itself).
type Source interface {
	List(kind vault.Kind, filter func(*vault.Entity) bool) ([]*vault.Entity, error)
}

// QuarantineCounter reports how many quarantine records exist for a
// window, grouped by kind. *audit.Log satisfies it through CountByKind;
// nil is accepted and yields an empty count map.
type QuarantineCounter interface {
	CountByKind(start, end time.Time) (map[string]int, error)
}

// Document is the fixed sectioning spec §4.11 mandates: events in
// window, tasks completed in window, tasks currently in progress,
// tasks due in window, counts by tag, and a DST-awareness note.
type Document struct {
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	DSTTransition  bool           `json:"dst_transition"`
	WindowHuman    string         `json:"window_human"`
	Events         []*vault.Entity `json:"events"`
	TasksCompleted []*vault.Entity `json:"tasks_completed"`
	TasksInProgress []*vault.Entity `json:"tasks_in_progress"`
	TasksDue       []*vault.Entity `json:"tasks_due"`
	CountsByTag    map[string]int `json:"counts_by_tag"`
	Quarantined    map[string]int `json:"quarantined"`
}

// Engine computes rollups over a Source.
type Engine struct {
	source     Source
	quarantine QuarantineCounter
}

// New constructs a rollup Engine. quarantine may be nil.
func New(source Source, quarantine QuarantineCounter) *Engine {
	return &Engine{source: source, quarantine: quarantine}
}

// Daily computes daily(local_date, zone) per spec §4.11.
func (e *Engine) Daily(localDate time.Time, zone *time.Location) (*Document, error) {
	start, end, dst, err := timeutil.DayWindow(localDate, zone)
	if err != nil {
		return nil, err
	}
	return e.build(start, end, dst)
}

// Weekly computes weekly(local_date, zone) per spec §4.11.
func (e *Engine) Weekly(localDate time.Time, zone *time.Location) (*Document, error) {
	start, end, dst, err := timeutil.WeekWindow(localDate, zone)
	if err != nil {
		return nil, err
	}
	return e.build(start, end, dst)
}

func (e *Engine) build(start, end time.Time, dst bool) (*Document, error) {
	doc := &Document{
		WindowStart:   start,
		WindowEnd:     end,
		DSTTransition: dst,
		WindowHuman:   humanize.RelTime(start, end, "", ""),
		CountsByTag:   map[string]int{},
		Quarantined:   map[string]int{},
	}

	events, err := e.source.List(vault.KindEvent, func(en *vault.Entity) bool {
		return inWindow(vault.StringField(en.Header, "start_ts"), start, end)
	})
	if err != nil {
		return nil, err
	}
	doc.Events = events

	completed, err := e.source.List(vault.KindTask, func(en *vault.Entity) bool {
		return inWindow(vault.StringField(en.Header, "done_ts"), start, end)
	})
	if err != nil {
		return nil, err
	}
	doc.TasksCompleted = completed

	inProgress, err := e.source.List(vault.KindTask, func(en *vault.Entity) bool {
		return vault.StringField(en.Header, "state") == vault.TaskDoing
	})
	if err != nil {
		return nil, err
	}
	doc.TasksInProgress = inProgress

	due, err := e.source.List(vault.KindTask, func(en *vault.Entity) bool {
		return inWindow(vault.StringField(en.Header, "due_ts"), start, end)
	})
	if err != nil {
		return nil, err
	}
	doc.TasksDue = due

	for _, group := range [][]*vault.Entity{events, completed, inProgress, due} {
		for _, en := range group {
			for _, tag := range vault.StringSliceField(en.Header, "tags") {
				doc.CountsByTag[tag]++
			}
		}
	}

	if e.quarantine != nil {
		counts, err := e.quarantine.CountByKind(start, end)
		if err != nil {
			return nil, err
		}
		doc.Quarantined = counts
	}

	sortByID(doc.Events)
	sortByID(doc.TasksCompleted)
	sortByID(doc.TasksInProgress)
	sortByID(doc.TasksDue)

	return doc, nil
}

func inWindow(ts string, start, end time.Time) bool {
	if ts == "" {
		return false
	}
	t, err := timeutil.Parse(ts)
	if err != nil {
		return false
	}
	return !t.Before(start) && t.Before(end)
}

func sortByID(entities []*vault.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID() < entities[j].ID() })
}
