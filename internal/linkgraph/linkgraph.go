// Package linkgraph maintains the bidirectional wiki-style reference
// index described in spec §4.5: a forward/inverse edge index rebuilt
// from header relationship fields and "[[target]]" occurrences in an
// entity's body, persisted as an append-only journal that crash recovery
// replays in full (no snapshots are taken). No pack repo maintains
// a reference graph of its own, so the journal-then-apply pattern is
// built from spec §9's design note directly; the journal line format
// follows the teacher's own append-only style of writing one
// self-describing record per line (internal/db migrations use the same
// "append, never rewrite" discipline for schema versions).
package linkgraph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/jra3/vaultd/internal/vault"
)

// wikiLinkPattern matches "[[target]]" occurrences in a body, mirroring
// the teacher's own markdownLinkPattern/linearCDNPattern regex-scanning
// idiom in internal/sync/worker.go.
var wikiLinkPattern = regexp.MustCompile(`\[\[([^\]]+)\]\]`)

// externalURLPattern extracts bare URLs for the diagnostic external-link
// side table (a SPEC_FULL.md supplemented feature generalizing the
// teacher's embedded-file CDN URL extraction).
var externalURLPattern = regexp.MustCompile(`https?://[^\s)\]]+`)

// JournalOp is one recorded mutation to the graph.
type JournalOp string

const (
	OpUpsert JournalOp = "upsert"
	OpDelete JournalOp = "delete"
)

// JournalEntry is one append-only journal line.
type JournalEntry struct {
	Op       JournalOp `json:"op"`
	ID       string    `json:"id"`
	Forward  []string  `json:"forward,omitempty"`
	External []string  `json:"external,omitempty"`
}

// Diagnosis is the output of Diagnose.
type Diagnosis struct {
	Orphans       []string
	Cycles        [][]string
	Broken        []BrokenLink
	NearDuplicates [][2]string
}

// BrokenLink is a reference that does not resolve to any known entity.
type BrokenLink struct {
	From   string
	Target string
}

// Resolver looks up ids/aliases/titles to a canonical entity id, as
// described in §4.5: body targets may be ids, aliases, or titles.
type Resolver interface {
	Resolve(target string) (id string, ok bool)
}

// Graph is the in-memory forward/inverse index plus its journal.
type Graph struct {
	mu       sync.Mutex
	journal  *os.File
	forward  map[string]map[string]bool // id -> set of targets (resolved ids)
	inverse  map[string]map[string]bool // id -> set of sources referencing it
	external map[string][]string        // id -> bare URLs found in body
	known    map[string]bool            // ids that currently exist
	titles   map[string]string          // normalized title -> id, for near-dup detection
}

// Open opens (creating if absent) the journal file at journalPath and
// returns an empty in-memory graph ready to have the journal replayed
// into it via Replay, or to be populated fresh via a full vault scan.
func Open(journalPath string) (*Graph, error) {
	f, err := os.OpenFile(journalPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open link journal: %w", err)
	}
	return &Graph{
		journal:  f,
		forward:  make(map[string]map[string]bool),
		inverse:  make(map[string]map[string]bool),
		external: make(map[string][]string),
		known:    make(map[string]bool),
		titles:   make(map[string]string),
	}, nil
}

// Close releases the journal file handle.
func (g *Graph) Close() error {
	return g.journal.Close()
}

// Replay reads every entry from the journal and applies it to the
// in-memory index, for crash recovery (spec §9).
func (g *Graph) Replay() error {
	if _, err := g.journal.Seek(0, 0); err != nil {
		return fmt.Errorf("seek link journal: %w", err)
	}
	scanner := bufio.NewScanner(g.journal)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("decode link journal line: %w", err)
		}
		g.applyLocked(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan link journal: %w", err)
	}
	if _, err := g.journal.Seek(0, 2); err != nil {
		return fmt.Errorf("seek link journal to end: %w", err)
	}
	return nil
}

func (g *Graph) applyLocked(entry JournalEntry) {
	switch entry.Op {
	case OpUpsert:
		g.known[entry.ID] = true
		g.setForwardLocked(entry.ID, entry.Forward)
		g.external[entry.ID] = entry.External
	case OpDelete:
		delete(g.known, entry.ID)
		g.setForwardLocked(entry.ID, nil)
		delete(g.external, entry.ID)
	}
}

func (g *Graph) setForwardLocked(id string, targets []string) {
	if old, ok := g.forward[id]; ok {
		for t := range old {
			if inv, ok := g.inverse[t]; ok {
				delete(inv, id)
			}
		}
	}
	if len(targets) == 0 {
		delete(g.forward, id)
		return
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
		if g.inverse[t] == nil {
			g.inverse[t] = make(map[string]bool)
		}
		g.inverse[t][id] = true
	}
	g.forward[id] = set
}

func (g *Graph) appendJournal(entry JournalEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode link journal entry: %w", err)
	}
	b = append(b, '\n')
	if _, err := g.journal.Write(b); err != nil {
		return fmt.Errorf("write link journal: %w", err)
	}
	return g.journal.Sync()
}

// ExtractForward computes the set of link targets an entity refers to,
// from both header relationship fields and "[[target]]" body
// occurrences, resolving body targets through resolver. Unresolved body
// targets are kept verbatim (and surface as broken links by Diagnose).
func ExtractForward(header map[string]any, body string, resolver Resolver) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, field := range []string{"links", "depends_on", "blocks", "relates_to"} {
		for _, id := range vault.StringSliceField(header, field) {
			add(id)
		}
	}

	for _, m := range wikiLinkPattern.FindAllStringSubmatch(body, -1) {
		target := strings.TrimSpace(m[1])
		if resolved, ok := resolver.Resolve(target); ok {
			add(resolved)
		} else {
			add(target)
		}
	}

	return out
}

// ExtractExternal pulls bare URLs out of a body for the diagnostic
// external-link side table (not gating, per SUPPLEMENTED FEATURES).
func ExtractExternal(body string) []string {
	matches := externalURLPattern.FindAllString(body, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, len(matches))
	copy(out, matches)
	return out
}

// OnEntityUpsert recomputes forward edges for id and journals the
// change before applying it to the in-memory index (spec §4.6: "step
// (8) appends to the link journal before mutating in-memory graph").
func (g *Graph) OnEntityUpsert(id, title string, forward, external []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := JournalEntry{Op: OpUpsert, ID: id, Forward: forward, External: external}
	if err := g.appendJournal(entry); err != nil {
		return err
	}
	g.applyLocked(entry)
	if title != "" {
		g.titles[normalizeTitle(title)] = id
	}
	return nil
}

// OnEntityDelete removes id's forward edges; any inverse edges pointing
// at id become broken (detected lazily by Diagnose, not eagerly here).
func (g *Graph) OnEntityDelete(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := JournalEntry{Op: OpDelete, ID: id}
	if err := g.appendJournal(entry); err != nil {
		return err
	}
	g.applyLocked(entry)
	return nil
}

// QueryBacklinks returns the ids of entities that reference id.
func (g *Graph) QueryBacklinks(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.inverse[id]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

const nearDuplicateThreshold = 0.9

// Diagnose returns orphans (entities with no forward or inverse edges),
// cycles (via DFS coloring), broken links (forward targets that are not
// known entities), and near-duplicate titles (word-level similarity at
// or above the fixed nearDuplicateThreshold).
func (g *Graph) Diagnose() Diagnosis {
	g.mu.Lock()
	defer g.mu.Unlock()

	var d Diagnosis

	for id := range g.known {
		if len(g.forward[id]) == 0 && len(g.inverse[id]) == 0 {
			d.Orphans = append(d.Orphans, id)
		}
	}

	for from, targets := range g.forward {
		for target := range targets {
			if !g.known[target] {
				d.Broken = append(d.Broken, BrokenLink{From: from, Target: target})
			}
		}
	}

	d.Cycles = detectCycles(g.forward)
	d.NearDuplicates = g.detectNearDuplicatesLocked()

	return d
}

// detectCycles runs DFS with three-coloring (white/gray/black) over the
// forward adjacency to find cycles, per spec §4.5/§9.
func detectCycles(forward map[string]map[string]bool) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var cycles [][]string
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for next := range forward[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycles = append(cycles, cyclePath(stack, next))
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for node := range forward {
		if color[node] == white {
			visit(node)
		}
	}
	return cycles
}

func cyclePath(stack []string, start string) []string {
	for i, n := range stack {
		if n == start {
			out := make([]string, len(stack)-i)
			copy(out, stack[i:])
			return out
		}
	}
	return append([]string{start}, stack...)
}

func (g *Graph) detectNearDuplicatesLocked() [][2]string {
	var titles []string
	byTitle := make(map[string]string)
	for norm, id := range g.titles {
		titles = append(titles, norm)
		byTitle[norm] = id
	}

	var pairs [][2]string
	for i := 0; i < len(titles); i++ {
		for j := i + 1; j < len(titles); j++ {
			if titleSimilarity(titles[i], titles[j]) >= nearDuplicateThreshold {
				pairs = append(pairs, [2]string{byTitle[titles[i]], byTitle[titles[j]]})
			}
		}
	}
	return pairs
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// titleSimilarity is a Jaccard-index-over-words heuristic: cheap,
// symmetric, and good enough for "near duplicate" flags rather than
// authoritative dedup: Diagnose only reports the pairs, and no write is
// rejected because of them.
func titleSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}
