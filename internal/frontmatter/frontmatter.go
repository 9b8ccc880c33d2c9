// Package frontmatter implements the deterministic YAML-header + Markdown
// body codec described in spec §4.2. It is grounded directly on the
// teacher's internal/marshal.Document/Parse/Render, generalized from an
// arbitrary bag of Linear-issue fields into the canonical key ordering and
// quoting rules the vault format requires.
package frontmatter

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Document is a parsed entity file: its header (as a generic map so the
// codec stays kind-agnostic — the schema layer, not this package, knows
// what a Task or Event header must contain) and its Markdown body.
type Document struct {
	Header map[string]any
	Body   string
}

// Parse splits raw file bytes into header and body. A file with no leading
// "---" delimiter is treated as a header-less document whose whole content
// is the body, matching the teacher's permissive fallback.
func Parse(content []byte) (*Document, error) {
	str := string(content)

	if !strings.HasPrefix(str, delimiter) {
		return &Document{Header: map[string]any{}, Body: str}, nil
	}

	rest := str[len(delimiter):]
	idx := strings.Index(rest, "\n"+delimiter)
	if idx == -1 {
		return nil, fmt.Errorf("unclosed frontmatter")
	}

	headerYAML := rest[:idx]
	body := strings.TrimPrefix(rest[idx+len("\n"+delimiter):], "\n")

	var header map[string]any
	if err := yaml.Unmarshal([]byte(headerYAML), &header); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if header == nil {
		header = map[string]any{}
	}
	header = normalizeKeys(header)

	return &Document{Header: header, Body: body}, nil
}

// normalizeKeys copies a decoded header, recursing into nested
// map[string]any values and []any elements. yaml.v3 already decodes
// string-keyed mappings as map[string]any; maps with any other key type
// are passed through unchanged.
func normalizeKeys(v any) map[string]any {
	out := make(map[string]any)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeKeys(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// Render combines header and body into canonical file bytes.
func Render(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	if len(doc.Header) > 0 {
		node, err := headerNode(doc.Header)
		if err != nil {
			return nil, fmt.Errorf("build frontmatter node: %w", err)
		}
		hdrBytes, err := yaml.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("marshal frontmatter: %w", err)
		}
		buf.WriteString(delimiter)
		buf.WriteString("\n")
		buf.Write(hdrBytes)
		buf.WriteString(delimiter)
		buf.WriteString("\n")
	}

	buf.WriteString(doc.Body)
	return buf.Bytes(), nil
}

// canonical key ordering, per spec §4.2.
var (
	identityOrder       = []string{"id", "title"}
	classificationOrder = []string{"state", "tags"}
	timestampOrder      = []string{"created_ts", "updated_ts", "due_ts", "start_ts", "end_ts", "done_ts"}
	relationshipOrder   = []string{"links", "depends_on", "blocks", "relates_to"}

	// domainFields are recognized kind-specific fields (spec §3.3). Any
	// other key not in the lists above and not "x-sync" is "unknown".
	domainFields = map[string]bool{
		"assignee":        true,
		"estimate":        true,
		"estimate_frozen": true,
		"reopen_reason":   true,
		"blocked_reason":  true,
		"location":        true,
		"attendees":       true,
	}

	// syncOrder is the canonical field order within the nested x-sync map.
	syncOrder = []string{"source", "remote_id", "version_seen", "etag_seen", "last_write_ts"}
)

const syncKey = "x-sync"

func orderedKeys(header map[string]any) []string {
	seen := make(map[string]bool, len(header))
	var ordered []string

	appendKnown := func(names []string) {
		for _, n := range names {
			if _, ok := header[n]; ok {
				ordered = append(ordered, n)
				seen[n] = true
			}
		}
	}
	appendKnown(identityOrder)
	appendKnown(classificationOrder)
	appendKnown(timestampOrder)
	appendKnown(relationshipOrder)

	var domain []string
	for k := range header {
		if seen[k] || k == syncKey {
			continue
		}
		if domainFields[k] {
			domain = append(domain, k)
		}
	}
	sort.Strings(domain)
	for _, k := range domain {
		ordered = append(ordered, k)
		seen[k] = true
	}

	if _, ok := header[syncKey]; ok {
		ordered = append(ordered, syncKey)
		seen[syncKey] = true
	}

	var unknown []string
	for k := range header {
		if !seen[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	ordered = append(ordered, unknown...)

	return ordered
}

func headerNode(header map[string]any) (*yaml.Node, error) {
	keys := orderedKeys(header)
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
		valNode, err := valueNode(k, header[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

func valueNode(key string, v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case string:
		return stringNode(t), nil
	case []string:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: 0}
		for _, s := range t {
			seq.Content = append(seq.Content, stringNode(s))
		}
		return seq, nil
	case []any:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: 0}
		for _, e := range t {
			n, err := valueNode(key, e)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, n)
		}
		return seq, nil
	case map[string]any:
		var names []string
		if key == syncKey {
			names = syncOrder
		}
		return nestedMapNode(t, names)
	default:
		n := &yaml.Node{}
		if err := n.Encode(v); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func nestedMapNode(m map[string]any, order []string) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	seen := make(map[string]bool, len(m))

	add := func(k string) error {
		v, ok := m[k]
		if !ok {
			return nil
		}
		seen[k] = true
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
		valNode, err := valueNode(k, v)
		if err != nil {
			return err
		}
		node.Content = append(node.Content, keyNode, valNode)
		return nil
	}

	for _, k := range order {
		if err := add(k); err != nil {
			return nil, err
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		if err := add(k); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// needsQuote implements the quoting rule of spec §4.2: strings containing
// any of : # | > & * ! % @ [ { , or leading whitespace, are quoted. This
// also covers wiki-style "[[...]]" values since they start with "[".
func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		return true
	}
	return strings.ContainsAny(s, ":#|>&*!%@[{")
}

func stringNode(s string) *yaml.Node {
	style := yaml.Style(0)
	if needsQuote(s) {
		style = yaml.DoubleQuotedStyle
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: style}
}
