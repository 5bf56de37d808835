package triage

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var ErrNoStructuredOutput = errors.New("no structured output found")

var (
	triageFence = regexp.MustCompile("(?s)```triage[ \\t]*\\r?\\n(.*?)```")
	jsonFence   = regexp.MustCompile("(?s)```json[ \\t]*\\r?\\n(.*?)```")
	anyFence    = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \\t]*\\r?\\n(.*?)```")
)

// Result is the structured payload a runbook run returns. Cursor is nil when
// the model did not return one; Items keeps the raw entries so that a single
// malformed item can be dropped without failing the whole result.
type Result struct {
	Cursor json.RawMessage   `json:"cursor,omitempty"`
	Items  []json.RawMessage `json:"items"`
}

func (r *Result) HasCursor() bool {
	c := bytes.TrimSpace(r.Cursor)
	return len(c) > 0 && !bytes.Equal(c, []byte("null"))
}

// Extract locates the structured result in free-form model output. Fenced
// blocks are tried in order triage, json, any; then a bare top-level object;
// finally the first balanced {...} span that parses.
func Extract(text string) (*Result, error) {
	for _, candidate := range candidates(text) {
		if r, ok := parseResult(candidate); ok {
			return r, nil
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if span := balancedObject(text, start); span != "" {
			if r, ok := parseResult(span); ok {
				return r, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return nil, ErrNoStructuredOutput
}

func candidates(text string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{triageFence, jsonFence, anyFence} {
		if m := re.FindStringSubmatch(text); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
			break
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		out = append(out, trimmed)
	}
	return out
}

func parseResult(s string) (*Result, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, false
	}
	_, hasItems := keys["items"]
	_, hasCursor := keys["cursor"]
	if !hasItems && !hasCursor {
		return nil, false
	}

	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, false
	}
	if r.Items == nil {
		r.Items = []json.RawMessage{}
	}
	return &r, true
}

// balancedObject returns the {...} span starting at start, honoring JSON
// string escapes, or "" when the braces never balance.
func balancedObject(text string, start int) string {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

type rawItem struct {
	Kind          string         `json:"kind"`
	Priority      any            `json:"priority"`
	ConfidencePct any            `json:"confidence_pct"`
	Title         string         `json:"title"`
	SummaryMD     string         `json:"summary_md"`
	Summary       string         `json:"summary"`
	SourceKey     string         `json:"source_key"`
	Source        map[string]any `json:"source"`
}

// ParseItem validates one raw entry of a Result. It returns false when the
// entry must be dropped.
func ParseItem(runbookID string, raw json.RawMessage) (*Item, bool) {
	var ri rawItem
	if err := json.Unmarshal(raw, &ri); err != nil {
		return nil, false
	}

	kind := Kind(ri.Kind)
	if !kind.Valid() {
		return nil, false
	}

	title := strings.TrimSpace(ri.Title)
	if title == "" {
		return nil, false
	}

	item := NewItem(runbookID, kind, title)
	item.Summary = ri.SummaryMD
	if item.Summary == "" {
		item.Summary = ri.Summary
	}
	if p, ok := toInt(ri.Priority); ok {
		item.SetPriority(p)
	}
	if c, ok := toInt(ri.ConfidencePct); ok {
		item.SetConfidence(c)
	}
	if ri.Source != nil {
		item.Source = ri.Source
	}

	item.SourceKey = strings.TrimSpace(ri.SourceKey)
	if item.SourceKey == "" {
		item.SourceKey = DeriveSourceKey(runbookID, kind, title, item.Summary)
	}
	return item, true
}

// ParseItems returns the well-formed items of r and how many were dropped.
func (r *Result) ParseItems(runbookID string) ([]*Item, int) {
	items := make([]*Item, 0, len(r.Items))
	dropped := 0
	for _, raw := range r.Items {
		item, ok := ParseItem(runbookID, raw)
		if !ok {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}
