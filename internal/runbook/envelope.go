package runbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nadmax/deskmate/internal/triage"
)

const feedbackExamples = 5

// FeedbackSummary condenses recent feedback for the prompt: counts per kind
// plus a few literal examples, most recent first.
type FeedbackSummary struct {
	Total    int               `json:"total"`
	ByKind   map[string]int    `json:"by_kind"`
	Examples []FeedbackExample `json:"examples"`
}

type FeedbackExample struct {
	Kind    string `json:"kind"`
	Title   string `json:"title,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// SummarizeFeedback expects feedback ordered most recent first.
func SummarizeFeedback(feedback []*triage.Feedback) FeedbackSummary {
	s := FeedbackSummary{
		Total:    len(feedback),
		ByKind:   make(map[string]int),
		Examples: []FeedbackExample{},
	}

	for _, fb := range feedback {
		s.ByKind[fb.Kind]++
		if len(s.Examples) < feedbackExamples {
			s.Examples = append(s.Examples, FeedbackExample{
				Kind:    fb.Kind,
				Title:   fb.ItemTitle,
				Reason:  fb.Reason,
				Outcome: fb.Outcome,
				Notes:   fb.Notes,
			})
		}
	}
	return s
}

func (s FeedbackSummary) Text() string {
	if s.Total == 0 {
		return "No feedback recorded yet."
	}

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var b strings.Builder
	fmt.Fprintf(&b, "%d recent feedback entries:", s.Total)
	for _, k := range kinds {
		fmt.Fprintf(&b, " %s=%d", k, s.ByKind[k])
	}
	b.WriteString("\n")

	for _, ex := range s.Examples {
		fmt.Fprintf(&b, "- [%s] %s", ex.Kind, ex.Title)
		if ex.Reason != "" {
			fmt.Fprintf(&b, " (reason: %s)", ex.Reason)
		}
		if ex.Outcome != "" {
			fmt.Fprintf(&b, " (outcome: %s)", ex.Outcome)
		}
		if ex.Notes != "" {
			fmt.Fprintf(&b, " (notes: %s)", ex.Notes)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type EnvelopeInput struct {
	Definition Definition
	AccountKey string
	Cursor     json.RawMessage
	Feedback   FeedbackSummary
}

const outputContract = "## Output format\n" +
	"Reply with exactly one fenced code block tagged `triage` containing a single JSON object:\n" +
	"```triage\n" +
	"{\"cursor\": {...}, \"items\": [{\"kind\": \"quick_read|next_action\", \"priority\": 0, " +
	"\"confidence_pct\": 0, \"title\": \"\", \"summary_md\": \"\", \"source_key\": \"\", \"source\": {}}]}\n" +
	"```\n" +
	"- `cursor`: the new progress marker to resume from next run; repeat the current cursor when nothing was processed.\n" +
	"- `kind`: exactly `quick_read` or `next_action`.\n" +
	"- `priority`: 0 (lowest) to 3 (most urgent).\n" +
	"- `confidence_pct`: 0 to 100.\n" +
	"- `source_key`: a stable unique key for the underlying message, used for deduplication.\n" +
	"- `source`: the identifiers needed to open the original message.\n" +
	"Return `\"items\": []` when nothing needs attention. Do not write anything after the block."

// BuildEnvelope renders the prompt for one run. The same input always yields
// the same envelope.
func BuildEnvelope(in EnvelopeInput) string {
	cursor := compactCursor(in.Cursor)

	var b strings.Builder
	fmt.Fprintf(&b, "# Runbook: %s\n", in.Definition.ID)
	fmt.Fprintf(&b, "Account: %s\n", in.AccountKey)
	if in.Definition.CursorStrategy != "" {
		fmt.Fprintf(&b, "Cursor strategy: %s\n", in.Definition.CursorStrategy)
	}
	b.WriteString("\n## Cursor\n```json\n")
	b.WriteString(cursor)
	b.WriteString("\n```\n\n## Recent feedback\n")
	b.WriteString(in.Feedback.Text())
	b.WriteString("\n\n## Instructions\n")
	b.WriteString(strings.TrimSpace(in.Definition.Instructions))
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

func compactCursor(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "{}"
	}
	return buf.String()
}
