// Package triage holds the items produced by runbook runs, the feedback users
// leave on them, and the extraction of structured results from model output.
package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	Kind   string
	Status string
)

const (
	KindQuickRead  Kind = "quick_read"
	KindNextAction Kind = "next_action"
)

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusDismissed Status = "dismissed"
)

const (
	MinPriority   = 0
	MaxPriority   = 10
	MinConfidence = 0
	MaxConfidence = 100
)

type Item struct {
	ID            string         `json:"id"`
	RunbookID     string         `json:"runbook_id"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	Title         string         `json:"title"`
	Summary       string         `json:"summary"`
	Priority      int            `json:"priority"`
	ConfidencePct *int           `json:"confidence_pct,omitempty"`
	SourceKey     string         `json:"source_key"`
	Source        map[string]any `json:"source"`
	ChatID        string         `json:"chat_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Feedback is an append-only reaction to an item, fed back into later runs
// of the same runbook.
type Feedback struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	RunbookID string    `json:"runbook_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ItemTitle string    `json:"item_title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (k Kind) Valid() bool {
	return k == KindQuickRead || k == KindNextAction
}

func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusCompleted || s == StatusDismissed
}

func ClampPriority(p int) int {
	return clamp(p, MinPriority, MaxPriority)
}

func ClampConfidence(c int) int {
	return clamp(c, MinConfidence, MaxConfidence)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func NewItem(runbookID string, kind Kind, title string) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:        uuid.New().String(),
		RunbookID: runbookID,
		Kind:      kind,
		Status:    StatusOpen,
		Title:     title,
		Source:    map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (i *Item) SetPriority(p int) {
	i.Priority = ClampPriority(p)
}

func (i *Item) SetConfidence(c int) {
	v := ClampConfidence(c)
	i.ConfidencePct = &v
}

func NewFeedback(item *Item, kind string) *Feedback {
	return &Feedback{
		ID:        uuid.New().String(),
		ItemID:    item.ID,
		RunbookID: item.RunbookID,
		Kind:      kind,
		ItemTitle: item.Title,
		CreatedAt: time.Now().UTC(),
	}
}

// DeriveSourceKey builds a stable key for items the model returned without
// one, so that re-running over the same data does not duplicate them.
func DeriveSourceKey(runbookID string, kind Kind, title, summary string) string {
	h := sha256.New()
	for _, part := range []string{runbookID, string(kind), strings.TrimSpace(title), strings.TrimSpace(summary)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "derived:" + hex.EncodeToString(h.Sum(nil))[:32]
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return floatToInt(n)
	case int:
		return n, true
	case int64:
		return floatToInt(float64(n))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(n, "%")), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, false
		}
		return floatToInt(f)
	}
	return 0, false
}

// floatToInt saturates at the int32 range; every caller clamps to a much
// smaller range afterwards.
func floatToInt(f float64) (int, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= math.MaxInt32:
		return math.MaxInt32, true
	case f <= math.MinInt32:
		return math.MinInt32, true
	}
	return int(f), true
}
