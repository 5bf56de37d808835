// Package repository defines the persistence contracts of the task log,
// runbook state and triage items, with an in-memory implementation used by
// tests and single-process development runs.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nadmax/deskmate/internal/repository/models"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/triage"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTaskClosed is returned when writing to a task whose done or
	// canceled event has already been appended.
	ErrTaskClosed = errors.New("task closed")
)

const DefaultEventLimit = 500

// StatusUpdate changes a task's status. StartedAt and CompletedAt are only
// written when set.
type StatusUpdate struct {
	Status      task.Status
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Finish closes a task: the done event and the terminal status are written
// together.
type Finish struct {
	Status task.Status
	Output string
	Error  string
}

type TaskRepository interface {
	CreateTask(ctx context.Context, kind string, input map[string]any, status task.Status) (*task.Task, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	UpdateInput(ctx context.Context, taskID string, input map[string]any) error
	AppendEvent(ctx context.Context, taskID string, ev task.Event) (*task.TaskEvent, error)
	SetStatus(ctx context.Context, taskID string, upd StatusUpdate) (bool, error)
	ListEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]task.TaskEvent, error)
	ClaimNextQueued(ctx context.Context, kind string) (*task.Task, error)
	Finish(ctx context.Context, taskID string, fin Finish) (bool, error)
	Cancel(ctx context.Context, taskID string, reason string) (bool, error)
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
}

// RunCompletion is everything a successful runbook run commits at once.
// A nil Cursor leaves the stored cursor untouched. Items without a ChatID
// get a dedicated chat only when they are actually inserted.
type RunCompletion struct {
	RunID      string
	RunbookID  string
	AccountKey string
	TaskID     string
	Cursor     json.RawMessage
	Items      []*triage.Item
	Output     string
	FinishedAt time.Time
}

type RunFailure struct {
	RunID      string
	RunbookID  string
	TaskID     string
	Reason     string
	Output     string
	FinishedAt time.Time
}

type RunbookRepository interface {
	GetState(ctx context.Context, runbookID string) (*runbook.State, error)
	ListStates(ctx context.Context) ([]*runbook.State, error)
	EnsureState(ctx context.Context, runbookID, chatID string) (*runbook.State, error)
	GetCursor(ctx context.Context, runbookID, accountKey string) (json.RawMessage, error)
	StartRun(ctx context.Context, run *runbook.Run) error
	// CompleteRun returns the items that did not exist before. It returns
	// ErrTaskClosed without committing anything when the task already
	// reached a terminal status.
	CompleteRun(ctx context.Context, c RunCompletion) ([]*triage.Item, error)
	FailRun(ctx context.Context, f RunFailure) error
	ListRuns(ctx context.Context, runbookID string, limit int) ([]*runbook.Run, error)
}

type ItemFilter struct {
	RunbookID string
	Status    triage.Status
	Limit     int
}

type TriageRepository interface {
	// InsertItem is idempotent on SourceKey: a duplicate returns the stored
	// item and false.
	InsertItem(ctx context.Context, item *triage.Item) (*triage.Item, bool, error)
	GetItem(ctx context.Context, itemID string) (*triage.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*triage.Item, error)
	UpdateItemStatus(ctx context.Context, itemID string, status triage.Status) (*triage.Item, error)
	AddFeedback(ctx context.Context, fb *triage.Feedback) error
	// ListFeedback returns the most recent feedback of a runbook first.
	ListFeedback(ctx context.Context, runbookID string, limit int) ([]*triage.Feedback, error)
}

const (
	ChatKindRunbook    = "runbook"
	ChatKindTriageItem = "triage_item"
)

type ChatRepository interface {
	CreateChat(ctx context.Context, title, kind string) (string, error)
}

type Store interface {
	TaskRepository
	RunbookRepository
	TriageRepository
	ChatRepository
	Close() error
}
