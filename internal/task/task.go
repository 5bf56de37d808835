// Package task defines the durable unit of asynchronous work shared by the
// task log, the event stream, the worker and the runbook executor.
package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	Status string
	Task   struct {
		ID          string         `json:"id"`
		Kind        string         `json:"kind"`
		Status      Status         `json:"status"`
		Input       map[string]any `json:"input"`
		Output      string         `json:"output,omitempty"`
		Error       string         `json:"error,omitempty"`
		CreatedAt   time.Time      `json:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at"`
		StartedAt   *time.Time     `json:"started_at,omitempty"`
		CompletedAt *time.Time     `json:"completed_at,omitempty"`
	}
)

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

const (
	KindChatRun    = "chat_run"
	KindRunbookRun = "runbook_run"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

func NewTask(kind string, input map[string]any, status Status) *Task {
	if input == nil {
		input = map[string]any{}
	}
	if status == "" {
		status = StatusQueued
	}

	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    status,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusOK || s == StatusError || s == StatusCanceled
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusOK, StatusError, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses never change again.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}

	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCanceled
	case StatusRunning:
		return to.IsTerminal()
	}
	return false
}

// TerminalStatuses lists the statuses a finished task may hold, in the order
// used by SQL predicates.
func TerminalStatuses() []Status {
	return []Status{StatusOK, StatusError, StatusCanceled}
}

func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
