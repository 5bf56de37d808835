// Package runbook describes scheduled background jobs: their file-backed
// definitions, the per-runbook persisted state and run history, and the
// prompt envelope a run sends to the runner.
package runbook

import (
	"time"

	"github.com/google/uuid"
)

const DefaultAccountKey = "default"

type Definition struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	EveryMinutes   int      `json:"every_minutes" yaml:"every_minutes"`
	Accounts       []string `json:"accounts" yaml:"accounts"`
	CursorStrategy string   `json:"cursor_strategy,omitempty" yaml:"cursor_strategy"`
	Instructions   string   `json:"instructions" yaml:"-"`
	Path           string   `json:"path,omitempty" yaml:"-"`
}

// AccountKeys returns the accounts a firing runs against, one run each.
func (d Definition) AccountKeys() []string {
	if len(d.Accounts) == 0 {
		return []string{DefaultAccountKey}
	}
	return d.Accounts
}

func (d Definition) Interval() time.Duration {
	return time.Duration(d.EveryMinutes) * time.Minute
}

// Due reports whether a run should start at now given the last run time.
func (d Definition) Due(lastRunAt *time.Time, now time.Time) bool {
	if d.EveryMinutes <= 0 {
		return false
	}
	if lastRunAt == nil {
		return true
	}
	return now.Sub(*lastRunAt) >= d.Interval()
}

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
)

const (
	ReasonOutputParseFailed = "output_parse_failed"
	ReasonCanceled          = "canceled"
)

// State is the single persisted row per runbook.
type State struct {
	RunbookID  string     `json:"runbook_id"`
	ChatID     string     `json:"chat_id"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus RunStatus  `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type Run struct {
	ID         string     `json:"id"`
	RunbookID  string     `json:"runbook_id"`
	AccountKey string     `json:"account_key"`
	TaskID     string     `json:"task_id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func NewRun(runbookID, accountKey, taskID string) *Run {
	return &Run{
		ID:         uuid.New().String(),
		RunbookID:  runbookID,
		AccountKey: accountKey,
		TaskID:     taskID,
		Status:     RunRunning,
		StartedAt:  time.Now().UTC(),
	}
}
