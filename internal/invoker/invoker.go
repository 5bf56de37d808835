// Package invoker is the boundary to the model runner: it turns a prompt into
// assistant output and usage, relaying intermediate events as they happen.
package invoker

import (
	"context"
	"fmt"

	"github.com/nadmax/deskmate/internal/task"
)

type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

func (u *Usage) Event() task.UsageEvent {
	return task.UsageEvent{
		InputTokens:       u.InputTokens,
		CachedInputTokens: u.CachedInputTokens,
		OutputTokens:      u.OutputTokens,
	}
}

type Result struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// EventFunc receives intermediate events. A returned error aborts the
// invocation.
type EventFunc func(task.Event) error

type Invoker interface {
	Invoke(ctx context.Context, prompt string, onEvent EventFunc) (*Result, error)
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, prompt string, onEvent EventFunc) (*Result, error)

func (f Func) Invoke(ctx context.Context, prompt string, onEvent EventFunc) (*Result, error) {
	return f(ctx, prompt, onEvent)
}

// Error is returned when the runner itself reports a failure.
type Error struct {
	Runner  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Runner, e.Message)
}
