// Package handlers contains the task handlers registered on workers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/deskmate/internal/invoker"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/worker"
)

type ChatPayload struct {
	ChatID string `json:"chat_id,omitempty"`
	Prompt string `json:"prompt"`
}

func parsePayload(input map[string]any) (*ChatPayload, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	var p ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return nil, errors.New("missing required field: prompt")
	}

	return &p, nil
}

// ChatRun sends the task's prompt to the runner, relays the runner's
// events, then appends the assistant message and usage.
func ChatRun(inv invoker.Invoker) worker.TaskHandler {
	return func(ctx context.Context, t *task.Task, emit worker.Emit) (string, error) {
		payload, err := parsePayload(t.Input)
		if err != nil {
			return "", fmt.Errorf("invalid chat payload: %w", err)
		}

		res, err := inv.Invoke(ctx, payload.Prompt, invoker.EventFunc(emit))
		if err != nil {
			return "", err
		}
		if res == nil {
			return "", errors.New("runner returned no result")
		}

		if err := emit(task.AssistantMessageEvent{Content: res.Content}); err != nil {
			return res.Content, fmt.Errorf("failed to append assistant message: %w", err)
		}
		if res.Usage != nil {
			if err := emit(res.Usage.Event()); err != nil {
				return res.Content, fmt.Errorf("failed to append usage: %w", err)
			}
		}

		return res.Content, nil
	}
}
