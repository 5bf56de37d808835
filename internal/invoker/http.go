package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/deskmate/internal/task"
)

// MaxLineSize bounds one NDJSON line of the runner's response.
const MaxLineSize = 4 * 1024 * 1024

const resultType = "result"

type HTTPConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTP posts the prompt to a runner endpoint that answers with NDJSON: one
// task event per line, then a {"type":"result"} line carrying the content
// and usage.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

type httpRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

type resultLine struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTP) Invoke(ctx context.Context, prompt string, onEvent EventFunc) (*Result, error) {
	body, err := json.Marshal(httpRequest{Prompt: prompt, Model: h.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call runner: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Runner: "http", Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	return decodeStream(resp.Body, onEvent)
}

func decodeStream(r io.Reader, onEvent EventFunc) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return nil, fmt.Errorf("failed to decode runner line %d: %w", lineNum, err)
		}

		if head.Type == resultType {
			var res resultLine
			if err := json.Unmarshal(line, &res); err != nil {
				return nil, fmt.Errorf("failed to decode runner result: %w", err)
			}
			if res.Error != "" {
				return nil, &Error{Runner: "http", Message: res.Error}
			}
			return &Result{Content: res.Content, Usage: res.Usage}, nil
		}

		ev, err := task.UnmarshalEvent(line)
		if err != nil {
			return nil, fmt.Errorf("failed to decode runner event on line %d: %w", lineNum, err)
		}
		if task.IsTerminalEvent(ev) {
			continue
		}
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return nil, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runner stream: %w", err)
	}
	return nil, errors.New("runner stream ended without a result")
}
