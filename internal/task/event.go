package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventKind string

const (
	EventStatus           EventKind = "status"
	EventLog              EventKind = "log"
	EventDevice           EventKind = "device"
	EventUsage            EventKind = "usage"
	EventAssistantMessage EventKind = "assistant_message"
	EventError            EventKind = "error"
	EventDone             EventKind = "done"
	EventCanceled         EventKind = "canceled"
)

// Event is the payload of a TaskEvent. Each variant serializes as a JSON
// object carrying a "type" discriminator next to its own fields.
type Event interface {
	Kind() EventKind
}

type StatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type LogEvent struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// DeviceEvent carries a device-code login prompt for the user.
type DeviceEvent struct {
	VerificationURL string `json:"verification_url,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	Message         string `json:"message,omitempty"`
}

type UsageEvent struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

type AssistantMessageEvent struct {
	Content string `json:"content"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type DoneEvent struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type CanceledEvent struct {
	Reason string `json:"reason,omitempty"`
}

// ExtensionEvent holds a payload whose type this build does not know. Data is
// the complete JSON object, discriminator included.
type ExtensionEvent struct {
	Type string
	Data json.RawMessage
}

func (StatusEvent) Kind() EventKind           { return EventStatus }
func (LogEvent) Kind() EventKind              { return EventLog }
func (DeviceEvent) Kind() EventKind           { return EventDevice }
func (UsageEvent) Kind() EventKind            { return EventUsage }
func (AssistantMessageEvent) Kind() EventKind { return EventAssistantMessage }
func (ErrorEvent) Kind() EventKind            { return EventError }
func (DoneEvent) Kind() EventKind             { return EventDone }
func (CanceledEvent) Kind() EventKind         { return EventCanceled }
func (e ExtensionEvent) Kind() EventKind      { return EventKind(e.Type) }

// IsTerminalEvent reports whether no further events may follow e.
func IsTerminalEvent(e Event) bool {
	if e == nil {
		return false
	}
	k := e.Kind()
	return k == EventDone || k == EventCanceled
}

func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil event")
	}

	if ext, ok := e.(ExtensionEvent); ok {
		return marshalExtension(ext)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event %s is not a JSON object", e.Kind())
	}

	typ, err := json.Marshal(string(e.Kind()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func marshalExtension(ext ExtensionEvent) ([]byte, error) {
	if ext.Type == "" {
		return nil, errors.New("extension event without type")
	}

	fields := map[string]any{}
	if len(ext.Data) > 0 {
		if err := json.Unmarshal(ext.Data, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extension event %s: %w", ext.Type, err)
		}
	}
	fields["type"] = ext.Type
	return json.Marshal(fields)
}

func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch head.Type {
	case "":
		return nil, errors.New("event without type")
	case EventStatus:
		return decode[StatusEvent](data)
	case EventLog:
		return decode[LogEvent](data)
	case EventDevice:
		return decode[DeviceEvent](data)
	case EventUsage:
		return decode[UsageEvent](data)
	case EventAssistantMessage:
		return decode[AssistantMessageEvent](data)
	case EventError:
		return decode[ErrorEvent](data)
	case EventDone:
		return decode[DoneEvent](data)
	case EventCanceled:
		return decode[CanceledEvent](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return ExtensionEvent{Type: string(head.Type), Data: raw}, nil
	}
}

func decode[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return e, nil
}

// TaskEvent is one immutable entry of a task's event log. ID is assigned by
// the store and increases strictly within a task.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

type taskEventJSON struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Event     json.RawMessage `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e TaskEvent) MarshalJSON() ([]byte, error) {
	payload, err := MarshalEvent(e.Event)
	if err != nil {
		return nil, err
	}

	return json.Marshal(taskEventJSON{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Event:     payload,
		CreatedAt: e.CreatedAt,
	})
}

func (e *TaskEvent) UnmarshalJSON(data []byte) error {
	var raw taskEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ev, err := UnmarshalEvent(raw.Event)
	if err != nil {
		return err
	}

	e.ID = raw.ID
	e.TaskID = raw.TaskID
	e.Event = ev
	e.CreatedAt = raw.CreatedAt
	return nil
}
