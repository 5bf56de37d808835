package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(StatusEvent{Status: "loading_context"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","status":"loading_context"}`, string(data))

	data, err = MarshalEvent(CanceledEvent{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"canceled"}`, string(data))

	data, err = MarshalEvent(UsageEvent{InputTokens: 10, CachedInputTokens: 2, OutputTokens: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"usage","input_tokens":10,"cached_input_tokens":2,"output_tokens":5}`, string(data))
}

func TestMarshalEvent_Nil(t *testing.T) {
	_, err := MarshalEvent(nil)
	assert.Error(t, err)
}

func TestUnmarshalEvent(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"done","status":"error","error":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, DoneEvent{Status: StatusError, Error: "boom"}, ev)

	ev, err = UnmarshalEvent([]byte(`{"type":"assistant_message","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, AssistantMessageEvent{Content: "hi"}, ev)
}

func TestUnmarshalEvent_Unknown(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"tool_call","name":"search"}`))
	require.NoError(t, err)

	ext, ok := ev.(ExtensionEvent)
	require.True(t, ok)
	assert.Equal(t, EventKind("tool_call"), ext.Kind())

	data, err := MarshalEvent(ext)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_call","name":"search"}`, string(data))
}

func TestUnmarshalEvent_Invalid(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"status":"x"}`))
	assert.Error(t, err)
}

func TestIsTerminalEvent(t *testing.T) {
	assert.True(t, IsTerminalEvent(DoneEvent{Status: StatusOK}))
	assert.True(t, IsTerminalEvent(CanceledEvent{}))
	assert.False(t, IsTerminalEvent(StatusEvent{Status: "running"}))
	assert.False(t, IsTerminalEvent(nil))
}

func TestTaskEventJSON(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := TaskEvent{
		ID:        7,
		TaskID:    "task-1",
		Event:     LogEvent{Level: "info", Message: "fetching"},
		CreatedAt: created,
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 7,
		"task_id": "task-1",
		"event": {"type": "log", "level": "info", "message": "fetching"},
		"created_at": "2026-01-02T03:04:05Z"
	}`, string(data))

	var decoded TaskEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev, decoded)
}
