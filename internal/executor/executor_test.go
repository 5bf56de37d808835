package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nadmax/deskmate/internal/invoker"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodOutput = "Here is what I found.\n```triage\n" + `{
  "cursor": {"last_id": "m-42"},
  "items": [
    {"kind": "next_action", "priority": 3, "confidence_pct": 90, "title": "Reply to Dana", "summary_md": "Asks about the invoice", "source_key": "gmail:m-41", "source": {"id": "m-41"}},
    {"kind": "quick_read", "priority": 99, "title": "Newsletter", "source_key": "gmail:m-42"},
    {"kind": "reminder", "title": "Not a valid kind"}
  ]
}` + "\n```\n"

var inbox = runbook.Definition{
	ID:           "inbox",
	Name:         "Inbox triage",
	Enabled:      true,
	EveryMinutes: 30,
	Instructions: "Look at unread mail.",
}

type recordingPublisher struct {
	mu    sync.Mutex
	count map[string]int
}

func (p *recordingPublisher) Notify(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == nil {
		p.count = map[string]int{}
	}
	p.count[taskID]++
}

type recordingNotifier struct {
	items []*triage.Item
	err   error
}

func (n *recordingNotifier) NotifyItems(ctx context.Context, def runbook.Definition, items []*triage.Item) error {
	n.items = append(n.items, items...)
	return n.err
}

func staticInvoker(content string, usage *invoker.Usage) invoker.Invoker {
	return invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		if err := onEvent(task.LogEvent{Level: "info", Message: "reading inbox"}); err != nil {
			return nil, err
		}
		return &invoker.Result{Content: content, Usage: usage}, nil
	})
}

func TestRun_Success(t *testing.T) {
	store := repository.NewMemoryStore()
	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	ctx := context.Background()

	e := New(store, staticInvoker(goodOutput, &invoker.Usage{InputTokens: 120, OutputTokens: 40}), Config{},
		WithPublisher(pub), WithNotifier(notifier))

	out, err := e.Run(ctx, inbox, "")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, runbook.RunOK, out.Status)
	assert.Len(t, out.Created, 2)
	assert.Equal(t, 1, out.Dropped)

	got, err := store.GetTask(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOK, got.Status)
	assert.Equal(t, goodOutput, got.Output)
	assert.Equal(t, task.KindRunbookRun, got.Kind)

	assert.Equal(t, []task.EventKind{
		task.EventStatus,
		task.EventStatus,
		task.EventLog,
		task.EventUsage,
		task.EventAssistantMessage,
		task.EventDone,
	}, store.EventKinds(out.TaskID))

	events, _ := store.ListEvents(ctx, out.TaskID, 0, 0)
	assert.Equal(t, task.StatusEvent{Status: StatusLoadingContext}, events[0].Event)
	assert.Equal(t, task.StatusEvent{Status: StatusRunning}, events[1].Event)

	cursor, _ := store.GetCursor(ctx, "inbox", runbook.DefaultAccountKey)
	assert.JSONEq(t, `{"last_id":"m-42"}`, string(cursor))

	state, err := store.GetState(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, runbook.RunOK, state.LastStatus)
	assert.NotEmpty(t, state.ChatID)

	items, _ := store.ListItems(ctx, repository.ItemFilter{RunbookID: "inbox"})
	require.Len(t, items, 2)
	for _, item := range items {
		assert.NotEmpty(t, item.ChatID)
		assert.NotEqual(t, state.ChatID, item.ChatID)
	}
	newsletter, _ := store.ListItems(ctx, repository.ItemFilter{RunbookID: "inbox", Status: triage.StatusOpen})
	for _, item := range newsletter {
		if item.SourceKey == "gmail:m-42" {
			assert.Equal(t, triage.MaxPriority, item.Priority)
		}
	}

	runs, _ := store.ListRuns(ctx, "inbox", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, runbook.RunOK, runs[0].Status)
	assert.Equal(t, out.TaskID, runs[0].TaskID)

	assert.Len(t, notifier.items, 2)
	assert.Positive(t, pub.count[out.TaskID])
}

func TestRun_SecondRunReusesChatAndSkipsDuplicates(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	ctx := context.Background()
	e := New(store, staticInvoker(goodOutput, nil), Config{}, WithNotifier(notifier))

	_, err := e.Run(ctx, inbox, "")
	require.NoError(t, err)
	first, _ := store.GetState(ctx, "inbox")
	chats := len(store.Chats)

	out, err := e.Run(ctx, inbox, "")
	require.NoError(t, err)
	assert.Empty(t, out.Created)

	second, _ := store.GetState(ctx, "inbox")
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Len(t, store.Items, 2)
	assert.Len(t, store.Chats, chats, "duplicate items get no chat")
	assert.Len(t, notifier.items, 2, "only newly created items are notified")
}

// lateStateStore reports no runbook state while another account of the
// same firing stores its own chat in between.
type lateStateStore struct {
	*repository.MemoryStore
	otherChatID string
}

func (s *lateStateStore) GetState(ctx context.Context, runbookID string) (*runbook.State, error) {
	if _, err := s.MemoryStore.EnsureState(ctx, runbookID, s.otherChatID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("runbook state %s: %w", runbookID, repository.ErrNotFound)
}

func TestRun_FirstFiringUsesStoredChat(t *testing.T) {
	store := &lateStateStore{MemoryStore: repository.NewMemoryStore(), otherChatID: "chat-other-account"}
	ctx := context.Background()

	out, err := New(store, staticInvoker(goodOutput, nil), Config{}).Run(ctx, inbox, "work")
	require.NoError(t, err)

	state, err := store.MemoryStore.GetState(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "chat-other-account", state.ChatID)

	got, err := store.GetTask(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, state.ChatID, got.Input["chat_id"])
}

func TestRun_OutputParseFailureKeepsCursor(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	_, err := New(store, staticInvoker(goodOutput, nil), Config{}).Run(ctx, inbox, "")
	require.NoError(t, err)

	raw := "Sorry, I could not reach the mailbox today."
	out, err := New(store, staticInvoker(raw, nil), Config{}).Run(ctx, inbox, "")
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, runbook.RunError, out.Status)

	got, _ := store.GetTask(ctx, out.TaskID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Equal(t, runbook.ReasonOutputParseFailed, got.Error)
	assert.Equal(t, raw, got.Output)

	kinds := store.EventKinds(out.TaskID)
	assert.Equal(t, task.EventError, kinds[len(kinds)-2])
	assert.Equal(t, task.EventDone, kinds[len(kinds)-1])

	state, _ := store.GetState(ctx, "inbox")
	assert.Equal(t, runbook.RunError, state.LastStatus)
	assert.Equal(t, runbook.ReasonOutputParseFailed, state.LastError)

	cursor, _ := store.GetCursor(ctx, "inbox", runbook.DefaultAccountKey)
	assert.JSONEq(t, `{"last_id":"m-42"}`, string(cursor))
}

func TestRun_InvokerError(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	inv := invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		return nil, &invoker.Error{Runner: "http", Message: "upstream unavailable"}
	})

	out, err := New(store, inv, Config{}).Run(ctx, inbox, "work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")

	got, _ := store.GetTask(ctx, out.TaskID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Equal(t, "http: upstream unavailable", got.Error)

	runs, _ := store.ListRuns(ctx, "inbox", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, "work", runs[0].AccountKey)
	assert.Equal(t, runbook.RunError, runs[0].Status)
}

func TestRun_PanicBecomesError(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	inv := invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		panic("boom")
	})

	out, err := New(store, inv, Config{}).Run(ctx, inbox, "")
	require.Error(t, err)

	got, _ := store.GetTask(ctx, out.TaskID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Equal(t, "panic: boom", got.Error)
}

func TestRun_CanceledWhileInvoking(t *testing.T) {
	store := repository.NewMemoryStore()
	cancels := task.NewCancels()
	ctx := context.Background()

	inv := invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		recent, err := store.GetRecentTasks(ctx, 1)
		if err != nil || len(recent) != 1 {
			return nil, errors.New("task not found")
		}
		id := recent[0].TaskID
		if _, err := store.Cancel(ctx, id, "user"); err != nil {
			return nil, err
		}
		cancels.Cancel(id)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	out, err := New(store, inv, Config{}, WithCancels(cancels)).Run(ctx, inbox, "")
	require.Error(t, err)

	got, _ := store.GetTask(ctx, out.TaskID)
	assert.Equal(t, task.StatusCanceled, got.Status)

	kinds := store.EventKinds(out.TaskID)
	assert.Equal(t, task.EventCanceled, kinds[len(kinds)-1])

	runs, _ := store.ListRuns(ctx, "inbox", 0)
	assert.Equal(t, runbook.ReasonCanceled, runs[0].Error)
	assert.Equal(t, 0, cancels.Len())
}

func TestRun_CanceledBeforeCommit(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	inv := invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		recent, _ := store.GetRecentTasks(ctx, 1)
		_, err := store.Cancel(ctx, recent[0].TaskID, "user")
		return &invoker.Result{Content: goodOutput}, err
	})

	out, err := New(store, inv, Config{}).Run(ctx, inbox, "")
	require.Error(t, err)
	assert.Equal(t, runbook.RunError, out.Status)

	assert.Empty(t, store.Items)
	cursor, _ := store.GetCursor(ctx, "inbox", runbook.DefaultAccountKey)
	assert.JSONEq(t, `{}`, string(cursor))

	state, _ := store.GetState(ctx, "inbox")
	assert.Equal(t, runbook.ReasonCanceled, state.LastError)
}

func TestRun_PromptCarriesCursorAndFeedback(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	item := triage.NewItem("inbox", triage.KindNextAction, "Vendor spam")
	fb := triage.NewFeedback(item, "dismissed")
	fb.Reason = "marketing"
	require.NoError(t, store.AddFeedback(ctx, fb))

	var prompts []string
	inv := invoker.Func(func(ctx context.Context, prompt string, onEvent invoker.EventFunc) (*invoker.Result, error) {
		prompts = append(prompts, prompt)
		return &invoker.Result{Content: goodOutput}, nil
	})
	e := New(store, inv, Config{})

	_, err := e.Run(ctx, inbox, "")
	require.NoError(t, err)
	_, err = e.Run(ctx, inbox, "")
	require.NoError(t, err)

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "Runbook: inbox")
	assert.Contains(t, prompts[0], "dismissed=1")
	assert.Contains(t, prompts[0], "Vendor spam")
	assert.Contains(t, prompts[0], "Look at unread mail.")
	assert.Contains(t, prompts[0], "```triage")
	assert.True(t, strings.Contains(prompts[1], `{"last_id":"m-42"}`), "second run sees the saved cursor")
}

func TestRun_NotifierErrorDoesNotFailRun(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{err: errors.New("smtp down")}

	out, err := New(store, staticInvoker(goodOutput, nil), Config{}, WithNotifier(notifier)).Run(context.Background(), inbox, "")
	require.NoError(t, err)
	assert.Equal(t, runbook.RunOK, out.Status)
}

func TestRun_StoreFailureBeforeTask(t *testing.T) {
	store := repository.NewMemoryStore()
	store.GetCursorError = errors.New("db down")

	out, err := New(store, staticInvoker(goodOutput, nil), Config{}).Run(context.Background(), inbox, "")
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Empty(t, store.Tasks)
}

func TestRun_StartFailureClosesRunAndState(t *testing.T) {
	store := repository.NewMemoryStore()
	store.StartRunError = errors.New("runs table locked")
	ctx := context.Background()

	out, err := New(store, staticInvoker(goodOutput, nil), Config{}).Run(ctx, inbox, "")
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, runbook.RunError, out.Status)
	assert.Empty(t, out.RunID)
	assert.Contains(t, out.Error, "runs table locked")

	got, _ := store.GetTask(ctx, out.TaskID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Contains(t, got.Error, "runs table locked")

	kinds := store.EventKinds(out.TaskID)
	require.NotEmpty(t, kinds)
	assert.Equal(t, task.EventDone, kinds[len(kinds)-1])

	state, err := store.GetState(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, runbook.RunError, state.LastStatus)
	assert.Contains(t, state.LastError, "runs table locked")
	assert.NotNil(t, state.LastRunAt)

	require.Len(t, store.FailRunCalls, 1)
	assert.Equal(t, out.TaskID, store.FailRunCalls[0].TaskID)
	assert.Empty(t, store.FailRunCalls[0].RunID)
	assert.Empty(t, store.Items)
}
