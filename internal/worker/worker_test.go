package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) Notify(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, taskID)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

func setupTestWorker(t *testing.T) (*Worker, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	w := NewWorker("test-worker", store)
	w.SetPollInterval(10 * time.Millisecond)
	return w, store
}

func enqueue(t *testing.T, store *repository.MemoryStore, kind string) *task.Task {
	t.Helper()
	tk, err := store.CreateTask(context.Background(), kind, map[string]any{"prompt": "hi"}, task.StatusQueued)
	require.NoError(t, err)
	return tk
}

func claim(t *testing.T, store *repository.MemoryStore, kind string) *task.Task {
	t.Helper()
	tk, err := store.ClaimNextQueued(context.Background(), kind)
	require.NoError(t, err)
	require.NotNil(t, tk)
	return tk
}

func TestNewWorker(t *testing.T) {
	w, _ := setupTestWorker(t)

	assert.Equal(t, "test-worker", w.id)
	assert.NotNil(t, w.handlers)
	assert.NotNil(t, w.stop)
	assert.Equal(t, 10*time.Millisecond, w.pollInterval)

	w.SetPollInterval(0)
	assert.Equal(t, 10*time.Millisecond, w.pollInterval)
}

func TestRegisterHandler(t *testing.T) {
	w, _ := setupTestWorker(t)

	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		return "", nil
	})

	assert.Contains(t, w.handlers, task.KindChatRun)
}

func TestProcessTask_Success(t *testing.T) {
	w, store := setupTestWorker(t)
	pub := &recordingPublisher{}
	w.SetPublisher(pub)

	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		if err := emit(task.LogEvent{Message: "working"}); err != nil {
			return "", err
		}
		return "answer", nil
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)

	w.processTask(context.Background(), tk)

	got, err := store.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOK, got.Status)
	assert.Equal(t, "answer", got.Output)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []task.EventKind{task.EventStatus, task.EventLog, task.EventDone}, store.EventKinds(tk.ID))
	assert.Equal(t, 3, pub.count())
}

func TestProcessTask_Failure(t *testing.T) {
	w, store := setupTestWorker(t)

	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		return "", errors.New("task failed")
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)

	w.processTask(context.Background(), tk)

	got, _ := store.GetTask(context.Background(), tk.ID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Contains(t, got.Error, "task failed")

	events, err := store.ListEvents(context.Background(), tk.ID, 0, 0)
	require.NoError(t, err)
	last := events[len(events)-1].Event
	assert.Equal(t, task.DoneEvent{Status: task.StatusError, Error: "task failed"}, last)
}

func TestProcessTask_Panic(t *testing.T) {
	w, store := setupTestWorker(t)

	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		panic("boom")
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)

	w.processTask(context.Background(), tk)

	got, _ := store.GetTask(context.Background(), tk.ID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Contains(t, got.Error, "panic: boom")
}

func TestProcessTask_NoHandler(t *testing.T) {
	w, store := setupTestWorker(t)

	enqueue(t, store, "unknown_kind")
	tk := claim(t, store, "unknown_kind")

	w.processTask(context.Background(), tk)

	got, _ := store.GetTask(context.Background(), tk.ID)
	assert.Equal(t, task.StatusError, got.Status)
	assert.Contains(t, got.Error, "no handler for task kind")
}

func TestProcessTask_TerminalEventsFromHandlerIgnored(t *testing.T) {
	w, store := setupTestWorker(t)

	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		require.NoError(t, emit(task.DoneEvent{Status: task.StatusOK}))
		require.NoError(t, emit(task.LogEvent{Message: "still open"}))
		return "ok", nil
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)

	w.processTask(context.Background(), tk)

	assert.Equal(t, []task.EventKind{task.EventStatus, task.EventLog, task.EventDone}, store.EventKinds(tk.ID))
}

func TestProcessTask_Canceled(t *testing.T) {
	w, store := setupTestWorker(t)
	cancels := task.NewCancels()
	w.SetCancels(cancels)

	started := make(chan string)
	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		started <- tk.ID
		<-ctx.Done()
		return "", ctx.Err()
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)

	done := make(chan struct{})
	go func() {
		w.processTask(context.Background(), tk)
		close(done)
	}()

	id := <-started
	ok, err := store.Cancel(context.Background(), id, "user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cancels.Cancel(id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not interrupted")
	}

	got, _ := store.GetTask(context.Background(), tk.ID)
	assert.Equal(t, task.StatusCanceled, got.Status)
	assert.Equal(t, []task.EventKind{task.EventStatus, task.EventCanceled}, store.EventKinds(tk.ID))
	assert.Equal(t, 0, cancels.Len())
}

func TestProcessTask_CanceledBeforeStart(t *testing.T) {
	w, store := setupTestWorker(t)

	called := false
	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		called = true
		return "", nil
	})

	enqueue(t, store, task.KindChatRun)
	tk := claim(t, store, task.KindChatRun)
	_, err := store.Cancel(context.Background(), tk.ID, "user")
	require.NoError(t, err)

	w.processTask(context.Background(), tk)

	assert.False(t, called)
	assert.Equal(t, []task.EventKind{task.EventCanceled}, store.EventKinds(tk.ID))
}

func TestStartStop(t *testing.T) {
	w, store := setupTestWorker(t)

	var mu sync.Mutex
	var handled []string
	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		mu.Lock()
		handled = append(handled, tk.ID)
		mu.Unlock()
		return "ok", nil
	})

	first := enqueue(t, store, task.KindChatRun)
	second := enqueue(t, store, task.KindChatRun)
	other := enqueue(t, store, "other_kind")

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	for _, id := range []string{first.ID, second.ID} {
		status, _ := store.GetTaskStatus(id)
		assert.Equal(t, task.StatusOK, status)
	}
	status, _ := store.GetTaskStatus(other.ID)
	assert.Equal(t, task.StatusQueued, status)
}

func TestStart_ContextCanceled(t *testing.T) {
	w, store := setupTestWorker(t)
	store.ClaimError = errors.New("db down")
	w.RegisterHandler(task.KindChatRun, func(ctx context.Context, tk *task.Task, emit Emit) (string, error) {
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.GetClaimCallCount() > 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
