package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(store *repository.MemoryStore) *Hub {
	return NewHub(store, Config{PollInterval: 10 * time.Millisecond, Heartbeat: time.Hour, BatchSize: 3})
}

func collect(t *testing.T, h *Hub, ctx context.Context, taskID string, after int64) ([]task.TaskEvent, error) {
	t.Helper()

	var got []task.TaskEvent
	err := h.Stream(ctx, taskID, after, func(ev task.TaskEvent) error {
		got = append(got, ev)
		return nil
	}, nil)
	return got, err
}

func TestStream_ReplaysHistoryOfFinishedTask(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	tk, _ := store.CreateTask(ctx, task.KindChatRun, nil, task.StatusRunning)
	for i := 0; i < 7; i++ {
		_, err := store.AppendEvent(ctx, tk.ID, task.LogEvent{Message: "line"})
		require.NoError(t, err)
	}
	_, err := store.Finish(ctx, tk.ID, repository.Finish{Status: task.StatusOK})
	require.NoError(t, err)

	h := newTestHub(store)
	events, err := collect(t, h, ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 8)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.ID)
	}
	assert.Equal(t, task.EventDone, events[7].Event.Kind())
	assert.Equal(t, 0, h.Subscribers(tk.ID))
}

func TestStream_ResumesAfterCursor(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	tk, _ := store.CreateTask(ctx, task.KindChatRun, nil, task.StatusRunning)
	for i := 0; i < 4; i++ {
		_, _ = store.AppendEvent(ctx, tk.ID, task.LogEvent{Message: "line"})
	}
	_, _ = store.Finish(ctx, tk.ID, repository.Finish{Status: task.StatusOK})

	events, err := collect(t, newTestHub(store), ctx, tk.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].ID)
	assert.Equal(t, int64(5), events[1].ID)
}

func TestStream_LiveSubscribersAreIndependent(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tk, _ := store.CreateTask(ctx, task.KindChatRun, nil, task.StatusRunning)
	h := newTestHub(store)

	const subscribers = 3
	results := make([][]task.TaskEvent, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events, err := collect(t, h, ctx, tk.ID, 0)
			assert.NoError(t, err)
			results[i] = events
		}(i)
	}

	require.Eventually(t, func() bool { return h.Subscribers(tk.ID) == subscribers }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, tk.ID, task.LogEvent{Message: "live"})
		require.NoError(t, err)
		h.Notify(tk.ID)
	}
	_, err := store.Finish(ctx, tk.ID, repository.Finish{Status: task.StatusOK})
	require.NoError(t, err)
	h.Notify(tk.ID)

	wg.Wait()
	for _, events := range results {
		require.Len(t, events, 6)
		for j, ev := range events {
			assert.Equal(t, int64(j+1), ev.ID, "no gaps or duplicates")
		}
	}
}

func TestStream_CancelClosesSubscribers(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tk, _ := store.CreateTask(ctx, task.KindChatRun, nil, task.StatusRunning)
	h := NewHub(store, Config{PollInterval: time.Hour, Heartbeat: time.Hour})

	done := make(chan []task.TaskEvent)
	go func() {
		events, _ := collect(t, h, ctx, tk.ID, 0)
		done <- events
	}()
	require.Eventually(t, func() bool { return h.Subscribers(tk.ID) == 1 }, time.Second, 5*time.Millisecond)

	ok, err := store.Cancel(ctx, tk.ID, "user")
	require.NoError(t, err)
	require.True(t, ok)
	h.Notify(tk.ID)

	select {
	case events := <-done:
		require.Len(t, events, 1)
		assert.Equal(t, task.EventCanceled, events[0].Event.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not closed after cancel")
	}
}

func TestStream_ClientDisconnectLeavesTaskAlone(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	tk, _ := store.CreateTask(context.Background(), task.KindChatRun, nil, task.StatusRunning)
	h := newTestHub(store)

	errCh := make(chan error, 1)
	go func() {
		_, err := collect(t, h, ctx, tk.ID, 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.Subscribers(tk.ID) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, h.Subscribers(tk.ID))

	status, _ := store.GetTaskStatus(tk.ID)
	assert.Equal(t, task.StatusRunning, status)
}

func TestResumeCursor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/tasks/x/events?after=4", nil)
	after, err := ResumeCursor(r)
	require.NoError(t, err)
	assert.Equal(t, int64(4), after)

	r.Header.Set("Last-Event-ID", "9")
	after, err = ResumeCursor(r)
	require.NoError(t, err)
	assert.Equal(t, int64(9), after)

	r = httptest.NewRequest(http.MethodGet, "/tasks/x/events?after=abc", nil)
	_, err = ResumeCursor(r)
	assert.Error(t, err)
}

func TestServeTaskEvents(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	tk, _ := store.CreateTask(ctx, task.KindChatRun, nil, task.StatusRunning)
	_, _ = store.AppendEvent(ctx, tk.ID, task.AssistantMessageEvent{Content: "hello"})
	_, _ = store.Finish(ctx, tk.ID, repository.Finish{Status: task.StatusOK, Output: "hello"})

	h := newTestHub(store)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{id}/events", h.ServeTaskEvents)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/" + tk.ID + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	var payloads []task.TaskEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "data: "):
			var ev task.TaskEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			payloads = append(payloads, ev)
		}
	}

	assert.Equal(t, []string{"1", "2"}, ids)
	require.Len(t, payloads, 2)
	assert.Equal(t, task.AssistantMessageEvent{Content: "hello"}, payloads[0].Event)
	assert.Equal(t, task.EventDone, payloads[1].Event.Kind())
}

func TestServeTaskEvents_NotFound(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{id}/events", h.ServeTaskEvents)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/missing/events", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
