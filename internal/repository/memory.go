package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deskmate/internal/repository/models"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/triage"
)

// MemoryStore keeps everything in process memory behind a single mutex. It
// records calls and lets tests inject errors per operation.
type MemoryStore struct {
	mu       sync.Mutex
	Tasks    map[string]*task.Task
	Events   map[string][]task.TaskEvent
	States   map[string]*runbook.State
	Cursors  map[string]json.RawMessage
	Runs     map[string]*runbook.Run
	Items    map[string]*triage.Item
	Feedback []*triage.Feedback
	Chats    map[string]string

	closed   map[string]bool
	bySource map[string]string
	runOrder []string

	CreateTaskCalls  []string
	AppendEventCalls []AppendEventCall
	ClaimCalls       int
	CompleteRunCalls []RunCompletion
	FailRunCalls     []RunFailure

	CreateTaskError  error
	AppendEventError error
	SetStatusError   error
	ListEventsError  error
	ClaimError       error
	FinishError      error
	GetStateError    error
	GetCursorError   error
	StartRunError    error
	CompleteRunError error
	FailRunError     error
	InsertItemError  error
	ListFeedbackErr  error
	CreateChatError  error
	GetTaskStatsErr  error
	GetRecentErr     error
}

type AppendEventCall struct {
	TaskID string
	Event  task.Event
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Tasks:    make(map[string]*task.Task),
		Events:   make(map[string][]task.TaskEvent),
		States:   make(map[string]*runbook.State),
		Cursors:  make(map[string]json.RawMessage),
		Runs:     make(map[string]*runbook.Run),
		Items:    make(map[string]*triage.Item),
		Chats:    make(map[string]string),
		closed:   make(map[string]bool),
		bySource: make(map[string]string),
	}
}

func cursorKey(runbookID, accountKey string) string {
	return runbookID + "\x00" + accountKey
}

func copyTask(t *task.Task) *task.Task {
	c := *t
	c.Input = make(map[string]any, len(t.Input))
	for k, v := range t.Input {
		c.Input[k] = v
	}
	return &c
}

func (m *MemoryStore) CreateTask(ctx context.Context, kind string, input map[string]any, status task.Status) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls = append(m.CreateTaskCalls, kind)
	if m.CreateTaskError != nil {
		return nil, m.CreateTaskError
	}

	t := task.NewTask(kind, input, status)
	if t.Status == task.StatusRunning {
		started := t.CreatedAt
		t.StartedAt = &started
	}
	m.Tasks[t.ID] = t
	return copyTask(t), nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *MemoryStore) UpdateInput(ctx context.Context, taskID string, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	t.Input = input
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, taskID string, ev task.Event) (*task.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendEventCalls = append(m.AppendEventCalls, AppendEventCall{TaskID: taskID, Event: ev})
	if m.AppendEventError != nil {
		return nil, m.AppendEventError
	}
	return m.appendLocked(taskID, ev)
}

func (m *MemoryStore) appendLocked(taskID string, ev task.Event) (*task.TaskEvent, error) {
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if m.closed[taskID] {
		return nil, ErrTaskClosed
	}

	now := time.Now().UTC()
	te := task.TaskEvent{
		ID:        int64(len(m.Events[taskID]) + 1),
		TaskID:    taskID,
		Event:     ev,
		CreatedAt: now,
	}
	m.Events[taskID] = append(m.Events[taskID], te)
	t.UpdatedAt = now
	if task.IsTerminalEvent(ev) {
		m.closed[taskID] = true
	}
	return &te, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, taskID string, upd StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetStatusError != nil {
		return false, m.SetStatusError
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.IsTerminal() || t.Status == upd.Status {
		return false, nil
	}
	if !task.CanTransition(t.Status, upd.Status) {
		return false, fmt.Errorf("%s -> %s: %w", t.Status, upd.Status, task.ErrInvalidTransition)
	}

	t.Status = upd.Status
	t.UpdatedAt = time.Now().UTC()
	if upd.StartedAt != nil {
		started := *upd.StartedAt
		t.StartedAt = &started
	}
	if upd.CompletedAt != nil {
		completed := *upd.CompletedAt
		t.CompletedAt = &completed
	}
	return true, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]task.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListEventsError != nil {
		return nil, m.ListEventsError
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	var out []task.TaskEvent
	for _, ev := range m.Events[taskID] {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ClaimNextQueued(ctx context.Context, kind string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ClaimCalls++
	if m.ClaimError != nil {
		return nil, m.ClaimError
	}

	var oldest *task.Task
	for _, t := range m.Tasks {
		if t.Status != task.StatusQueued || (kind != "" && t.Kind != kind) {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = task.StatusRunning
	oldest.StartedAt = &now
	oldest.UpdatedAt = now
	return copyTask(oldest), nil
}

func (m *MemoryStore) Finish(ctx context.Context, taskID string, fin Finish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FinishError != nil {
		return false, m.FinishError
	}
	return m.finishLocked(taskID, fin)
}

func (m *MemoryStore) finishLocked(taskID string, fin Finish) (bool, error) {
	if !fin.Status.IsTerminal() {
		return false, fmt.Errorf("finish with %s: %w", fin.Status, task.ErrInvalidTransition)
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return false, nil
	}

	var ev task.Event = task.DoneEvent{Status: fin.Status, Error: fin.Error}
	if fin.Status == task.StatusCanceled {
		ev = task.CanceledEvent{Reason: fin.Error}
	}
	if !m.closed[taskID] {
		if _, err := m.appendLocked(taskID, ev); err != nil {
			return false, err
		}
	}

	now := time.Now().UTC()
	t.Status = fin.Status
	t.Output = fin.Output
	t.Error = fin.Error
	t.CompletedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Cancel(ctx context.Context, taskID string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finishLocked(taskID, Finish{Status: task.StatusCanceled, Error: reason})
}

func (m *MemoryStore) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsErr != nil {
		return nil, m.GetTaskStatsErr
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	type key struct{ kind, status string }
	agg := map[key]*models.TaskStats{}
	sums := map[key]int{}
	for _, t := range m.Tasks {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		k := key{t.Kind, string(t.Status)}
		s, ok := agg[k]
		if !ok {
			s = &models.TaskStats{Kind: t.Kind, Status: string(t.Status), MinDurationMs: -1}
			agg[k] = s
		}
		s.Count++
		d := int(t.Duration().Milliseconds())
		sums[k] += d
		if d > s.MaxDurationMs {
			s.MaxDurationMs = d
		}
		if s.MinDurationMs < 0 || d < s.MinDurationMs {
			s.MinDurationMs = d
		}
	}

	out := make([]models.TaskStats, 0, len(agg))
	for k, s := range agg {
		s.AvgDurationMs = float64(sums[k]) / float64(s.Count)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemoryStore) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}

	tasks := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	out := make([]models.RecentTask, 0, len(tasks))
	for _, t := range tasks {
		rt := models.RecentTask{
			TaskID:      t.ID,
			Kind:        t.Kind,
			Status:      string(t.Status),
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Error:       t.Error,
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			d := int(t.Duration().Milliseconds())
			rt.DurationMs = &d
		}
		out = append(out, rt)
	}
	return out, nil
}

func (m *MemoryStore) GetState(ctx context.Context, runbookID string) (*runbook.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetStateError != nil {
		return nil, m.GetStateError
	}
	s, ok := m.States[runbookID]
	if !ok {
		return nil, fmt.Errorf("runbook state %s: %w", runbookID, ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) ListStates(ctx context.Context) ([]*runbook.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*runbook.State, 0, len(m.States))
	for _, s := range m.States {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunbookID < out[j].RunbookID })
	return out, nil
}

func (m *MemoryStore) EnsureState(ctx context.Context, runbookID, chatID string) (*runbook.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.States[runbookID]
	if !ok {
		s = &runbook.State{RunbookID: runbookID, ChatID: chatID, UpdatedAt: time.Now().UTC()}
		m.States[runbookID] = s
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) GetCursor(ctx context.Context, runbookID, accountKey string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetCursorError != nil {
		return nil, m.GetCursorError
	}
	c, ok := m.Cursors[cursorKey(runbookID, accountKey)]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return append(json.RawMessage(nil), c...), nil
}

func (m *MemoryStore) StartRun(ctx context.Context, run *runbook.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StartRunError != nil {
		return m.StartRunError
	}
	c := *run
	m.Runs[run.ID] = &c
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) CompleteRun(ctx context.Context, c RunCompletion) ([]*triage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteRunCalls = append(m.CompleteRunCalls, c)
	if m.CompleteRunError != nil {
		return nil, m.CompleteRunError
	}

	t, ok := m.Tasks[c.TaskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", c.TaskID, ErrNotFound)
	}
	if t.Status.IsTerminal() || m.closed[c.TaskID] {
		return nil, ErrTaskClosed
	}
	run, ok := m.Runs[c.RunID]
	if !ok {
		return nil, fmt.Errorf("runbook run %s: %w", c.RunID, ErrNotFound)
	}

	if c.Cursor != nil {
		m.Cursors[cursorKey(c.RunbookID, c.AccountKey)] = append(json.RawMessage(nil), c.Cursor...)
	}

	created := make([]*triage.Item, 0, len(c.Items))
	for _, item := range c.Items {
		if _, dup := m.bySource[item.SourceKey]; dup {
			continue
		}
		stored := *item
		if stored.ChatID == "" {
			stored.ChatID = uuid.New().String()
			m.Chats[stored.ChatID] = stored.Title
		}
		m.Items[item.ID] = &stored
		m.bySource[item.SourceKey] = item.ID
		cp := stored
		created = append(created, &cp)
	}

	finished := c.FinishedAt
	run.Status = runbook.RunOK
	run.FinishedAt = &finished
	m.touchStateLocked(c.RunbookID, finished, runbook.RunOK, "")

	if _, err := m.finishLocked(c.TaskID, Finish{Status: task.StatusOK, Output: c.Output}); err != nil {
		return nil, err
	}
	return created, nil
}

func (m *MemoryStore) FailRun(ctx context.Context, f RunFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailRunCalls = append(m.FailRunCalls, f)
	if m.FailRunError != nil {
		return m.FailRunError
	}

	if run, ok := m.Runs[f.RunID]; ok {
		finished := f.FinishedAt
		run.Status = runbook.RunError
		run.FinishedAt = &finished
		run.Error = f.Reason
	}
	m.touchStateLocked(f.RunbookID, f.FinishedAt, runbook.RunError, f.Reason)

	if f.TaskID == "" {
		return nil
	}
	_, err := m.finishLocked(f.TaskID, Finish{Status: task.StatusError, Output: f.Output, Error: f.Reason})
	return err
}

func (m *MemoryStore) touchStateLocked(runbookID string, at time.Time, status runbook.RunStatus, errMsg string) {
	s, ok := m.States[runbookID]
	if !ok {
		s = &runbook.State{RunbookID: runbookID}
		m.States[runbookID] = s
	}
	last := at
	s.LastRunAt = &last
	s.LastStatus = status
	s.LastError = errMsg
	s.UpdatedAt = time.Now().UTC()
}

func (m *MemoryStore) ListRuns(ctx context.Context, runbookID string, limit int) ([]*runbook.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*runbook.Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.Runs[m.runOrder[i]]
		if runbookID != "" && run.RunbookID != runbookID {
			continue
		}
		c := *run
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertItem(ctx context.Context, item *triage.Item) (*triage.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertItemError != nil {
		return nil, false, m.InsertItemError
	}
	if id, dup := m.bySource[item.SourceKey]; dup {
		c := *m.Items[id]
		return &c, false, nil
	}

	stored := *item
	m.Items[item.ID] = &stored
	m.bySource[item.SourceKey] = item.ID
	c := stored
	return &c, true, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, itemID string) (*triage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("triage item %s: %w", itemID, ErrNotFound)
	}
	c := *item
	return &c, nil
}

func (m *MemoryStore) ListItems(ctx context.Context, filter ItemFilter) ([]*triage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*triage.Item, 0)
	for _, item := range m.Items {
		if filter.RunbookID != "" && item.RunbookID != filter.RunbookID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		c := *item
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateItemStatus(ctx context.Context, itemID string, status triage.Status) (*triage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("triage item %s: %w", itemID, ErrNotFound)
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	c := *item
	return &c, nil
}

func (m *MemoryStore) AddFeedback(ctx context.Context, fb *triage.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *fb
	m.Feedback = append(m.Feedback, &c)
	return nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context, runbookID string, limit int) ([]*triage.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListFeedbackErr != nil {
		return nil, m.ListFeedbackErr
	}

	var out []*triage.Feedback
	for i := len(m.Feedback) - 1; i >= 0; i-- {
		fb := m.Feedback[i]
		if fb.RunbookID != runbookID {
			continue
		}
		c := *fb
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateChat(ctx context.Context, title, kind string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateChatError != nil {
		return "", m.CreateChatError
	}
	id := uuid.New().String()
	m.Chats[id] = title
	return id, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// EventKinds returns the kinds of a task's events in order.
func (m *MemoryStore) EventKinds(taskID string) []task.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make([]task.EventKind, 0, len(m.Events[taskID]))
	for _, ev := range m.Events[taskID] {
		kinds = append(kinds, ev.Event.Kind())
	}
	return kinds
}

func (m *MemoryStore) GetTaskStatus(taskID string) (task.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}
	return "", false
}

func (m *MemoryStore) GetCompleteRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CompleteRunCalls)
}

func (m *MemoryStore) GetFailRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.FailRunCalls)
}

func (m *MemoryStore) GetClaimCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ClaimCalls
}
