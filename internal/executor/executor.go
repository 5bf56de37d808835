// Package executor runs one runbook for one account: it builds the prompt
// from the stored cursor and recent feedback, invokes the runner, extracts
// the structured result and commits it together with the task's final
// status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/deskmate/internal/invoker"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/triage"
	"github.com/rs/zerolog"
)

const (
	DefaultFeedbackWindow = 50

	StatusLoadingContext = "loading_context"
	StatusRunning        = "running"
)

type Store interface {
	repository.TaskRepository
	repository.RunbookRepository
	repository.TriageRepository
	repository.ChatRepository
}

// Publisher is told when a task's log changed so that attached streams read
// it without waiting for their next poll.
type Publisher interface {
	Notify(taskID string)
}

// ItemNotifier is told about items a run created. Its errors are logged and
// never fail the run.
type ItemNotifier interface {
	NotifyItems(ctx context.Context, def runbook.Definition, items []*triage.Item) error
}

type Config struct {
	FeedbackWindow int
}

type Executor struct {
	store     Store
	invoker   invoker.Invoker
	cancels   *task.Cancels
	publisher Publisher
	notifier  ItemNotifier
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Executor)

func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

func WithNotifier(n ItemNotifier) Option {
	return func(e *Executor) { e.notifier = n }
}

func WithCancels(c *task.Cancels) Option {
	return func(e *Executor) { e.cancels = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(store Store, inv invoker.Invoker, cfg Config, opts ...Option) *Executor {
	if cfg.FeedbackWindow <= 0 {
		cfg.FeedbackWindow = DefaultFeedbackWindow
	}

	e := &Executor{
		store:   store,
		invoker: inv,
		cancels: task.NewCancels(),
		cfg:     cfg,
		log:     logging.Component("executor"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome describes a run that got as far as creating its task.
type Outcome struct {
	TaskID  string            `json:"task_id"`
	RunID   string            `json:"run_id"`
	Status  runbook.RunStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
	Created []*triage.Item    `json:"created,omitempty"`
	Dropped int               `json:"dropped"`
}

// runFailure is a failed run with the reason recorded on the run, the state
// and the task.
type runFailure struct {
	reason  string
	message string
	output  string
}

func (f *runFailure) Error() string {
	if f.message != "" && f.message != f.reason {
		return f.reason + ": " + f.message
	}
	return f.reason
}

// Run executes def for accountKey. The returned Outcome is nil only when the
// run failed before its task was created. A non-nil error accompanies every
// outcome that is not ok.
func (e *Executor) Run(ctx context.Context, def runbook.Definition, accountKey string) (*Outcome, error) {
	if accountKey == "" {
		accountKey = runbook.DefaultAccountKey
	}
	log := e.log.With().Str("runbook_id", def.ID).Str("account", accountKey).Logger()

	chatID, err := e.ensureChat(ctx, def)
	if err != nil {
		return nil, err
	}

	cursor, err := e.store.GetCursor(ctx, def.ID, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	feedback, err := e.store.ListFeedback(ctx, def.ID, e.cfg.FeedbackWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	prompt := runbook.BuildEnvelope(runbook.EnvelopeInput{
		Definition: def,
		AccountKey: accountKey,
		Cursor:     cursor,
		Feedback:   runbook.SummarizeFeedback(feedback),
	})

	started := e.now()
	t, run, err := e.start(ctx, def, accountKey, chatID)
	if t == nil {
		return nil, err
	}
	out := &Outcome{TaskID: t.ID}
	log = log.With().Str("task_id", t.ID).Logger()
	if err != nil {
		return out, e.closeFailed(ctx, def, out, &runFailure{reason: err.Error()}, started, log)
	}

	out.RunID = run.ID
	log = log.With().Str("run_id", run.ID).Logger()
	log.Info().Msg("runbook run started")

	runCtx, release := e.cancels.Track(ctx, t.ID)
	defer release()

	created, dropped, err := e.execute(runCtx, def, accountKey, t.ID, run, prompt)
	out.Dropped = dropped
	if err != nil {
		var rf *runFailure
		if !errors.As(err, &rf) {
			rf = &runFailure{reason: err.Error()}
		}
		if runCtx.Err() != nil && ctx.Err() == nil {
			rf = &runFailure{reason: runbook.ReasonCanceled, output: rf.output}
		}
		return out, e.closeFailed(ctx, def, out, rf, started, log)
	}

	out.Status = runbook.RunOK
	out.Created = created
	metrics.RecordRunbookRun(def.ID, string(runbook.RunOK), e.now().Sub(started))
	metrics.RecordTaskFinished(task.KindRunbookRun, task.StatusOK, e.now().Sub(started))
	log.Info().Int("created", len(created)).Int("dropped", dropped).Msg("runbook run finished")

	e.notifyItems(ctx, def, created)
	return out, nil
}

func (e *Executor) closeFailed(ctx context.Context, def runbook.Definition, out *Outcome, rf *runFailure, started time.Time, log zerolog.Logger) error {
	e.fail(ctx, def, out.TaskID, out.RunID, rf)

	out.Status = runbook.RunError
	out.Error = rf.Error()
	metrics.RecordRunbookRun(def.ID, string(runbook.RunError), e.now().Sub(started))
	metrics.RecordTaskFinished(task.KindRunbookRun, task.StatusError, e.now().Sub(started))
	log.Warn().Str("reason", rf.reason).Msg("runbook run failed")
	return fmt.Errorf("runbook %s: %w", def.ID, rf)
}

func (e *Executor) ensureChat(ctx context.Context, def runbook.Definition) (string, error) {
	st, err := e.store.GetState(ctx, def.ID)
	if err == nil && st.ChatID != "" {
		return st.ChatID, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("failed to load runbook state: %w", err)
	}

	title := def.Name
	if title == "" {
		title = def.ID
	}
	chatID, err := e.store.CreateChat(ctx, "Runbook: "+title, repository.ChatKindRunbook)
	if err != nil {
		return "", err
	}
	// Another account of the same firing may have stored its chat first.
	st, err = e.store.EnsureState(ctx, def.ID, chatID)
	if err != nil {
		return "", err
	}
	return st.ChatID, nil
}

// start creates the task and the run row. A non-nil task with an error
// means the task exists and must still be failed by the caller.
func (e *Executor) start(ctx context.Context, def runbook.Definition, accountKey, chatID string) (*task.Task, *runbook.Run, error) {
	t, err := e.store.CreateTask(ctx, task.KindRunbookRun, map[string]any{
		"runbook_id":  def.ID,
		"account_key": accountKey,
		"chat_id":     chatID,
	}, task.StatusQueued)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task: %w", err)
	}
	metrics.RecordTaskCreated(task.KindRunbookRun)

	run := runbook.NewRun(def.ID, accountKey, t.ID)
	run.StartedAt = e.now()

	err = func() error {
		if _, err := e.store.AppendEvent(ctx, t.ID, task.StatusEvent{Status: StatusLoadingContext}); err != nil {
			return err
		}
		startedAt := run.StartedAt
		if _, err := e.store.SetStatus(ctx, t.ID, repository.StatusUpdate{Status: task.StatusRunning, StartedAt: &startedAt}); err != nil {
			return err
		}
		if _, err := e.store.AppendEvent(ctx, t.ID, task.StatusEvent{Status: StatusRunning}); err != nil {
			return err
		}
		return e.store.StartRun(ctx, run)
	}()
	if err != nil {
		return t, nil, fmt.Errorf("failed to start run: %w", err)
	}

	e.publish(t.ID)
	return t, run, nil
}

// execute covers everything after the run row exists. A panic is turned into
// an error so that the caller can close the run.
func (e *Executor) execute(ctx context.Context, def runbook.Definition, accountKey, taskID string, run *runbook.Run, prompt string) (created []*triage.Item, dropped int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &runFailure{reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	res, err := e.invoker.Invoke(ctx, prompt, func(ev task.Event) error {
		if task.IsTerminalEvent(ev) {
			return nil
		}
		if _, err := e.store.AppendEvent(ctx, taskID, ev); err != nil {
			return err
		}
		e.publish(taskID)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if res == nil {
		return nil, 0, errors.New("runner returned no result")
	}

	result, err := triage.Extract(res.Content)
	if err != nil {
		metrics.RecordOutputParseFailure(def.ID)
		return nil, 0, &runFailure{
			reason:  runbook.ReasonOutputParseFailed,
			message: err.Error(),
			output:  res.Content,
		}
	}

	items, dropped := result.ParseItems(def.ID)
	metrics.RecordTriageItemsDropped(dropped)

	if res.Usage != nil {
		if _, err := e.store.AppendEvent(ctx, taskID, res.Usage.Event()); err != nil {
			return nil, dropped, storeFailure(err, res.Content)
		}
	}
	if _, err := e.store.AppendEvent(ctx, taskID, task.AssistantMessageEvent{Content: res.Content}); err != nil {
		return nil, dropped, storeFailure(err, res.Content)
	}

	completion := repository.RunCompletion{
		RunID:      run.ID,
		RunbookID:  def.ID,
		AccountKey: accountKey,
		TaskID:     taskID,
		Items:      items,
		Output:     res.Content,
		FinishedAt: e.now(),
	}
	if result.HasCursor() {
		completion.Cursor = result.Cursor
	}

	created, err = e.store.CompleteRun(ctx, completion)
	if err != nil {
		return nil, dropped, storeFailure(err, res.Content)
	}
	e.publish(taskID)

	createdIDs := make(map[string]bool, len(created))
	for _, item := range created {
		createdIDs[item.ID] = true
	}
	for _, item := range items {
		metrics.RecordTriageItem(string(item.Kind), createdIDs[item.ID])
	}
	return created, dropped, nil
}

// storeFailure maps a write rejected because the task was already closed to
// the canceled reason.
func storeFailure(err error, output string) *runFailure {
	if errors.Is(err, repository.ErrTaskClosed) {
		return &runFailure{reason: runbook.ReasonCanceled, output: output}
	}
	return &runFailure{reason: err.Error(), output: output}
}

// fail records the failure on the run, the runbook state and the task. It
// runs detached from ctx so that a canceled run is still closed.
func (e *Executor) fail(ctx context.Context, def runbook.Definition, taskID, runID string, rf *runFailure) {
	ctx = context.WithoutCancel(ctx)

	msg := rf.message
	if msg == "" {
		msg = rf.reason
	}
	if _, err := e.store.AppendEvent(ctx, taskID, task.ErrorEvent{Message: msg, Reason: rf.reason}); err != nil && !errors.Is(err, repository.ErrTaskClosed) {
		e.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to append error event")
	}

	if err := e.store.FailRun(ctx, repository.RunFailure{
		RunID:      runID,
		RunbookID:  def.ID,
		TaskID:     taskID,
		Reason:     rf.reason,
		Output:     rf.output,
		FinishedAt: e.now(),
	}); err != nil {
		e.log.Error().Err(err).Str("task_id", taskID).Str("run_id", runID).Msg("failed to record run failure")
	}
	e.publish(taskID)
}

func (e *Executor) publish(taskID string) {
	if e.publisher != nil {
		e.publisher.Notify(taskID)
	}
}

func (e *Executor) notifyItems(ctx context.Context, def runbook.Definition, created []*triage.Item) {
	if e.notifier == nil || len(created) == 0 {
		return
	}
	if err := e.notifier.NotifyItems(ctx, def, created); err != nil {
		e.log.Warn().Err(err).Str("runbook_id", def.ID).Msg("failed to send item notification")
	}
}
