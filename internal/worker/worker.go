// Package worker provides the background processor that claims queued tasks
// from the task log and executes them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/rs/zerolog"
)

const DefaultPollInterval = time.Second

// Emit appends an intermediate event to the task being handled.
type Emit func(task.Event) error

// TaskHandler executes one claimed task and returns its output. Terminal
// events are written by the worker, never by the handler.
type TaskHandler func(ctx context.Context, t *task.Task, emit Emit) (string, error)

type Publisher interface {
	Notify(taskID string)
}

var active atomic.Int64

type Worker struct {
	id           string
	store        repository.TaskRepository
	handlers     map[string]TaskHandler
	cancels      *task.Cancels
	publisher    Publisher
	stop         chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
	log          zerolog.Logger
}

func NewWorker(id string, store repository.TaskRepository) *Worker {
	return &Worker{
		id:           id,
		store:        store,
		handlers:     make(map[string]TaskHandler),
		cancels:      task.NewCancels(),
		stop:         make(chan struct{}),
		pollInterval: DefaultPollInterval,
		log:          logging.Component("worker").With().Str("worker_id", id).Logger(),
	}
}

func (w *Worker) RegisterHandler(kind string, handler TaskHandler) {
	w.handlers[kind] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

func (w *Worker) SetPublisher(p Publisher) {
	w.publisher = p
}

// SetCancels shares a cancel registry, so that a cancel request served in
// the same process interrupts the handler.
func (w *Worker) SetCancels(c *task.Cancels) {
	if c != nil {
		w.cancels = c
	}
}

// Start polls until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Int("handlers", len(w.handlers)).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case <-w.stop:
			w.log.Info().Msg("worker stopped")
			return
		default:
		}

		if w.poll(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.stop:
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// poll claims and runs at most one task per registered kind and reports
// whether any task was found.
func (w *Worker) poll(ctx context.Context) bool {
	found := false
	for kind := range w.handlers {
		t, err := w.store.ClaimNextQueued(ctx, kind)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Str("kind", kind).Msg("failed to claim task")
			}
			continue
		}
		if t == nil {
			continue
		}
		found = true
		w.processTask(ctx, t)
	}
	return found
}

func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	log := w.log.With().Str("task_id", t.ID).Str("kind", t.Kind).Logger()
	log.Info().Msg("processing task")

	metrics.UpdateActiveWorkers(int(active.Add(1)))
	defer func() { metrics.UpdateActiveWorkers(int(active.Add(-1))) }()

	handler, exists := w.handlers[t.Kind]
	if !exists {
		w.finish(ctx, t, repository.Finish{
			Status: task.StatusError,
			Error:  fmt.Sprintf("no handler for task kind: %s", t.Kind),
		}, log)
		return
	}

	if _, err := w.store.AppendEvent(ctx, t.ID, task.StatusEvent{Status: string(task.StatusRunning)}); err != nil {
		if errors.Is(err, repository.ErrTaskClosed) {
			log.Info().Msg("task canceled before start")
			return
		}
		log.Warn().Err(err).Msg("failed to append running status")
	}
	w.publish(t.ID)

	runCtx, release := w.cancels.Track(ctx, t.ID)
	output, err := w.run(runCtx, handler, t)
	release()

	fin := repository.Finish{Status: task.StatusOK, Output: output}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		fin = repository.Finish{Status: task.StatusError, Output: output, Error: "worker stopped"}
	case runCtx.Err() != nil:
		fin = repository.Finish{Status: task.StatusCanceled, Output: output, Error: "canceled"}
	default:
		fin = repository.Finish{Status: task.StatusError, Output: output, Error: err.Error()}
	}
	w.finish(ctx, t, fin, log)
}

func (w *Worker) run(ctx context.Context, handler TaskHandler, t *task.Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler(ctx, t, func(ev task.Event) error {
		if task.IsTerminalEvent(ev) {
			return nil
		}
		if _, err := w.store.AppendEvent(ctx, t.ID, ev); err != nil {
			return err
		}
		w.publish(t.ID)
		return nil
	})
}

func (w *Worker) finish(ctx context.Context, t *task.Task, fin repository.Finish, log zerolog.Logger) {
	applied, err := w.store.Finish(context.WithoutCancel(ctx), t.ID, fin)
	if err != nil {
		log.Error().Err(err).Msg("failed to finish task")
		return
	}
	w.publish(t.ID)
	if !applied {
		log.Info().Msg("task already closed")
		return
	}

	var elapsed time.Duration
	if t.StartedAt != nil {
		elapsed = time.Since(*t.StartedAt)
	}
	metrics.RecordTaskFinished(t.Kind, fin.Status, elapsed)

	if fin.Status == task.StatusOK {
		log.Info().Dur("duration", elapsed).Msg("task completed")
	} else {
		log.Warn().Str("status", string(fin.Status)).Str("error", fin.Error).Msg("task failed")
	}
}

func (w *Worker) publish(taskID string) {
	if w.publisher != nil {
		w.publisher.Notify(taskID)
	}
}
