// Package stream delivers task events to live subscribers over server-sent
// events. Every subscriber replays the task log from its own cursor; the log
// is the only delivery path, and Notify merely shortens the wait before the
// next read.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/metrics"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultHeartbeat    = 15 * time.Second
	DefaultBatchSize    = 200
)

// EventSource is the part of the task log the hub reads from.
type EventSource interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]task.TaskEvent, error)
}

type Config struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
	BatchSize    int
}

type Hub struct {
	source EventSource
	cfg    Config
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	wake chan struct{}
}

func NewHub(source EventSource, cfg Config) *Hub {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Hub{
		source: source,
		cfg:    cfg,
		log:    logging.Component("stream"),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

func (h *Hub) attach(taskID string) *subscriber {
	sub := &subscriber{wake: make(chan struct{}, 1)}

	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.SubscriberAttached()
	return sub
}

func (h *Hub) detach(taskID string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[taskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, taskID)
		}
	}
	h.mu.Unlock()

	metrics.SubscriberDetached()
}

// Subscribers returns how many connections are attached to a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[taskID])
}

// Notify makes every subscriber of taskID read the log now instead of
// waiting for its next poll. After a cancel this is what closes them: they
// read the canceled event and return.
func (h *Hub) Notify(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[taskID] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Stream replays events of taskID with id > after to emit, in order, until a
// done or canceled event has been emitted, the task is terminal with nothing
// left to read, or ctx ends. heartbeat may be nil.
func (h *Hub) Stream(ctx context.Context, taskID string, after int64, emit func(task.TaskEvent) error, heartbeat func() error) error {
	sub := h.attach(taskID)
	defer h.detach(taskID, sub)

	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(h.cfg.Heartbeat)
	defer beat.Stop()

	cursor := after
	terminal := false
	for {
		events, err := h.source.ListEvents(ctx, taskID, cursor, h.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}

		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
			cursor = ev.ID
			metrics.RecordEventsStreamed(1)
			if task.IsTerminalEvent(ev.Event) {
				return nil
			}
		}

		if len(events) == h.cfg.BatchSize {
			continue
		}

		if len(events) == 0 {
			if terminal {
				return nil
			}
			t, err := h.source.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t.IsTerminal() {
				// Read once more: the closing event may have been committed
				// between the two queries.
				terminal = true
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.wake:
		case <-poll.C:
		case <-beat.C:
			if heartbeat != nil {
				if err := heartbeat(); err != nil {
					return err
				}
			}
		}
	}
}
