package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/repository/models"
	"github.com/nadmax/deskmate/internal/task"
)

const taskColumns = `id, kind, status, input, output, error, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var input []byte
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&t.ID,
		&t.Kind,
		&t.Status,
		&input,
		&t.Output,
		&t.Error,
		&t.CreatedAt,
		&t.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(input, &t.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if t.Input == nil {
		t.Input = map[string]any{}
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, kind string, input map[string]any, status task.Status) (*task.Task, error) {
	t := task.NewTask(kind, input, status)
	if t.Status == task.StatusRunning {
		started := t.CreatedAt
		t.StartedAt = &started
	}

	payload, err := json.Marshal(t.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}

	query := `
		INSERT INTO tasks (id, kind, status, input, created_at, updated_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		t.ID, t.Kind, t.Status, payload, t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt),
	); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateInput(ctx context.Context, taskID string, input map[string]any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET input = $1, updated_at = NOW() WHERE id = $2`, payload, taskID)
	if err != nil {
		return fmt.Errorf("failed to update input: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", taskID, repository.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, taskID string, ev task.Event) (*task.TaskEvent, error) {
	var out *task.TaskEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = appendEventTx(ctx, tx, taskID, ev)
		return err
	})
	return out, err
}

// appendEventTx takes the next per-task event id from the task row, which
// also serializes concurrent appends to the same task.
func appendEventTx(ctx context.Context, tx *sql.Tx, taskID string, ev task.Event) (*task.TaskEvent, error) {
	payload, err := task.MarshalEvent(ev)
	if err != nil {
		return nil, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET last_event_id = last_event_id + 1,
		    closed = closed OR $2,
		    updated_at = NOW()
		WHERE id = $1 AND NOT closed
		RETURNING last_event_id
	`, taskID, task.IsTerminalEvent(ev)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		var closed bool
		if err := tx.QueryRowContext(ctx, `SELECT closed FROM tasks WHERE id = $1`, taskID).Scan(&closed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("task %s: %w", taskID, repository.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to read task: %w", err)
		}
		return nil, repository.ErrTaskClosed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event id: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, taskID, id, string(ev.Kind()), payload, now); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	return &task.TaskEvent{ID: id, TaskID: taskID, Event: ev, CreatedAt: now}, nil
}

func (s *Store) SetStatus(ctx context.Context, taskID string, upd repository.StatusUpdate) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current task.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, repository.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}

		if current.IsTerminal() || current == upd.Status {
			return nil
		}
		if !task.CanTransition(current, upd.Status) {
			return fmt.Errorf("%s -> %s: %w", current, upd.Status, task.ErrInvalidTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1,
			    started_at = COALESCE($2, started_at),
			    completed_at = COALESCE($3, completed_at),
			    updated_at = NOW()
			WHERE id = $4
		`, upd.Status, nullTime(upd.StartedAt), nullTime(upd.CompletedAt), taskID); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *Store) ListEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]task.TaskEvent, error) {
	if limit <= 0 {
		limit = repository.DefaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at
		FROM task_events
		WHERE task_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer s.closeRows(rows)

	var events []task.TaskEvent
	for rows.Next() {
		var te task.TaskEvent
		var payload []byte
		if err := rows.Scan(&te.ID, &payload, &te.CreatedAt); err != nil {
			return nil, err
		}

		ev, err := task.UnmarshalEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("event %d of task %s: %w", te.ID, taskID, err)
		}
		te.TaskID = taskID
		te.Event = ev
		events = append(events, te)
	}

	return events, rows.Err()
}

// ClaimNextQueued moves the oldest queued task of kind to running. The
// conditional update makes exactly one of several concurrent claimers win;
// the others get nil.
func (s *Store) ClaimNextQueued(ctx context.Context, kind string) (*task.Task, error) {
	var claimedID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE status = 'queued' AND ($1 = '' OR kind = $1)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, kind).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select queued task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running', started_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			claimedID = id
		}
		return nil
	})
	if err != nil || claimedID == "" {
		return nil, err
	}

	return s.GetTask(ctx, claimedID)
}

func (s *Store) Finish(ctx context.Context, taskID string, fin repository.Finish) (bool, error) {
	finished := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		finished, err = finishTx(ctx, tx, taskID, fin)
		return err
	})
	return finished, err
}

// finishTx appends the closing event unless one exists and writes the
// terminal status. An already terminal task is left untouched.
func finishTx(ctx context.Context, tx *sql.Tx, taskID string, fin repository.Finish) (bool, error) {
	if !fin.Status.IsTerminal() {
		return false, fmt.Errorf("finish with %s: %w", fin.Status, task.ErrInvalidTransition)
	}

	var current task.Status
	var closed bool
	err := tx.QueryRowContext(ctx, `SELECT status, closed FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", taskID, repository.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read task: %w", err)
	}
	if current.IsTerminal() {
		return false, nil
	}

	if !closed {
		var ev task.Event = task.DoneEvent{Status: fin.Status, Error: fin.Error}
		if fin.Status == task.StatusCanceled {
			ev = task.CanceledEvent{Reason: fin.Error}
		}
		if _, err := appendEventTx(ctx, tx, taskID, ev); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, output = $2, error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`, fin.Status, fin.Output, fin.Error, taskID); err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}
	return true, nil
}

func (s *Store) Cancel(ctx context.Context, taskID string, reason string) (bool, error) {
	return s.Finish(ctx, taskID, repository.Finish{Status: task.StatusCanceled, Error: reason})
}

func (s *Store) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			kind, status, COUNT(*) AS count,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0) AS avg_duration_ms,
			COALESCE(MAX(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)::bigint AS max_duration_ms,
			COALESCE(MIN(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)::bigint AS min_duration_ms
		FROM tasks
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY kind, status
		ORDER BY kind, status
	`
	rows, err := s.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var stats []models.TaskStats
	for rows.Next() {
		var st models.TaskStats
		if err := rows.Scan(
			&st.Kind,
			&st.Status,
			&st.Count,
			&st.AvgDurationMs,
			&st.MaxDurationMs,
			&st.MinDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, st)
	}

	return stats, rows.Err()
}

func (s *Store) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			id, kind, status, created_at, completed_at,
			(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)::bigint AS duration_ms,
			error
		FROM tasks
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var tasks []models.RecentTask
	for rows.Next() {
		var t models.RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Kind,
			&t.Status,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
			&t.Error,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *Store) CreateChat(ctx context.Context, title, kind string) (string, error) {
	id := uuid.New().String()
	if err := insertChat(ctx, s.db, id, title, kind); err != nil {
		return "", err
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertChat(ctx context.Context, q execer, id, title, kind string) error {
	if _, err := q.ExecContext(ctx, `INSERT INTO chats (id, title, kind) VALUES ($1, $2, $3)`, id, title, kind); err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}
