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
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/task"
	"github.com/nadmax/deskmate/internal/triage"
)

const stateColumns = `runbook_id, chat_id, last_run_at, last_status, last_error, updated_at`

func scanState(row rowScanner) (*runbook.State, error) {
	var st runbook.State
	var lastRunAt sql.NullTime
	if err := row.Scan(&st.RunbookID, &st.ChatID, &lastRunAt, &st.LastStatus, &st.LastError, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.LastRunAt = timePtr(lastRunAt)
	return &st, nil
}

func (s *Store) GetState(ctx context.Context, runbookID string) (*runbook.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM runbook_state WHERE runbook_id = $1`, runbookID)

	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runbook state %s: %w", runbookID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runbook state: %w", err)
	}
	return st, nil
}

func (s *Store) ListStates(ctx context.Context) ([]*runbook.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM runbook_state ORDER BY runbook_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runbook states: %w", err)
	}
	defer s.closeRows(rows)

	var states []*runbook.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *Store) EnsureState(ctx context.Context, runbookID, chatID string) (*runbook.State, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO runbook_state (runbook_id, chat_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (runbook_id) DO NOTHING
	`, runbookID, chatID); err != nil {
		return nil, fmt.Errorf("failed to ensure runbook state: %w", err)
	}
	return s.GetState(ctx, runbookID)
}

func (s *Store) GetCursor(ctx context.Context, runbookID, accountKey string) (json.RawMessage, error) {
	var cursor []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM runbook_cursors WHERE runbook_id = $1 AND account_key = $2
	`, runbookID, accountKey).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return json.RawMessage(cursor), nil
}

func (s *Store) StartRun(ctx context.Context, run *runbook.Run) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO runbook_runs (id, runbook_id, account_key, task_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.RunbookID, run.AccountKey, run.TaskID, run.Status, run.StartedAt); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CompleteRun commits the cursor, new items, run row, runbook state and the
// task's terminal status in one transaction.
func (s *Store) CompleteRun(ctx context.Context, c repository.RunCompletion) ([]*triage.Item, error) {
	var created []*triage.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status task.Status
		var closed bool
		err := tx.QueryRowContext(ctx, `SELECT status, closed FROM tasks WHERE id = $1 FOR UPDATE`, c.TaskID).Scan(&status, &closed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", c.TaskID, repository.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read task: %w", err)
		}
		if status.IsTerminal() || closed {
			return repository.ErrTaskClosed
		}

		if c.Cursor != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO runbook_cursors (runbook_id, account_key, cursor, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (runbook_id, account_key) DO UPDATE
				SET cursor = EXCLUDED.cursor, updated_at = NOW()
			`, c.RunbookID, c.AccountKey, []byte(c.Cursor)); err != nil {
				return fmt.Errorf("failed to save cursor: %w", err)
			}
		}

		created = make([]*triage.Item, 0, len(c.Items))
		for _, item := range c.Items {
			it := *item
			newChat := it.ChatID == ""
			if newChat {
				it.ChatID = uuid.New().String()
			}
			ok, err := insertItem(ctx, tx, &it)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if newChat {
				if err := insertChat(ctx, tx, it.ChatID, it.Title, repository.ChatKindTriageItem); err != nil {
					return err
				}
			}
			created = append(created, &it)
		}

		if err := finishRunTx(ctx, tx, c.RunID, runbook.RunOK, "", c.FinishedAt); err != nil {
			return err
		}
		if err := touchStateTx(ctx, tx, c.RunbookID, c.FinishedAt, runbook.RunOK, ""); err != nil {
			return err
		}

		_, err = finishTx(ctx, tx, c.TaskID, repository.Finish{Status: task.StatusOK, Output: c.Output})
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) FailRun(ctx context.Context, f repository.RunFailure) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if f.RunID != "" {
			if err := finishRunTx(ctx, tx, f.RunID, runbook.RunError, f.Reason, f.FinishedAt); err != nil {
				return err
			}
		}
		if err := touchStateTx(ctx, tx, f.RunbookID, f.FinishedAt, runbook.RunError, f.Reason); err != nil {
			return err
		}
		if f.TaskID == "" {
			return nil
		}
		_, err := finishTx(ctx, tx, f.TaskID, repository.Finish{Status: task.StatusError, Output: f.Output, Error: f.Reason})
		return err
	})
}

func finishRunTx(ctx context.Context, tx *sql.Tx, runID string, status runbook.RunStatus, reason string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE runbook_runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4
	`, status, reason, at, runID); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func touchStateTx(ctx context.Context, tx *sql.Tx, runbookID string, at time.Time, status runbook.RunStatus, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runbook_state (runbook_id, last_run_at, last_status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (runbook_id) DO UPDATE
		SET last_run_at = EXCLUDED.last_run_at,
		    last_status = EXCLUDED.last_status,
		    last_error = EXCLUDED.last_error,
		    updated_at = NOW()
	`, runbookID, at, status, reason); err != nil {
		return fmt.Errorf("failed to update runbook state: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, runbookID string, limit int) ([]*runbook.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, runbook_id, account_key, task_id, status, started_at, finished_at, error
		FROM runbook_runs
		WHERE ($1 = '' OR runbook_id = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, runbookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer s.closeRows(rows)

	var runs []*runbook.Run
	for rows.Next() {
		var r runbook.Run
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunbookID, &r.AccountKey, &r.TaskID, &r.Status, &r.StartedAt, &finishedAt, &r.Error); err != nil {
			return nil, err
		}
		r.FinishedAt = timePtr(finishedAt)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
