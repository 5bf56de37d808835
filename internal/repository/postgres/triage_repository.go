package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/deskmate/internal/repository"
	"github.com/nadmax/deskmate/internal/triage"
)

const itemColumns = `id, runbook_id, kind, status, title, summary, priority, confidence_pct, source_key, source, chat_id, created_at, updated_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanItem(row rowScanner) (*triage.Item, error) {
	var it triage.Item
	var confidence sql.NullInt64
	var source []byte

	if err := row.Scan(
		&it.ID,
		&it.RunbookID,
		&it.Kind,
		&it.Status,
		&it.Title,
		&it.Summary,
		&it.Priority,
		&confidence,
		&it.SourceKey,
		&source,
		&it.ChatID,
		&it.CreatedAt,
		&it.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if confidence.Valid {
		c := int(confidence.Int64)
		it.ConfidencePct = &c
	}
	if err := json.Unmarshal(source, &it.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source: %w", err)
	}
	return &it, nil
}

// insertItem reports whether the row was new. A conflicting source_key is
// not an error.
func insertItem(ctx context.Context, q queryRower, it *triage.Item) (bool, error) {
	source, err := json.Marshal(it.Source)
	if err != nil {
		return false, fmt.Errorf("failed to marshal source: %w", err)
	}

	var confidence any
	if it.ConfidencePct != nil {
		confidence = *it.ConfidencePct
	}

	var id string
	err = q.QueryRowContext(ctx, `
		INSERT INTO triage_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source_key) DO NOTHING
		RETURNING id
	`,
		it.ID, it.RunbookID, it.Kind, it.Status, it.Title, it.Summary, it.Priority,
		confidence, it.SourceKey, source, it.ChatID, it.CreatedAt, it.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert item: %w", err)
	}
	return true, nil
}

func (s *Store) InsertItem(ctx context.Context, item *triage.Item) (*triage.Item, bool, error) {
	created, err := insertItem(ctx, s.db, item)
	if err != nil {
		return nil, false, err
	}
	if created {
		return item, true, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM triage_items WHERE source_key = $1`, item.SourceKey)
	existing, err := scanItem(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing item: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*triage.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM triage_items WHERE id = $1`, itemID)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("triage item %s: %w", itemID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context, filter repository.ItemFilter) ([]*triage.Item, error) {
	var where []string
	var args []any
	if filter.RunbookID != "" {
		args = append(args, filter.RunbookID)
		where = append(where, fmt.Sprintf("runbook_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + itemColumns + ` FROM triage_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer s.closeRows(rows)

	items := make([]*triage.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) UpdateItemStatus(ctx context.Context, itemID string, status triage.Status) (*triage.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE triage_items SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+itemColumns, status, itemID)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("triage item %s: %w", itemID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update item status: %w", err)
	}
	return it, nil
}

func (s *Store) AddFeedback(ctx context.Context, fb *triage.Feedback) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO triage_feedback (id, item_id, runbook_id, kind, reason, outcome, notes, item_title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, fb.ID, fb.ItemID, fb.RunbookID, fb.Kind, fb.Reason, fb.Outcome, fb.Notes, fb.ItemTitle, fb.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

func (s *Store) ListFeedback(ctx context.Context, runbookID string, limit int) ([]*triage.Feedback, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, runbook_id, kind, reason, outcome, notes, item_title, created_at
		FROM triage_feedback
		WHERE runbook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, runbookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer s.closeRows(rows)

	var out []*triage.Feedback
	for rows.Next() {
		var fb triage.Feedback
		if err := rows.Scan(&fb.ID, &fb.ItemID, &fb.RunbookID, &fb.Kind, &fb.Reason, &fb.Outcome, &fb.Notes, &fb.ItemTitle, &fb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &fb)
	}
	return out, rows.Err()
}
