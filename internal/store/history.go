package store

import (
	"context"
	"fmt"
	"time"
)

// AddHistory appends a message to the history table and returns the row.
func (db *DB) AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations Isolations) (*HistoryMessage, error) {
	now := time.Now().UnixMilli()
	if metadata == nil {
		metadata = map[string]any{}
	}
	if isolations == nil {
		isolations = Isolations{}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO history_messages (user_id, content, metadata, isolations, created_at, is_ingested)
		VALUES (?, ?, ?, ?, ?, 0)
	`, userID, content, marshalMeta(metadata), isolations.Canonical(), now)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("history id: %w", err)
	}

	return &HistoryMessage{
		ID:         id,
		UserID:     userID,
		Content:    content,
		Metadata:   metadata,
		Isolations: isolations,
		CreatedAt:  now,
		IsIngested: false,
	}, nil
}

// GetHistoryMessagesByIngestionStatus returns a user's messages in FIFO order
// by (created_at, id). k <= 0 means no limit.
func (db *DB) GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]HistoryMessage, error) {
	query := `
		SELECT id, user_id, content, metadata, isolations, created_at, is_ingested
		FROM history_messages
		WHERE user_id = ? AND is_ingested = ?
		ORDER BY created_at, id
	`
	args := []any{userID, boolToInt(isIngested)}
	if k > 0 {
		query += " LIMIT ?"
		args = append(args, k)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		m, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetHistoryMessages returns message contents in [start, end) under the
// isolation. Zero times are unbounded.
func (db *DB) GetHistoryMessages(ctx context.Context, userID string, start, end time.Time, isolations Isolations) ([]string, error) {
	messages, err := db.historyInRange(ctx, userID, start, end, isolations)
	if err != nil {
		return nil, err
	}
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	return contents, nil
}

// GetUningestedCount counts pending messages across all users.
func (db *DB) GetUningestedCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM history_messages WHERE is_ingested = 0",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count uningested: %w", err)
	}
	return count, nil
}

// MarkMessagesIngested flips is_ingested to true for the given ids.
// The transition is one-way; already-ingested rows are unaffected.
func (db *DB) MarkMessagesIngested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		UPDATE history_messages SET is_ingested = 1
		WHERE id IN (`+placeholders(len(ids))+`)
	`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	return nil
}

// DeleteHistory physically removes messages in [start, end) under the
// isolation. Zero times are unbounded.
func (db *DB) DeleteHistory(ctx context.Context, userID string, start, end time.Time, isolations Isolations) error {
	messages, err := db.historyInRange(ctx, userID, start, end, isolations)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	_, err = db.ExecContext(ctx, `
		DELETE FROM history_messages WHERE id IN (`+placeholders(len(ids))+`)
	`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// PurgeHistory removes messages from start onward under the isolation.
func (db *DB) PurgeHistory(ctx context.Context, userID string, start time.Time, isolations Isolations) error {
	return db.DeleteHistory(ctx, userID, start, time.Time{}, isolations)
}

func (db *DB) historyInRange(ctx context.Context, userID string, start, end time.Time, isolations Isolations) ([]HistoryMessage, error) {
	query := `
		SELECT id, user_id, content, metadata, isolations, created_at, is_ingested
		FROM history_messages
		WHERE user_id = ?
	`
	args := []any{userID}
	if !start.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		query += " AND created_at < ?"
		args = append(args, end.UnixMilli())
	}
	query += " ORDER BY created_at, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history range: %w", err)
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		m, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		if m.Isolations.Matches(isolations) {
			messages = append(messages, m)
		}
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(rows rowScanner) (HistoryMessage, error) {
	var m HistoryMessage
	var meta, iso string
	var ingested int
	if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &meta, &iso, &m.CreatedAt, &ingested); err != nil {
		return m, fmt.Errorf("scan history: %w", err)
	}
	m.Metadata = unmarshalMeta(meta)
	m.Isolations = ParseIsolations(iso)
	m.IsIngested = ingested != 0
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
