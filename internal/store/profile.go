package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func marshalMeta(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMeta(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// AddProfileFeature inserts the entry unless an identical live entry exists,
// in which case the call is a no-op. Citations are recorded in the same
// transaction.
func (db *DB) AddProfileFeature(ctx context.Context, f NewFeature) error {
	now := time.Now().UnixMilli()
	iso := f.Isolations.Canonical()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add feature: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM profile_features
		WHERE user_id = ? AND feature = ? AND tag = ? AND value = ?
		  AND isolations = ? AND deleted_at IS NULL
	`, f.UserID, f.Feature, f.Tag, f.Value, iso).Scan(&existing)
	if err == nil {
		// Duplicate add is a no-op.
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check duplicate feature: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO profile_features
			(user_id, feature, tag, value, embedding, metadata, isolations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.UserID, f.Feature, f.Tag, f.Value,
		encodeEmbedding(f.Embedding), marshalMeta(f.Metadata), iso, now, now)
	if err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("feature id: %w", err)
	}

	for _, historyID := range f.Citations {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO profile_feature_citations (feature_id, history_id)
			VALUES (?, ?)
		`, id, historyID); err != nil {
			return fmt.Errorf("insert citation: %w", err)
		}
	}

	return tx.Commit()
}

// liveEntries returns all non-deleted entries for a user, ordered by id.
func (db *DB) liveEntries(ctx context.Context, userID string) ([]ProfileEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, feature, tag, value, embedding, metadata, isolations, created_at, updated_at
		FROM profile_features
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	var entries []ProfileEntry
	for rows.Next() {
		var e ProfileEntry
		var blob []byte
		var meta, iso string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Feature, &e.Tag, &e.Value,
			&blob, &meta, &iso, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Embedding = decodeEmbedding(blob)
		e.Metadata = unmarshalMeta(meta)
		e.Isolations = ParseIsolations(iso)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// attachCitations fills Citations for each entry in place.
func (db *DB) attachCitations(ctx context.Context, entries []ProfileEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}

	rows, err := db.QueryContext(ctx, `
		SELECT feature_id, history_id FROM profile_feature_citations
		WHERE feature_id IN (`+placeholders(len(ids))+`)
		ORDER BY feature_id, history_id
	`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("select citations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var featureID, historyID int64
		if err := rows.Scan(&featureID, &historyID); err != nil {
			return fmt.Errorf("scan citation: %w", err)
		}
		if i, ok := index[featureID]; ok {
			entries[i].Citations = append(entries[i].Citations, historyID)
		}
	}
	return rows.Err()
}

func (db *DB) softDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	args := append([]any{now, now}, int64Args(ids)...)
	_, err := db.ExecContext(ctx, `
		UPDATE profile_features SET deleted_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND deleted_at IS NULL
	`, args...)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

// DeleteProfileFeature soft-deletes the live rows matching (feature, tag)
// under the isolation. A nil value matches every value.
func (db *DB) DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations Isolations) error {
	query := `
		SELECT id, isolations FROM profile_features
		WHERE user_id = ? AND feature = ? AND tag = ? AND deleted_at IS NULL
	`
	args := []any{userID, feature, tag}
	if value != nil {
		query += " AND value = ?"
		args = append(args, *value)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("select features to delete: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var iso string
		if err := rows.Scan(&id, &iso); err != nil {
			return fmt.Errorf("scan feature to delete: %w", err)
		}
		if ParseIsolations(iso).Matches(isolations) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return db.softDelete(ctx, ids)
}

// DeleteProfileFeatureByID soft-deletes one entry.
func (db *DB) DeleteProfileFeatureByID(ctx context.Context, id int64) error {
	return db.softDelete(ctx, []int64{id})
}

// GetProfile returns the nested tag -> feature -> values view of a user's
// live entries under the isolation.
func (db *DB) GetProfile(ctx context.Context, userID string, isolations Isolations) (Profile, error) {
	entries, err := db.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	if err := db.attachCitations(ctx, entries); err != nil {
		return nil, err
	}
	return buildProfile(entries), nil
}

// SemanticSearch ranks a user's live entries against the query embedding.
// The store holds no approximate index, so this is exact search.
func (db *DB) SemanticSearch(ctx context.Context, userID string, query []float64, k int, minCos float64, isolations Isolations) ([]ProfileEntry, error) {
	entries, err := db.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	ranked := rankBySimilarity(entries, query, k, minCos)
	if err := db.attachCitations(ctx, ranked); err != nil {
		return nil, err
	}
	return ranked, nil
}

// GetLargeProfileSections returns every (feature, tag) group with at least
// threshold live entries under the isolation.
func (db *DB) GetLargeProfileSections(ctx context.Context, userID string, threshold int, isolations Isolations) ([][]ProfileEntry, error) {
	entries, err := db.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	if err := db.attachCitations(ctx, entries); err != nil {
		return nil, err
	}
	return groupSections(entries, threshold), nil
}

// GetAllCitationsForIDs resolves the citation graph of the given entries to
// distinct (history id, history isolations) pairs.
func (db *DB) GetAllCitationsForIDs(ctx context.Context, ids []int64) ([]Citation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT c.history_id, h.isolations
		FROM profile_feature_citations c
		JOIN history_messages h ON h.id = c.history_id
		WHERE c.feature_id IN (`+placeholders(len(ids))+`)
		ORDER BY c.history_id
	`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("select citations for ids: %w", err)
	}
	defer rows.Close()

	var citations []Citation
	for rows.Next() {
		var c Citation
		var iso string
		if err := rows.Scan(&c.HistoryID, &iso); err != nil {
			return nil, fmt.Errorf("scan citation row: %w", err)
		}
		c.Isolations = ParseIsolations(iso)
		citations = append(citations, c)
	}
	return citations, rows.Err()
}

// DeleteProfile soft-deletes all of a user's live entries under the isolation.
func (db *DB) DeleteProfile(ctx context.Context, userID string, isolations Isolations) error {
	entries, err := db.liveEntries(ctx, userID)
	if err != nil {
		return err
	}
	entries = filterByIsolation(entries, isolations)

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return db.softDelete(ctx, ids)
}

// DeleteAll wipes every table.
func (db *DB) DeleteAll(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM profile_feature_citations",
		"DELETE FROM profile_features",
		"DELETE FROM history_messages",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delete all: %w", err)
		}
	}
	return nil
}
