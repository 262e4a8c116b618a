package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PG is the Postgres-backed ProfileStore. It speaks the same contract as the
// SQLite driver; similarity search stays exact and in-process, so no vector
// extension is required.
type PG struct {
	*sql.DB
	dsn string
}

var _ ProfileStore = (*PG)(nil)

// OpenPostgres connects to Postgres via the pgx stdlib driver, sizes the
// pool, and runs migrations.
func OpenPostgres(dsn string, maxConns int) (*PG, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}

	pg := &PG{DB: sqlDB, dsn: dsn}
	if err := pg.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

var pgMigrations = []migration{
	{
		Version:     1,
		Description: "profile_features: atomic per-user facts with embeddings",
		SQL: `
CREATE TABLE profile_features (
    id          BIGSERIAL PRIMARY KEY,
    user_id     TEXT NOT NULL,
    feature     TEXT NOT NULL,
    tag         TEXT NOT NULL,
    value       TEXT NOT NULL,
    embedding   BYTEA,
    metadata    TEXT NOT NULL DEFAULT '{}',
    isolations  TEXT NOT NULL DEFAULT '{}',
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL,
    deleted_at  BIGINT
);

CREATE INDEX idx_features_user    ON profile_features(user_id);
CREATE INDEX idx_features_section ON profile_features(user_id, feature, tag);
`,
	},
	{
		Version:     2,
		Description: "history_messages: raw conversational messages",
		SQL: `
CREATE TABLE history_messages (
    id          BIGSERIAL PRIMARY KEY,
    user_id     TEXT NOT NULL,
    content     TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    isolations  TEXT NOT NULL DEFAULT '{}',
    created_at  BIGINT NOT NULL,
    is_ingested BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX idx_history_user_status ON history_messages(user_id, is_ingested);
CREATE INDEX idx_history_created     ON history_messages(created_at);
`,
	},
	{
		Version:     3,
		Description: "profile_feature_citations: entry -> message provenance",
		SQL: `
CREATE TABLE profile_feature_citations (
    feature_id BIGINT NOT NULL REFERENCES profile_features(id) ON DELETE CASCADE,
    history_id BIGINT NOT NULL,
    PRIMARY KEY (feature_id, history_id)
);

CREATE INDEX idx_citations_history ON profile_feature_citations(history_id);
`,
	},
}

func (pg *PG) migrate() error {
	_, err := pg.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     BIGINT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  BIGINT NOT NULL DEFAULT (extract(epoch from now()) * 1000)::BIGINT
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range pgMigrations {
		var count int
		err := pg.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = $1", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := pg.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// Startup verifies connectivity; the pool itself is managed by database/sql.
func (pg *PG) Startup(ctx context.Context) error {
	return pg.PingContext(ctx)
}

// Cleanup closes the pool.
func (pg *PG) Cleanup() error {
	return pg.Close()
}

// ResetSchema drops every table so migrations can re-apply a clean schema.
func (pg *PG) ResetSchema() error {
	tables := []string{
		"profile_feature_citations",
		"profile_features",
		"history_messages",
		"schema_versions",
	}
	for _, table := range tables {
		if _, err := pg.Exec("DROP TABLE IF EXISTS " + table + " CASCADE"); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return pg.migrate()
}

// SchemaVersion returns the current schema version.
func (pg *PG) SchemaVersion() (int, error) {
	var version int
	err := pg.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}

func pgPlaceholders(start, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("$%d", start+i)
	}
	return out
}

func (pg *PG) AddProfileFeature(ctx context.Context, f NewFeature) error {
	now := time.Now().UnixMilli()
	iso := f.Isolations.Canonical()

	tx, err := pg.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add feature: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM profile_features
		WHERE user_id = $1 AND feature = $2 AND tag = $3 AND value = $4
		  AND isolations = $5 AND deleted_at IS NULL
	`, f.UserID, f.Feature, f.Tag, f.Value, iso).Scan(&existing)
	if err == nil {
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check duplicate feature: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO profile_features
			(user_id, feature, tag, value, embedding, metadata, isolations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, f.UserID, f.Feature, f.Tag, f.Value,
		encodeEmbedding(f.Embedding), marshalMeta(f.Metadata), iso, now, now).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}

	for _, historyID := range f.Citations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profile_feature_citations (feature_id, history_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, id, historyID); err != nil {
			return fmt.Errorf("insert citation: %w", err)
		}
	}

	return tx.Commit()
}

func (pg *PG) liveEntries(ctx context.Context, userID string) ([]ProfileEntry, error) {
	rows, err := pg.QueryContext(ctx, `
		SELECT id, user_id, feature, tag, value, embedding, metadata, isolations, created_at, updated_at
		FROM profile_features
		WHERE user_id = $1 AND deleted_at IS NULL
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

func (pg *PG) attachCitations(ctx context.Context, entries []ProfileEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}

	rows, err := pg.QueryContext(ctx, `
		SELECT feature_id, history_id FROM profile_feature_citations
		WHERE feature_id IN (`+pgPlaceholders(1, len(ids))+`)
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

func (pg *PG) softDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	args := append([]any{now, now}, int64Args(ids)...)
	_, err := pg.ExecContext(ctx, `
		UPDATE profile_features SET deleted_at = $1, updated_at = $2
		WHERE id IN (`+pgPlaceholders(3, len(ids))+`) AND deleted_at IS NULL
	`, args...)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

func (pg *PG) DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations Isolations) error {
	query := `
		SELECT id, isolations FROM profile_features
		WHERE user_id = $1 AND feature = $2 AND tag = $3 AND deleted_at IS NULL
	`
	args := []any{userID, feature, tag}
	if value != nil {
		query += " AND value = $4"
		args = append(args, *value)
	}

	rows, err := pg.QueryContext(ctx, query, args...)
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

	return pg.softDelete(ctx, ids)
}

func (pg *PG) DeleteProfileFeatureByID(ctx context.Context, id int64) error {
	return pg.softDelete(ctx, []int64{id})
}

func (pg *PG) GetProfile(ctx context.Context, userID string, isolations Isolations) (Profile, error) {
	entries, err := pg.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	if err := pg.attachCitations(ctx, entries); err != nil {
		return nil, err
	}
	return buildProfile(entries), nil
}

func (pg *PG) SemanticSearch(ctx context.Context, userID string, query []float64, k int, minCos float64, isolations Isolations) ([]ProfileEntry, error) {
	entries, err := pg.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	ranked := rankBySimilarity(entries, query, k, minCos)
	if err := pg.attachCitations(ctx, ranked); err != nil {
		return nil, err
	}
	return ranked, nil
}

func (pg *PG) GetLargeProfileSections(ctx context.Context, userID string, threshold int, isolations Isolations) ([][]ProfileEntry, error) {
	entries, err := pg.liveEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries = filterByIsolation(entries, isolations)
	if err := pg.attachCitations(ctx, entries); err != nil {
		return nil, err
	}
	return groupSections(entries, threshold), nil
}

func (pg *PG) GetAllCitationsForIDs(ctx context.Context, ids []int64) ([]Citation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := pg.QueryContext(ctx, `
		SELECT DISTINCT c.history_id, h.isolations
		FROM profile_feature_citations c
		JOIN history_messages h ON h.id = c.history_id
		WHERE c.feature_id IN (`+pgPlaceholders(1, len(ids))+`)
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

func (pg *PG) DeleteProfile(ctx context.Context, userID string, isolations Isolations) error {
	entries, err := pg.liveEntries(ctx, userID)
	if err != nil {
		return err
	}
	entries = filterByIsolation(entries, isolations)

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return pg.softDelete(ctx, ids)
}

func (pg *PG) DeleteAll(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM profile_feature_citations",
		"DELETE FROM profile_features",
		"DELETE FROM history_messages",
	} {
		if _, err := pg.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delete all: %w", err)
		}
	}
	return nil
}

func (pg *PG) AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations Isolations) (*HistoryMessage, error) {
	now := time.Now().UnixMilli()
	if metadata == nil {
		metadata = map[string]any{}
	}
	if isolations == nil {
		isolations = Isolations{}
	}

	var id int64
	err := pg.QueryRowContext(ctx, `
		INSERT INTO history_messages (user_id, content, metadata, isolations, created_at, is_ingested)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id
	`, userID, content, marshalMeta(metadata), isolations.Canonical(), now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
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

func (pg *PG) GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]HistoryMessage, error) {
	query := `
		SELECT id, user_id, content, metadata, isolations, created_at, is_ingested
		FROM history_messages
		WHERE user_id = $1 AND is_ingested = $2
		ORDER BY created_at, id
	`
	args := []any{userID, isIngested}
	if k > 0 {
		query += " LIMIT $3"
		args = append(args, k)
	}

	rows, err := pg.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		m, err := scanPGHistory(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (pg *PG) GetHistoryMessages(ctx context.Context, userID string, start, end time.Time, isolations Isolations) ([]string, error) {
	messages, err := pg.historyInRange(ctx, userID, start, end, isolations)
	if err != nil {
		return nil, err
	}
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	return contents, nil
}

func (pg *PG) GetUningestedCount(ctx context.Context) (int, error) {
	var count int
	err := pg.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM history_messages WHERE is_ingested = FALSE",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count uningested: %w", err)
	}
	return count, nil
}

func (pg *PG) MarkMessagesIngested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := pg.ExecContext(ctx, `
		UPDATE history_messages SET is_ingested = TRUE
		WHERE id IN (`+pgPlaceholders(1, len(ids))+`)
	`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	return nil
}

func (pg *PG) DeleteHistory(ctx context.Context, userID string, start, end time.Time, isolations Isolations) error {
	messages, err := pg.historyInRange(ctx, userID, start, end, isolations)
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
	_, err = pg.ExecContext(ctx, `
		DELETE FROM history_messages WHERE id IN (`+pgPlaceholders(1, len(ids))+`)
	`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (pg *PG) PurgeHistory(ctx context.Context, userID string, start time.Time, isolations Isolations) error {
	return pg.DeleteHistory(ctx, userID, start, time.Time{}, isolations)
}

func (pg *PG) historyInRange(ctx context.Context, userID string, start, end time.Time, isolations Isolations) ([]HistoryMessage, error) {
	query := `
		SELECT id, user_id, content, metadata, isolations, created_at, is_ingested
		FROM history_messages
		WHERE user_id = $1
	`
	args := []any{userID}
	if !start.IsZero() {
		args = append(args, start.UnixMilli())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end.UnixMilli())
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := pg.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history range: %w", err)
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		m, err := scanPGHistory(rows)
		if err != nil {
			return nil, err
		}
		if m.Isolations.Matches(isolations) {
			messages = append(messages, m)
		}
	}
	return messages, rows.Err()
}

func scanPGHistory(rows rowScanner) (HistoryMessage, error) {
	var m HistoryMessage
	var meta, iso string
	if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &meta, &iso, &m.CreatedAt, &m.IsIngested); err != nil {
		return m, fmt.Errorf("scan history: %w", err)
	}
	m.Metadata = unmarshalMeta(meta)
	m.Isolations = ParseIsolations(iso)
	return m, nil
}
