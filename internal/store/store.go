// Package store persists profile features, history messages, and citations,
// and serves exact k-nearest-neighbor search over feature embeddings.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup requires a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidInput is returned for malformed caller arguments.
var ErrInvalidInput = errors.New("store: invalid input")

// ProfileEntry is one atomic fact about a user.
type ProfileEntry struct {
	ID         int64          `json:"id"`
	UserID     string         `json:"user_id"`
	Feature    string         `json:"feature"`
	Tag        string         `json:"tag"`
	Value      string         `json:"value"`
	Embedding  []float64      `json:"-"`
	Metadata   map[string]any `json:"metadata"`
	Isolations Isolations     `json:"isolations"`
	Citations  []int64        `json:"citations"`
	CreatedAt  int64          `json:"created_at"` // unix millis
	UpdatedAt  int64          `json:"updated_at"`
	DeletedAt  *int64         `json:"deleted_at,omitempty"`
}

// NewFeature carries the arguments for AddProfileFeature.
type NewFeature struct {
	UserID     string
	Feature    string
	Value      string
	Tag        string
	Embedding  []float64
	Metadata   map[string]any
	Isolations Isolations
	Citations  []int64
}

// FeatureValue is one value of a (tag, feature) pair in a profile view.
type FeatureValue struct {
	Value     string         `json:"value"`
	Metadata  map[string]any `json:"metadata"`
	Citations []int64        `json:"citations"`
}

// Profile is a nested view of a user's entries: tag -> feature -> values.
type Profile map[string]map[string][]FeatureValue

// HistoryMessage is one raw conversational message awaiting or past ingestion.
type HistoryMessage struct {
	ID         int64          `json:"id"`
	UserID     string         `json:"user_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Isolations Isolations     `json:"isolations"`
	CreatedAt  int64          `json:"created_at"`
	IsIngested bool           `json:"is_ingested"`
}

// Citation links a profile entry back to a justifying history message.
type Citation struct {
	HistoryID  int64
	Isolations Isolations
}

// ProfileStore is the storage contract for profile memory. Implementations
// must be safe for concurrent use.
type ProfileStore interface {
	// Startup acquires the connection pool. Idempotent.
	Startup(ctx context.Context) error
	// Cleanup releases the connection pool. Idempotent.
	Cleanup() error

	// AddProfileFeature inserts an entry, or no-ops when a live entry with
	// the same (user, feature, tag, value, isolations) already exists.
	AddProfileFeature(ctx context.Context, f NewFeature) error
	// DeleteProfileFeature soft-deletes matching live rows. A nil value
	// deletes every value under (feature, tag) within the isolation.
	DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations Isolations) error
	// DeleteProfileFeatureByID soft-deletes one entry.
	DeleteProfileFeatureByID(ctx context.Context, id int64) error
	// GetProfile returns the live entries under the isolation as
	// tag -> feature -> values.
	GetProfile(ctx context.Context, userID string, isolations Isolations) (Profile, error)
	// SemanticSearch returns up to k live entries with cosine similarity
	// >= minCos against query, best first. Each result carries its score
	// in Metadata["similarity_score"].
	SemanticSearch(ctx context.Context, userID string, query []float64, k int, minCos float64, isolations Isolations) ([]ProfileEntry, error)
	// GetLargeProfileSections returns every (feature, tag) group holding at
	// least threshold live entries under the isolation.
	GetLargeProfileSections(ctx context.Context, userID string, threshold int, isolations Isolations) ([][]ProfileEntry, error)
	// GetAllCitationsForIDs resolves the citations of the given entries to
	// (history id, history isolations) pairs, de-duplicated.
	GetAllCitationsForIDs(ctx context.Context, ids []int64) ([]Citation, error)
	// DeleteProfile soft-deletes all of a user's entries under the isolation.
	DeleteProfile(ctx context.Context, userID string, isolations Isolations) error
	// DeleteAll wipes every table.
	DeleteAll(ctx context.Context) error

	// AddHistory appends a message and returns the stored row.
	AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations Isolations) (*HistoryMessage, error)
	// GetHistoryMessagesByIngestionStatus returns a user's messages with the
	// given ingestion state, FIFO by (created_at, id). k <= 0 means no limit.
	GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]HistoryMessage, error)
	// GetHistoryMessages returns message contents in [start, end) under the
	// isolation. Zero times are unbounded.
	GetHistoryMessages(ctx context.Context, userID string, start, end time.Time, isolations Isolations) ([]string, error)
	// GetUningestedCount counts pending messages across all users.
	GetUningestedCount(ctx context.Context) (int, error)
	// MarkMessagesIngested flips is_ingested to true for the given ids.
	MarkMessagesIngested(ctx context.Context, ids []int64) error
	// DeleteHistory removes messages in [start, end) under the isolation.
	DeleteHistory(ctx context.Context, userID string, start, end time.Time, isolations Isolations) error
	// PurgeHistory removes messages from start onward under the isolation.
	PurgeHistory(ctx context.Context, userID string, start time.Time, isolations Isolations) error
}
