// Package profile is the persistent user-profile memory engine. It distills
// conversational messages into atomic, cited, embedding-indexed facts via a
// background LLM ingestion pipeline, and serves similarity search over them.
package profile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huyyxy/memmachine/internal/embedder"
	"github.com/huyyxy/memmachine/internal/llm"
	"github.com/huyyxy/memmachine/internal/lru"
	"github.com/huyyxy/memmachine/internal/prompts"
	"github.com/huyyxy/memmachine/internal/store"
)

// Options configures a ProfileMemory. Model, Embedder, and Store are
// required; zero-valued knobs take the defaults below.
type Options struct {
	Model    llm.Client
	Embedder embedder.Embedder
	Store    store.ProfileStore
	Prompts  prompts.Bundle

	MaxCacheSize           int           // default 1000
	UpdateInterval         time.Duration // default 2s
	MessageLimit           int           // default 5
	TimeLimit              time.Duration // default 120s
	ConsolidationThreshold int           // default 5
	HistoryBatchSize       int           // default 100
	MaxAttempts            int           // default 3

	// EmbedFeatureInValue includes the feature name in the embedded text.
	// Off by default: embedding the bare value matches established recall
	// behavior.
	EmbedFeatureInValue bool
}

// ProfileMemory wires the cache, tracker, ingestion worker, and consolidator
// around a profile store.
type ProfileMemory struct {
	model   llm.Client
	embed   embedder.Embedder
	storage store.ProfileStore
	prompts prompts.Bundle

	cacheMu   sync.Mutex
	cache     *lru.Cache[string, store.Profile]
	cacheSize int

	tracker *TrackerManager

	updateInterval         time.Duration
	consolidationThreshold int
	historyBatchSize       int
	maxAttempts            int
	embedFeatureInValue    bool

	mu       sync.Mutex
	started  bool
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a ProfileMemory. The ingestion worker does not run until
// Startup.
func New(opts Options) (*ProfileMemory, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("profile: model must be provided")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("profile: embedder must be provided")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("profile: store must be provided")
	}
	if opts.Prompts.Update == "" || opts.Prompts.Consolidation == "" {
		return nil, fmt.Errorf("profile: prompts must be provided")
	}

	if opts.MaxCacheSize <= 0 {
		opts.MaxCacheSize = 1000
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 2 * time.Second
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 5
	}
	if opts.TimeLimit <= 0 {
		opts.TimeLimit = 120 * time.Second
	}
	if opts.ConsolidationThreshold <= 0 {
		opts.ConsolidationThreshold = 5
	}
	if opts.HistoryBatchSize <= 0 {
		opts.HistoryBatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	cache, err := lru.New[string, store.Profile](opts.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("profile: create cache: %w", err)
	}

	return &ProfileMemory{
		model:                  opts.Model,
		embed:                  opts.Embedder,
		storage:                opts.Store,
		prompts:                opts.Prompts,
		cache:                  cache,
		cacheSize:              opts.MaxCacheSize,
		tracker:                NewTrackerManager(opts.MessageLimit, opts.TimeLimit),
		updateInterval:         opts.UpdateInterval,
		consolidationThreshold: opts.ConsolidationThreshold,
		historyBatchSize:       opts.HistoryBatchSize,
		maxAttempts:            opts.MaxAttempts,
		embedFeatureInValue:    opts.EmbedFeatureInValue,
	}, nil
}

// Startup acquires storage and starts the ingestion worker. Safe to call
// once.
func (p *ProfileMemory) Startup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	if err := p.storage.Startup(ctx); err != nil {
		return fmt.Errorf("profile: storage startup: %w", err)
	}

	p.stopCh = make(chan struct{})
	p.started = true
	p.wg.Add(1)
	go p.run()
	return nil
}

// Shutdown stops the worker, waits for the in-flight batch, and releases
// storage. Safe to call once after Startup.
func (p *ProfileMemory) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return p.storage.Cleanup()
}

// === cache ===

func cacheKey(userID string, isolations store.Isolations) string {
	return userID + "\x00" + isolations.Canonical()
}

func (p *ProfileMemory) cacheGet(key string) (store.Profile, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return p.cache.Get(key)
}

func (p *ProfileMemory) cachePut(key string, profile store.Profile) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Put(key, profile)
}

func (p *ProfileMemory) cacheErase(userID string, isolations store.Isolations) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Erase(cacheKey(userID, isolations))
}

func (p *ProfileMemory) cacheReset() {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	// Capacity is validated at construction, so this cannot fail.
	p.cache, _ = lru.New[string, store.Profile](p.cacheSize)
}

// === CRUD ===

// IngestMessage appends a message to history and marks the user dirty. The
// LLM work happens later on the background worker.
func (p *ProfileMemory) IngestMessage(ctx context.Context, userID, content string, metadata map[string]any, isolations store.Isolations) error {
	if speaker, ok := metadata["speaker"].(string); ok && speaker != "" {
		content = fmt.Sprintf("%s sends '%s'", speaker, content)
	}

	if _, err := p.storage.AddHistory(ctx, userID, content, metadata, isolations); err != nil {
		return fmt.Errorf("profile: add history: %w", err)
	}
	p.tracker.MarkUpdate(userID)
	return nil
}

// GetProfile returns the user's profile under the isolation, cache-through.
func (p *ProfileMemory) GetProfile(ctx context.Context, userID string, isolations store.Isolations) (store.Profile, error) {
	key := cacheKey(userID, isolations)
	if profile, ok := p.cacheGet(key); ok {
		return profile, nil
	}

	profile, err := p.storage.GetProfile(ctx, userID, isolations)
	if err != nil {
		return nil, err
	}
	p.cachePut(key, profile)
	return profile, nil
}

// AddFeature embeds the value and stores a new profile entry, invalidating
// the cache for (user, isolations).
func (p *ProfileMemory) AddFeature(ctx context.Context, userID, feature, value, tag string, metadata map[string]any, isolations store.Isolations, citations []int64) error {
	p.cacheErase(userID, isolations)

	text := value
	if p.embedFeatureInValue {
		text = feature + ": " + value
	}
	vecs, err := p.embed.IngestEmbed(ctx, []string{text}, p.maxAttempts)
	if err != nil {
		return fmt.Errorf("profile: embed value: %w", err)
	}

	return p.storage.AddProfileFeature(ctx, store.NewFeature{
		UserID:     userID,
		Feature:    feature,
		Value:      value,
		Tag:        tag,
		Embedding:  vecs[0],
		Metadata:   metadata,
		Isolations: isolations,
		Citations:  citations,
	})
}

// DeleteFeature removes matching entries, invalidating the cache. A nil
// value deletes every value under (feature, tag).
func (p *ProfileMemory) DeleteFeature(ctx context.Context, userID, feature, tag string, value *string, isolations store.Isolations) error {
	p.cacheErase(userID, isolations)
	return p.storage.DeleteProfileFeature(ctx, userID, feature, tag, value, isolations)
}

// DeleteProfile removes all of a user's entries under the isolation.
func (p *ProfileMemory) DeleteProfile(ctx context.Context, userID string, isolations store.Isolations) error {
	p.cacheErase(userID, isolations)
	return p.storage.DeleteProfile(ctx, userID, isolations)
}

// DeleteAll wipes every profile and the whole cache.
func (p *ProfileMemory) DeleteAll(ctx context.Context) error {
	p.cacheReset()
	return p.storage.DeleteAll(ctx)
}

// SemanticSearch embeds the query, runs k-NN in storage, and truncates the
// ranked results with the range filter.
func (p *ProfileMemory) SemanticSearch(ctx context.Context, userID, query string, k int, minCos, maxRange, maxStd float64, isolations store.Isolations) ([]store.ProfileEntry, error) {
	vecs, err := p.embed.SearchEmbed(ctx, []string{query}, p.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("profile: embed query: %w", err)
	}

	candidates, err := p.storage.SemanticSearch(ctx, userID, vecs[0], k, minCos, isolations)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored[store.ProfileEntry], len(candidates))
	for i, entry := range candidates {
		score, _ := entry.Metadata["similarity_score"].(float64)
		scored[i] = Scored[store.ProfileEntry]{Score: score, Item: entry}
	}
	return RangeFilter(scored, maxRange, maxStd), nil
}

// UningestedCount reports pending history messages across all users.
func (p *ProfileMemory) UningestedCount(ctx context.Context) (int, error) {
	return p.storage.GetUningestedCount(ctx)
}

// GetHistory returns message contents in [start, end) under the isolation.
func (p *ProfileMemory) GetHistory(ctx context.Context, userID string, start, end time.Time, isolations store.Isolations) ([]string, error) {
	return p.storage.GetHistoryMessages(ctx, userID, start, end, isolations)
}

// DeleteHistory removes messages in [start, end) under the isolation.
func (p *ProfileMemory) DeleteHistory(ctx context.Context, userID string, start, end time.Time, isolations store.Isolations) error {
	return p.storage.DeleteHistory(ctx, userID, start, end, isolations)
}

// PurgeHistory removes messages from start onward under the isolation.
func (p *ProfileMemory) PurgeHistory(ctx context.Context, userID string, start time.Time, isolations store.Isolations) error {
	return p.storage.PurgeHistory(ctx, userID, start, isolations)
}

func logf(format string, args ...any) {
	log.Printf("profile: "+format, args...)
}
