package profile

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/huyyxy/memmachine/internal/embedder"
	"github.com/huyyxy/memmachine/internal/llm"
	"github.com/huyyxy/memmachine/internal/prompts"
	"github.com/huyyxy/memmachine/internal/store"
)

type fixture struct {
	memory *ProfileMemory
	model  *llm.MockClient
	embed  *embedder.Mock
	db     *store.DB
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	model := &llm.MockClient{}
	mock := embedder.NewMock(8)

	bundle, err := prompts.Get("profile")
	if err != nil {
		t.Fatalf("prompts: %v", err)
	}

	opts.Model = model
	opts.Embedder = mock
	opts.Store = db
	opts.Prompts = bundle

	memory, err := New(opts)
	if err != nil {
		t.Fatalf("new profile memory: %v", err)
	}
	return &fixture{memory: memory, model: model, embed: mock, db: db}
}

// drain synchronously processes one user's pending batch, standing in for a
// worker tick.
func (f *fixture) drain(t *testing.T, userID string) {
	t.Helper()
	if err := f.memory.processUser(context.Background(), userID); err != nil {
		t.Fatalf("process user: %v", err)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	bundle, _ := prompts.Get("profile")

	base := Options{
		Model:    &llm.MockClient{},
		Embedder: embedder.NewMock(4),
		Store:    db,
		Prompts:  bundle,
	}

	missing := []func(o *Options){
		func(o *Options) { o.Model = nil },
		func(o *Options) { o.Embedder = nil },
		func(o *Options) { o.Store = nil },
		func(o *Options) { o.Prompts = prompts.Bundle{} },
	}
	for i, strip := range missing {
		opts := base
		strip(&opts)
		if _, err := New(opts); err == nil {
			t.Errorf("case %d: expected error for missing dependency", i)
		}
	}

	if _, err := New(base); err != nil {
		t.Errorf("complete options should construct: %v", err)
	}
}

func TestIngestThenSearch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iso := store.Isolations{"group": "g", "session": "s"}

	f.model.Queue(`{"1":{"command":"add","feature":"likes","tag":"pets","value":"dogs"}}`)

	if err := f.memory.IngestMessage(ctx, "u", "I like dogs", nil, iso); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	profile, err := f.memory.GetProfile(ctx, "u", iso)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["pets"]["likes"]
	if len(values) != 1 || values[0].Value != "dogs" {
		t.Fatalf("profile = %v, want pets/likes = [dogs]", profile)
	}
	if len(values[0].Citations) != 1 {
		t.Errorf("entry should cite the source message, got %v", values[0].Citations)
	}

	results, err := f.memory.SemanticSearch(ctx, "u", "pets I own", 5, -1, 2, 1, iso)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Value != "dogs" {
		t.Fatalf("search results = %v, want the dogs entry", results)
	}

	count, err := f.memory.UningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("uningested = %d after drain, want 0", count)
	}
}

func TestDeleteBeforeAdd(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.memory.AddFeature(ctx, "u", "tone", "casual", "w", nil, nil, nil); err != nil {
		t.Fatalf("seed feature: %v", err)
	}

	f.model.Queue(`{"1":{"command":"delete","feature":"tone","tag":"w"},
	                "2":{"command":"add","feature":"tone","tag":"w","value":"formal"}}`)

	if err := f.memory.IngestMessage(ctx, "u", "please keep it formal", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["w"]["tone"]
	if len(values) != 1 || values[0].Value != "formal" {
		t.Fatalf("tone = %v, want exactly [formal]", values)
	}
}

func TestRepairedJSONApplied(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.model.Queue("```json\n{1: {command: 'add', feature:'x', tag:'t', value:'v',},}\n```")

	if err := f.memory.IngestMessage(ctx, "u", "hello", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if values := profile["t"]["x"]; len(values) != 1 || values[0].Value != "v" {
		t.Fatalf("profile = %v, want t/x = [v]", profile)
	}
}

func TestThinkTagResponseApplied(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.model.Queue("<think>reasoning</think>\n{\"1\":{\"command\":\"add\",\"feature\":\"f\",\"tag\":\"t\",\"value\":\"v\"}}")

	if err := f.memory.IngestMessage(ctx, "u", "hello", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if values := profile["t"]["f"]; len(values) != 1 || values[0].Value != "v" {
		t.Fatalf("profile = %v, want t/f = [v]", profile)
	}
}

func TestSpeakerFraming(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	meta := map[string]any{"speaker": "alice"}
	if err := f.memory.IngestMessage(ctx, "u", "hello", meta, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	pending, err := f.db.GetHistoryMessagesByIngestionStatus(ctx, "u", 0, false)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "alice sends 'hello'" {
		t.Fatalf("stored content = %q", pending[0].Content)
	}
}

func TestLLMErrorLeavesMessageUningested(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.model.QueueError(errors.New("upstream down"))

	if err := f.memory.IngestMessage(ctx, "u", "hello", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	count, err := f.memory.UningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("uningested = %d, want 1 (message retried next tick)", count)
	}

	// The retry succeeds and the message is consumed.
	f.model.Queue(`{"1":{"command":"add","feature":"f","tag":"t","value":"v"}}`)
	f.drain(t, "u")
	count, err = f.memory.UningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("uningested = %d after retry, want 0", count)
	}
}

func TestParseErrorConsumesMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.model.Queue("no json here at all")

	if err := f.memory.IngestMessage(ctx, "u", "hello", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.drain(t, "u")

	count, err := f.memory.UningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("uningested = %d, want 0 (unparseable updates are not retried)", count)
	}
	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(profile) != 0 {
		t.Errorf("profile = %v, want empty", profile)
	}
}

func TestOrderPreservedWithinIsolation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		f.model.Queue(`{}`)
		if err := f.memory.IngestMessage(ctx, "u", content, nil, nil); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	f.drain(t, "u")

	if len(f.model.Calls) != 3 {
		t.Fatalf("model called %d times, want 3", len(f.model.Calls))
	}
	wantOrder := []string{"first", "second", "third"}
	for i, call := range f.model.Calls {
		if !containsHistory(call.UserPrompt, wantOrder[i]) {
			t.Errorf("call %d prompt does not carry message %q", i, wantOrder[i])
		}
	}
}

func containsHistory(prompt, content string) bool {
	return strings.Contains(prompt, "<HISTORY>\n"+content+"\n</HISTORY>")
}

func TestCacheCoherence(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iso := store.Isolations{"agent": "a"}

	if err := f.memory.AddFeature(ctx, "u", "f", "v1", "t", nil, iso, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.memory.GetProfile(ctx, "u", iso); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	// A write under the same isolation must invalidate the cached view.
	if err := f.memory.AddFeature(ctx, "u", "f", "v2", "t", nil, iso, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	profile, err := f.memory.GetProfile(ctx, "u", iso)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["t"]["f"]); got != 2 {
		t.Fatalf("profile has %d values, want 2 (stale cache?)", got)
	}

	value := "v1"
	if err := f.memory.DeleteFeature(ctx, "u", "f", "t", &value, iso); err != nil {
		t.Fatalf("delete: %v", err)
	}
	profile, err = f.memory.GetProfile(ctx, "u", iso)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["t"]["f"]); got != 1 {
		t.Fatalf("profile has %d values after delete, want 1", got)
	}
}

func TestDeleteAllResetsCache(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.memory.AddFeature(ctx, "u", "f", "v", "t", nil, nil, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.memory.GetProfile(ctx, "u", nil); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if err := f.memory.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(profile) != 0 {
		t.Fatalf("profile = %v after wipe, want empty", profile)
	}
}

func TestConsolidationIsolationIntersection(t *testing.T) {
	f := newFixture(t, Options{ConsolidationThreshold: 2})
	ctx := context.Background()

	m1, err := f.db.AddHistory(ctx, "u", "msg one", nil, store.Isolations{"g": "G", "s": "S1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	m2, err := f.db.AddHistory(ctx, "u", "msg two", nil, store.Isolations{"g": "G", "s": "S2"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	add := func(value string, citation int64, iso store.Isolations) {
		t.Helper()
		if err := f.memory.AddFeature(ctx, "u", "topic", value, "interest", nil, iso, []int64{citation}); err != nil {
			t.Fatalf("add %q: %v", value, err)
		}
	}
	add("alpha", m1.ID, store.Isolations{"g": "G", "s": "S1"})
	add("beta", m2.ID, store.Isolations{"g": "G", "s": "S2"})

	sections, err := f.db.GetLargeProfileSections(ctx, "u", 2, nil)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	section := sections[0]

	f.model.Queue(`{
		"consolidate_memories": [
			{"tag": "interest", "feature": "topic", "value": "alpha and beta",
			 "metadata": {"citations": [` +
		strconv.FormatInt(section[0].ID, 10) + `, ` + strconv.FormatInt(section[1].ID, 10) + `]}}
		],
		"keep_memories": []
	}`)

	f.memory.deduplicateSection(ctx, "u", section)

	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["interest"]["topic"]
	if len(values) != 1 || values[0].Value != "alpha and beta" {
		t.Fatalf("profile = %v, want only the merged entry", profile)
	}

	// Conflicting key s is pruned; shared key g survives.
	merged, err := f.db.GetProfile(ctx, "u", store.Isolations{"g": "G"})
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if len(merged["interest"]["topic"]) != 1 {
		t.Fatalf("merged entry not visible under {g: G}: %v", merged)
	}
	bothKeys, err := f.db.GetProfile(ctx, "u", store.Isolations{"g": "G", "s": "S1"})
	if err != nil {
		t.Fatalf("get scoped: %v", err)
	}
	if len(bothKeys["interest"]["topic"]) != 0 {
		t.Fatalf("merged entry should not match pruned key s: %v", bothKeys)
	}

	// Citations close over the cited history rows.
	citations := values[0].Citations
	if len(citations) != 2 || citations[0] != m1.ID || citations[1] != m2.ID {
		t.Fatalf("merged citations = %v, want [%d %d]", citations, m1.ID, m2.ID)
	}
}

func TestConsolidationKeepAllSkipsDeletes(t *testing.T) {
	f := newFixture(t, Options{ConsolidationThreshold: 2})
	ctx := context.Background()

	for _, v := range []string{"a", "b"} {
		if err := f.memory.AddFeature(ctx, "u", "f", v, "t", nil, nil, nil); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	sections, err := f.db.GetLargeProfileSections(ctx, "u", 2, nil)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}

	// keep_memories is missing entirely: nothing may be deleted.
	f.model.Queue(`{"consolidate_memories": []}`)
	f.memory.deduplicateSection(ctx, "u", sections[0])

	profile, err := f.memory.GetProfile(ctx, "u", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["t"]["f"]); got != 2 {
		t.Fatalf("profile has %d values, want 2 untouched", got)
	}
}

func TestStartupShutdownLifecycle(t *testing.T) {
	f := newFixture(t, Options{
		UpdateInterval: 10 * time.Millisecond,
		MessageLimit:   1,
	})
	ctx := context.Background()

	if err := f.memory.Startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	// Startup twice is a no-op.
	if err := f.memory.Startup(ctx); err != nil {
		t.Fatalf("second startup: %v", err)
	}

	f.model.Queue(`{"1":{"command":"add","feature":"f","tag":"t","value":"v"}}`)
	if err := f.memory.IngestMessage(ctx, "u", "hello", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := f.memory.UningestedCount(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not drain the message in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.memory.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// Shutdown twice is a no-op.
	if err := f.memory.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
