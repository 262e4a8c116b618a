package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestAddAndGetProfile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.AddProfileFeature(ctx, NewFeature{
		UserID:  "alice",
		Feature: "favorite_color",
		Tag:     "preference",
		Value:   "blue",
	})
	if err != nil {
		t.Fatalf("add feature: %v", err)
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}

	values := profile["preference"]["favorite_color"]
	if len(values) != 1 || values[0].Value != "blue" {
		t.Errorf("profile = %v, want preference/favorite_color = [blue]", profile)
	}
}

func TestAddProfileFeatureDuplicateIsNoOp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := NewFeature{
		UserID:     "alice",
		Feature:    "favorite_color",
		Tag:        "preference",
		Value:      "blue",
		Isolations: Isolations{"agent": "support"},
	}
	for i := 0; i < 3; i++ {
		if err := db.AddProfileFeature(ctx, f); err != nil {
			t.Fatalf("add feature (attempt %d): %v", i, err)
		}
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["preference"]["favorite_color"]); got != 1 {
		t.Errorf("duplicate adds produced %d values, want 1", got)
	}
}

func TestDuplicateDistinguishedByIsolation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := NewFeature{UserID: "alice", Feature: "role", Tag: "work", Value: "engineer"}

	a := base
	a.Isolations = Isolations{"agent": "hr"}
	b := base
	b.Isolations = Isolations{"agent": "support"}

	if err := db.AddProfileFeature(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := db.AddProfileFeature(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["work"]["role"]); got != 2 {
		t.Errorf("same value under different isolations = %d entries, want 2", got)
	}
}

func TestGetProfileIsolationFilter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	add := func(value string, iso Isolations) {
		t.Helper()
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: "alice", Feature: "topic", Tag: "interest", Value: value, Isolations: iso,
		})
		if err != nil {
			t.Fatalf("add %q: %v", value, err)
		}
	}

	add("golf", Isolations{"agent": "sports", "session": "s1"})
	add("jazz", Isolations{"agent": "music"})
	add("chess", nil)

	profile, err := db.GetProfile(ctx, "alice", Isolations{"agent": "sports"})
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["interest"]["topic"]
	if len(values) != 1 || values[0].Value != "golf" {
		t.Errorf("filtered profile = %v, want only golf", values)
	}

	// Empty filter returns everything.
	all, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get full profile: %v", err)
	}
	if got := len(all["interest"]["topic"]); got != 3 {
		t.Errorf("unfiltered profile has %d values, want 3", got)
	}
}

func TestDeleteProfileFeature(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, v := range []string{"blue", "green"} {
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: "alice", Feature: "favorite_color", Tag: "preference", Value: v,
		})
		if err != nil {
			t.Fatalf("add %q: %v", v, err)
		}
	}

	// Value-scoped delete removes only the matching value.
	if err := db.DeleteProfileFeature(ctx, "alice", "favorite_color", "preference", strPtr("blue"), nil); err != nil {
		t.Fatalf("delete blue: %v", err)
	}
	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["preference"]["favorite_color"]
	if len(values) != 1 || values[0].Value != "green" {
		t.Errorf("after value delete: %v, want only green", values)
	}

	// Nil value deletes the whole section.
	if err := db.DeleteProfileFeature(ctx, "alice", "favorite_color", "preference", nil, nil); err != nil {
		t.Fatalf("delete section: %v", err)
	}
	profile, err = db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(profile) != 0 {
		t.Errorf("after section delete profile = %v, want empty", profile)
	}
}

func TestDeleteProfileFeatureRespectsIsolation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	add := func(iso Isolations) {
		t.Helper()
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: "alice", Feature: "role", Tag: "work", Value: "engineer", Isolations: iso,
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	add(Isolations{"agent": "hr"})
	add(Isolations{"agent": "support"})

	err := db.DeleteProfileFeature(ctx, "alice", "role", "work", nil, Isolations{"agent": "hr"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["work"]["role"]
	if len(values) != 1 {
		t.Fatalf("after isolated delete %d values remain, want 1", len(values))
	}
}

func TestSemanticSearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	add := func(value string, emb []float64) {
		t.Helper()
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: "alice", Feature: "interest", Tag: "hobby", Value: value, Embedding: emb,
		})
		if err != nil {
			t.Fatalf("add %q: %v", value, err)
		}
	}

	add("exact", []float64{1, 0, 0})
	add("close", []float64{0.9, 0.1, 0})
	add("far", []float64{0, 1, 0})

	results, err := db.SemanticSearch(ctx, "alice", []float64{1, 0, 0}, 2, 0.5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Value != "exact" || results[1].Value != "close" {
		t.Errorf("ranking = [%s, %s], want [exact, close]", results[0].Value, results[1].Value)
	}

	score, ok := results[0].Metadata["similarity_score"].(float64)
	if !ok || score < 0.999 {
		t.Errorf("top score = %v, want ~1.0", results[0].Metadata["similarity_score"])
	}
}

func TestSemanticSearchMinCos(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.AddProfileFeature(ctx, NewFeature{
		UserID: "alice", Feature: "f", Tag: "t", Value: "orthogonal", Embedding: []float64{0, 1},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := db.SemanticSearch(ctx, "alice", []float64{1, 0}, 10, 0.5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results below threshold, want 0", len(results))
	}
}

func TestSemanticSearchSkipsMissingEmbeddings(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.AddProfileFeature(ctx, NewFeature{
		UserID: "alice", Feature: "f", Tag: "t", Value: "no-embedding",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := db.SemanticSearch(ctx, "alice", []float64{1, 0}, 10, -1, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("entries without embeddings should not rank, got %d", len(results))
	}
}

func TestGetLargeProfileSections(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	add := func(feature, value string) {
		t.Helper()
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: "alice", Feature: feature, Tag: "t", Value: value,
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for _, v := range []string{"a", "b", "c"} {
		add("big", v)
	}
	add("small", "x")

	sections, err := db.GetLargeProfileSections(ctx, "alice", 3, nil)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d large sections, want 1", len(sections))
	}
	if len(sections[0]) != 3 || sections[0][0].Feature != "big" {
		t.Errorf("section = %v, want 3 entries of feature big", sections[0])
	}
}

func TestCitations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m1, err := db.AddHistory(ctx, "alice", "I love blue", nil, Isolations{"agent": "a1"})
	if err != nil {
		t.Fatalf("add history: %v", err)
	}
	m2, err := db.AddHistory(ctx, "alice", "blue is my favorite", nil, Isolations{"agent": "a2"})
	if err != nil {
		t.Fatalf("add history: %v", err)
	}

	err = db.AddProfileFeature(ctx, NewFeature{
		UserID: "alice", Feature: "favorite_color", Tag: "preference", Value: "blue",
		Citations: []int64{m1.ID, m2.ID},
	})
	if err != nil {
		t.Fatalf("add feature: %v", err)
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	values := profile["preference"]["favorite_color"]
	if len(values) != 1 || len(values[0].Citations) != 2 {
		t.Fatalf("citations = %v, want two ids", values)
	}

	all, err := db.liveEntries(ctx, "alice")
	if err != nil {
		t.Fatalf("live entries: %v", err)
	}
	citations, err := db.GetAllCitationsForIDs(ctx, []int64{all[0].ID})
	if err != nil {
		t.Fatalf("citations for ids: %v", err)
	}
	if len(citations) != 2 {
		t.Fatalf("got %d citations, want 2", len(citations))
	}
	if citations[0].Isolations["agent"] != "a1" || citations[1].Isolations["agent"] != "a2" {
		t.Errorf("citation isolations = %v, %v", citations[0].Isolations, citations[1].Isolations)
	}
}

func TestDeleteProfile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	add := func(user string, iso Isolations) {
		t.Helper()
		err := db.AddProfileFeature(ctx, NewFeature{
			UserID: user, Feature: "f", Tag: "t", Value: user + "-v", Isolations: iso,
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	add("alice", Isolations{"agent": "a"})
	add("alice", Isolations{"agent": "b"})
	add("bob", nil)

	if err := db.DeleteProfile(ctx, "alice", Isolations{"agent": "a"}); err != nil {
		t.Fatalf("delete isolated: %v", err)
	}
	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got := len(profile["t"]["f"]); got != 1 {
		t.Errorf("after isolated delete alice has %d values, want 1", got)
	}

	if err := db.DeleteProfile(ctx, "alice", nil); err != nil {
		t.Fatalf("delete all of alice: %v", err)
	}
	profile, err = db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(profile) != 0 {
		t.Errorf("alice profile should be empty, got %v", profile)
	}

	// Bob is untouched.
	bob, err := db.GetProfile(ctx, "bob", nil)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if len(bob["t"]["f"]) != 1 {
		t.Errorf("bob profile = %v, want one value", bob)
	}
}

func TestDeleteAll(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddProfileFeature(ctx, NewFeature{UserID: "alice", Feature: "f", Tag: "t", Value: "v"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := db.AddHistory(ctx, "alice", "hello", nil, nil); err != nil {
		t.Fatalf("history: %v", err)
	}

	if err := db.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(profile) != 0 {
		t.Errorf("profile after wipe = %v", profile)
	}
	count, err := db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("uningested after wipe = %d", count)
	}
}

func TestHistoryIngestionFlow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		m, err := db.AddHistory(ctx, "alice", content, nil, nil)
		if err != nil {
			t.Fatalf("add history: %v", err)
		}
		ids = append(ids, m.ID)
	}

	count, err := db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("uningested = %d, want 3", count)
	}

	pending, err := db.GetHistoryMessagesByIngestionStatus(ctx, "alice", 2, false)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Content != "one" || pending[1].Content != "two" {
		t.Fatalf("pending = %v, want FIFO [one two]", pending)
	}

	if err := db.MarkMessagesIngested(ctx, ids[:2]); err != nil {
		t.Fatalf("mark: %v", err)
	}

	count, err = db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("uningested after mark = %d, want 1", count)
	}

	ingested, err := db.GetHistoryMessagesByIngestionStatus(ctx, "alice", 0, true)
	if err != nil {
		t.Fatalf("ingested: %v", err)
	}
	if len(ingested) != 2 {
		t.Errorf("ingested = %d, want 2", len(ingested))
	}

	// Marking again is harmless; the transition is one-way.
	if err := db.MarkMessagesIngested(ctx, ids); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	count, err = db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("uningested after full mark = %d, want 0", count)
	}
}

func TestHistoryRangeAndDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	after := time.Now().Add(time.Minute)

	if _, err := db.AddHistory(ctx, "alice", "kept", nil, Isolations{"agent": "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := db.AddHistory(ctx, "alice", "dropped", nil, Isolations{"agent": "b"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	contents, err := db.GetHistoryMessages(ctx, "alice", before, after, Isolations{"agent": "a"})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(contents) != 1 || contents[0] != "kept" {
		t.Errorf("range = %v, want [kept]", contents)
	}

	// Out-of-range window is empty.
	contents, err = db.GetHistoryMessages(ctx, "alice", after, time.Time{}, nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(contents) != 0 {
		t.Errorf("future range = %v, want empty", contents)
	}

	// Isolation-scoped physical delete.
	if err := db.DeleteHistory(ctx, "alice", time.Time{}, time.Time{}, Isolations{"agent": "b"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	contents, err = db.GetHistoryMessages(ctx, "alice", time.Time{}, time.Time{}, nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(contents) != 1 || contents[0] != "kept" {
		t.Errorf("after delete = %v, want [kept]", contents)
	}

	if err := db.PurgeHistory(ctx, "alice", before, nil); err != nil {
		t.Fatalf("purge: %v", err)
	}
	count, err := db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("after purge count = %d, want 0", count)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	emb := []float64{0.125, -3.5, 42}
	err := db.AddProfileFeature(ctx, NewFeature{
		UserID: "alice", Feature: "f", Tag: "t", Value: "v", Embedding: emb,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	entries, err := db.liveEntries(ctx, "alice")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	got := entries[0].Embedding
	if len(got) != len(emb) {
		t.Fatalf("embedding len = %d, want %d", len(got), len(emb))
	}
	for i := range emb {
		if got[i] != emb[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, got[i], emb[i])
		}
	}
}

func TestResetSchema(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddProfileFeature(ctx, NewFeature{UserID: "alice", Feature: "f", Tag: "t", Value: "v"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.ResetSchema(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	profile, err := db.GetProfile(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("get after reset: %v", err)
	}
	if len(profile) != 0 {
		t.Errorf("profile after reset = %v", profile)
	}

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestMemoryDBSharedAcrossGoroutines(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			if _, err := db.AddHistory(ctx, user, "hello", nil, nil); err != nil {
				errs <- fmt.Errorf("add history: %w", err)
				return
			}
			if _, err := db.GetUningestedCount(ctx); err != nil {
				errs <- fmt.Errorf("count uningested: %w", err)
				return
			}
			if _, err := db.GetProfile(ctx, user, nil); err != nil {
				errs <- fmt.Errorf("get profile: %w", err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent store call: %v", err)
	}

	count, err := db.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count uningested: %v", err)
	}
	if count != workers {
		t.Errorf("uningested count = %d, want %d", count, workers)
	}
}

func TestOpenMemoryHandlesAreIndependent(t *testing.T) {
	a := testDB(t)
	b := testDB(t)
	ctx := context.Background()

	if _, err := a.AddHistory(ctx, "alice", "only in a", nil, nil); err != nil {
		t.Fatalf("add history: %v", err)
	}

	count, err := b.GetUningestedCount(ctx)
	if err != nil {
		t.Fatalf("count on second handle: %v", err)
	}
	if count != 0 {
		t.Errorf("second handle sees %d messages from the first", count)
	}
}
