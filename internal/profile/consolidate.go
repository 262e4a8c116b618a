package profile

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huyyxy/memmachine/internal/store"
)

// sectionEntry is the serialized shape a section entry takes in the
// consolidation prompt.
type sectionEntry struct {
	Tag      string `json:"tag"`
	Feature  string `json:"feature"`
	Value    string `json:"value"`
	Metadata struct {
		ID        int64   `json:"id"`
		Citations []int64 `json:"citations"`
	} `json:"metadata"`
}

// consolidate finds the user's oversized sections under the isolation and
// rewrites each through the consolidation prompt. Failures are logged and
// swallowed; consolidation is best-effort and re-runs on future batches.
func (p *ProfileMemory) consolidate(ctx context.Context, userID string, isolations store.Isolations) {
	sections, err := p.storage.GetLargeProfileSections(ctx, userID, p.consolidationThreshold, isolations)
	if err != nil {
		logf("load sections for user %s: %v", userID, err)
		return
	}

	var wg sync.WaitGroup
	for _, section := range sections {
		wg.Add(1)
		go func(section []store.ProfileEntry) {
			defer wg.Done()
			p.deduplicateSection(ctx, userID, section)
		}(section)
	}
	wg.Wait()
}

// deduplicateSection sends one section to the model and applies its keep and
// merge decisions.
func (p *ProfileMemory) deduplicateSection(ctx context.Context, userID string, section []store.ProfileEntry) {
	serialized := make([]sectionEntry, len(section))
	for i, entry := range section {
		serialized[i].Tag = entry.Tag
		serialized[i].Feature = entry.Feature
		serialized[i].Value = entry.Value
		serialized[i].Metadata.ID = entry.ID
		serialized[i].Metadata.Citations = entry.Citations
	}
	payload, err := json.Marshal(serialized)
	if err != nil {
		logf("serialize section for user %s: %v", userID, err)
		return
	}

	resp, err := p.model.GenerateResponse(ctx, p.prompts.Consolidation, string(payload), p.maxAttempts)
	if err != nil {
		logf("consolidation model call for user %s: %v", userID, err)
		return
	}

	thinking, result, err := parseConsolidation(resp.Content)
	if err != nil {
		logf("discard consolidation for user %s: %v", userID, err)
		return
	}
	if thinking != "" {
		logf("consolidation thinking for user %s: %s", userID, thinking)
	}

	if !result.KeepAll {
		keep := make(map[int64]bool, len(result.Keep))
		for _, id := range result.Keep {
			keep[id] = true
		}
		for _, entry := range section {
			if keep[entry.ID] {
				continue
			}
			p.cacheErase(userID, entry.Isolations)
			if err := p.storage.DeleteProfileFeatureByID(ctx, entry.ID); err != nil {
				logf("delete consolidated entry %d: %v", entry.ID, err)
			}
		}
	}

	for _, memory := range result.Memories {
		citations, err := p.storage.GetAllCitationsForIDs(ctx, memory.Metadata.Citations)
		if err != nil {
			logf("resolve citations for user %s: %v", userID, err)
			continue
		}

		historyIDs := make([]int64, len(citations))
		for i, c := range citations {
			historyIDs[i] = c.HistoryID
		}
		newIsolations := intersectIsolations(citations)

		err = p.AddFeature(ctx, userID, memory.Feature, memory.Value, memory.Tag, nil, newIsolations, historyIDs)
		if err != nil {
			logf("add consolidated feature for user %s: %v", userID, err)
		}
	}
}

// intersectIsolations derives a consolidated entry's isolations from its
// cited history rows: adopt each key's value where all citations agree, and
// drop keys whose values conflict.
func intersectIsolations(citations []store.Citation) store.Isolations {
	merged := store.Isolations{}
	conflicted := make(map[string]bool)

	for _, c := range citations {
		for key, value := range c.Isolations {
			old, ok := merged[key]
			if !ok {
				merged[key] = value
			} else if !isolationValueEqual(old, value) {
				conflicted[key] = true
			}
		}
	}
	for key := range conflicted {
		delete(merged, key)
	}
	return merged
}

// isolationValueEqual compares isolation values by their JSON encoding, so
// 3 and 3.0 agree regardless of decode origin.
func isolationValueEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
