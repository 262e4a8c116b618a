package store

import (
	"encoding/binary"
	"math"
	"sort"
)

// encodeEmbedding converts a []float64 to a binary blob (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary blob back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// filterByIsolation keeps entries whose stored isolations satisfy the query.
func filterByIsolation(entries []ProfileEntry, query Isolations) []ProfileEntry {
	if len(query) == 0 {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Isolations.Matches(query) {
			out = append(out, e)
		}
	}
	return out
}

// rankBySimilarity scores entries against query, drops those below minCos,
// sorts best-first, truncates to k, and records the score in each entry's
// metadata under "similarity_score".
func rankBySimilarity(entries []ProfileEntry, query []float64, k int, minCos float64) []ProfileEntry {
	type scored struct {
		entry ProfileEntry
		sim   float64
	}

	var ranked []scored
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(query, e.Embedding)
		if sim < minCos {
			continue
		}
		ranked = append(ranked, scored{entry: e, sim: sim})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].sim > ranked[j].sim
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]ProfileEntry, 0, len(ranked))
	for _, r := range ranked {
		e := r.entry
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata["similarity_score"] = r.sim
		out = append(out, e)
	}
	return out
}

// groupSections partitions entries by (feature, tag) and returns the groups
// holding at least threshold entries. Group order follows first appearance.
func groupSections(entries []ProfileEntry, threshold int) [][]ProfileEntry {
	type key struct{ feature, tag string }

	var order []key
	groups := make(map[key][]ProfileEntry)
	for _, e := range entries {
		k := key{e.Feature, e.Tag}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var out [][]ProfileEntry
	for _, k := range order {
		if len(groups[k]) >= threshold {
			out = append(out, groups[k])
		}
	}
	return out
}

// buildProfile folds entries into the nested tag -> feature -> values view.
func buildProfile(entries []ProfileEntry) Profile {
	profile := make(Profile)
	for _, e := range entries {
		features, ok := profile[e.Tag]
		if !ok {
			features = make(map[string][]FeatureValue)
			profile[e.Tag] = features
		}
		features[e.Feature] = append(features[e.Feature], FeatureValue{
			Value:     e.Value,
			Metadata:  e.Metadata,
			Citations: e.Citations,
		})
	}
	return profile
}
