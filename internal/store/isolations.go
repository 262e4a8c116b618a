package store

import (
	"bytes"
	"encoding/json"
)

// Isolations is the tenant/scope filter carried on every message and profile
// entry. Values are the JSON scalars: bool, number, or string.
type Isolations map[string]any

// Canonical returns the stable serialization of the map: JSON with sorted
// keys and default number formatting. Two isolation maps are equal iff their
// canonical forms match.
func (iso Isolations) Canonical() string {
	if len(iso) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys; round-trip first so that values built in
	// Go (int vs float64) and values decoded from JSON serialize identically.
	b, err := json.Marshal(iso)
	if err != nil {
		return "{}"
	}
	var normalized map[string]any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return string(b)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// ParseIsolations decodes a canonical serialization back into a map.
func ParseIsolations(s string) Isolations {
	if s == "" {
		return Isolations{}
	}
	var iso Isolations
	if err := json.Unmarshal([]byte(s), &iso); err != nil {
		return Isolations{}
	}
	if iso == nil {
		iso = Isolations{}
	}
	return iso
}

// Matches reports whether this stored isolation satisfies the query: for
// every key in query, the stored map holds the same value. Keys missing from
// the query are unconstrained.
func (iso Isolations) Matches(query Isolations) bool {
	for k, want := range query {
		got, ok := iso[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares two scalar values by their JSON encoding, so 5 and
// float64(5) agree regardless of which side came from the database.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
