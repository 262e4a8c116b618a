package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnparseable is returned when no JSON can be recovered from a model
// response even after repair and scanning. The update is abandoned, never
// retried.
var ErrUnparseable = errors.New("profile: unparseable model response")

// Command is one validated profile mutation from the model.
type Command struct {
	Op       string // "add" or "delete"
	Feature  string
	Tag      string
	Value    string
	HasValue bool
	Date     string
	Author   string
}

// extractionPatterns pull a JSON object out of decorated model output, tried
// in order.
var extractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<OLD_PROFILE>\s*(\{.*?\})\s*</OLD_PROFILE>`),
	regexp.MustCompile(`(?s)<NEW_PROFILE>\s*(\{.*?\})\s*</NEW_PROFILE>`),
	regexp.MustCompile(`(?s)<profile>\s*(\{.*?\})\s*</profile>`),
	regexp.MustCompile(`(?s)<json>\s*(\{.*?\})\s*</json>`),
	regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile(`(?s)<think>\s*(\{.*?\})\s*</think>`),
}

// bareObjectPattern finds a {...} with one level of nesting.
var bareObjectPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

var (
	annotationPattern    = regexp.MustCompile(`\.\.\.\s*\([^)]*\)`)
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyPattern   = regexp.MustCompile(`(\w+):\s*`)
	singleQuotePattern   = regexp.MustCompile(`'([^']*)'`)
	backtickPattern      = regexp.MustCompile("`([^`]*)`")
)

// extractJSON splits a model response into its thinking (if any) and the best
// JSON candidate.
func extractJSON(text string) (thinking, candidate string) {
	if strings.Contains(text, "<think>") && strings.Contains(text, "</think>") {
		stripped := strings.TrimPrefix(text, "<think>")
		idx := strings.LastIndex(stripped, "</think>")
		thinking = strings.TrimSpace(stripped[:idx])
		candidate = stripped[idx+len("</think>"):]
		return thinking, strings.TrimSpace(candidate)
	}

	for _, pattern := range extractionPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return "", strings.TrimSpace(m[1])
		}
	}
	if m := bareObjectPattern.FindString(text); m != "" {
		return "", strings.TrimSpace(m)
	}
	return "", strings.TrimSpace(text)
}

// repairJSON conservatively fixes common model JSON mistakes: stray
// annotations, trailing commas, unquoted keys, single or backtick quotes,
// and unbalanced braces.
func repairJSON(s string) string {
	if s == "" {
		return s
	}
	s = annotationPattern.ReplaceAllString(s, "")
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = unquotedKeyPattern.ReplaceAllString(s, `"$1": `)
	s = singleQuotePattern.ReplaceAllString(s, `"$1"`)
	s = backtickPattern.ReplaceAllString(s, `"$1"`)

	if open, closed := strings.Count(s, "{"), strings.Count(s, "}"); open > closed {
		s += strings.Repeat("}", open-closed)
	}
	return strings.TrimSpace(s)
}

// decodeOrderedObject decodes a top-level JSON object preserving key order.
// Command sequences depend on it: an update is a delete command followed by
// an add command in the same object.
func decodeOrderedObject(s string) ([]json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(s))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var values []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return nil, err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		values = append(values, raw)
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, err
	}
	return values, nil
}

// scanObjects walks the text character by character, tracking string state
// and brace depth, and returns every complete top-level JSON object found.
func scanObjects(s string) []string {
	var objects []string
	var current bytes.Buffer
	depth := 0
	inString := false
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			current.WriteRune(r)
			continue
		}
		if r == '"' {
			inString = !inString
		}
		current.WriteRune(r)

		if !inString {
			switch r {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 && strings.TrimSpace(current.String()) != "" {
					if candidate := strings.TrimSpace(current.String()); json.Valid([]byte(candidate)) {
						objects = append(objects, candidate)
					}
					current.Reset()
				}
			}
		}
	}
	return objects
}

// parseCommands turns a model response into an ordered command list. Invalid
// commands are dropped; ErrUnparseable means nothing could be recovered.
func parseCommands(text string) (thinking string, commands []Command, err error) {
	thinking, candidate := extractJSON(text)
	candidate = repairJSON(candidate)

	values, err := decodeOrderedObject(candidate)
	if err != nil {
		// Salvage complete objects from the malformed candidate.
		values = nil
		for _, obj := range scanObjects(candidate) {
			inner, innerErr := decodeOrderedObject(obj)
			if innerErr != nil {
				continue
			}
			values = append(values, inner...)
		}
		if len(values) == 0 {
			return thinking, nil, ErrUnparseable
		}
	}

	for _, raw := range values {
		cmd, ok := validateCommand(raw)
		if ok {
			commands = append(commands, cmd)
		}
	}
	return thinking, commands, nil
}

// validateCommand checks one raw command against the accepted grammar.
func validateCommand(raw json.RawMessage) (Command, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Command{}, false
	}

	op, ok := stringField(fields, "command")
	if !ok || (op != "add" && op != "delete") {
		return Command{}, false
	}
	feature, ok := anyStringField(fields, "feature")
	if !ok {
		return Command{}, false
	}
	tag, ok := anyStringField(fields, "tag")
	if !ok {
		return Command{}, false
	}

	cmd := Command{Op: op, Feature: feature, Tag: tag}
	if value, present := fields["value"]; present {
		cmd.Value = rawToString(value)
		cmd.HasValue = true
	}
	if op == "add" && !cmd.HasValue {
		return Command{}, false
	}
	cmd.Date, _ = stringField(fields, "date")
	cmd.Author, _ = stringField(fields, "author")
	return cmd, true
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// anyStringField accepts any JSON value for key, rendering non-strings
// compactly.
func anyStringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	return rawToString(raw), true
}

func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// consolidationResult holds the model's decisions for one profile section.
type consolidationResult struct {
	Memories []consolidateMemory
	Keep     []int64
	// KeepAll is set when keep_memories is missing or malformed: deletions
	// are skipped entirely rather than wiping the section.
	KeepAll bool
}

type consolidateMemory struct {
	Tag      string `json:"tag"`
	Feature  string `json:"feature"`
	Value    string `json:"value"`
	Metadata struct {
		Citations []int64 `json:"citations"`
	} `json:"metadata"`
}

// parseConsolidation turns a model response into a consolidation result.
func parseConsolidation(text string) (thinking string, result consolidationResult, err error) {
	thinking, candidate := extractJSON(text)
	candidate = repairJSON(candidate)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return thinking, result, ErrUnparseable
	}

	if raw, ok := fields["consolidate_memories"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			for _, item := range items {
				m, ok := validateConsolidateMemory(item)
				if ok {
					result.Memories = append(result.Memories, m)
				}
			}
		} else {
			result.KeepAll = true
		}
	}

	raw, ok := fields["keep_memories"]
	if !ok {
		result.KeepAll = true
		return thinking, result, nil
	}
	var ids []json.Number
	if err := json.Unmarshal(raw, &ids); err != nil {
		result.KeepAll = true
		return thinking, result, nil
	}
	for _, n := range ids {
		id, err := n.Int64()
		if err != nil || strings.Contains(n.String(), ".") {
			continue
		}
		result.Keep = append(result.Keep, id)
	}
	return thinking, result, nil
}

func validateConsolidateMemory(raw json.RawMessage) (consolidateMemory, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return consolidateMemory{}, false
	}
	for _, key := range []string{"tag", "feature", "value", "metadata"} {
		if _, ok := fields[key]; !ok {
			return consolidateMemory{}, false
		}
	}
	var m consolidateMemory
	if err := json.Unmarshal(raw, &m); err != nil {
		return consolidateMemory{}, false
	}
	if m.Metadata.Citations == nil {
		return consolidateMemory{}, false
	}
	return m, true
}
