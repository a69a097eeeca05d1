// Package extract derives structured user facts from free text through
// a provider call with a strict output contract.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/mohammad-safakhou/cody/provider"
)

// maxKeys caps how many facts one extraction may contribute. Anything
// beyond it is an untrusted provider response and gets truncated.
const maxKeys = 32

const systemPrompt = `You are a memory extraction system. Given the facts already known about a user and their newest message, extract NEW or CHANGED facts about the user.

Rules:
- Only extract scalar facts clearly stated or strongly implied by the message (name, age, city, job, preferences).
- Respond ONLY with a flat JSON object mapping fact keys to scalar values, e.g. {"age": 17, "city": "Oslo"}.
- Do not repeat facts that are already known and unchanged.
- Return {} if the message contains no new user facts.
- No prose, no code fences, no nesting.`

// Extractor issues fact-extraction provider calls.
type Extractor struct {
	provider provider.Provider
	logger   *log.Logger
}

// New creates a fact extractor backed by the given provider.
func New(p provider.Provider) *Extractor {
	return &Extractor{
		provider: p,
		logger:   log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags),
	}
}

// Extract returns a fact delta for the new message given the current
// fact set. It is fail-soft: provider or parse failures yield an empty
// delta, never an error.
func (e *Extractor) Extract(ctx context.Context, current map[string]string, message string) map[string]string {
	known, err := json.Marshal(current)
	if err != nil {
		known = []byte("{}")
	}
	userPrompt := fmt.Sprintf("KNOWN FACTS:\n%s\n\nNEW MESSAGE:\n%s", known, message)

	raw, err := e.provider.Generate(ctx, systemPrompt, []provider.Turn{{Role: provider.RoleUser, Content: userPrompt}})
	if err != nil {
		e.logger.Printf("extraction call failed, empty delta: %v", err)
		return map[string]string{}
	}
	return ParseDelta(raw)
}

// ParseDelta parses a provider response into a validated fact delta.
// It strips surrounding formatting noise, repairs near-JSON, and on any
// remaining failure returns an empty delta.
func ParseDelta(raw string) map[string]string {
	trimmed := stripFences(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return map[string]string{}
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return map[string]string{}
		}
	}

	delta := make(map[string]string, len(parsed))
	for key, val := range parsed {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		s, ok := scalar(val)
		if !ok {
			continue
		}
		delta[key] = s
	}
	// Truncate over-cap deltas on sorted key order so the same
	// response always yields the same surviving keys.
	if len(delta) > maxKeys {
		keys := make([]string, 0, len(delta))
		for k := range delta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[maxKeys:] {
			delete(delta, k)
		}
	}
	return delta
}

// Merge overlays delta onto current key-by-key, new values winning.
// Neither input is mutated.
func Merge(current, delta map[string]string) map[string]string {
	merged := make(map[string]string, len(current)+len(delta))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// scalar stringifies string, number, and bool values and rejects
// nested structures.
func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		val = strings.TrimSpace(val)
		return val, val != ""
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}
