package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/cody/provider"
)

type stubProvider struct {
	reply  string
	err    error
	prompt string
	turns  []provider.Turn
	calls  int
}

func (s *stubProvider) Generate(_ context.Context, systemPrompt string, turns []provider.Turn) (string, error) {
	s.calls++
	s.prompt = systemPrompt
	s.turns = turns
	return s.reply, s.err
}

func TestExtractPlainJSON(t *testing.T) {
	p := &stubProvider{reply: `{"age": 17}`}
	e := New(p)

	delta := e.Extract(context.Background(), map[string]string{}, "I am 17")
	if delta["age"] != "17" {
		t.Fatalf("expected age=17, got %v", delta)
	}
	if len(p.turns) != 1 || !strings.Contains(p.turns[0].Content, "I am 17") {
		t.Fatalf("message missing from extraction prompt: %+v", p.turns)
	}
}

func TestExtractCarriesCurrentFacts(t *testing.T) {
	p := &stubProvider{reply: `{}`}
	e := New(p)

	e.Extract(context.Background(), map[string]string{"city": "Oslo"}, "hello")
	if !strings.Contains(p.turns[0].Content, `"city":"Oslo"`) {
		t.Fatalf("current facts not in prompt: %s", p.turns[0].Content)
	}
}

func TestExtractProviderFailureIsEmptyDelta(t *testing.T) {
	p := &stubProvider{err: errors.New("upstream down")}
	e := New(p)

	delta := e.Extract(context.Background(), map[string]string{"a": "1"}, "msg")
	if len(delta) != 0 {
		t.Fatalf("expected empty delta, got %v", delta)
	}
}

func TestParseDeltaStripsCodeFences(t *testing.T) {
	delta := ParseDelta("```json\n{\"city\": \"Oslo\"}\n```")
	if delta["city"] != "Oslo" {
		t.Fatalf("fenced JSON not parsed: %v", delta)
	}
}

func TestParseDeltaRepairsLooseJSON(t *testing.T) {
	delta := ParseDelta(`{city: 'Oslo', age: 30}`)
	if delta["city"] != "Oslo" || delta["age"] != "30" {
		t.Fatalf("repairable JSON not parsed: %v", delta)
	}
}

func TestParseDeltaGarbageIsEmpty(t *testing.T) {
	if delta := ParseDelta("sorry, I cannot help with that"); len(delta) != 0 {
		t.Fatalf("garbage should be empty delta, got %v", delta)
	}
}

func TestParseDeltaRejectsNestedValues(t *testing.T) {
	delta := ParseDelta(`{"age": 17, "address": {"city": "Oslo"}, "tags": ["a"]}`)
	if delta["age"] != "17" {
		t.Fatalf("scalar dropped: %v", delta)
	}
	if _, ok := delta["address"]; ok {
		t.Fatalf("nested object not rejected: %v", delta)
	}
	if _, ok := delta["tags"]; ok {
		t.Fatalf("array not rejected: %v", delta)
	}
}

func TestParseDeltaNormalizesKeys(t *testing.T) {
	delta := ParseDelta(`{" Age ": 17, "": "x"}`)
	if delta["age"] != "17" {
		t.Fatalf("key not normalized: %v", delta)
	}
	if len(delta) != 1 {
		t.Fatalf("empty key not dropped: %v", delta)
	}
}

func TestParseDeltaCapsKeyCount(t *testing.T) {
	raw := oversizedDelta(100)
	if delta := ParseDelta(raw); len(delta) != maxKeys {
		t.Fatalf("key cap not enforced: %d keys", len(delta))
	}
}

func TestParseDeltaTruncationDeterministic(t *testing.T) {
	raw := oversizedDelta(100)

	first := ParseDelta(raw)
	for i := 0; i < 10; i++ {
		again := ParseDelta(raw)
		if len(again) != len(first) {
			t.Fatalf("truncation size varies: %d vs %d", len(again), len(first))
		}
		for k := range first {
			if _, ok := again[k]; !ok {
				t.Fatalf("surviving key set varies: %q missing on rerun", k)
			}
		}
	}

	// the cap keeps the lowest keys in sorted order
	for i := 0; i < maxKeys; i++ {
		k := fmt.Sprintf("k%03d", i)
		if _, ok := first[k]; !ok {
			t.Fatalf("expected %q to survive the cap", k)
		}
	}
}

func oversizedDelta(n int) string {
	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `"k%03d":"v"`, i)
	}
	b.WriteString("}")
	return b.String()
}

func TestMergeRecencyWins(t *testing.T) {
	merged := Merge(map[string]string{"age": "17"}, map[string]string{"age": "18"})
	if merged["age"] != "18" {
		t.Fatalf("newer value must win: %v", merged)
	}

	merged = Merge(merged, map[string]string{"city": "X"})
	if merged["age"] != "18" || merged["city"] != "X" {
		t.Fatalf("absent keys must be untouched: %v", merged)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := map[string]string{"a": "1"}
	delta := map[string]string{"a": "2"}
	_ = Merge(current, delta)
	if current["a"] != "1" {
		t.Fatalf("merge mutated current: %v", current)
	}
}

func TestExtractIdempotentWithStubbedProvider(t *testing.T) {
	p := &stubProvider{reply: `{"age": 17}`}
	e := New(p)
	ctx := context.Background()

	first := e.Extract(ctx, map[string]string{}, "I am 17")
	second := e.Extract(ctx, map[string]string{}, "I am 17")
	if first["age"] != second["age"] || len(first) != len(second) {
		t.Fatalf("identical input must yield identical delta: %v vs %v", first, second)
	}
}
