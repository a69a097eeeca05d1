package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/cody/internal/store"
	"github.com/mohammad-safakhou/cody/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(store.NewMemStore(0), 20, time.Hour, 2)
}

func TestLoadMissingReturnsEmptyRecord(t *testing.T) {
	s := newTestStore(t)
	rec := s.Load(context.Background(), "42")
	if rec.ChatID != "42" {
		t.Fatalf("chat id not set: %+v", rec)
	}
	if len(rec.History) != 0 || len(rec.Facts) != 0 {
		t.Fatalf("expected empty record, got %+v", rec)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := s.Load(ctx, "42")
	rec = s.AppendTurn(rec, provider.RoleUser, "hello")
	rec = s.AppendTurn(rec, provider.RoleAssistant, "hi there")
	rec.Facts["name"] = "Dana"
	s.Persist(ctx, "42", rec)

	got := s.Load(ctx, "42")
	if len(got.History) != 2 {
		t.Fatalf("expected 2 turns got %d", len(got.History))
	}
	if got.History[0].Content != "hello" || got.History[1].Role != provider.RoleAssistant {
		t.Fatalf("history mismatch: %+v", got.History)
	}
	if got.Facts["name"] != "Dana" {
		t.Fatalf("facts mismatch: %+v", got.Facts)
	}
	if got.LastTouched.IsZero() {
		t.Fatalf("last touched not set")
	}
}

func TestAppendTurnBoundsHistoryFIFO(t *testing.T) {
	s := newTestStore(t)
	rec := Record{History: []provider.Turn{}, Facts: map[string]string{}}

	const extra = 5
	for i := 0; i < 20+extra; i++ {
		rec = s.AppendTurn(rec, provider.RoleUser, fmt.Sprintf("m%d", i))
	}
	if len(rec.History) != 20 {
		t.Fatalf("expected history bounded to 20, got %d", len(rec.History))
	}
	// retained turns must be exactly the most recent 20
	if rec.History[0].Content != fmt.Sprintf("m%d", extra) {
		t.Fatalf("oldest retained turn should be m%d, got %s", extra, rec.History[0].Content)
	}
	if rec.History[19].Content != "m24" {
		t.Fatalf("newest turn should be m24, got %s", rec.History[19].Content)
	}
}

func TestRegisterUserIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterUser(ctx, "1", "Ana"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterUser(ctx, "1", "Ana again"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	batches, err := s.Registry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Users) != 1 {
		t.Fatalf("expected single registration, got %+v", batches)
	}
	if batches[0].Users[0].DisplayName != "Ana" {
		t.Fatalf("re-register clobbered original: %+v", batches[0].Users[0])
	}
}

func TestRegisterUserDoesNotClobberRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := s.Load(ctx, "7")
	rec = s.AppendTurn(rec, provider.RoleUser, "hi")
	s.Persist(ctx, "7", rec)

	if err := s.RegisterUser(ctx, "7", "Kim"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := s.Load(ctx, "7"); len(got.History) != 1 {
		t.Fatalf("registration clobbered conversation record: %+v", got)
	}
}

func TestRegisterUserOpensNewBatchAtCapacity(t *testing.T) {
	s := newTestStore(t) // capacity 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.RegisterUser(ctx, fmt.Sprintf("u%d", i), "User"); err != nil {
			t.Fatalf("register u%d: %v", i, err)
		}
	}
	batches, err := s.Registry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches for 5 users at capacity 2, got %d", len(batches))
	}
	if len(batches[0].Users) != 2 || len(batches[1].Users) != 2 || len(batches[2].Users) != 1 {
		t.Fatalf("unexpected batch fill: %+v", batches)
	}
	// every chat id appears exactly once
	seen := map[string]bool{}
	for _, b := range batches {
		for _, u := range b.Users {
			if seen[u.ChatID] {
				t.Fatalf("chat %s in more than one batch", u.ChatID)
			}
			seen[u.ChatID] = true
		}
	}
}

func TestRegisterUserConcurrentLosesNoUsers(t *testing.T) {
	s := New(store.NewMemStore(0), 20, time.Hour, 5)
	ctx := context.Background()

	const users = 100
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RegisterUser(ctx, fmt.Sprintf("u%d", i), "User")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	batches, err := s.Registry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	seen := map[string]bool{}
	for _, b := range batches {
		for _, u := range b.Users {
			if seen[u.ChatID] {
				t.Fatalf("chat %s registered twice", u.ChatID)
			}
			seen[u.ChatID] = true
		}
	}
	if len(seen) != users {
		t.Fatalf("expected %d registrations, got %d", users, len(seen))
	}
}

func TestFitToBudgetDropsOldestFirst(t *testing.T) {
	history := []provider.Turn{
		{Role: provider.RoleUser, Content: "one two three four"},
		{Role: provider.RoleAssistant, Content: "five six seven eight"},
		{Role: provider.RoleUser, Content: "nine ten"},
	}
	newMsg := provider.Turn{Role: provider.RoleUser, Content: "latest question"}

	perTurnCost := func(turns []provider.Turn) int { return len(turns) * 10 }

	got := FitToBudget(history, newMsg, 20, perTurnCost)
	if len(got) != 2 {
		t.Fatalf("expected 2 turns within budget, got %d", len(got))
	}
	if got[1] != newMsg {
		t.Fatalf("newest message missing: %+v", got)
	}
	if got[0].Content != "nine ten" {
		t.Fatalf("expected most recent history retained, got %+v", got[0])
	}
}

func TestFitToBudgetNeverDropsNewest(t *testing.T) {
	newMsg := provider.Turn{Role: provider.RoleUser, Content: "huge message"}
	got := FitToBudget(nil, newMsg, 1, func(turns []provider.Turn) int { return 1000 })
	if len(got) != 1 || got[0] != newMsg {
		t.Fatalf("newest message must survive over-budget, got %+v", got)
	}
}

func TestWordCountEstimateMonotone(t *testing.T) {
	short := []provider.Turn{{Content: "a b"}}
	long := []provider.Turn{{Content: "a b c d e f"}}
	if WordCountEstimate(long) < WordCountEstimate(short) {
		t.Fatalf("estimate not monotone in word count")
	}
}
