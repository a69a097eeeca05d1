// Package dispatch orchestrates one inbound message through cache,
// quota-gated provider selection, conversation memory, and write-back.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/cody/internal/cache"
	"github.com/mohammad-safakhou/cody/internal/extract"
	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/metrics"
	"github.com/mohammad-safakhou/cody/internal/quota"
	"github.com/mohammad-safakhou/cody/provider"
)

// User-visible terminal replies. Quota exhaustion is an expected state;
// a provider failure is exceptional and fails soft.
const (
	ExhaustedReply = "Sorry, the bot has reached its daily limit. Please try again tomorrow."
	FailureReply   = "The server is busy or overloaded. Please try again in a minute."
)

const persona = "You are Cody, a friendly AI assistant. Answer helpfully and concisely."

// Inbound is one user message entering the dispatcher.
type Inbound struct {
	ChatID     string
	Text       string
	SenderName string
}

// ChainEntry is one slot in the ordered provider fallback chain.
type ChainEntry struct {
	ID       provider.ID
	Provider provider.Provider
}

// Dispatcher routes inbound messages to the first provider with quota
// left, maintaining the response cache and conversation memory.
type Dispatcher struct {
	cache     *cache.Cache
	quota     *quota.Tracker
	memory    *memory.Store
	extractor *extract.Extractor
	chain     []ChainEntry
	maxTokens int
	logger    *log.Logger
}

// New builds a dispatcher. Every chain entry must be known to the
// quota tracker; an unknown id is a config error and fails here, at
// startup, not at runtime.
func New(c *cache.Cache, q *quota.Tracker, m *memory.Store, e *extract.Extractor, chain []ChainEntry, maxTokens int) (*Dispatcher, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty provider chain")
	}
	for _, entry := range chain {
		if entry.Provider == nil {
			return nil, fmt.Errorf("chain entry %s has no provider", entry.ID)
		}
		if !q.Known(entry.ID) {
			return nil, fmt.Errorf("chain entry %s has no quota configured", entry.ID)
		}
	}
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	return &Dispatcher{
		cache:     c,
		quota:     q,
		memory:    m,
		extractor: e,
		chain:     chain,
		maxTokens: maxTokens,
		logger:    log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}, nil
}

// HandleMessage runs one message to a terminal reply. It never returns
// an error: every failure degrades to a user-visible message.
func (d *Dispatcher) HandleMessage(ctx context.Context, in Inbound) string {
	reqID := uuid.NewString()[:8]

	if reply, ok := d.cache.Lookup(ctx, in.Text); ok {
		d.logger.Printf("[%s] chat %s: cache hit", reqID, in.ChatID)
		return reply
	}

	entry, ok := d.selectProvider()
	if !ok {
		d.logger.Printf("[%s] chat %s: all quotas exhausted", reqID, in.ChatID)
		rec := d.memory.Load(ctx, in.ChatID)
		rec = d.memory.AppendTurn(rec, provider.RoleUser, in.Text)
		d.memory.Persist(ctx, in.ChatID, rec)
		return ExhaustedReply
	}
	d.logger.Printf("[%s] chat %s: using %s", reqID, in.ChatID, entry.ID)

	// Copy state out, call out, persist after. No shared lock is held
	// across the provider or store calls.
	rec := d.memory.Load(ctx, in.ChatID)
	delta := d.extractor.Extract(ctx, rec.Facts, in.Text)
	facts := extract.Merge(rec.Facts, delta)

	userTurn := provider.Turn{Role: provider.RoleUser, Content: in.Text}
	turns := memory.FitToBudget(rec.History, userTurn, d.maxTokens, memory.WordCountEstimate)

	reply, err := entry.Provider.Generate(ctx, systemPrompt(facts, in.SenderName), turns)
	if err != nil {
		kind := errorKind(err)
		metrics.ProviderErrors.WithLabelValues(string(entry.ID), kind).Inc()
		d.logger.Printf("[%s] chat %s: provider %s failed (%s): %v", reqID, in.ChatID, entry.ID, kind, err)
		// Record the attempted user message and the merged facts, but
		// never a failed assistant turn.
		rec.Facts = facts
		rec = d.memory.AppendTurn(rec, provider.RoleUser, in.Text)
		d.memory.Persist(ctx, in.ChatID, rec)
		return FailureReply
	}

	rec.Facts = facts
	rec = d.memory.AppendTurn(rec, provider.RoleUser, in.Text)
	rec = d.memory.AppendTurn(rec, provider.RoleAssistant, reply)
	d.memory.Persist(ctx, in.ChatID, rec)
	d.cache.Store(ctx, in.Text, reply)

	d.logger.Printf("[%s] chat %s: replied via %s", reqID, in.ChatID, entry.ID)
	return reply
}

// errorKind labels a provider failure for metrics and logs.
func errorKind(err error) string {
	for _, k := range []provider.ErrorKind{
		provider.KindTimeout,
		provider.KindRateLimited,
		provider.KindMalformedResponse,
	} {
		if provider.IsKind(err, k) {
			return string(k)
		}
	}
	return "other"
}

// selectProvider walks the ordered chain and takes the first slot with
// quota left. A failed provider call does not advance the chain; only
// quota exhaustion does.
func (d *Dispatcher) selectProvider() (ChainEntry, bool) {
	for _, entry := range d.chain {
		if d.quota.TryConsume(entry.ID) {
			return entry, true
		}
	}
	return ChainEntry{}, false
}

// systemPrompt embeds the known user facts so replies can be
// personalized. Keys are sorted for stable prompts.
func systemPrompt(facts map[string]string, senderName string) string {
	var b strings.Builder
	b.WriteString(persona)
	if senderName != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s.", senderName)
	}
	if len(facts) > 0 {
		b.WriteString("\n\nKNOWN USER FACTS:\n")
		keys := make([]string, 0, len(facts))
		for k := range facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%q: %s\n", k, facts[k])
		}
	}
	return b.String()
}
