// Package memory persists per-chat conversation history and extracted
// facts through the durable store, bounded and expiring.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/cody/internal/store"
	"github.com/mohammad-safakhou/cody/provider"
)

const (
	recordKeyPrefix = "memory:"
	userKeyPrefix   = "user:"
	registryKey     = "registry:batches"
)

// Record is the per-chat conversation state.
type Record struct {
	ChatID      string            `json:"chat_id"`
	History     []provider.Turn   `json:"history"`
	Facts       map[string]string `json:"facts"`
	LastTouched time.Time         `json:"last_touched"`
}

// UserRegistration is one registered chat for batch check-ins.
type UserRegistration struct {
	ChatID       string    `json:"chat_id"`
	DisplayName  string    `json:"display_name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Batch is a fixed-capacity group of users notified in one wave.
type Batch struct {
	Users []UserRegistration `json:"users"`
}

// EstimateFunc scores the token cost of a conversation. It only needs
// to be monotonic in content length, not exact.
type EstimateFunc func(turns []provider.Turn) int

// Store mediates all reads and writes of conversation records.
type Store struct {
	store         store.Store
	maxHistory    int
	recordTTL     time.Duration
	batchCapacity int
	logger        *log.Logger
	now           func() time.Time

	regMu sync.Mutex
}

// New creates a conversation memory store. maxHistory bounds each
// record's history, recordTTL is re-armed on every persist, and
// batchCapacity caps users per notification batch.
func New(st store.Store, maxHistory int, recordTTL time.Duration, batchCapacity int) *Store {
	if maxHistory <= 0 {
		maxHistory = 20
	}
	if recordTTL <= 0 {
		recordTTL = 365 * 24 * time.Hour
	}
	if batchCapacity <= 0 {
		batchCapacity = 5
	}
	return &Store{
		store:         st,
		maxHistory:    maxHistory,
		recordTTL:     recordTTL,
		batchCapacity: batchCapacity,
		logger:        log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
		now:           time.Now,
	}
}

// Load returns the record for a chat, or an empty one when missing,
// expired, or unreadable. It never fails: an unavailable store reads
// as an empty conversation.
func (s *Store) Load(ctx context.Context, chatID string) Record {
	empty := Record{ChatID: chatID, History: []provider.Turn{}, Facts: map[string]string{}}

	data, err := s.store.Get(ctx, recordKeyPrefix+chatID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("load %s failed, starting empty: %v", chatID, err)
		}
		return empty
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Printf("load %s corrupt, starting empty: %v", chatID, err)
		return empty
	}
	rec.ChatID = chatID
	if rec.History == nil {
		rec.History = []provider.Turn{}
	}
	if rec.Facts == nil {
		rec.Facts = map[string]string{}
	}
	return rec
}

// AppendTurn appends a turn to the in-hand record, evicting the oldest
// turns until the history fits the bound. The caller persists.
func (s *Store) AppendTurn(rec Record, role, content string) Record {
	rec.History = append(rec.History, provider.Turn{Role: role, Content: content})
	if over := len(rec.History) - s.maxHistory; over > 0 {
		rec.History = append([]provider.Turn{}, rec.History[over:]...)
	}
	return rec
}

// Persist writes the full record with a long TTL, re-arming expiry.
// Write failures are logged and dropped.
func (s *Store) Persist(ctx context.Context, chatID string, rec Record) {
	rec.ChatID = chatID
	rec.LastTouched = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Printf("persist %s marshal failed: %v", chatID, err)
		return
	}
	if err := s.store.Set(ctx, recordKeyPrefix+chatID, data, s.recordTTL); err != nil {
		s.logger.Printf("persist %s failed, dropping write: %v", chatID, err)
	}
}

// RegisterUser records a chat for batch check-ins. Idempotent: a chat
// already seen is a no-op and its conversation record is untouched.
// The registry update is a read-modify-write over one key, so
// registrations are serialized within the process; concurrent first
// messages cannot drop one another.
func (s *Store) RegisterUser(ctx context.Context, chatID, displayName string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	seen, err := s.store.Exists(ctx, userKeyPrefix+chatID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	reg := UserRegistration{ChatID: chatID, DisplayName: displayName, RegisteredAt: s.now()}

	batches, err := s.loadBatches(ctx)
	if err != nil {
		return err
	}
	if n := len(batches); n == 0 || len(batches[n-1].Users) >= s.batchCapacity {
		batches = append(batches, Batch{})
	}
	last := len(batches) - 1
	batches[last].Users = append(batches[last].Users, reg)

	data, err := json.Marshal(batches)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, registryKey, data, 0); err != nil {
		return err
	}
	regData, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, userKeyPrefix+chatID, regData, 0)
}

// Registry returns the ordered batch snapshot for one notifier run.
func (s *Store) Registry(ctx context.Context) ([]Batch, error) {
	return s.loadBatches(ctx)
}

func (s *Store) loadBatches(ctx context.Context) ([]Batch, error) {
	data, err := s.store.Get(ctx, registryKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var batches []Batch
	if err := json.Unmarshal(data, &batches); err != nil {
		return nil, err
	}
	return batches, nil
}

// FitToBudget drops the oldest turns while the conversation including
// newMessage exceeds maxTokens under estimate, stopping once a single
// turn remains. The newest message is never dropped.
func FitToBudget(history []provider.Turn, newMessage provider.Turn, maxTokens int, estimate EstimateFunc) []provider.Turn {
	turns := make([]provider.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, newMessage)
	for len(turns) > 1 && estimate(turns) > maxTokens {
		turns = turns[1:]
	}
	return turns
}

// WordCountEstimate approximates token cost as word count times a
// constant factor.
func WordCountEstimate(turns []provider.Turn) int {
	total := 0
	for _, t := range turns {
		total += wordCount(t.Content)
	}
	return total * 4 / 3
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
