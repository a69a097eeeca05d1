// Package notifier sends generated check-in messages to registered
// users in timed waves.
package notifier

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/metrics"
	"github.com/mohammad-safakhou/cody/provider"
)

const checkInPrompt = `You are Cody, a friendly AI assistant. Your task is to generate a short, friendly check-in message to a user. Ask them how their day is going or something similar. The user's name is provided.`

// Sender delivers check-in messages; errors are handled inside the
// transport implementation.
type Sender interface {
	SendText(ctx context.Context, chatID string, text string)
}

// RegistryFunc returns the ordered batch snapshot for one run.
type RegistryFunc func(ctx context.Context) ([]memory.Batch, error)

// Notifier fires one generated check-in per registered user, staggering
// batches evenly across a fixed total window.
type Notifier struct {
	registry RegistryFunc
	provider provider.Provider
	sender   Sender
	logger   *log.Logger
	stop     chan struct{}
	lastRun  time.Time
	mu       sync.Mutex

	// afterFunc is swapped out by tests to control time.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New creates a notifier. The registry is re-read at each run; users
// registered mid-window are picked up on the next run.
func New(registry RegistryFunc, p provider.Provider, sender Sender) *Notifier {
	return &Notifier{
		registry:  registry,
		provider:  p,
		sender:    sender,
		logger:    log.New(log.Writer(), "[PROMPTER] ", log.LstdFlags),
		stop:      make(chan struct{}),
		afterFunc: time.AfterFunc,
	}
}

// Run snapshots the registry and schedules one wave per batch, offset
// by window/len(batches). It returns after scheduling; waves fire on
// their own timers. Per-user failures are logged and skipped, never
// retried.
func (n *Notifier) Run(ctx context.Context, window time.Duration) {
	batches, err := n.registry(ctx)
	if err != nil {
		n.logger.Printf("registry read failed, skipping cycle: %v", err)
		return
	}
	if len(batches) == 0 {
		return
	}

	offset := window / time.Duration(len(batches))
	n.logger.Printf("scheduling %d batches, one every %s", len(batches), offset)
	for i, batch := range batches {
		users := batch.Users
		n.afterFunc(time.Duration(i)*offset, func() {
			n.sendBatch(ctx, users)
		})
	}
}

// sendBatch fires all users in a batch back-to-back.
func (n *Notifier) sendBatch(ctx context.Context, users []memory.UserRegistration) {
	for _, user := range users {
		text, err := n.provider.Generate(ctx, checkInPrompt, []provider.Turn{
			{Role: provider.RoleUser, Content: "User's name: " + user.DisplayName},
		})
		if err != nil {
			metrics.NotifierSends.WithLabelValues("error").Inc()
			n.logger.Printf("check-in for %s failed: %v", user.ChatID, err)
			continue
		}
		n.sender.SendText(ctx, user.ChatID, text)
		metrics.NotifierSends.WithLabelValues("ok").Inc()
		n.logger.Printf("pinged %s (%s)", user.DisplayName, user.ChatID)
	}
}

// Start runs the notifier on the given cron schedule ("@daily",
// "@hourly", or a 5-field expression) until Stop is called.
func (n *Notifier) Start(schedule string, window time.Duration) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-n.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if n.due(schedule, time.Now()) {
					n.markRun(time.Now())
					n.Run(context.Background(), window)
				}
			}
		}
	}()
}

// Stop terminates the schedule loop. Already-scheduled waves still fire.
func (n *Notifier) Stop() {
	close(n.stop)
}

func (n *Notifier) markRun(t time.Time) {
	n.mu.Lock()
	n.lastRun = t
	n.mu.Unlock()
}

func (n *Notifier) due(schedule string, now time.Time) bool {
	n.mu.Lock()
	last := n.lastRun
	n.mu.Unlock()

	switch schedule {
	case "@daily":
		return last.IsZero() || now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return last.IsZero() || now.Sub(last) >= time.Hour
	default:
		// schedules are validated at config load; an unparseable one
		// here never fires rather than silently running on some other
		// cadence
		expr, err := cronexpr.Parse(schedule)
		if err != nil {
			n.logger.Printf("unparseable schedule %q, not firing", schedule)
			return false
		}
		if last.IsZero() {
			return true
		}
		return !expr.Next(last).After(now)
	}
}
