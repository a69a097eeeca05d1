package server

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/cody/internal/cache"
	"github.com/mohammad-safakhou/cody/internal/dispatch"
	"github.com/mohammad-safakhou/cody/internal/extract"
	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/quota"
	"github.com/mohammad-safakhou/cody/internal/store"
	"github.com/mohammad-safakhou/cody/provider"
)

type stubProvider struct{ reply string }

func (s *stubProvider) Generate(context.Context, string, []provider.Turn) (string, error) {
	return s.reply, nil
}

type stubTransport struct {
	mu     sync.Mutex
	texts  []string
	typing []string
	done   chan struct{}
}

func (s *stubTransport) SendText(_ context.Context, chatID, text string) {
	s.mu.Lock()
	s.texts = append(s.texts, chatID+":"+text)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *stubTransport) SendTyping(_ context.Context, chatID string) {
	s.mu.Lock()
	s.typing = append(s.typing, chatID)
	s.mu.Unlock()
}

func newHandler(t *testing.T) (*WebhookHandler, *stubTransport, *memory.Store) {
	t.Helper()
	st := store.NewMemStore(0)
	mem := memory.New(st, 20, time.Hour, 5)
	tracker := quota.NewTracker(map[provider.ID]int{provider.ChatCompletion: 10})
	d, err := dispatch.New(
		cache.New(st, time.Hour),
		tracker,
		mem,
		extract.New(&stubProvider{reply: "{}"}),
		[]dispatch.ChainEntry{{ID: provider.ChatCompletion, Provider: &stubProvider{reply: "hi Ana"}}},
		3000,
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	transport := &stubTransport{done: make(chan struct{}, 1)}
	return &WebhookHandler{
		Dispatcher: d,
		Memory:     mem,
		Transport:  transport,
		Logger:     log.New(log.Writer(), "[TEST] ", log.LstdFlags),
	}, transport, mem
}

func postUpdate(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/new-message", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	return rec
}

func TestWebhookHappyPath(t *testing.T) {
	h, transport, mem := newHandler(t)

	rec := postUpdate(t, h, `{"message":{"chat":{"id":42},"from":{"first_name":"Ana"},"text":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	select {
	case <-transport.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reply never sent")
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.texts) != 1 || transport.texts[0] != "42:hi Ana" {
		t.Fatalf("unexpected sends: %v", transport.texts)
	}
	if len(transport.typing) != 1 {
		t.Fatalf("typing indicator not sent")
	}

	batches, err := mem.Registry(context.Background())
	if err != nil || len(batches) != 1 || len(batches[0].Users) != 1 {
		t.Fatalf("sender not registered: %v %v", batches, err)
	}
}

func TestWebhookTextlessUpdateIsNoOp(t *testing.T) {
	h, transport, _ := newHandler(t)

	rec := postUpdate(t, h, `{"message":{"chat":{"id":42},"from":{"first_name":"Ana"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	select {
	case <-transport.done:
		t.Fatalf("textless update must not produce a reply")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookMalformedBodyIsAcknowledged(t *testing.T) {
	h, _, _ := newHandler(t)
	rec := postUpdate(t, h, `not json`)
	if rec.Code != http.StatusOK {
		t.Fatalf("malformed update must still be acknowledged, got %d", rec.Code)
	}
}
