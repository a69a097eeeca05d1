package server

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/cody/internal/dispatch"
	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/telegram"
)

// WebhookHandler receives inbound transport updates and hands them to
// the dispatcher.
type WebhookHandler struct {
	Dispatcher *dispatch.Dispatcher
	Memory     *memory.Store
	Transport  telegram.Sender
	Logger     *log.Logger
}

// Register mounts the ingress route.
func (h *WebhookHandler) Register(e *echo.Echo, path string) {
	e.POST(path, h.handle)
}

// handle acknowledges the update immediately and completes the reply in
// the background. A transport-side timeout never cancels the dispatch:
// consumed quota and extracted facts are provider-truth, not
// request-truth, so the work runs on a detached context.
func (h *WebhookHandler) handle(c echo.Context) error {
	var update telegram.Update
	if err := c.Bind(&update); err != nil {
		h.Logger.Printf("ignoring malformed update: %v", err)
		return c.NoContent(http.StatusOK)
	}
	if update.Message == nil || update.Message.Text == "" {
		return c.NoContent(http.StatusOK)
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	text := update.Message.Text
	senderName := update.Message.From.FirstName

	go h.process(chatID, text, senderName)
	return c.NoContent(http.StatusOK)
}

func (h *WebhookHandler) process(chatID, text, senderName string) {
	ctx := context.Background()

	if err := h.Memory.RegisterUser(ctx, chatID, senderName); err != nil {
		h.Logger.Printf("register %s failed: %v", chatID, err)
	}
	h.Transport.SendTyping(ctx, chatID)

	reply := h.Dispatcher.HandleMessage(ctx, dispatch.Inbound{
		ChatID:     chatID,
		Text:       text,
		SenderName: senderName,
	})
	h.Transport.SendText(ctx, chatID, reply)
}
