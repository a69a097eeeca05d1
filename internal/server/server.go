package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/mohammad-safakhou/cody/config"
	"github.com/mohammad-safakhou/cody/internal/cache"
	"github.com/mohammad-safakhou/cody/internal/dispatch"
	"github.com/mohammad-safakhou/cody/internal/extract"
	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/notifier"
	"github.com/mohammad-safakhou/cody/internal/quota"
	"github.com/mohammad-safakhou/cody/internal/store"
	"github.com/mohammad-safakhou/cody/internal/telegram"
	"github.com/mohammad-safakhou/cody/provider"
	gemini_provider "github.com/mohammad-safakhou/cody/provider/gemini"
	groq_provider "github.com/mohammad-safakhou/cody/provider/groq"
)

// Run wires the engine together and serves until the listener stops.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/readyz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	st, err := store.NewRedisStore(cfg.Storage.Redis)
	if err != nil {
		return err
	}

	registry := provider.Registry{
		provider.SearchGrounded: gemini_provider.NewClient(provider.SearchGrounded, cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.BaseURL, cfg.Providers.Gemini.SearchModel, true, cfg.Providers.Gemini.Timeout),
		provider.ChatCompletion: gemini_provider.NewClient(provider.ChatCompletion, cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.BaseURL, cfg.Providers.Gemini.ChatModel, false, cfg.Providers.Gemini.Timeout),
		provider.FactExtraction: groq_provider.NewClient(provider.FactExtraction, cfg.Providers.Groq.APIKey, cfg.Providers.Groq.BaseURL, cfg.Providers.Groq.Model, cfg.Providers.Groq.Timeout),
	}

	tracker := quota.NewTracker(map[provider.ID]int{
		provider.SearchGrounded: cfg.Providers.Gemini.SearchQuota,
		provider.ChatCompletion: cfg.Providers.Gemini.ChatQuota,
	})
	tracker.StartResetLoop(cfg.Providers.QuotaResetEvery)
	defer tracker.Stop()

	mem := memory.New(st, cfg.Memory.MaxHistory, cfg.Memory.RecordTTL, cfg.Memory.BatchCapacity)
	respCache := cache.New(st, cfg.Cache.TTL)

	extractProvider, err := registry.Get(provider.FactExtraction)
	if err != nil {
		return err
	}
	extractor := extract.New(extractProvider)

	chain, err := buildChain(registry, provider.SearchGrounded, provider.ChatCompletion)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(respCache, tracker, mem, extractor, chain, cfg.Memory.MaxTokens)
	if err != nil {
		return err
	}

	transport := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.Timeout)

	wh := &WebhookHandler{
		Dispatcher: dispatcher,
		Memory:     mem,
		Transport:  transport,
		Logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
	wh.Register(e, cfg.Telegram.WebhookPath)

	if cfg.Notifier.Enabled {
		checkInProvider, err := registry.Get(provider.FactExtraction)
		if err != nil {
			return err
		}
		n := notifier.New(mem.Registry, checkInProvider, transport)
		n.Start(cfg.Notifier.Schedule, cfg.Notifier.Window)
		defer n.Stop()
	}

	addr := cfg.General.Listen
	if addr == "" {
		addr = ":3000"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// buildChain resolves the ordered fallback chain against the registry,
// failing closed on any unknown id.
func buildChain(registry provider.Registry, ids ...provider.ID) ([]dispatch.ChainEntry, error) {
	chain := make([]dispatch.ChainEntry, 0, len(ids))
	for _, id := range ids {
		p, err := registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("chain slot %s: %w", id, err)
		}
		chain = append(chain, dispatch.ChainEntry{ID: id, Provider: p})
	}
	return chain, nil
}
