package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/cody/config"
	"github.com/mohammad-safakhou/cody/internal/memory"
	"github.com/mohammad-safakhou/cody/internal/notifier"
	"github.com/mohammad-safakhou/cody/internal/server"
	"github.com/mohammad-safakhou/cody/internal/store"
	"github.com/mohammad-safakhou/cody/internal/telegram"
	"github.com/mohammad-safakhou/cody/provider"
	groq_provider "github.com/mohammad-safakhou/cody/provider/groq"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "cody"}
	root.AddCommand(serveCMD(), promptCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return server.Run(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return serve
}

// promptCMD runs one notifier cycle immediately and waits for the
// window to elapse, mirroring a scheduled run.
func promptCMD() *cobra.Command {
	var cfgPath string
	prompt := &cobra.Command{
		Use:   "prompt",
		Short: "Run one batch check-in cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			st, err := store.NewRedisStore(cfg.Storage.Redis)
			if err != nil {
				return err
			}
			mem := memory.New(st, cfg.Memory.MaxHistory, cfg.Memory.RecordTTL, cfg.Memory.BatchCapacity)
			checkIn := groq_provider.NewClient(provider.FactExtraction, cfg.Providers.Groq.APIKey, cfg.Providers.Groq.BaseURL, cfg.Providers.Groq.Model, cfg.Providers.Groq.Timeout)
			transport := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.Timeout)

			log.Printf("starting one-time prompter run over %s", cfg.Notifier.Window)
			n := notifier.New(mem.Registry, checkIn, transport)
			n.Run(context.Background(), cfg.Notifier.Window)

			// waves fire on their own timers; hold the process open
			// until the window has fully elapsed
			time.Sleep(cfg.Notifier.Window + time.Minute)
			return nil
		},
	}
	prompt.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return prompt
}
