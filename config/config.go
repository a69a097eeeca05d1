package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the bot
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen   string `mapstructure:"listen"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// TelegramConfig contains bot transport settings
type TelegramConfig struct {
	BotToken    string        `mapstructure:"bot_token"`
	APIBase     string        `mapstructure:"api_base"`
	WebhookPath string        `mapstructure:"webhook_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (t TelegramConfig) Validate() error {
	if strings.TrimSpace(t.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token required")
	}
	return nil
}

// ProvidersConfig contains the generative provider fallback chain settings
type ProvidersConfig struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
	Groq   GroqConfig   `mapstructure:"groq"`
	// QuotaResetEvery is the wall-clock window after which usage counters reset.
	QuotaResetEvery time.Duration `mapstructure:"quota_reset_every"`
}

// GeminiConfig contains Gemini API settings for both chain slots
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	SearchModel string        `mapstructure:"search_model"`
	ChatModel   string        `mapstructure:"chat_model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchQuota int           `mapstructure:"search_quota"`
	ChatQuota   int           `mapstructure:"chat_quota"`
}

func (g GeminiConfig) Validate() error {
	if strings.TrimSpace(g.APIKey) == "" {
		return fmt.Errorf("providers.gemini.api_key required")
	}
	if g.SearchQuota <= 0 || g.ChatQuota <= 0 {
		return fmt.Errorf("providers.gemini quotas must be > 0")
	}
	return nil
}

// GroqConfig contains Groq API settings (fact extraction and check-ins)
type GroqConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (g GroqConfig) Validate() error {
	if strings.TrimSpace(g.APIKey) == "" {
		return fmt.Errorf("providers.groq.api_key required")
	}
	return nil
}

// StorageConfig contains durable store settings
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// CacheConfig contains response cache settings
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// MemoryConfig contains conversation memory settings
type MemoryConfig struct {
	MaxHistory    int           `mapstructure:"max_history"`
	RecordTTL     time.Duration `mapstructure:"record_ttl"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	BatchCapacity int           `mapstructure:"batch_capacity"`
}

// NotifierConfig contains batch check-in settings
type NotifierConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Window   time.Duration `mapstructure:"window"`
}

func (n NotifierConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	switch n.Schedule {
	case "@daily", "@hourly":
		return nil
	}
	if _, err := cronexpr.Parse(n.Schedule); err != nil {
		return fmt.Errorf("notifier.schedule %q invalid: %w", n.Schedule, err)
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.listen", ":3000")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("telegram.api_base", "https://api.telegram.org")
	viper.SetDefault("telegram.webhook_path", "/new-message")
	viper.SetDefault("telegram.timeout", 15*time.Second)
	viper.SetDefault("providers.quota_reset_every", 24*time.Hour)
	viper.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("providers.gemini.search_model", "gemini-pro")
	viper.SetDefault("providers.gemini.chat_model", "gemini-2.5-flash")
	viper.SetDefault("providers.gemini.timeout", 30*time.Second)
	viper.SetDefault("providers.gemini.search_quota", 500)
	viper.SetDefault("providers.gemini.chat_quota", 200)
	viper.SetDefault("providers.groq.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("providers.groq.model", "llama-3.1-8b-instant")
	viper.SetDefault("providers.groq.timeout", 30*time.Second)
	viper.SetDefault("storage.redis.timeout", 5*time.Second)
	viper.SetDefault("cache.ttl", time.Hour)
	viper.SetDefault("memory.max_history", 20)
	viper.SetDefault("memory.record_ttl", 365*24*time.Hour)
	viper.SetDefault("memory.max_tokens", 3000)
	viper.SetDefault("memory.batch_capacity", 5)
	viper.SetDefault("notifier.enabled", false)
	viper.SetDefault("notifier.schedule", "@daily")
	viper.SetDefault("notifier.window", 5*time.Minute)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CODY")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Telegram.Validate(); err != nil {
		panic(err)
	}
	if err := config.Providers.Gemini.Validate(); err != nil {
		panic(err)
	}
	if err := config.Providers.Groq.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Notifier.Validate(); err != nil {
		panic(err)
	}
	return &config
}
