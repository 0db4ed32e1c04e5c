package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Limits   LimitsConfig
	History  HistoryConfig
	Context  ContextConfig
	Persona  PersonaConfig
	Log      LogConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port           int
	MaxConns       int
	AllowedOrigins string
	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty trusts none.
	TrustedProxies string
}

type ProviderConfig struct {
	AnthropicAPIKey string
	BaseURL         string
	Model           string
	MaxTokens       int
	Temperature     float64
	TimeoutSeconds  int
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	SupabaseURL string
	SupabaseKey string
}

// LimitsConfig holds every admission-control threshold.
type LimitsConfig struct {
	DailyCostUSD           float64
	DailyRequests          int
	PerMinute              int
	PerHour                int
	SessionRequests        int
	DisableCooldownMinutes int
	AlertThreshold         float64
}

type HistoryConfig struct {
	Length          int
	SessionTTLHours int
}

type ContextConfig struct {
	Dir             string
	CacheTTLMinutes int
}

// PersonaConfig names the person the assistant speaks as.
type PersonaConfig struct {
	Name string
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	AdminToken string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConns:       256,
			AllowedOrigins: "http://localhost:3000",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.anthropic.com",
			Model:          "claude-3-5-haiku-20241022",
			MaxTokens:      1000,
			Temperature:    0.7,
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Limits: LimitsConfig{
			DailyCostUSD:           5.0,
			DailyRequests:          1000,
			PerMinute:              10,
			PerHour:                50,
			SessionRequests:        20,
			DisableCooldownMinutes: 60,
			AlertThreshold:         0.8,
		},
		History: HistoryConfig{
			Length:          10,
			SessionTTLHours: 24,
		},
		Context: ContextConfig{
			Dir:             "context",
			CacheTTLMinutes: 15,
		},
		Persona: PersonaConfig{
			Name: "the site owner",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SessionTTL is the idle lifetime of a conversation.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.History.SessionTTLHours) * time.Hour
}

func (c Config) ContextCacheTTL() time.Duration {
	return time.Duration(c.Context.CacheTTLMinutes) * time.Minute
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func (c Config) DisableCooldown() time.Duration {
	return time.Duration(c.Limits.DisableCooldownMinutes) * time.Minute
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.folio.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/folio/config.json
// and secrets fall back to $XDG_DATA_HOME/folio/secrets.json.
//
// Environment variables (FOLIO_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.AnthropicAPIKey == "" {
		if key, err := kc.Get("folio", "anthropic_api_key"); err == nil && key != "" {
			cfg.Provider.AnthropicAPIKey = key
		}
	}
	if cfg.Storage.SupabaseKey == "" && cfg.Storage.Driver == "supabase" {
		if key, err := kc.Get("folio", "supabase_key"); err == nil && key != "" {
			cfg.Storage.SupabaseKey = key
		}
	}

	if cfg.Auth.AdminToken == "" {
		if tok, err := kc.Get("folio", "admin_token"); err == nil && tok != "" {
			cfg.Auth.AdminToken = tok
		}
	}

	if cfg.Provider.AnthropicAPIKey == "" {
		msg := "missing required config: Anthropic API key. " +
			"Set it via environment variable FOLIO_ANTHROPIC_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "supabase":
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			return fmt.Errorf("storage.driver=supabase requires storage.supabase_url and FOLIO_SUPABASE_KEY")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want sqlite or supabase)", c.Storage.Driver)
	}
	if c.Limits.DailyCostUSD <= 0 {
		return fmt.Errorf("limits.daily_cost_usd must be positive, got %v", c.Limits.DailyCostUSD)
	}
	if c.History.Length <= 0 {
		return fmt.Errorf("history.length must be positive, got %d", c.History.Length)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
