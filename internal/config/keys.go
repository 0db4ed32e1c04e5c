package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FOLIO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "FOLIO_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "FOLIO_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "server.trusted_proxies", typ: kString, env: "FOLIO_SERVER_TRUSTED_PROXIES",
		apply:   func(cfg *Config, v any) { cfg.Server.TrustedProxies = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.TrustedProxies },
	},
	{
		key: "provider.anthropic_api_key", typ: kString, env: "FOLIO_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Provider.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AnthropicAPIKey },
	},
	{
		key: "provider.base_url", typ: kString, env: "FOLIO_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.model", typ: kString, env: "FOLIO_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.max_tokens", typ: kInt, env: "FOLIO_PROVIDER_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Provider.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.MaxTokens },
	},
	{
		key: "provider.temperature", typ: kFloat, env: "FOLIO_PROVIDER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Provider.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.Temperature },
	},
	{
		key: "provider.timeout_seconds", typ: kInt, env: "FOLIO_PROVIDER_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Provider.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.TimeoutSeconds },
	},
	{
		key: "persona.name", typ: kString, env: "FOLIO_PERSONA_NAME",
		apply:   func(cfg *Config, v any) { cfg.Persona.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Persona.Name },
	},
	{
		key: "redis.url", typ: kString, env: "FOLIO_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Redis.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.URL },
	},
	{
		key: "storage.driver", typ: kString, env: "FOLIO_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FOLIO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.supabase_url", typ: kString, env: "FOLIO_SUPABASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.SupabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SupabaseURL },
	},
	{
		key: "storage.supabase_key", typ: kString, env: "FOLIO_SUPABASE_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.SupabaseKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SupabaseKey },
	},
	{
		key: "limits.daily_cost_usd", typ: kFloat, env: "FOLIO_LIMITS_DAILY_COST_USD",
		apply:   func(cfg *Config, v any) { cfg.Limits.DailyCostUSD = v.(float64) },
		extract: func(cfg Config) any { return cfg.Limits.DailyCostUSD },
	},
	{
		key: "limits.daily_requests", typ: kInt, env: "FOLIO_LIMITS_DAILY_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.Limits.DailyRequests = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.DailyRequests },
	},
	{
		key: "limits.per_minute", typ: kInt, env: "FOLIO_LIMITS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Limits.PerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.PerMinute },
	},
	{
		key: "limits.per_hour", typ: kInt, env: "FOLIO_LIMITS_PER_HOUR",
		apply:   func(cfg *Config, v any) { cfg.Limits.PerHour = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.PerHour },
	},
	{
		key: "limits.session_requests", typ: kInt, env: "FOLIO_LIMITS_SESSION_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.Limits.SessionRequests = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.SessionRequests },
	},
	{
		key: "limits.disable_cooldown_minutes", typ: kInt, env: "FOLIO_LIMITS_DISABLE_COOLDOWN_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Limits.DisableCooldownMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.DisableCooldownMinutes },
	},
	{
		key: "limits.alert_threshold", typ: kFloat, env: "FOLIO_LIMITS_ALERT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Limits.AlertThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Limits.AlertThreshold },
	},
	{
		key: "history.length", typ: kInt, env: "FOLIO_HISTORY_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.History.Length = v.(int) },
		extract: func(cfg Config) any { return cfg.History.Length },
	},
	{
		key: "history.session_ttl_hours", typ: kInt, env: "FOLIO_HISTORY_SESSION_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.History.SessionTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.History.SessionTTLHours },
	},
	{
		key: "context.dir", typ: kString, env: "FOLIO_CONTEXT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Context.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Context.Dir },
	},
	{
		key: "context.cache_ttl_minutes", typ: kInt, env: "FOLIO_CONTEXT_CACHE_TTL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Context.CacheTTLMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.CacheTTLMinutes },
	},
	{
		key: "log.level", typ: kString, env: "FOLIO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "auth.admin_token", typ: kString, env: "FOLIO_ADMIN_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AdminToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

// parse converts a raw string into the key's declared type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
