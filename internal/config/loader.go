package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "chatgate.yaml"

// providerKeyEnv maps provider names to the environment variable carrying
// their API key.
var providerKeyEnv = map[string]string{
	"gpt":        "OPENAI_API_KEY",
	"claude":     "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"llama":      "LLAMA_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
	"grok":       "XAI_API_KEY",
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CHATGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "CHATGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CHATGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CHATGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CHATGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CHATGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CHATGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Auth.JWTSecret, "AUTH_KEY")
	setInt(&cfg.Auth.BcryptCost, "CHATGATE_BCRYPT_COST")
	setDuration(&cfg.Auth.AccessTokenExpiry, "CHATGATE_TOKEN_EXPIRY")
	setBool(&cfg.Auth.CookieSecure, "CHATGATE_COOKIE_SECURE")
	setString(&cfg.Logging.Level, "CHATGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CHATGATE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CHATGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CHATGATE_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "CHATGATE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.UserTTL, "CHATGATE_CACHE_USER_TTL")
	setInt(&cfg.Chat.WindowDefault, "CHATGATE_CHAT_WINDOW")
	setInt(&cfg.Chat.QueueSize, "CHATGATE_CHAT_QUEUE_SIZE")
	setInt(&cfg.Chat.ChunkSize, "CHATGATE_CHAT_CHUNK_SIZE")
	setDuration(&cfg.Chat.ChunkDelay, "CHATGATE_CHAT_CHUNK_DELAY")
	setInt(&cfg.Chat.MaxConcurrentStreams, "CHATGATE_CHAT_MAX_STREAMS")
	setString(&cfg.Chat.FilesDir, "CHATGATE_FILES_DIR")
	setString(&cfg.Chat.Persona, "CHATGATE_PERSONA")
	setBool(&cfg.Chat.PersistThinking, "CHATGATE_PERSIST_THINKING")
	setInt(&cfg.Chat.MaxTokens, "CHATGATE_CHAT_MAX_TOKENS")
	setString(&cfg.Chat.AliasProvider, "CHATGATE_ALIAS_PROVIDER")
	setString(&cfg.Chat.AliasModel, "CHATGATE_ALIAS_MODEL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Provider API keys and overrides.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if env, ok := providerKeyEnv[p.Name]; ok {
			setString(&p.APIKey, env)
		}
		upper := strings.ToUpper(p.Name)
		setString(&p.BaseURL, "CHATGATE_"+upper+"_BASE_URL")
		setInt(&p.Window, "CHATGATE_"+upper+"_WINDOW")
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Chat.QueueSize < 1 {
		return errors.New("chat.queue_size must be >= 1")
	}
	if cfg.Chat.ChunkSize < 1 {
		return errors.New("chat.chunk_size must be >= 1")
	}
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("providers[].name is required")
		}
		if p.API != "openai" && p.API != "anthropic" {
			return fmt.Errorf("provider %s: api must be openai or anthropic", p.Name)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
