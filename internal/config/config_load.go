package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 600,
		},
		Database: DatabaseConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.wapipe/wapipe.db",
		},
		Delivery: DeliveryConfig{
			DebounceWindowMs: 30000,
			MaxWindowMs:      300000,
			MinChunkDelayMs:  1000,
			MaxChunkDelayMs:  3000,
			MaxChunkChars:    300,
		},
		Responder: ResponderConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 1024,
			TimeoutMs: 60000,
		},
		Fanout: FanoutConfig{
			SubscriberBuffer: 256,
			KafkaTopic:       "wapipe.events",
		},
		Sweeper: SweeperConfig{
			Schedule:   "* * * * *",
			StaleAfter: 120000,
			BatchSize:  100,
		},
	}
}

// Load reads config from a JSON5 file, overlays env vars and validates the result.
// A missing file yields the defaults. Any invalid value fails the load.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() error {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	envMillis := func(key string, dst *Millis) {
		if v := os.Getenv(key); v != "" {
			ms, err := ParseMillis(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = ms
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}

	// Secrets
	envStr("WAPIPE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("WAPIPE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("WAPIPE_OPENAI_API_KEY", &c.Responder.APIKey)

	envStr("WAPIPE_HOST", &c.Gateway.Host)
	envInt("WAPIPE_PORT", &c.Gateway.Port)
	envStr("WAPIPE_DB_BACKEND", &c.Database.Backend)
	envStr("WAPIPE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("WAPIPE_DYNAMO_TABLE", &c.Database.DynamoTable)
	envStr("WAPIPE_AWS_REGION", &c.Database.AWSRegion)
	if c.Database.PostgresDSN != "" && os.Getenv("WAPIPE_DB_BACKEND") == "" {
		c.Database.Backend = "postgres"
	}

	envMillis("WAPIPE_DEBOUNCE_WINDOW_MS", &c.Delivery.DebounceWindowMs)
	envMillis("WAPIPE_MAX_WINDOW_MS", &c.Delivery.MaxWindowMs)
	envMillis("WAPIPE_MIN_CHUNK_DELAY_MS", &c.Delivery.MinChunkDelayMs)
	envMillis("WAPIPE_MAX_CHUNK_DELAY_MS", &c.Delivery.MaxChunkDelayMs)
	envInt("WAPIPE_MAX_BATCH_MESSAGES", &c.Delivery.MaxBatchMessages)

	envStr("WAPIPE_RESPONDER", &c.Responder.Provider)
	envStr("WAPIPE_OPENAI_BASE_URL", &c.Responder.BaseURL)
	envStr("WAPIPE_MODEL", &c.Responder.Model)

	if v := os.Getenv("WAPIPE_KAFKA_BROKERS"); v != "" {
		c.Fanout.KafkaBrokers = strings.Split(v, ",")
	}
	envStr("WAPIPE_KAFKA_TOPIC", &c.Fanout.KafkaTopic)

	// Telemetry
	envStr("WAPIPE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WAPIPE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WAPIPE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WAPIPE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WAPIPE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	return errors.Join(errs...)
}

// Validate checks cross-field constraints. Range checks on Millis fields are
// repeated here so that values set programmatically are covered too.
func (c *Config) Validate() error {
	var errs []error
	d := c.Delivery
	for _, f := range []struct {
		name string
		v    Millis
	}{
		{"delivery.debounce_window_ms", d.DebounceWindowMs},
		{"delivery.max_window_ms", d.MaxWindowMs},
		{"delivery.min_chunk_delay_ms", d.MinChunkDelayMs},
		{"delivery.max_chunk_delay_ms", d.MaxChunkDelayMs},
	} {
		if _, err := CheckMillis(int64(f.v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	if d.MinChunkDelayMs > d.MaxChunkDelayMs {
		errs = append(errs, fmt.Errorf("delivery: min_chunk_delay_ms (%d) > max_chunk_delay_ms (%d): %w",
			d.MinChunkDelayMs, d.MaxChunkDelayMs, ErrInvalidDuration))
	}
	if d.MaxWindowMs < d.DebounceWindowMs {
		errs = append(errs, fmt.Errorf("delivery: max_window_ms (%d) < debounce_window_ms (%d): %w",
			d.MaxWindowMs, d.DebounceWindowMs, ErrInvalidDuration))
	}
	if d.MaxBatchMessages < 0 {
		errs = append(errs, fmt.Errorf("delivery.max_batch_messages must be >= 0"))
	}
	if d.MaxChunkChars < 0 {
		errs = append(errs, fmt.Errorf("delivery.max_chunk_chars must be >= 0"))
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	switch c.Database.Backend {
	case "sqlite", "":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("database: postgres backend requires WAPIPE_POSTGRES_DSN"))
		}
	case "dynamodb":
		if c.Database.DynamoTable == "" {
			errs = append(errs, fmt.Errorf("database: dynamodb backend requires dynamo_table"))
		}
	default:
		errs = append(errs, fmt.Errorf("database: unknown backend %q", c.Database.Backend))
	}

	seen := make(map[string]bool)
	for i, wa := range c.Channels.WhatsApp {
		if wa.ID == "" || wa.TenantID == "" {
			errs = append(errs, fmt.Errorf("channels.whatsapp[%d]: id and tenant_id are required", i))
		}
		if seen[wa.ID] {
			errs = append(errs, fmt.Errorf("channels.whatsapp[%d]: duplicate connection id %q", i, wa.ID))
		}
		seen[wa.ID] = true
	}
	return errors.Join(errs...)
}

// Hash returns a short SHA-256 of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
