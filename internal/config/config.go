package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxTimerMs is the largest delay a timer may be armed with (2^31-1 ms).
// Larger values overflow 32-bit timer implementations and fire immediately.
const MaxTimerMs = 1<<31 - 1

// ErrInvalidDuration is returned for timing values that are not integers in [0, MaxTimerMs].
var ErrInvalidDuration = errors.New("invalid duration")

// Millis is a millisecond count that only decodes from an integer literal
// in [0, MaxTimerMs]. Strings, fractions, NaN and Infinity are rejected.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	v, err := ParseMillis(string(data))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMillis parses a millisecond value from config or env text.
func ParseMillis(s string) (Millis, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer millisecond value", ErrInvalidDuration, s)
	}
	return CheckMillis(n)
}

// CheckMillis validates that n lies in [0, MaxTimerMs].
func CheckMillis(n int64) (Millis, error) {
	if n < 0 || n > MaxTimerMs {
		return 0, fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidDuration, n, MaxTimerMs)
	}
	return Millis(n), nil
}

func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

func (m Millis) MarshalJSON() ([]byte, error) { return json.Marshal(int64(m)) }

// Config is the root configuration for the wapipe gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Responder ResponderConfig `json:"responder"`
	Fanout    FanoutConfig    `json:"fanout,omitempty"`
	Sweeper   SweeperConfig   `json:"sweeper,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env WAPIPE_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // per tenant; <= 0 disables
}

// ChannelsConfig lists the transport connections, one per WhatsApp number.
type ChannelsConfig struct {
	WhatsApp []WhatsAppConfig `json:"whatsapp,omitempty"`
}

// WhatsAppConfig is one bridge-backed WhatsApp connection owned by a tenant.
type WhatsAppConfig struct {
	ID          string   `json:"id"`        // connection id
	TenantID    string   `json:"tenant_id"` // owning tenant
	Enabled     bool     `json:"enabled"`
	BridgeURL   string   `json:"bridge_url"`
	AllowFrom   []string `json:"allow_from,omitempty"`
	SendPerSec  float64  `json:"send_per_sec,omitempty"`  // bridge send pacing (default 5)
	SendTimeout Millis   `json:"send_timeout_ms,omitempty"` // wait for the bridge to confirm a send
}

// DatabaseConfig selects the durable store.
// PostgresDSN is never read from the config file, only from env WAPIPE_POSTGRES_DSN.
type DatabaseConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default), "postgres", "dynamodb"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	DynamoTable string `json:"dynamo_table,omitempty"`
	AWSRegion   string `json:"aws_region,omitempty"`
}

// DeliveryConfig holds the aggregation and chunk pacing knobs.
type DeliveryConfig struct {
	DebounceWindowMs Millis `json:"debounce_window_ms"`
	MaxWindowMs      Millis `json:"max_window_ms"`
	MaxBatchMessages int    `json:"max_batch_messages,omitempty"` // 0 = unlimited
	MinChunkDelayMs  Millis `json:"min_chunk_delay_ms"`
	MaxChunkDelayMs  Millis `json:"max_chunk_delay_ms"`
	MaxChunkChars    int    `json:"max_chunk_chars,omitempty"`
}

// ResponderConfig configures reply generation.
type ResponderConfig struct {
	Provider     string `json:"provider"` // "openai" or "echo"
	APIKey       string `json:"-"`        // from env WAPIPE_OPENAI_API_KEY only
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	TimeoutMs    Millis `json:"timeout_ms,omitempty"`
}

// FanoutConfig configures subscriber delivery and the optional Kafka mirror.
type FanoutConfig struct {
	SubscriberBuffer int      `json:"subscriber_buffer,omitempty"`
	KafkaBrokers     []string `json:"kafka_brokers,omitempty"`
	KafkaTopic       string   `json:"kafka_topic,omitempty"`
}

// SweeperConfig configures the redrive of messages stuck in the queued state.
type SweeperConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"` // cron expression, default every minute
	StaleAfter Millis `json:"stale_after_ms,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies the reloadable sections of src into c under the write lock.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Delivery = src.Delivery
	c.Sweeper = src.Sweeper
	c.Responder.SystemPrompt = src.Responder.SystemPrompt
	c.Gateway.RateLimitRPM = src.Gateway.RateLimitRPM
}

// DeliverySnapshot returns the delivery knobs under the read lock.
func (c *Config) DeliverySnapshot() DeliveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Delivery
}
