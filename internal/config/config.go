// Package config handles loading and validating officebus configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/officebus/internal/secrets"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for officebus.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.officebus/data. Override: OFFICEBUS_DATA_DIR env var.
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = no audit trail
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Watchdog      *WatchdogConfig      `json:"watchdog,omitempty" yaml:"watchdog,omitempty"`           // nil = actions wait indefinitely
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = no confirmation notifications
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP tools disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = only env:// references
}

// SecretsConfig configures credential reference resolution.
// Token and DSN fields may hold "env://VAR" or "vault://path#field".
type SecretsConfig struct {
	Vault *secrets.VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig returns the Vault settings, or nil when Vault is not configured.
func (s *SecretsConfig) VaultConfig() *secrets.VaultConfig {
	if s == nil {
		return nil
	}
	return s.Vault
}

// OrchestratorConfig points the execution client at the orchestrator.
// URL and token can be overridden by OFFICEBUS_ORCHESTRATOR_URL and
// OFFICEBUS_ORCHESTRATOR_TOKEN.
type OrchestratorConfig struct {
	URL            string `json:"url" yaml:"url"`
	ExecutePath    string `json:"execute_path,omitempty" yaml:"execute_path,omitempty"` // Default: "/v1/execute"
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30
}

// Timeout returns the per-request timeout with a default of 30s.
func (o *OrchestratorConfig) Timeout() time.Duration {
	if o != nil && o.TimeoutSeconds > 0 {
		return time.Duration(o.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StorageConfig configures the persistence backend for the audit trail.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/officebus.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by OFFICEBUS_DB_DSN.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig selects the sinks that record lifecycle transitions.
// Receipts are never persisted.
type AuditConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl.
	Database bool   `json:"database" yaml:"database"`                       // Also write to the audit_events table.
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Path         string `json:"path" yaml:"path"`                     // Default: "/metrics"
	MaxTaskTypes int    `json:"max_task_types" yaml:"max_task_types"` // Default: 100, the rest count as "other"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "officebus"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB           bool `json:"include_db" yaml:"include_db"`
	IncludeOrchestrator bool `json:"include_orchestrator" yaml:"include_orchestrator"`
}

// AnomalyConfig configures threshold-based anomaly detection on orchestrator failures.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MaxTaskTypes       int     `json:"max_task_types" yaml:"max_task_types"`             // Default: 100, the rest share "other"
}

// WatchdogConfig configures the caller-level confirmation timeout.
// A pending action older than its tier timeout is denied.
type WatchdogConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	YellowTimeoutSeconds int    `json:"yellow_timeout_seconds" yaml:"yellow_timeout_seconds"` // 0 = never expire YELLOW.
	RedTimeoutSeconds    int    `json:"red_timeout_seconds" yaml:"red_timeout_seconds"`       // 0 = never expire RED.
	Schedule             string `json:"schedule,omitempty" yaml:"schedule,omitempty"`         // Cron spec. Default: "@every 10s".
}

// SweepSchedule returns the cron spec with a default of "@every 10s".
func (w *WatchdogConfig) SweepSchedule() string {
	if w != nil && w.Schedule != "" {
		return w.Schedule
	}
	return "@every 10s"
}

// NotificationConfig configures confirmation-request notifications.
type NotificationConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Channels []ChannelConfig `json:"channels" yaml:"channels"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
}

// ChannelConfig describes a notification target.
type ChannelConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Type    string            `json:"type" yaml:"type"` // "webhook" or "slack".
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Tiers   []string          `json:"tiers,omitempty" yaml:"tiers,omitempty"` // Empty = YELLOW and RED.
	Config  map[string]string `json:"config" yaml:"config"`                   // webhook: url. slack: channel_id.
}

// SlackConfig holds the Slack bot token. Override: SLACK_BOT_TOKEN env var.
type SlackConfig struct {
	BotToken string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
}

// MCPConfig configures the MCP tool surface mounted on the HTTP gateway.
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/mcp".
}

// MCPPath returns the mount path with a default of "/mcp".
func (m *MCPConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// GatewaysConfig groups the transports exposing the bus.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Lifecycle event stream.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → actor ID. Override: OFFICEBUS_API_KEYS ("key=actor,key2=actor2").
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MaxWaitSeconds      int               `json:"max_wait_seconds" yaml:"max_wait_seconds"` // Upper bound for ?wait=true. Default: 300.
}

// MaxWait returns the longest a synchronous submit may block.
func (h *HTTPGatewayConfig) MaxWait() time.Duration {
	if h != nil && h.MaxWaitSeconds > 0 {
		return time.Duration(h.MaxWaitSeconds) * time.Second
	}
	return 300 * time.Second
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the lifecycle event stream.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	ListenAddr               string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`           // Standalone listen address (when HTTP gateway is disabled). Default: ":8081".
	Path                     string `json:"path" yaml:"path"`                                             // URL path for WebSocket endpoint. Default: "/v1/events/ws".
	Token                    string `json:"token" yaml:"token"`                                           // Shared token for client authentication. Override: OFFICEBUS_WS_TOKEN.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	SendBuffer               int    `json:"send_buffer" yaml:"send_buffer"`                               // Per-client queue. Default: 64.
}

// WSPath returns the WebSocket path with a default of "/v1/events/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/events/ws"
}

// WSListenAddr returns the standalone listen address with a default of ":8081".
func (w *WebSocketGatewayConfig) WSListenAddr() string {
	if w != nil && w.ListenAddr != "" {
		return w.ListenAddr
	}
	return ":8081"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSSendBuffer returns the per-client queue length with a default of 64.
func (w *WebSocketGatewayConfig) WSSendBuffer() int {
	if w != nil && w.SendBuffer > 0 {
		return w.SendBuffer
	}
	return 64
}

// RateLimitConfig configures per-actor rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.officebus/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/officebus.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".officebus", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds a config from environment variables only, with the HTTP
// gateway enabled. Used when no config file exists.
func FromEnv() (*Config, error) {
	cfg := Config{
		Gateways: GatewaysConfig{HTTP: &HTTPGatewayConfig{Enabled: true}},
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("OFFICEBUS_ORCHESTRATOR_URL"); v != "" {
		c.Orchestrator.URL = v
	}
	if v := os.Getenv("OFFICEBUS_ORCHESTRATOR_TOKEN"); v != "" {
		c.Orchestrator.Token = v
	}
	if v := os.Getenv("OFFICEBUS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OFFICEBUS_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("OFFICEBUS_API_KEYS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			key, actor, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && key != "" && actor != "" {
				c.Gateways.HTTP.APIKeyUserMapping[key] = actor
			}
		}
	}
	if v := os.Getenv("OFFICEBUS_WS_TOKEN"); v != "" {
		if c.Gateways.WebSocket == nil {
			c.Gateways.WebSocket = &WebSocketGatewayConfig{}
		}
		c.Gateways.WebSocket.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{}
		}
		if c.Notification.Slack == nil {
			c.Notification.Slack = &SlackConfig{}
		}
		c.Notification.Slack.BotToken = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".officebus", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "officebus.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.FilePath != "" {
		return c.Audit.FilePath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// SecretFields returns the values that may hold a credential reference.
func (c *Config) SecretFields() []*string {
	fields := []*string{&c.Orchestrator.Token}
	if c.Gateways.WebSocket != nil {
		fields = append(fields, &c.Gateways.WebSocket.Token)
	}
	if c.Notification != nil && c.Notification.Slack != nil {
		fields = append(fields, &c.Notification.Slack.BotToken)
	}
	if c.Storage != nil && c.Storage.Postgres != nil {
		fields = append(fields, &c.Storage.Postgres.DSN)
	}
	return fields
}

// NeedsDatabase reports whether any component persists to the database.
func (c *Config) NeedsDatabase() bool {
	return c.Audit != nil && c.Audit.Enabled && c.Audit.Database
}

func (c *Config) validate() error {
	if c.Orchestrator.URL == "" {
		return fmt.Errorf("orchestrator.url is required")
	}
	u, err := url.Parse(c.Orchestrator.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("orchestrator.url %q must be an absolute http(s) URL", c.Orchestrator.URL)
	}
	if c.Orchestrator.TimeoutSeconds < 0 {
		return fmt.Errorf("orchestrator.timeout_seconds must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Watchdog != nil && c.Watchdog.Enabled {
		if c.Watchdog.YellowTimeoutSeconds < 0 || c.Watchdog.RedTimeoutSeconds < 0 {
			return fmt.Errorf("watchdog timeouts must not be negative")
		}
		if c.Watchdog.YellowTimeoutSeconds == 0 && c.Watchdog.RedTimeoutSeconds == 0 {
			return fmt.Errorf("watchdog requires yellow_timeout_seconds or red_timeout_seconds")
		}
	}
	if c.Notification != nil && c.Notification.Enabled {
		names := make(map[string]bool, len(c.Notification.Channels))
		for i, ch := range c.Notification.Channels {
			if ch.Name == "" {
				return fmt.Errorf("notification.channels[%d].name is required", i)
			}
			if names[ch.Name] {
				return fmt.Errorf("notification.channels[%d]: duplicate channel name %q", i, ch.Name)
			}
			names[ch.Name] = true
			switch ch.Type {
			case "webhook":
				if ch.Config["url"] == "" {
					return fmt.Errorf("notification.channels[%d] (%q): config.url is required for webhook", i, ch.Name)
				}
			case "slack":
				if ch.Config["channel_id"] == "" {
					return fmt.Errorf("notification.channels[%d] (%q): config.channel_id is required for slack", i, ch.Name)
				}
				if c.Notification.Slack == nil || c.Notification.Slack.BotToken == "" {
					return fmt.Errorf("notification.channels[%d] (%q): slack channels need notification.slack.bot_token", i, ch.Name)
				}
			default:
				return fmt.Errorf("notification.channels[%d] (%q): type must be webhook or slack", i, ch.Name)
			}
			for _, t := range ch.Tiers {
				if up := strings.ToUpper(t); up != "YELLOW" && up != "RED" {
					return fmt.Errorf("notification.channels[%d] (%q): tier %q must be yellow or red", i, ch.Name, t)
				}
			}
		}
	}
	if c.Gateways.HTTP != nil && c.Gateways.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateways.http.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}
