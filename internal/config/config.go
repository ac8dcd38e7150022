package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/retry"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Agent     AgentConfig     `json:"agent"`
	Transport TransportConfig `json:"transport"`
	Tasks     TaskConfig      `json:"tasks"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
}

type ServerConfig struct {
	Port          int      `json:"port"`
	LogLevel      string   `json:"log_level"`
	SweepInterval Duration `json:"sweep_interval"`
}

// AgentConfig describes the local agent process.
type AgentConfig struct {
	ID                string   `json:"id"`
	Role              string   `json:"role"`
	Capabilities      []string `json:"capabilities,omitempty"`
	Inbox             string   `json:"inbox"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	OfflineMultiplier int      `json:"offline_multiplier"`
	EvictAfter        Duration `json:"evict_after"`
}

type TransportConfig struct {
	Prefix          string   `json:"prefix"`
	MaxQueueLength  int64    `json:"max_queue_length"`
	MessageTTL      Duration `json:"message_ttl"`
	MaxRedeliveries int      `json:"max_redeliveries"`
	PollInterval    Duration `json:"poll_interval"`
	ReclaimIdle     Duration `json:"reclaim_idle"`
	ReclaimInterval Duration `json:"reclaim_interval"`
	PublishRetry    string   `json:"publish_retry"`
}

type TaskConfig struct {
	Queue             string   `json:"queue"`
	DefaultTimeout    Duration `json:"default_timeout"`
	QueueTimeout      Duration `json:"queue_timeout"`
	DefaultMaxRetries *int     `json:"default_max_retries"`
	MaxRetriesCap     int      `json:"max_retries_cap"`
	PriorityBump      int      `json:"priority_bump"`
	Retention         Duration `json:"retention"`
	StoreRetry        string   `json:"store_retry"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AuthConfig selects the authorizer: "allow_all" or "roles".
type AuthConfig struct {
	Mode string `json:"mode"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = Duration(time.Second)
	}
	if c.Agent.ID == "" {
		c.Agent.ID = "leader"
	}
	if c.Agent.Role == "" {
		c.Agent.Role = string(message.RoleLeader)
	}
	if c.Agent.HeartbeatInterval == 0 {
		c.Agent.HeartbeatInterval = Duration(5 * time.Second)
	}
	if c.Agent.OfflineMultiplier == 0 {
		c.Agent.OfflineMultiplier = 3
	}
	if c.Agent.EvictAfter == 0 {
		c.Agent.EvictAfter = Duration(10 * time.Minute)
	}
	if c.Transport.Prefix == "" {
		c.Transport.Prefix = "hive"
	}
	if c.Transport.MaxRedeliveries == 0 {
		c.Transport.MaxRedeliveries = 3
	}
	if c.Tasks.Queue == "" {
		c.Tasks.Queue = "tasks"
	}
	if c.Tasks.DefaultTimeout == 0 {
		c.Tasks.DefaultTimeout = Duration(5 * time.Minute)
	}
	if c.Tasks.QueueTimeout == 0 {
		c.Tasks.QueueTimeout = c.Transport.MessageTTL
	}
	if c.Tasks.QueueTimeout == 0 {
		c.Tasks.QueueTimeout = Duration(time.Hour)
	}
	if c.Tasks.DefaultMaxRetries == nil {
		n := 3
		c.Tasks.DefaultMaxRetries = &n
	}
	if c.Tasks.MaxRetriesCap == 0 {
		c.Tasks.MaxRetriesCap = 10
	}
	if c.Tasks.PriorityBump == 0 {
		c.Tasks.PriorityBump = 1
	}
	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = Duration(24 * time.Hour)
	}
	if c.Database.Redis.URL == "" {
		c.Database.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "roles"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if !message.Role(c.Agent.Role).Valid() {
		return fmt.Errorf("agent.role %q is not a known role", c.Agent.Role)
	}
	if c.Agent.OfflineMultiplier < 1 {
		return fmt.Errorf("agent.offline_multiplier must be at least 1")
	}
	if n := *c.Tasks.DefaultMaxRetries; n < 0 || n > c.Tasks.MaxRetriesCap {
		return fmt.Errorf("tasks.default_max_retries %d is outside [0,%d]", n, c.Tasks.MaxRetriesCap)
	}
	if c.Tasks.PriorityBump < 0 {
		return fmt.Errorf("tasks.priority_bump must not be negative")
	}
	if _, err := retry.Preset(c.Transport.PublishRetry); err != nil {
		return fmt.Errorf("transport.publish_retry: %w", err)
	}
	if _, err := retry.Preset(c.Tasks.StoreRetry); err != nil {
		return fmt.Errorf("tasks.store_retry: %w", err)
	}
	switch c.Auth.Mode {
	case "allow_all", "roles":
	default:
		return fmt.Errorf("auth.mode %q is not allow_all or roles", c.Auth.Mode)
	}
	return nil
}
