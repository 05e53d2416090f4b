package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings coordinator, layered defaults < env <
// file (§6.4).
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	Limits    *LimitsConfig    `json:"limits"`
	Features  *FeaturesConfig  `json:"features"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig carries the Connection Gateway's framing/heartbeat
// parameters (§4.1): 20s idle ping, 10s pong grace, 64-deep send queue.
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	PongTimeout    time.Duration `json:"pong_timeout"`
	SendQueueDepth int           `json:"send_queue_depth"`
}

// SessionConfig carries the Classroom Code Allocator's TTL and the Session
// Lifecycle Controller's four timers plus the sweep interval (§4.3, §4.4,
// §6.4).
type SessionConfig struct {
	ClassroomCodeTTL           time.Duration `json:"classroom_code_ttl"`
	StaleTimeout               time.Duration `json:"stale_timeout"`
	EmptyTeacherTimeout        time.Duration `json:"empty_teacher_timeout"`
	StudentsLeftTimeout        time.Duration `json:"students_left_timeout"`
	TeacherReconnectGrace      time.Duration `json:"teacher_reconnect_grace"`
	CleanupInterval            time.Duration `json:"cleanup_interval"`
}

// LimitsConfig carries the process-wide capacity ceilings (§5).
type LimitsConfig struct {
	MaxConnections int `json:"max_connections"`
	MaxSessions    int `json:"max_sessions"`
	MaxJobs        int `json:"max_jobs"`
}

// FeaturesConfig carries feature flags (§6.4).
type FeaturesConfig struct {
	TwoWay bool `json:"two_way"`
	E2EBypass bool `json:"e2e_bypass"`
}

// DefaultConfig returns the production defaults from §6.4.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./relay.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   20 * time.Second,
			PongTimeout:    10 * time.Second,
			SendQueueDepth: 64,
		},
		Session: &SessionConfig{
			ClassroomCodeTTL:      2 * time.Hour,
			StaleTimeout:          90 * time.Minute,
			EmptyTeacherTimeout:   10 * time.Minute,
			StudentsLeftTimeout:   10 * time.Minute,
			TeacherReconnectGrace: 30 * time.Second,
			CleanupInterval:       2 * time.Minute,
		},
		Limits: &LimitsConfig{
			MaxConnections: 5000,
			MaxSessions:    500,
			MaxJobs:        2000,
		},
		Features: &FeaturesConfig{
			TwoWay:    false,
			E2EBypass: false,
		},
	}
}

// Validate prevents invalid configurations from reaching the running
// system.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		return fmt.Errorf("WebSocket ping/pong timeouts must be positive")
	}
	if c.WebSocket.SendQueueDepth <= 0 {
		return fmt.Errorf("WebSocket send queue depth must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.ClassroomCodeTTL <= 0 || c.Session.StaleTimeout <= 0 ||
		c.Session.EmptyTeacherTimeout <= 0 || c.Session.StudentsLeftTimeout <= 0 ||
		c.Session.TeacherReconnectGrace <= 0 || c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session timers must all be positive")
	}

	if c.Limits == nil {
		return fmt.Errorf("limits configuration is required")
	}
	if c.Limits.MaxConnections <= 0 || c.Limits.MaxSessions <= 0 || c.Limits.MaxJobs <= 0 {
		return fmt.Errorf("capacity ceilings must be positive")
	}

	if c.Features == nil {
		return fmt.Errorf("features configuration is required")
	}

	return nil
}

// LoadFromEnv overrides defaults with RELAY_* environment variables,
// supporting containerized deployments.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RELAY_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("RELAY_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("RELAY_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("RELAY_DATABASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.Timeout = d
		}
	}
	if v := os.Getenv("RELAY_WS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.PingInterval = d
		}
	}
	if v := os.Getenv("RELAY_WS_PONG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.PongTimeout = d
		}
	}
	if v := os.Getenv("RELAY_WS_SEND_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.SendQueueDepth = n
		}
	}
	if v := os.Getenv("RELAY_CLASSROOM_CODE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.ClassroomCodeTTL = d
		}
	}
	if v := os.Getenv("RELAY_SESSION_STALE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.StaleTimeout = d
		}
	}
	if v := os.Getenv("RELAY_SESSION_EMPTY_TEACHER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.EmptyTeacherTimeout = d
		}
	}
	if v := os.Getenv("RELAY_SESSION_STUDENTS_LEFT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.StudentsLeftTimeout = d
		}
	}
	if v := os.Getenv("RELAY_TEACHER_RECONNECT_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.TeacherReconnectGrace = d
		}
	}
	if v := os.Getenv("RELAY_SESSION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.CleanupInterval = d
		}
	}
	if v := os.Getenv("RELAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConnections = n
		}
	}
	if v := os.Getenv("RELAY_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxSessions = n
		}
	}
	if v := os.Getenv("RELAY_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxJobs = n
		}
	}
	if v := os.Getenv("RELAY_FEATURE_TWO_WAY"); v != "" {
		cfg.Features.TwoWay = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_FEATURE_E2E_BYPASS"); v != "" {
		cfg.Features.E2EBypass = v == "true" || v == "1"
	}

	return cfg
}

// ConfigFile is the JSON file shape; duration fields are strings so the
// file can express "5s" in test environments and "2h" in production,
// parsed with time.ParseDuration on load.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Session   *SessionConfigFile   `json:"session"`
	Limits    *LimitsConfig        `json:"limits"`
	Features  *FeaturesConfig      `json:"features"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval   string `json:"ping_interval"`
	PongTimeout    string `json:"pong_timeout"`
	SendQueueDepth int    `json:"send_queue_depth"`
}

type SessionConfigFile struct {
	ClassroomCodeTTL      string `json:"classroom_code_ttl"`
	StaleTimeout          string `json:"stale_timeout"`
	EmptyTeacherTimeout   string `json:"empty_teacher_timeout"`
	StudentsLeftTimeout   string `json:"students_left_timeout"`
	TeacherReconnectGrace string `json:"teacher_reconnect_grace"`
	CleanupInterval       string `json:"cleanup_interval"`
}

// LoadFromFile parses a JSON config file into a Config, starting from
// DefaultConfig and overriding only fields present in the file.
func LoadFromFile(path string) (*Config, error) {
	return loadFileOnto(path, DefaultConfig())
}

// loadFileOnto overrides the fields of cfg that are present in the JSON
// file at path, then validates the result.
func loadFileOnto(path string, cfg *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Limits and features decode onto copies of cfg's current values, so a
	// partial block in the file leaves the fields it omits unchanged.
	limits, features := *cfg.Limits, *cfg.Features
	file := ConfigFile{Limits: &limits, Features: &features}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.Database != nil {
		if file.Database.Path != "" {
			cfg.Database.Path = file.Database.Path
		}
		applyDuration(file.Database.Timeout, &cfg.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		applyDuration(file.HTTP.ReadTimeout, &cfg.HTTP.ReadTimeout)
		applyDuration(file.HTTP.WriteTimeout, &cfg.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.SendQueueDepth > 0 {
			cfg.WebSocket.SendQueueDepth = file.WebSocket.SendQueueDepth
		}
		applyDuration(file.WebSocket.PingInterval, &cfg.WebSocket.PingInterval)
		applyDuration(file.WebSocket.PongTimeout, &cfg.WebSocket.PongTimeout)
	}
	if file.Session != nil {
		applyDuration(file.Session.ClassroomCodeTTL, &cfg.Session.ClassroomCodeTTL)
		applyDuration(file.Session.StaleTimeout, &cfg.Session.StaleTimeout)
		applyDuration(file.Session.EmptyTeacherTimeout, &cfg.Session.EmptyTeacherTimeout)
		applyDuration(file.Session.StudentsLeftTimeout, &cfg.Session.StudentsLeftTimeout)
		applyDuration(file.Session.TeacherReconnectGrace, &cfg.Session.TeacherReconnectGrace)
		applyDuration(file.Session.CleanupInterval, &cfg.Session.CleanupInterval)
	}
	if file.Limits != nil {
		cfg.Limits = file.Limits
	}
	if file.Features != nil {
		cfg.Features = file.Features
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

func applyDuration(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

// LoadConfigWithPrecedence applies defaults < env < file, silently
// ignoring a missing/invalid file so defaults and env still work.
func LoadConfigWithPrecedence(filepath string) *Config {
	cfg := LoadFromEnv()

	if filepath != "" {
		if fileCfg, err := loadFileOnto(filepath, LoadFromEnv()); err == nil {
			cfg = fileCfg
		}
	}

	return cfg
}
