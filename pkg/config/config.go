package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig drives the orchestrator process.
type ServerConfig struct {
	Listen     string          `yaml:"listen"`
	DBPath     string          `yaml:"db_path"`
	AdminToken string          `yaml:"admin_token"`
	TokenSalt  string          `yaml:"token_salt"`
	Auth       AuthPolicy      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	Sweep      SweepConfig     `yaml:"sweep"`
	Scoring    ScoringConfig   `yaml:"scoring"`
	Logging    LoggingConfig   `yaml:"logging"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

// AuthPolicy bounds the signed-request replay window and secret rotation.
type AuthPolicy struct {
	ToleranceS     int `yaml:"timestamp_tolerance_s"`
	RotationGraceS int `yaml:"rotation_grace_s"`
}

type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowS     int `yaml:"window_s"`
	EvictEveryS int `yaml:"evict_every_s"`
	IdleTTLS    int `yaml:"idle_ttl_s"`
}

// DispatchConfig controls heartbeat-driven task assignment.
type DispatchConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// SweepConfig controls the stale-assignment requeue loop. Disabled unless an
// assigned timeout is set; thresholds are deliberately not hardcoded.
type SweepConfig struct {
	Enable           bool `yaml:"enable"`
	IntervalS        int  `yaml:"interval_s"`
	AssignedTimeoutS int  `yaml:"assigned_timeout_s"`
	MaxAttempts      int  `yaml:"max_attempts"`
}

type ScoringConfig struct {
	PolicyFile string `yaml:"policy_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// AgentConfig drives a device agent process.
type AgentConfig struct {
	Server    AgentServerConfig `yaml:"server"`
	Auth      AgentAuthConfig   `yaml:"auth"`
	Heartbeat HeartbeatConfig   `yaml:"heartbeat"`
	Executors map[string]string `yaml:"executors"`
	Health    HealthConfig      `yaml:"health"`
	Logging   LoggingConfig     `yaml:"logging"`
}

type AgentServerConfig struct {
	URL                 string `yaml:"url"`
	DeploymentToken     string `yaml:"deployment_token"`
	DeploymentTokenFile string `yaml:"deployment_token_file"`
	RequestTimeoutS     int    `yaml:"request_timeout_s"`
	RetryInitialMs      int    `yaml:"retry_initial_ms"`
	RetryMaxMs          int    `yaml:"retry_max_ms"`
	RetryMaxAttempts    int    `yaml:"retry_max_attempts"`
}

type AgentAuthConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
}

type HeartbeatConfig struct {
	IntervalS int `yaml:"interval_s"`
	JitterS   int `yaml:"jitter_s"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

// DefaultServerConfig returns the orchestrator defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8080",
		DBPath: "bindery.db",
		Auth: AuthPolicy{
			ToleranceS:     300,
			RotationGraceS: 600,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			WindowS:     60,
			EvictEveryS: 300,
			IdleTTLS:    900,
		},
		Dispatch: DispatchConfig{BatchSize: 5},
		Sweep: SweepConfig{
			Enable:           false,
			IntervalS:        60,
			AssignedTimeoutS: 900,
			MaxAttempts:      3,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// DefaultAgentConfig returns the device agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			URL:              "https://localhost:8080",
			RequestTimeoutS:  10,
			RetryInitialMs:   500,
			RetryMaxMs:       5000,
			RetryMaxAttempts: 5,
		},
		Auth:      AgentAuthConfig{CredentialsPath: "/var/lib/bindery/credentials"},
		Heartbeat: HeartbeatConfig{IntervalS: 15, JitterS: 5},
		Health:    HealthConfig{TimeDriftMaxS: 120},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadServer reads server config from file with env var overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("BINDERY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BINDERY_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BINDERY_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("BINDERY_TOKEN_SALT"); v != "" {
		cfg.TokenSalt = v
	}
	if v := os.Getenv("BINDERY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BINDERY_AUTH_TOLERANCE_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.ToleranceS = n
		}
	}
	return cfg, nil
}

// LoadAgent reads agent config from file with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("BINDERY_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("BINDERY_DEPLOYMENT_TOKEN"); v != "" {
		cfg.Server.DeploymentToken = v
	}
	if v := os.Getenv("BINDERY_CREDENTIALS_PATH"); v != "" {
		cfg.Auth.CredentialsPath = v
	}
	if v := os.Getenv("BINDERY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

// Validate fills gaps with defaults and rejects unusable settings.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.DBPath == "" {
		return &Error{"db path is required"}
	}
	if c.Auth.ToleranceS <= 0 {
		c.Auth.ToleranceS = 300
	}
	if c.Auth.RotationGraceS < 0 {
		c.Auth.RotationGraceS = 0
	}
	if c.RateLimit.WindowS <= 0 {
		c.RateLimit.WindowS = 60
	}
	if c.RateLimit.EvictEveryS <= 0 {
		c.RateLimit.EvictEveryS = 300
	}
	if c.RateLimit.IdleTTLS <= 0 {
		c.RateLimit.IdleTTLS = 900
	}
	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = 5
	}
	if c.Sweep.Enable {
		if c.Sweep.IntervalS <= 0 {
			c.Sweep.IntervalS = 60
		}
		if c.Sweep.AssignedTimeoutS <= 0 {
			return &Error{"sweep requires assigned_timeout_s"}
		}
		if c.Sweep.MaxAttempts <= 0 {
			c.Sweep.MaxAttempts = 3
		}
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// Validate fills gaps with defaults and rejects unusable settings.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must be http(s)"}
	}
	if c.Heartbeat.IntervalS < 5 {
		return ErrInvalidInterval
	}
	if c.Server.RequestTimeoutS <= 0 {
		c.Server.RequestTimeoutS = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Server.RetryMaxAttempts < 0 {
		c.Server.RetryMaxAttempts = 5
	}
	if c.Auth.CredentialsPath == "" {
		return &Error{"credentials path is required"}
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"heartbeat interval must be >= 5s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
