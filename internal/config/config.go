package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob for the bridge. Values come from the
// environment with sane defaults; see Load.
type Config struct {
	// Redis connection
	RedisHost           string
	RedisPort           int
	RedisDB             int
	RedisPassword       string
	RedisConnectTimeout time.Duration
	RedisSocketTimeout  time.Duration

	// Session store
	SessionIdleTTL         time.Duration
	SessionKeyPrefix       string
	SessionCleanupInterval time.Duration

	// HTTP server
	BindHost       string
	BindPort       int
	RequestTimeout time.Duration

	// Remote analytics API
	APIBaseURL        string
	APIDefaultTimeout time.Duration
	APILongTimeout    time.Duration
	ValidationTimeout time.Duration

	// Security
	SensitiveParams []string

	// MCP sub-process
	ServerScript        string
	ToolCallTimeout     time.Duration
	SessionStartTimeout time.Duration
	ToolListTimeout     time.Duration

	// TestMode skips remote credential validation entirely.
	TestMode bool
	Debug    bool
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_CONNECT_TIMEOUT", 5)
	v.SetDefault("REDIS_SOCKET_TIMEOUT", 5)

	v.SetDefault("MCP_SESSION_IDLE_TTL", 24*3600)
	v.SetDefault("MCP_SESSION_KEY_PREFIX", "insight_session")
	v.SetDefault("MCP_SESSION_CLEANUP_INTERVAL", 300)

	v.SetDefault("BRIDGE_HOST", "0.0.0.0")
	v.SetDefault("BRIDGE_PORT", 33000)
	v.SetDefault("MCP_REQUEST_TIMEOUT", 300)

	v.SetDefault("INSIGHT_API_URL", "https://internal.sandsiv.com/data-narrator/api")
	v.SetDefault("MCP_API_DEFAULT_TIMEOUT", 60)
	v.SetDefault("MCP_API_LONG_TIMEOUT", 300)
	v.SetDefault("MCP_API_VALIDATION_TIMEOUT", 5)

	v.SetDefault("MCP_SENSITIVE_PARAMS", "apiUrl,jwtToken")

	v.SetDefault("MCP_SERVER_SCRIPT", "mcp_server.py")
	v.SetDefault("MCP_TOOL_CALL_TIMEOUT", 310)
	v.SetDefault("MCP_SESSION_START_TIMEOUT", 30)
	v.SetDefault("MCP_TOOL_LIST_TIMEOUT", 30)

	v.SetDefault("MCP_TEST_MODE", false)
	v.SetDefault("MCP_DEBUG", false)

	cfg := &Config{
		RedisHost:           v.GetString("REDIS_HOST"),
		RedisPort:           v.GetInt("REDIS_PORT"),
		RedisDB:             v.GetInt("REDIS_DB"),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisConnectTimeout: time.Duration(v.GetInt("REDIS_CONNECT_TIMEOUT")) * time.Second,
		RedisSocketTimeout:  time.Duration(v.GetInt("REDIS_SOCKET_TIMEOUT")) * time.Second,

		SessionIdleTTL:         time.Duration(v.GetInt("MCP_SESSION_IDLE_TTL")) * time.Second,
		SessionKeyPrefix:       v.GetString("MCP_SESSION_KEY_PREFIX"),
		SessionCleanupInterval: time.Duration(v.GetInt("MCP_SESSION_CLEANUP_INTERVAL")) * time.Second,

		BindHost:       v.GetString("BRIDGE_HOST"),
		BindPort:       v.GetInt("BRIDGE_PORT"),
		RequestTimeout: time.Duration(v.GetInt("MCP_REQUEST_TIMEOUT")) * time.Second,

		APIBaseURL:        strings.TrimRight(v.GetString("INSIGHT_API_URL"), "/"),
		APIDefaultTimeout: time.Duration(v.GetInt("MCP_API_DEFAULT_TIMEOUT")) * time.Second,
		APILongTimeout:    time.Duration(v.GetInt("MCP_API_LONG_TIMEOUT")) * time.Second,
		ValidationTimeout: time.Duration(v.GetInt("MCP_API_VALIDATION_TIMEOUT")) * time.Second,

		SensitiveParams: splitParams(v.GetString("MCP_SENSITIVE_PARAMS")),

		ServerScript:        v.GetString("MCP_SERVER_SCRIPT"),
		ToolCallTimeout:     time.Duration(v.GetInt("MCP_TOOL_CALL_TIMEOUT")) * time.Second,
		SessionStartTimeout: time.Duration(v.GetInt("MCP_SESSION_START_TIMEOUT")) * time.Second,
		ToolListTimeout:     time.Duration(v.GetInt("MCP_TOOL_LIST_TIMEOUT")) * time.Second,

		TestMode: v.GetBool("MCP_TEST_MODE"),
		Debug:    v.GetBool("MCP_DEBUG"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values that would only fail
// later at connect time.
func (c *Config) Validate() error {
	var errs []string

	if c.RedisHost == "" {
		errs = append(errs, "REDIS_HOST is required")
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		errs = append(errs, "REDIS_PORT must be between 1 and 65535")
	}
	if c.SessionIdleTTL <= 0 {
		errs = append(errs, "MCP_SESSION_IDLE_TTL must be positive")
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		errs = append(errs, "BRIDGE_PORT must be between 1 and 65535")
	}
	if c.APIBaseURL == "" {
		errs = append(errs, "INSIGHT_API_URL is required")
	}
	if c.ServerScript == "" {
		errs = append(errs, "MCP_SERVER_SCRIPT is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func splitParams(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
