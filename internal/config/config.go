// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/relaymux/acctproxy/internal/credentials"
)

// Config holds every tunable the core and its surrounding services read
// at startup. Field names stay close to the environment variables they
// come from rather than the conceptual option names, matching the
// project's existing env-var convention.
type Config struct {
	Host string
	Port int

	AccountsPath string

	RotationEnabled bool
	HotReload       bool

	RefreshBufferSeconds   int
	MinimumCooldownSeconds int
	MaxAttempts            int

	UpstreamTotalTimeout time.Duration
	UpstreamIdleTimeout  time.Duration

	UpstreamAPIURL   string
	TokenEndpointURL string
	OAuthClientID    string

	LogLevel string
}

// Load reads Config from the process environment, falling back to
// documented defaults for anything unset.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		AccountsPath: envOr("ACCOUNTS_PATH", credentials.DefaultPath()),

		RotationEnabled: envBool("ROTATION_ENABLED", true),
		HotReload:       envBool("HOT_RELOAD", true),

		RefreshBufferSeconds:   envInt("REFRESH_BUFFER_SECONDS", 600),
		MinimumCooldownSeconds: envInt("MINIMUM_COOLDOWN_SECONDS", 60),
		MaxAttempts:            envInt("MAX_ATTEMPTS", 3),

		UpstreamTotalTimeout: envSeconds("UPSTREAM_TOTAL_TIMEOUT_SECONDS", 120*time.Second),
		UpstreamIdleTimeout:  envSeconds("UPSTREAM_IDLE_TIMEOUT_SECONDS", 30*time.Second),

		UpstreamAPIURL:   envOr("UPSTREAM_API_URL", "https://api.anthropic.com/v1/messages"),
		TokenEndpointURL: os.Getenv("TOKEN_ENDPOINT_URL"),
		OAuthClientID:    os.Getenv("OAUTH_CLIENT_ID"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate checks the fields that have no sane default.
func (c *Config) Validate() error {
	if c.AccountsPath == "" {
		return errMissing("ACCOUNTS_PATH")
	}
	if c.TokenEndpointURL == "" {
		return errMissing("TOKEN_ENDPOINT_URL")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

var errInvalidBool = errors.New("invalid bool")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := parseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseBool(v string) (bool, error) {
	switch v {
	case "1", "true", "TRUE", "True":
		return true, nil
	case "0", "false", "FALSE", "False":
		return false, nil
	default:
		return false, errInvalidBool
	}
}
