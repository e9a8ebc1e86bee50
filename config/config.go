// Package config loads process configuration from environment variables,
// following the teacher's envOr/envIntOr helper shape. There is no HTTP
// server config here — the engine is a library; an operator wraps it.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the engine needs to construct its ports and
// pipeline.
type Config struct {
	Store   StoreConfig
	Queue   QueueConfig
	Browser BrowserConfig
	Model   ModelConfig
	Log     LogConfig
}

// StoreConfig controls the site-config document.
type StoreConfig struct {
	// Path is the on-disk location of the persisted YAML document.
	Path string // default: "./data/sites.yaml"
}

// QueueConfig controls the admission layer (C7).
type QueueConfig struct {
	// MaxInFlight is the concurrency cap; the reference default is 1.
	MaxInFlight int // default: 1

	// MaxWaiting bounds the backlog before submissions are rejected.
	MaxWaiting int // default: 100

	// RediscoverThreshold is the consecutive-failure count that forces a
	// known rule back into discovery.
	RediscoverThreshold int // default: 2
}

// BrowserConfig controls the headless browser pool.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// MaxPages is passed to the browser adapter; rodbrowser does not enforce
	// it as a cap on open pages.
	MaxPages int // default: 4

	// DefaultProxy is read from EXTRACTENGINE_PROXY; the command does not
	// pass it to the browser, so it has no effect on loads.
	DefaultProxy string

	// NoSandbox disables Chrome's sandbox (needed in containers).
	NoSandbox bool // default: false

	// NavigationTimeout bounds a single page load.
	NavigationTimeout time.Duration // default: 30s
}

// ModelConfig controls the language-model port's concrete adapter.
type ModelConfig struct {
	// APIKey authenticates against the model provider.
	APIKey string

	// BaseURL overrides the provider endpoint (for self-hosted/compatible
	// gateways).
	BaseURL string

	// Model names the model to call.
	Model string // default: "gpt-4o-mini"

	// Timeout is read from EXTRACTENGINE_MODEL_TIMEOUT; the command does not
	// pass it to modelclient, so suggestion calls are bounded only by the
	// request context.
	Timeout time.Duration // default: 20s
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Store: StoreConfig{
			Path: envOr("EXTRACTENGINE_STORE_PATH", "./data/sites.yaml"),
		},
		Queue: QueueConfig{
			MaxInFlight:         envIntOr("EXTRACTENGINE_MAX_IN_FLIGHT", 1),
			MaxWaiting:          envIntOr("EXTRACTENGINE_MAX_WAITING", 100),
			RediscoverThreshold: envIntOr("EXTRACTENGINE_REDISCOVER_N", 2),
		},
		Browser: BrowserConfig{
			Headless:          envBoolOr("EXTRACTENGINE_HEADLESS", true),
			MaxPages:          envIntOr("EXTRACTENGINE_MAX_PAGES", 4),
			DefaultProxy:      os.Getenv("EXTRACTENGINE_PROXY"),
			NoSandbox:         envBoolOr("EXTRACTENGINE_NO_SANDBOX", false),
			NavigationTimeout: envDurationOr("EXTRACTENGINE_NAV_TIMEOUT", 30*time.Second),
		},
		Model: ModelConfig{
			APIKey:  os.Getenv("EXTRACTENGINE_MODEL_API_KEY"),
			BaseURL: os.Getenv("EXTRACTENGINE_MODEL_BASE_URL"),
			Model:   envOr("EXTRACTENGINE_MODEL_NAME", "gpt-4o-mini"),
			Timeout: envDurationOr("EXTRACTENGINE_MODEL_TIMEOUT", 20*time.Second),
		},
		Log: LogConfig{
			Level:  envOr("EXTRACTENGINE_LOG_LEVEL", "info"),
			Format: envOr("EXTRACTENGINE_LOG_FORMAT", "json"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
