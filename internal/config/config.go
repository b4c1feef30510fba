// Package config handles loading and validation of service configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"cartsync/internal/reconcile"
	"cartsync/internal/transport"
)

// Backend modes.
const (
	BackendHTTP   = "http"
	BackendMemory = "memory" // in-process backend for local development
)

// Store types.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config holds all service configuration.
// Environment determines whether secrets load from env vars (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string `json:"port"`
	Environment string `json:"environment"` // "development" or "production"
	LogLevel    string `json:"log_level"`   // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string `json:"gcp_project"`
	SecretID   string `json:"secret_id"`

	Backend  BackendConfig  `json:"backend"`
	Store    StoreConfig    `json:"store"`
	Merge    MergeConfig    `json:"merge"`
	Mutation MutationConfig `json:"mutation"`
	Session  SessionConfig  `json:"session"`
}

// BackendConfig describes the remote cart backend.
type BackendConfig struct {
	Mode       string   `json:"mode"`
	URL        string   `json:"url"`
	Timeout    Duration `json:"timeout"`
	TLSProfile string   `json:"tls_profile"`

	BreakerFailures    uint32   `json:"breaker_failures"`
	BreakerOpenTimeout Duration `json:"breaker_open_timeout"`
	BreakerHalfOpen    uint32   `json:"breaker_half_open"` // trial requests while half-open
}

// StoreConfig selects where local cart snapshots are kept.
type StoreConfig struct {
	Type string `json:"type"`
	Dir  string `json:"dir"`

	RedisAddr     string   `json:"redis_addr"`
	RedisPassword string   `json:"redis_password"`
	RedisDB       int      `json:"redis_db"`
	RedisPrefix   string   `json:"redis_prefix"`
	RedisTTL      Duration `json:"redis_ttl"`
}

// MergeConfig controls the login merge.
type MergeConfig struct {
	Policy      string `json:"policy"`
	Concurrency int    `json:"concurrency"`
}

// MutationConfig controls cart mutations.
type MutationConfig struct {
	Timeout     Duration `json:"timeout"`
	HistorySize int      `json:"history_size"`
	// WaitBudget is how long an HTTP request waits for confirmation
	// before answering 202.
	WaitBudget Duration `json:"wait_budget"`
}

// SessionConfig bounds the in-memory session registry.
type SessionConfig struct {
	IdleTimeout Duration `json:"idle_timeout"`
	MaxSessions int      `json:"max_sessions"`
}

// Secrets is the JSON payload of the production secret.
type Secrets struct {
	BackendURL    string `json:"backend_url"`
	RedisPassword string `json:"redis_password"`
}

// Duration is a time.Duration that reads from JSON strings like "10s".
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(n)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) then ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	// If CONFIG_FILE is set, load everything from the JSON file
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg, err := loadFromEnv()
	if err != nil {
		return nil, err
	}

	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if err := cfg.loadFromSecretManager(ctx); err != nil {
			return nil, fmt.Errorf("loading secrets: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadFromEnv reads configuration from individual environment variables.
func loadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("ENVIRONMENT", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		GCPProject:  os.Getenv("GCP_PROJECT"),
		SecretID:    os.Getenv("SECRET_ID"),
		Backend: BackendConfig{
			Mode:       os.Getenv("BACKEND_MODE"),
			URL:        os.Getenv("BACKEND_URL"),
			TLSProfile: os.Getenv("BACKEND_TLS_PROFILE"),
		},
		Store: StoreConfig{
			Type:          os.Getenv("STORE_TYPE"),
			Dir:           os.Getenv("STORE_DIR"),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisPrefix:   os.Getenv("REDIS_PREFIX"),
		},
		Merge: MergeConfig{
			Policy: os.Getenv("MERGE_POLICY"),
		},
	}

	durations := []struct {
		env string
		dst *Duration
	}{
		{"BACKEND_TIMEOUT", &cfg.Backend.Timeout},
		{"BREAKER_OPEN_TIMEOUT", &cfg.Backend.BreakerOpenTimeout},
		{"REDIS_TTL", &cfg.Store.RedisTTL},
		{"MUTATION_TIMEOUT", &cfg.Mutation.Timeout},
		{"MUTATION_WAIT", &cfg.Mutation.WaitBudget},
		{"SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout},
	}
	for _, d := range durations {
		if err := envDuration(d.env, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"REDIS_DB", &cfg.Store.RedisDB},
		{"MERGE_CONCURRENCY", &cfg.Merge.Concurrency},
		{"MUTATION_HISTORY", &cfg.Mutation.HistorySize},
		{"SESSION_MAX", &cfg.Session.MaxSessions},
	}
	for _, i := range ints {
		if err := envInt(i.env, i.dst); err != nil {
			return nil, err
		}
	}

	counts := []struct {
		env string
		dst *uint32
	}{
		{"BREAKER_FAILURES", &cfg.Backend.BreakerFailures},
		{"BREAKER_HALF_OPEN", &cfg.Backend.BreakerHalfOpen},
	}
	for _, c := range counts {
		var n int
		if err := envInt(c.env, &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%s must not be negative", c.env)
		}
		*c.dst = uint32(n)
	}

	return cfg, nil
}

// loadFromSecretManager fetches backend credentials from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{secret_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, withDefault(c.SecretID, "cartsync"))

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	var secrets Secrets
	if err := json.Unmarshal(result.Payload.Data, &secrets); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	c.applySecrets(secrets)
	return nil
}

// applySecrets overrides settings with any values present in s.
func (c *Config) applySecrets(s Secrets) {
	if s.BackendURL != "" {
		c.Backend.URL = s.BackendURL
	}
	if s.RedisPassword != "" {
		c.Store.RedisPassword = s.RedisPassword
	}
}

func (c *Config) applyDefaults() {
	c.Port = withDefault(c.Port, "8080")
	c.Environment = withDefault(c.Environment, "development")
	c.LogLevel = withDefault(c.LogLevel, "info")

	c.Backend.Mode = withDefault(c.Backend.Mode, BackendHTTP)
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = Duration(10 * time.Second)
	}
	if c.Backend.BreakerFailures == 0 {
		c.Backend.BreakerFailures = 5
	}
	if c.Backend.BreakerOpenTimeout == 0 {
		c.Backend.BreakerOpenTimeout = Duration(30 * time.Second)
	}
	if c.Backend.BreakerHalfOpen == 0 {
		c.Backend.BreakerHalfOpen = 1
	}

	c.Store.Type = withDefault(c.Store.Type, StoreMemory)
	c.Store.RedisPrefix = withDefault(c.Store.RedisPrefix, "cartsync:")

	c.Merge.Policy = withDefault(c.Merge.Policy, string(reconcile.ServerWins))
	if c.Merge.Concurrency == 0 {
		c.Merge.Concurrency = 4
	}

	if c.Mutation.Timeout == 0 {
		c.Mutation.Timeout = Duration(10 * time.Second)
	}
	if c.Mutation.HistorySize == 0 {
		c.Mutation.HistorySize = 256
	}
	if c.Mutation.WaitBudget == 0 {
		c.Mutation.WaitBudget = Duration(2 * time.Second)
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 10000
	}
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	switch c.Backend.Mode {
	case BackendHTTP:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend url is required")
		}
		u, err := url.Parse(c.Backend.URL)
		if err != nil {
			return fmt.Errorf("invalid backend url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend url must be http or https, got %q", c.Backend.URL)
		}
	case BackendMemory:
		if c.Environment == "production" {
			return fmt.Errorf("memory backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown backend mode %q (http or memory)", c.Backend.Mode)
	}

	if !transport.ValidProfile(c.Backend.TLSProfile) {
		return fmt.Errorf("unknown tls_profile %q", c.Backend.TLSProfile)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store dir is required for the file store")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store type %q (memory, file or redis)", c.Store.Type)
	}

	if _, err := reconcile.ParsePolicy(c.Merge.Policy); err != nil {
		return err
	}
	if c.Merge.Concurrency < 0 {
		return fmt.Errorf("merge concurrency must not be negative")
	}
	if c.Mutation.Timeout < 0 || c.Mutation.WaitBudget < 0 || c.Backend.Timeout < 0 || c.Session.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Mutation.HistorySize < 0 {
		return fmt.Errorf("mutation history size must not be negative")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative")
	}

	return nil
}

// MergePolicy returns the parsed merge policy. Valid after Load.
func (c *Config) MergePolicy() reconcile.Policy {
	p, _ := reconcile.ParsePolicy(c.Merge.Policy)
	return p
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envDuration(key string, dst *Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

func envInt(key string, dst *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	*dst = n
	return nil
}
