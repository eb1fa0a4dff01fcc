// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's YAML configuration file, applies
// FLOWENGINE_*-prefixed environment overrides over it, and validates
// the result — the same file-then-env-then-validate shape the teacher's
// own internal/config.Load used, narrowed to this engine's settings
// surface (storage backend, queue backend, worker pools, retention,
// listen address, admin/webhook secrets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlane/flowengine/internal/secrets"
)

// BackendConfig selects and configures the durable state store
// (pkg/store) backend.
type BackendConfig struct {
	// Type is one of "memory", "sqlite", "postgres".
	Type string `yaml:"type"`
	// SQLitePath is the database file path when Type == "sqlite".
	SQLitePath string `yaml:"sqlitePath,omitempty"`
	// PostgresURL is the connection string when Type == "postgres".
	PostgresURL     string `yaml:"postgresUrl,omitempty"`
	MaxOpenConns    int    `yaml:"maxOpenConns,omitempty"`
	MaxIdleConns    int    `yaml:"maxIdleConns,omitempty"`
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// QueueConfig selects and configures the job queue (pkg/queue) backend.
type QueueConfig struct {
	// Type is one of "memory", "redis".
	Type      string `yaml:"type"`
	RedisAddr string `yaml:"redisAddr,omitempty"`
	RedisDB   int    `yaml:"redisDb,omitempty"`
}

// WorkerPoolsConfig sizes the three worker pools of spec.md §5.
type WorkerPoolsConfig struct {
	TriggerConcurrency   int     `yaml:"triggerConcurrency"`
	TriggerRateLimitPerS float64 `yaml:"triggerRateLimitPerSec"`
	ExecutorConcurrency  int     `yaml:"executorConcurrency"`
	TimeoutConcurrency   int     `yaml:"timeoutConcurrency"`
	// TimeoutPollInterval is how often the timeout pool sweeps
	// FindExpiredReplyWaits/FindExpiredCallWaits (design decision in
	// DESIGN.md: wait timeouts are poller-driven, not queue-scheduled).
	TimeoutPollInterval time.Duration `yaml:"timeoutPollInterval"`
}

// RetentionConfig configures the supervisor's prune pass (spec.md §4.5).
type RetentionConfig struct {
	CompletedDays int `yaml:"completedDays"`
	FailedDays    int `yaml:"failedDays"`
	JobDays       int `yaml:"jobDays"`
}

// SupervisorConfig configures the periodic reclaim/prune/health pass.
type SupervisorConfig struct {
	ReclaimInterval time.Duration   `yaml:"reclaimInterval"`
	StuckAfter      time.Duration   `yaml:"stuckAfter"`
	PruneInterval   time.Duration   `yaml:"pruneInterval"`
	Retention       RetentionConfig `yaml:"retention"`
}

// ListenConfig configures the HTTP listener exposing the webhook and
// admin endpoints of spec.md §6.
type ListenConfig struct {
	Addr        string `yaml:"addr"`
	TLSCert     string `yaml:"tlsCert,omitempty"`
	TLSKey      string `yaml:"tlsKey,omitempty"`
	AllowRemote bool   `yaml:"allowRemote"`
}

// AdminConfig configures the admin/maintenance endpoint surface.
type AdminConfig struct {
	// JWTSecret, if set, is the HS256 key /workflows/* admin endpoints
	// validate "Authorization: Bearer <token>" JWTs against. May be a
	// secrets.Reference ("env:ADMIN_JWT_SECRET", "file:/run/secrets/…")
	// resolved by secrets.Resolve during Load.
	JWTSecret string `yaml:"jwtSecret,omitempty"`
	// PollSecret guards POST /webhook/voice/poll (spec.md §6).
	PollSecret string `yaml:"pollSecret,omitempty"`
	// NotifyEmail is the admin address spec.md §7 notifications are sent to.
	NotifyEmail string `yaml:"notifyEmail,omitempty"`
}

// WebhookSecrets maps tenantID to the HMAC secret spec.md §6 the
// messaging-reply webhook verifies signatures against when present.
type WebhookSecrets map[string]string

// Config is the full daemon configuration.
type Config struct {
	Backend        BackendConfig     `yaml:"backend"`
	Queue          QueueConfig       `yaml:"queue"`
	WorkerPools    WorkerPoolsConfig `yaml:"workerPools"`
	Supervisor     SupervisorConfig  `yaml:"supervisor"`
	Listen         ListenConfig      `yaml:"listen"`
	Admin          AdminConfig       `yaml:"admin"`
	WebhookSecrets WebhookSecrets    `yaml:"webhookSecrets,omitempty"`
	// NodeExecutionTimeout is the default per-node wall-clock timeout
	// (spec.md §4.2), overridable per node.
	NodeExecutionTimeout time.Duration `yaml:"nodeExecutionTimeout"`
}

// Default returns a Config with the defaults spec.md names throughout
// (§4.2 120s node timeout, §4.5 1min/24h reclaim, §4.5 30/90 day
// retention, §5 pool concurrencies).
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Type: "memory"},
		Queue:   QueueConfig{Type: "memory"},
		WorkerPools: WorkerPoolsConfig{
			TriggerConcurrency:   5,
			TriggerRateLimitPerS: 20,
			ExecutorConcurrency:  10,
			TimeoutConcurrency:   3,
			TimeoutPollInterval:  5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ReclaimInterval: 1 * time.Minute,
			StuckAfter:      24 * time.Hour,
			PruneInterval:   1 * time.Hour,
			Retention: RetentionConfig{
				CompletedDays: 30,
				FailedDays:    90,
				JobDays:       7,
			},
		},
		Listen: ListenConfig{
			Addr: "127.0.0.1:8088",
		},
		NodeExecutionTimeout: 120 * time.Second,
	}
}

// Load reads configPath (if non-empty and present) over the defaults,
// then applies FLOWENGINE_*-prefixed environment overrides, then
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets resolves every field that may carry a secrets.Reference
// ("env:NAME", "file:/path", "${NAME}") instead of a literal value,
// using the default env+file resolver chain.
func (c *Config) resolveSecrets() error {
	resolver := secrets.DefaultResolver()

	resolve := func(field *string) error {
		if *field == "" {
			return nil
		}
		v, err := resolver.Resolve(*field)
		if err != nil {
			return err
		}
		*field = v
		return nil
	}

	if err := resolve(&c.Backend.PostgresURL); err != nil {
		return fmt.Errorf("config: backend.postgresUrl: %w", err)
	}
	if err := resolve(&c.Admin.JWTSecret); err != nil {
		return fmt.Errorf("config: admin.jwtSecret: %w", err)
	}
	if err := resolve(&c.Admin.PollSecret); err != nil {
		return fmt.Errorf("config: admin.pollSecret: %w", err)
	}
	for tenant, v := range c.WebhookSecrets {
		resolved, err := resolver.Resolve(v)
		if err != nil {
			return fmt.Errorf("config: webhookSecrets[%s]: %w", tenant, err)
		}
		c.WebhookSecrets[tenant] = resolved
	}
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv applies FLOWENGINE_*-prefixed environment variables over
// whatever the file/defaults already set. Only the settings an operator
// is likely to need per-deployment (backend DSN, queue address, listen
// address, admin secrets) have env overrides; structural settings
// (worker pool sizing, retention) are file-only.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("FLOWENGINE_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("FLOWENGINE_SQLITE_PATH"); v != "" {
		c.Backend.SQLitePath = v
	}
	if v := os.Getenv("FLOWENGINE_POSTGRES_URL"); v != "" {
		c.Backend.PostgresURL = v
	}
	if v := os.Getenv("FLOWENGINE_QUEUE"); v != "" {
		c.Queue.Type = v
	}
	if v := os.Getenv("FLOWENGINE_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("FLOWENGINE_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("FLOWENGINE_ALLOW_REMOTE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Listen.AllowRemote = b
		}
	}
	if v := os.Getenv("FLOWENGINE_ADMIN_JWT_SECRET"); v != "" {
		c.Admin.JWTSecret = v
	}
	if v := os.Getenv("FLOWENGINE_POLL_SECRET"); v != "" {
		c.Admin.PollSecret = v
	}
	if v := os.Getenv("FLOWENGINE_NOTIFY_EMAIL"); v != "" {
		c.Admin.NotifyEmail = v
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown backend type %q", c.Backend.Type)
	}
	if c.Backend.Type == "sqlite" && c.Backend.SQLitePath == "" {
		return fmt.Errorf("config: backend.sqlitePath required for sqlite backend")
	}
	if c.Backend.Type == "postgres" && c.Backend.PostgresURL == "" {
		return fmt.Errorf("config: backend.postgresUrl required for postgres backend")
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown queue type %q", c.Queue.Type)
	}
	if c.Queue.Type == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("config: queue.redisAddr required for redis queue")
	}
	if !c.Listen.AllowRemote {
		host, _, err := splitHostPort(c.Listen.Addr)
		if err == nil && host != "" && host != "127.0.0.1" && host != "localhost" && host != "::1" {
			return fmt.Errorf("config: listen.addr %q binds non-localhost; set listen.allowRemote to confirm", c.Listen.Addr)
		}
	}
	if c.WorkerPools.ExecutorConcurrency <= 0 {
		return fmt.Errorf("config: workerPools.executorConcurrency must be > 0")
	}
	return nil
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("config: no port in address %q", addr)
}
