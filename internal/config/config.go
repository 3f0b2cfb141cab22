package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hushh/internal/domain"
)

// Config models hushh.yml. Secrets are never part of the file; only the
// names of the environment variables holding them are.
type Config struct {
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
	Server struct {
		Addr          string        `yaml:"addr"`
		BasePath      string        `yaml:"base_path"`
		RequireAPIKey bool          `yaml:"require_api_key"`
		ExecuteWait   time.Duration `yaml:"execute_wait"`
		MaxBodyBytes  int64         `yaml:"max_body_bytes"`
		RateLimit     struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Consent struct {
		Issuer     string        `yaml:"issuer"`
		SecretEnv  string        `yaml:"secret_env"`
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MaxTTL     time.Duration `yaml:"max_ttl"`
	} `yaml:"consent"`
	Vault struct {
		MasterKeyEnv    string              `yaml:"master_key_env"`
		DefaultCategory string              `yaml:"default_category"`
		Catalog         map[string][]string `yaml:"catalog"`
	} `yaml:"vault"`
	Workflow struct {
		Workers         int           `yaml:"workers"`
		Generation      RetryConfig   `yaml:"generation"`
		Execution       RetryConfig   `yaml:"execution"`
		ApprovalTimeout time.Duration `yaml:"approval_timeout"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
	} `yaml:"workflow"`
	Revocation struct {
		Backend         string        `yaml:"backend"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		Redis           struct {
			Addr        string `yaml:"addr"`
			PasswordEnv string `yaml:"password_env"`
			DB          int    `yaml:"db"`
			Prefix      string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"revocation"`
	LLM struct {
		Provider  string        `yaml:"provider"`
		BaseURL   string        `yaml:"base_url"`
		Model     string        `yaml:"model"`
		APIKeyEnv string        `yaml:"api_key_env"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"llm"`
	Agents struct {
		Mailer struct {
			From          string `yaml:"from"`
			MaxRecipients int    `yaml:"max_recipients"`
		} `yaml:"mailer"`
		Research struct {
			LinkTTL time.Duration `yaml:"link_ttl"`
		} `yaml:"research"`
	} `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	p := Path(workspace)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hushh config init", p)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("config.server.max_body_bytes must not be negative")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	if c.Consent.SecretEnv == "" {
		return fmt.Errorf("config.consent.secret_env is required")
	}
	if c.Consent.DefaultTTL <= 0 {
		return fmt.Errorf("config.consent.default_ttl must be positive")
	}
	if c.Consent.MaxTTL < c.Consent.DefaultTTL {
		return fmt.Errorf("config.consent.max_ttl must be at least default_ttl")
	}
	if c.Vault.MasterKeyEnv == "" {
		return fmt.Errorf("config.vault.master_key_env is required")
	}
	if !isCategory(c.Vault.DefaultCategory) {
		return fmt.Errorf("config.vault.default_category %q is not a vault category", c.Vault.DefaultCategory)
	}
	for category, patterns := range c.Vault.Catalog {
		if !isCategory(category) {
			return fmt.Errorf("config.vault.catalog has unknown category %q", category)
		}
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil || p == "" {
				return fmt.Errorf("config.vault.catalog.%s has invalid pattern %q", category, p)
			}
		}
	}
	if c.Workflow.Workers <= 0 {
		return fmt.Errorf("config.workflow.workers must be positive")
	}
	if c.Workflow.Generation.MaxAttempts <= 0 {
		return fmt.Errorf("config.workflow.generation.max_attempts must be positive")
	}
	if c.Workflow.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("config.workflow.execution.max_attempts must be positive")
	}
	if c.Workflow.ApprovalTimeout < 0 {
		return fmt.Errorf("config.workflow.approval_timeout must not be negative")
	}
	switch c.Revocation.Backend {
	case "sqlite":
	case "redis":
		if c.Revocation.Redis.Addr == "" {
			return fmt.Errorf("config.revocation.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.revocation.backend must be sqlite or redis")
	}
	switch c.LLM.Provider {
	case "static":
	case "openai":
		if c.LLM.BaseURL == "" || c.LLM.Model == "" {
			return fmt.Errorf("config.llm.base_url and config.llm.model are required for the openai provider")
		}
	default:
		return fmt.Errorf("config.llm.provider must be static or openai")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

func isCategory(v string) bool {
	for _, c := range domain.VaultCategories {
		if c == v {
			return true
		}
	}
	return false
}

// SecretKey returns the HMAC key for consent tokens and trust links.
func (c *Config) SecretKey() ([]byte, error) {
	v := os.Getenv(c.Consent.SecretEnv)
	if len(v) < 32 {
		return nil, fmt.Errorf("%s must be set to at least 32 bytes", c.Consent.SecretEnv)
	}
	return []byte(v), nil
}

// VaultMasterKey returns the 32-byte vault master key.
func (c *Config) VaultMasterKey() ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(c.Vault.MasterKeyEnv))
	key, err := hex.DecodeString(v)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%s must be set to 64 hex characters", c.Vault.MasterKeyEnv)
	}
	return key, nil
}

func (c *Config) LLMAPIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

func (c *Config) RedisPassword() string {
	if c.Revocation.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Revocation.Redis.PasswordEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hushh.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `storage:
  data_dir: .

server:
  addr: 127.0.0.1:8080
  base_path: /api
  require_api_key: false
  execute_wait: 10s
  max_body_bytes: 4194304
  rate_limit:
    rps: 20
    burst: 40

consent:
  issuer: hushh
  secret_env: HUSHH_SECRET_KEY
  default_ttl: 24h
  max_ttl: 720h

vault:
  master_key_env: HUSHH_VAULT_KEY
  default_category: file
  catalog:
    email: ["campaign_*", "email_*", "mail_*"]
    calendar: ["calendar_*", "event_*"]
    finance: ["finance_*", "report_*", "portfolio_*"]
    research: ["research_*", "paper_*", "answer_*"]

workflow:
  workers: 4
  approval_timeout: 72h
  sweep_interval: 1m
  generation:
    max_attempts: 3
    initial_interval: 500ms
    max_interval: 5s
  execution:
    max_attempts: 3
    initial_interval: 200ms
    max_interval: 2s

revocation:
  backend: sqlite
  cleanup_interval: 1h
  redis:
    addr: 127.0.0.1:6379
    password_env: HUSHH_REDIS_PASSWORD
    db: 0
    prefix: "hushh:revoked:"

llm:
  provider: static
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key_env: HUSHH_LLM_API_KEY
  timeout: 30s

agents:
  mailer:
    from: no-reply@hushh.local
    max_recipients: 500
  research:
    link_ttl: 1h

logging:
  level: info
  format: text
`
