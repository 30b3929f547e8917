package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models certline.yml.
type Config struct {
	Authority struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"authority"`
	API struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Documents struct {
		Types       []string `yaml:"types"`
		MaxFileSize int64    `yaml:"max_file_size"`
	} `yaml:"documents"`
	Certificates struct {
		Types               []string `yaml:"types"`
		DefaultValidityDays int      `yaml:"default_validity_days"`
	} `yaml:"certificates"`
	Notifications struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
		MaxAttempts         int `yaml:"max_attempts"`
		Email               struct {
			Enabled     bool   `yaml:"enabled"`
			SMTPHost    string `yaml:"smtp_host"`
			SMTPPort    string `yaml:"smtp_port"`
			From        string `yaml:"from"`
			PasswordEnv string `yaml:"password_env"`
		} `yaml:"email"`
	} `yaml:"notifications"`
	Reminders struct {
		Enabled    bool   `yaml:"enabled"`
		Schedule   string `yaml:"schedule"`
		WindowDays int    `yaml:"window_days"`
	} `yaml:"reminders"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one configured activity observer endpoint.
type Webhook struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Actions []string `yaml:"actions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with certline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Authority.ID == "" {
		return fmt.Errorf("config.authority.id is required")
	}
	for i, t := range c.Documents.Types {
		if t == "" {
			return fmt.Errorf("config.documents.types[%d] is empty", i)
		}
	}
	if c.Documents.MaxFileSize < 0 {
		return fmt.Errorf("config.documents.max_file_size must not be negative")
	}
	for i, t := range c.Certificates.Types {
		if t == "" {
			return fmt.Errorf("config.certificates.types[%d] is empty", i)
		}
	}
	if c.Certificates.DefaultValidityDays < 0 {
		return fmt.Errorf("config.certificates.default_validity_days must not be negative")
	}
	if c.Notifications.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.notifications.poll_interval_seconds must not be negative")
	}
	if c.Notifications.BatchSize < 0 {
		return fmt.Errorf("config.notifications.batch_size must not be negative")
	}
	if c.Notifications.MaxAttempts < 0 {
		return fmt.Errorf("config.notifications.max_attempts must not be negative")
	}
	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.SMTPHost == "" {
			return fmt.Errorf("config.notifications.email.smtp_host is required when email is enabled")
		}
		if c.Notifications.Email.From == "" {
			return fmt.Errorf("config.notifications.email.from is required when email is enabled")
		}
	}
	if c.Reminders.Enabled {
		if c.Reminders.WindowDays <= 0 {
			return fmt.Errorf("config.reminders.window_days must be positive when reminders are enabled")
		}
		schedule := c.Reminders.Schedule
		if schedule == "" {
			return fmt.Errorf("config.reminders.schedule is required when reminders are enabled")
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("config.reminders.schedule %q: %w", schedule, err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("config.webhooks[%d].name is required", i)
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has no url", hook.Name)
		}
		for _, action := range hook.Actions {
			if action == "" {
				return fmt.Errorf("webhook %s has empty action filter", hook.Name)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "certline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(authorityID string) string {
	return fmt.Sprintf(defaultTemplate, authorityID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an authority.
func Default(authorityID string) *Config {
	var cfg Config
	cfg.Authority.ID = authorityID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, authorityID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ValidityDays returns the certificate validity to apply, preferring the
// override when positive. Zero means no expiry.
func (c *Config) ValidityDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Certificates.DefaultValidityDays
}

// PollInterval returns the dispatcher poll interval in seconds.
func (c *Config) PollInterval() int {
	if c.Notifications.PollIntervalSeconds <= 0 {
		return 2
	}
	return c.Notifications.PollIntervalSeconds
}

// NotificationBatch returns the dispatcher batch size.
func (c *Config) NotificationBatch() int {
	if c.Notifications.BatchSize <= 0 {
		return 50
	}
	return c.Notifications.BatchSize
}

// NotificationAttempts returns the delivery attempt ceiling per row.
func (c *Config) NotificationAttempts() int {
	if c.Notifications.MaxAttempts <= 0 {
		return 5
	}
	return c.Notifications.MaxAttempts
}

const defaultTemplate = `authority:
  id: %s
  name: Certificate Authority

api:
  addr: ":8080"
  jwt_secret: ""

documents:
  types: [identity, accreditation, financial, legal, technical]
  max_file_size: 10485760

certificates:
  types: [completion, achievement, accreditation, compliance]
  default_validity_days: 365

notifications:
  poll_interval_seconds: 2
  batch_size: 50
  max_attempts: 5
  email:
    enabled: false
    smtp_host: ""
    smtp_port: "587"
    from: ""
    password_env: CERTLINE_SMTP_PASSWORD

reminders:
  enabled: true
  schedule: "0 8 * * *"
  window_days: 30

webhooks: []
`
