package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/logging"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/validation"
)

// Config is the complete service configuration. Secrets are never read from the YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       logging.Config  `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Provision ProvisionConfig `yaml:"provision"`
	Mail      MailConfig      `yaml:"mail"`
	AWS       AWSConfig       `yaml:"aws"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	RunLocal        bool          `yaml:"run_local"`
	BodyLimit       int64         `yaml:"body_limit" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"required"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int    `yaml:"max_conns" validate:"min=1"`
}

// WebhookConfig holds the Stripe signing secret and timestamp tolerance.
type WebhookConfig struct {
	Secret    string        `yaml:"-" validate:"required"`
	Tolerance time.Duration `yaml:"tolerance" validate:"required"`
}

// ProvisionConfig points at the provisioning relay endpoint.
type ProvisionConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	Token            string        `yaml:"-"`
	Timeout          time.Duration `yaml:"timeout" validate:"required"`
	DefaultProductID string        `yaml:"default_product_id" validate:"required"`
}

// MailConfig represents SMTP configuration
type MailConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	From     string `yaml:"from" validate:"required,email"`
	Subject  string `yaml:"subject" validate:"required"`
}

// AWSConfig enables the optional AWS-backed features. Empty values disable them.
type AWSConfig struct {
	DeliveryTable    string        `yaml:"delivery_table"`
	DeliveryTTL      time.Duration `yaml:"delivery_ttl"`
	NotifyQueueURL   string        `yaml:"notify_queue_url"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
}

// Section names a part of the config a binary depends on.
type Section string

const (
	SectionServer    Section = "server"
	SectionDatabase  Section = "database"
	SectionWebhook   Section = "webhook"
	SectionProvision Section = "provision"
	SectionMail      Section = "mail"
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			BodyLimit:       1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: logging.Config{Level: "info"},
		Database: DatabaseConfig{
			URL:      "sqlite://fulfillment.db",
			MaxConns: 10,
		},
		Webhook: WebhookConfig{
			Tolerance: 5 * time.Minute,
		},
		Provision: ProvisionConfig{
			Timeout:          15 * time.Second,
			DefaultProductID: "standard",
		},
		Mail: MailConfig{
			Port:    587,
			Subject: "Your access is ready",
		},
		AWS: AWSConfig{
			DeliveryTTL: 48 * time.Hour,
		},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the environment.
// Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envInt("PORT", &c.Server.Port))
	collect(envBool("RUN_LOCAL", &c.Server.RunLocal))
	collect(envDuration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout))

	envString("LOG_LEVEL", &c.Log.Level)
	if v := os.Getenv("LOG_DEV"); v != "" {
		c.Log.Dev = v == "1" || v == "true"
	}

	envString("DATABASE_URL", &c.Database.URL)
	collect(envInt("DATABASE_MAX_CONNS", &c.Database.MaxConns))

	envString("STRIPE_WEBHOOK_SECRET", &c.Webhook.Secret)
	collect(envDuration("WEBHOOK_TOLERANCE", &c.Webhook.Tolerance))

	envString("PROVISION_URL", &c.Provision.URL)
	envString("PROVISION_TOKEN", &c.Provision.Token)
	collect(envDuration("PROVISION_TIMEOUT", &c.Provision.Timeout))
	envString("DEFAULT_PRODUCT_ID", &c.Provision.DefaultProductID)

	envString("SMTP_HOST", &c.Mail.Host)
	collect(envInt("SMTP_PORT", &c.Mail.Port))
	envString("SMTP_USERNAME", &c.Mail.Username)
	envString("SMTP_PASSWORD", &c.Mail.Password)
	envString("MAIL_FROM", &c.Mail.From)
	envString("MAIL_SUBJECT", &c.Mail.Subject)

	envString("DELIVERY_TABLE", &c.AWS.DeliveryTable)
	collect(envDuration("DELIVERY_TTL", &c.AWS.DeliveryTTL))
	envString("NOTIFY_QUEUE_URL", &c.AWS.NotifyQueueURL)
	envString("METRICS_NAMESPACE", &c.AWS.MetricsNamespace)

	return errors.Join(errs...)
}

// Validate checks the named sections. Each binary validates only what it wires.
func (c *Config) Validate(sections ...Section) error {
	v := validation.New()
	var errs []error
	for _, s := range sections {
		var target interface{}
		switch s {
		case SectionServer:
			target = c.Server
		case SectionDatabase:
			target = c.Database
		case SectionWebhook:
			target = c.Webhook
		case SectionProvision:
			target = c.Provision
		case SectionMail:
			target = c.Mail
		default:
			errs = append(errs, fmt.Errorf("unknown config section %q", s))
			continue
		}
		if err := v.Struct(target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
