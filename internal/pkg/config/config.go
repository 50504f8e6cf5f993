package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	appenv "github.com/ManuelReschke/sbily/internal/pkg/env"
)

const (
	minGatewayTimeout = 10 * time.Second
	maxGatewayTimeout = 30 * time.Second
)

type Config struct {
	App      AppConfig      `envPrefix:"APP_"`
	DB       DBConfig       `envPrefix:"DB_"`
	Cache    CacheConfig    `envPrefix:"CACHE_"`
	Stripe   StripeConfig   `envPrefix:"STRIPE_"`
	Packages PackageConfig  `envPrefix:"LINK_PACKAGE_"`
	Mail     MailConfig     `envPrefix:"MAIL_"`
	Quota    QuotaConfig    `envPrefix:"QUOTA_"`
	Queue    QueueConfig    `envPrefix:"JOB_QUEUE_"`
	Metrics  MetricsConfig  `envPrefix:"METRICS_"`
	Reminder ReminderConfig `envPrefix:"RENEWAL_REMINDER_"`
}

type AppConfig struct {
	Name         string `env:"NAME" envDefault:"sbily"`
	Env          string `env:"ENV" envDefault:"prod"`
	Host         string `env:"HOST" envDefault:"0.0.0.0"`
	Port         string `env:"PORT" envDefault:"8080"`
	PublicDomain string `env:"PUBLIC_DOMAIN" envDefault:"http://localhost:8080"`
}

type DBConfig struct {
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Host     string `env:"HOST" envDefault:"127.0.0.1"`
	Port     string `env:"PORT" envDefault:"3306"`
	Name     string `env:"NAME"`
}

// DSN builds the MySQL data source name.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StripeConfig struct {
	SecretKey            string        `env:"SECRET_KEY"`
	WebhookSecret        string        `env:"WEBHOOK_SECRET"`
	APIURL               string        `env:"API_URL"`
	Timeout              time.Duration `env:"TIMEOUT" envDefault:"20s"`
	PricePremiumMonthly  string        `env:"PRICE_PREMIUM_MONTHLY"`
	PricePremiumYearly   string        `env:"PRICE_PREMIUM_YEARLY"`
	PriceBusinessMonthly string        `env:"PRICE_BUSINESS_MONTHLY"`
	PriceBusinessYearly  string        `env:"PRICE_BUSINESS_YEARLY"`
	PriceAdvancedMonthly string        `env:"PRICE_ADVANCED_MONTHLY"`
	PriceAdvancedYearly  string        `env:"PRICE_ADVANCED_YEARLY"`
}

// GatewayTimeout keeps the per-call provider timeout inside 10-30s.
func (c StripeConfig) GatewayTimeout() time.Duration {
	switch {
	case c.Timeout < minGatewayTimeout:
		return minGatewayTimeout
	case c.Timeout > maxGatewayTimeout:
		return maxGatewayTimeout
	}
	return c.Timeout
}

type PackageConfig struct {
	PermanentPrice decimal.Decimal `env:"PERMANENT_PRICE" envDefault:"1.00"`
	TemporaryPrice decimal.Decimal `env:"TEMPORARY_PRICE" envDefault:"2.00"`
	Currency       string          `env:"CURRENCY" envDefault:"usd"`
}

type MailConfig struct {
	Provider      string `env:"PROVIDER" envDefault:"log"`
	From          string `env:"FROM" envDefault:"sbily <no-reply@sbily.local>"`
	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	PostmarkToken string `env:"POSTMARK_SERVER_TOKEN"`
}

type QuotaConfig struct {
	ResetInterval time.Duration `env:"RESET_INTERVAL" envDefault:"720h"`
	ResetCron     string        `env:"RESET_CRON" envDefault:"@every 1h"`
}

type QueueConfig struct {
	Workers    int `env:"WORKERS" envDefault:"3"`
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
}

type MetricsConfig struct {
	User     string `env:"USER" envDefault:"admin"`
	Password string `env:"PASSWORD"`
}

type ReminderConfig struct {
	Cron string        `env:"CRON" envDefault:"0 9 * * *"`
	Lead time.Duration `env:"LEAD" envDefault:"72h"`
}

var ErrMissingStripeConfig = errors.New("stripe secret key and webhook secret are required")

// Load parses the configuration from the .env values and the process environment.
func Load() (*Config, error) {
	return Parse(appenv.Environ())
}

// Parse builds a Config from an explicit environment map.
func Parse(environment map[string]string) (*Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: environment,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): func(v string) (interface{}, error) {
				return decimal.NewFromString(v)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ValidateServer checks the settings the HTTP server cannot run without.
func (c *Config) ValidateServer() error {
	if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
		return ErrMissingStripeConfig
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}
