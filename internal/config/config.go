package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	RedisURL        string   `mapstructure:"REDIS_URL"`
	AMQPURL         string   `mapstructure:"AMQP_URL"`
	ReminderQueue   string   `mapstructure:"REMINDER_QUEUE"`
	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic string   `mapstructure:"KAFKA_AUDIT_TOPIC"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	ClinicTimezone              string        `mapstructure:"CLINIC_TIMEZONE"`
	ReminderLeadTime            time.Duration `mapstructure:"REMINDER_LEAD_TIME"`
	FollowUpProcedure           time.Duration `mapstructure:"FOLLOWUP_INTERVAL_PROCEDURE"`
	FollowUpConsultation        time.Duration `mapstructure:"FOLLOWUP_INTERVAL_CONSULTATION"`
	FollowUpFollowUp            time.Duration `mapstructure:"FOLLOWUP_INTERVAL_FOLLOW_UP"`
	FollowUpEmergency           time.Duration `mapstructure:"FOLLOWUP_INTERVAL_EMERGENCY"`
	LockTimeout                 time.Duration `mapstructure:"LOCK_TIMEOUT"`
	AuditTimeout                time.Duration `mapstructure:"AUDIT_TIMEOUT"`
	EmergencyBypassAvailability bool          `mapstructure:"EMERGENCY_BYPASS_AVAILABILITY"`
	MaxAvailabilityDays         int           `mapstructure:"MAX_AVAILABILITY_DAYS"`

	DispatchInterval time.Duration `mapstructure:"DISPATCH_INTERVAL"`
	DispatchClaimTTL time.Duration `mapstructure:"DISPATCH_CLAIM_TTL"`
	SchedulerURL     string        `mapstructure:"SCHEDULER_URL"`
	DispatchToken    string        `mapstructure:"DISPATCH_TOKEN"`
}

var defaults = map[string]interface{}{
	"PORT":             "8000",
	"ENV":              "development",
	"LOG_LEVEL":        "info",
	"CORS_ORIGINS":     "http://localhost:3000",
	"REQUEST_TIMEOUT":  "30s",
	"BODY_LIMIT":       "1M",
	"RATE_LIMIT_RPS":   50,
	"RATE_LIMIT_BURST": 100,

	"DB_MAX_CONNS": 20,
	"DB_MIN_CONNS": 2,
	"DB_SCHEMA":    "scheduler",

	"REMINDER_QUEUE":    "appointment_reminders",
	"KAFKA_AUDIT_TOPIC": "scheduling.audit",

	"CLINIC_TIMEZONE":                "UTC",
	"REMINDER_LEAD_TIME":             "24h",
	"FOLLOWUP_INTERVAL_PROCEDURE":    "168h",
	"FOLLOWUP_INTERVAL_CONSULTATION": "336h",
	"FOLLOWUP_INTERVAL_FOLLOW_UP":    "720h",
	"FOLLOWUP_INTERVAL_EMERGENCY":    "72h",
	"LOCK_TIMEOUT":                   "5s",
	"AUDIT_TIMEOUT":                  "3s",
	"EMERGENCY_BYPASS_AVAILABILITY":  true,
	"MAX_AVAILABILITY_DAYS":          92,

	"DISPATCH_INTERVAL":  "30s",
	"DISPATCH_CLAIM_TTL": "2m",
}

// Load reads configuration from the environment, falling back to an optional
// .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys() {
		// Unmarshal only sees keys viper knows about.
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	return cfg, nil
}

func keys() []string {
	return []string{
		"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
		"REDIS_URL", "AMQP_URL", "REMINDER_QUEUE", "KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
		"CLINIC_TIMEZONE", "REMINDER_LEAD_TIME",
		"FOLLOWUP_INTERVAL_PROCEDURE", "FOLLOWUP_INTERVAL_CONSULTATION",
		"FOLLOWUP_INTERVAL_FOLLOW_UP", "FOLLOWUP_INTERVAL_EMERGENCY",
		"LOCK_TIMEOUT", "AUDIT_TIMEOUT", "EMERGENCY_BYPASS_AVAILABILITY", "MAX_AVAILABILITY_DAYS",
		"DISPATCH_INTERVAL", "DISPATCH_CLAIM_TTL", "SCHEDULER_URL", "DISPATCH_TOKEN",
	}
}

// splitList accepts both a decoded list and a single comma-separated entry.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether PostgreSQL persistence is configured. Without
// it every store is in-memory.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// AuthMode is "development" when no issuer or signing key is configured
// outside production, "token" otherwise.
func (c *Config) AuthMode() string {
	if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" && !c.IsProduction() {
		return "development"
	}
	return "token"
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// FollowUpIntervals maps appointment types to follow-up delays.
func (c *Config) FollowUpIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"procedure":    c.FollowUpProcedure,
		"consultation": c.FollowUpConsultation,
		"follow_up":    c.FollowUpFollowUp,
		"emergency":    c.FollowUpEmergency,
	}
}

// Validate checks cross-field constraints before the server starts.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY is required in production")
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	positive := map[string]time.Duration{
		"REMINDER_LEAD_TIME": c.ReminderLeadTime,
		"LOCK_TIMEOUT":       c.LockTimeout,
		"AUDIT_TIMEOUT":      c.AuditTimeout,
		"DISPATCH_INTERVAL":  c.DispatchInterval,
		"DISPATCH_CLAIM_TTL": c.DispatchClaimTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	for typ, d := range c.FollowUpIntervals() {
		if d <= 0 {
			return fmt.Errorf("follow-up interval for %s must be positive, got %s", typ, d)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if c.MaxAvailabilityDays <= 0 {
		return fmt.Errorf("MAX_AVAILABILITY_DAYS must be positive, got %d", c.MaxAvailabilityDays)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAuditTopic == "" {
		return fmt.Errorf("KAFKA_AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.AMQPURL != "" && c.ReminderQueue == "" {
		return fmt.Errorf("REMINDER_QUEUE is required when AMQP_URL is set")
	}
	return nil
}
