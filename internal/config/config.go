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
	BodyMaxSize    string        `mapstructure:"BODY_MAX_SIZE"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	UploadMaxSize string `mapstructure:"UPLOAD_MAX_SIZE"`
	UploadMaxRows int    `mapstructure:"UPLOAD_MAX_ROWS"`
	UploadCharset string `mapstructure:"UPLOAD_CHARSET"`

	MLLPHost       string        `mapstructure:"MLLP_HOST"`
	MLLPPort       int           `mapstructure:"MLLP_PORT"`
	MLLPTimeout    time.Duration `mapstructure:"MLLP_TIMEOUT"`
	MLLPCharset    string        `mapstructure:"MLLP_CHARSET"`
	MLLPMaxRetries int           `mapstructure:"MLLP_MAX_RETRIES"`
	SendDelay      time.Duration `mapstructure:"SEND_DELAY"`

	SendingApplication   string `mapstructure:"SENDING_APPLICATION"`
	SendingFacility      string `mapstructure:"SENDING_FACILITY"`
	ReceivingApplication string `mapstructure:"RECEIVING_APPLICATION"`
	ReceivingFacility    string `mapstructure:"RECEIVING_FACILITY"`
	HL7Version           string `mapstructure:"HL7_VERSION"`
	ProcessingID         string `mapstructure:"PROCESSING_ID"`
	AssigningAuthority   string `mapstructure:"ASSIGNING_AUTHORITY"`
	DefaultTriggerEvent  string `mapstructure:"DEFAULT_TRIGGER_EVENT"`

	PreviewTTL    time.Duration `mapstructure:"PREVIEW_TTL"`
	JobTTL        time.Duration `mapstructure:"JOB_TTL"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	PreviewStore  string        `mapstructure:"PREVIEW_STORE"`
	ValkeyURL     string        `mapstructure:"VALKEY_URL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MappingServiceURL     string        `mapstructure:"MAPPING_SERVICE_URL"`
	MappingServiceToken   string        `mapstructure:"MAPPING_SERVICE_TOKEN"`
	MappingServiceTimeout time.Duration `mapstructure:"MAPPING_SERVICE_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"BODY_MAX_SIZE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"UPLOAD_MAX_SIZE", "UPLOAD_MAX_ROWS", "UPLOAD_CHARSET",
	"MLLP_HOST", "MLLP_PORT", "MLLP_TIMEOUT", "MLLP_CHARSET", "MLLP_MAX_RETRIES", "SEND_DELAY",
	"SENDING_APPLICATION", "SENDING_FACILITY", "RECEIVING_APPLICATION", "RECEIVING_FACILITY",
	"HL7_VERSION", "PROCESSING_ID", "ASSIGNING_AUTHORITY", "DEFAULT_TRIGGER_EVENT",
	"PREVIEW_TTL", "JOB_TTL", "SWEEP_INTERVAL", "PREVIEW_STORE", "VALKEY_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MAPPING_SERVICE_URL", "MAPPING_SERVICE_TOKEN", "MAPPING_SERVICE_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("BODY_MAX_SIZE", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("UPLOAD_MAX_SIZE", "10M")
	v.SetDefault("UPLOAD_MAX_ROWS", 10000)
	v.SetDefault("MLLP_HOST", "localhost")
	v.SetDefault("MLLP_PORT", 2575)
	v.SetDefault("MLLP_TIMEOUT", 30*time.Second)
	v.SetDefault("MLLP_MAX_RETRIES", 0)
	v.SetDefault("SEND_DELAY", 200*time.Millisecond)
	v.SetDefault("SENDING_APPLICATION", "INTAKE")
	v.SetDefault("SENDING_FACILITY", "INTAKE_FAC")
	v.SetDefault("RECEIVING_APPLICATION", "EHR")
	v.SetDefault("RECEIVING_FACILITY", "EHR_FAC")
	v.SetDefault("HL7_VERSION", "2.5")
	v.SetDefault("PROCESSING_ID", "P")
	v.SetDefault("ASSIGNING_AUTHORITY", "INTAKE")
	v.SetDefault("DEFAULT_TRIGGER_EVENT", "A04")
	v.SetDefault("PREVIEW_TTL", time.Hour)
	v.SetDefault("JOB_TTL", 24*time.Hour)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("PREVIEW_STORE", "memory")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MAPPING_SERVICE_TIMEOUT", 15*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.PreviewStore = strings.ToLower(strings.TrimSpace(cfg.PreviewStore))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MLLPAddr returns the downstream receiver address as host:port.
func (c *Config) MLLPAddr() string {
	return fmt.Sprintf("%s:%d", c.MLLPHost, c.MLLPPort)
}

// RateLimitEnabled reports whether per-client rate limiting is on.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitRPS > 0
}

// HasDatabase reports whether the Postgres job archive is configured.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.MLLPHost == "" {
		return fmt.Errorf("MLLP_HOST is required")
	}
	if c.MLLPPort < 1 || c.MLLPPort > 65535 {
		return fmt.Errorf("MLLP_PORT must be between 1 and 65535, got %d", c.MLLPPort)
	}
	if c.MLLPTimeout <= 0 {
		return fmt.Errorf("MLLP_TIMEOUT must be positive, got %s", c.MLLPTimeout)
	}
	if c.MLLPMaxRetries < 0 {
		return fmt.Errorf("MLLP_MAX_RETRIES must not be negative, got %d", c.MLLPMaxRetries)
	}
	if c.SendDelay < 0 {
		return fmt.Errorf("SEND_DELAY must not be negative, got %s", c.SendDelay)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %g", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is on, got %d", c.RateLimitBurst)
	}
	if c.UploadMaxRows < 1 {
		return fmt.Errorf("UPLOAD_MAX_ROWS must be positive, got %d", c.UploadMaxRows)
	}
	if c.PreviewTTL <= 0 || c.JobTTL <= 0 {
		return fmt.Errorf("PREVIEW_TTL and JOB_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}

	switch c.PreviewStore {
	case "memory":
	case "valkey":
		if c.ValkeyURL == "" {
			return fmt.Errorf("VALKEY_URL is required when PREVIEW_STORE is \"valkey\"")
		}
	default:
		return fmt.Errorf("PREVIEW_STORE must be \"memory\" or \"valkey\", got %q", c.PreviewStore)
	}

	if c.HasDatabase() && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
