package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/imis/insuree/internal/insureenumber"
	"github.com/imis/insuree/internal/platform/telemetry"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	// MigrationsDir overrides the migrations embedded in the binary.
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	LookupCacheTTL time.Duration `mapstructure:"LOOKUP_CACHE_TTL"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string        `mapstructure:"KAFKA_TOPIC"`

	// OTLPEndpoint is the OTLP/HTTP collector spans are exported to. Tracing
	// is off when empty.
	OTLPEndpoint     string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName      string  `mapstructure:"OTEL_SERVICE_NAME"`
	TraceSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`

	// Row security restricts non-admin users to the districts in their token.
	RowSecurity bool `mapstructure:"ROW_SECURITY"`
	// LocationLevels is the number of location levels (region, district,
	// ward, village).
	LocationLevels int `mapstructure:"LOCATION_LEVELS"`

	PhotosRootPath string `mapstructure:"INSUREE_PHOTOS_ROOT_PATH"`

	NumberLength     int    `mapstructure:"INSUREE_NUMBER_LENGTH"`
	NumberModuloRoot int    `mapstructure:"INSUREE_NUMBER_MODULO_ROOT"`
	NumberChecksum   string `mapstructure:"INSUREE_NUMBER_CHECKSUM"`
	NumberValidator  string `mapstructure:"INSUREE_NUMBER_VALIDATOR"`

	CodeNumberTaken           int `mapstructure:"VALIDATION_CODE_TAKEN_INSUREE_NUMBER"`
	CodeNumberMissing         int `mapstructure:"VALIDATION_CODE_NO_INSUREE_NUMBER"`
	CodeNumberInvalidLength   int `mapstructure:"VALIDATION_CODE_INVALID_INSUREE_NUMBER_LEN"`
	CodeNumberInvalidChecksum int `mapstructure:"VALIDATION_CODE_INVALID_INSUREE_NUMBER_CHECKSUM"`
	CodeNumberException       int `mapstructure:"VALIDATION_CODE_INVALID_INSUREE_NUMBER_EXCEPTION"`

	// Photo renewal ages are in months; the age of majority is in years.
	RenewalPhotoAgeAdult int `mapstructure:"RENEWAL_PHOTO_AGE_ADULT"`
	RenewalPhotoAgeChild int `mapstructure:"RENEWAL_PHOTO_AGE_CHILD"`
	AgeOfMajority        int `mapstructure:"AGE_OF_MAJORITY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REDIS_URL", "LOOKUP_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME", "OTEL_TRACES_SAMPLER_ARG",
	"ROW_SECURITY", "LOCATION_LEVELS", "INSUREE_PHOTOS_ROOT_PATH",
	"INSUREE_NUMBER_LENGTH", "INSUREE_NUMBER_MODULO_ROOT", "INSUREE_NUMBER_CHECKSUM", "INSUREE_NUMBER_VALIDATOR",
	"VALIDATION_CODE_TAKEN_INSUREE_NUMBER", "VALIDATION_CODE_NO_INSUREE_NUMBER",
	"VALIDATION_CODE_INVALID_INSUREE_NUMBER_LEN", "VALIDATION_CODE_INVALID_INSUREE_NUMBER_CHECKSUM",
	"VALIDATION_CODE_INVALID_INSUREE_NUMBER_EXCEPTION",
	"RENEWAL_PHOTO_AGE_ADULT", "RENEWAL_PHOTO_AGE_CHILD", "AGE_OF_MAJORITY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LOOKUP_CACHE_TTL", "10m")
	v.SetDefault("KAFKA_TOPIC", "insuree.mutations")
	v.SetDefault("OTEL_SERVICE_NAME", "insuree")
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("ROW_SECURITY", true)
	v.SetDefault("LOCATION_LEVELS", 4)
	v.SetDefault("INSUREE_PHOTOS_ROOT_PATH", "")
	v.SetDefault("VALIDATION_CODE_TAKEN_INSUREE_NUMBER", int(insureenumber.CodeTaken))
	v.SetDefault("VALIDATION_CODE_NO_INSUREE_NUMBER", int(insureenumber.CodeMissing))
	v.SetDefault("VALIDATION_CODE_INVALID_INSUREE_NUMBER_LEN", int(insureenumber.CodeInvalidLength))
	v.SetDefault("VALIDATION_CODE_INVALID_INSUREE_NUMBER_CHECKSUM", int(insureenumber.CodeInvalidChecksum))
	v.SetDefault("VALIDATION_CODE_INVALID_INSUREE_NUMBER_EXCEPTION", int(insureenumber.CodeException))
	v.SetDefault("RENEWAL_PHOTO_AGE_ADULT", 60)
	v.SetDefault("RENEWAL_PHOTO_AGE_CHILD", 12)
	v.SetDefault("AGE_OF_MAJORITY", 18)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, DevAuthMiddleware grants admin access to unauthenticated requests.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Tracing returns the span export settings.
func (c *Config) Tracing() telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Endpoint:    c.OTLPEndpoint,
		Insecure:    c.OTLPInsecure,
		ServiceName: c.ServiceName,
		SampleRatio: c.TraceSampleRatio,
	}
}

// InsureeNumber returns the validation rules for insuree numbers.
func (c *Config) InsureeNumber() insureenumber.Config {
	return insureenumber.Config{
		Length:     c.NumberLength,
		ModuloRoot: c.NumberModuloRoot,
		Checksum:   insureenumber.Checksum(c.NumberChecksum),
		Validator:  c.NumberValidator,
		Codes: insureenumber.Codes{
			Taken:           insureenumber.Code(c.CodeNumberTaken),
			Missing:         insureenumber.Code(c.CodeNumberMissing),
			InvalidLength:   insureenumber.Code(c.CodeNumberInvalidLength),
			InvalidChecksum: insureenumber.Code(c.CodeNumberInvalidChecksum),
			Exception:       insureenumber.Code(c.CodeNumberException),
		},
	}
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER or AUTH_SIGNING_KEY must be set so that tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.LocationLevels < 1 {
		return fmt.Errorf("LOCATION_LEVELS must be at least 1, got %d", c.LocationLevels)
	}
	if c.RenewalPhotoAgeAdult < 0 || c.RenewalPhotoAgeChild < 0 {
		return fmt.Errorf("photo renewal ages must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.AgeOfMajority <= 0 {
		return fmt.Errorf("AGE_OF_MAJORITY must be positive, got %d", c.AgeOfMajority)
	}
	if err := c.InsureeNumber().Validate(); err != nil {
		return fmt.Errorf("insuree number config: %w", err)
	}
	return nil
}
