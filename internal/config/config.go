// Package config loads process configuration from MEDSAFE_* environment
// variables and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-medsafe/internal/cache"
	"github.com/drfirst/go-medsafe/internal/interaction"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lookup"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
	"github.com/drfirst/go-medsafe/internal/validation"
	"github.com/drfirst/go-medsafe/pkg/retry"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MEDSAFE"

// GatewayMock selects the in-memory HIS.
const GatewayMock = "mock"

// Config is the union of every process's settings.
type Config struct {
	Env       string   `mapstructure:"ENV"`
	Port      string   `mapstructure:"PORT"`
	LogLevel  string   `mapstructure:"LOG_LEVEL"`
	LogFormat string   `mapstructure:"LOG_FORMAT"`
	APIKeys   []string `mapstructure:"API_KEYS"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	OrderEventsTopic   string   `mapstructure:"ORDER_EVENTS_TOPIC"`
	GatewayStatusTopic string   `mapstructure:"GATEWAY_STATUS_TOPIC"`
	ConsumerGroup      string   `mapstructure:"CONSUMER_GROUP"`
	Workers            int      `mapstructure:"WORKERS"`

	KnowledgeSource string `mapstructure:"KNOWLEDGE_SOURCE"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey     string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey     string `mapstructure:"S3_SECRET_KEY"`
	S3Region        string `mapstructure:"S3_REGION"`
	S3UseSSL        bool   `mapstructure:"S3_USE_SSL"`

	RemoteLookup         bool          `mapstructure:"REMOTE_LOOKUP"`
	RxNormBaseURL        string        `mapstructure:"RXNORM_BASE_URL"`
	OpenFDABaseURL       string        `mapstructure:"OPENFDA_BASE_URL"`
	OpenFDAAPIKey        string        `mapstructure:"OPENFDA_API_KEY"`
	LookupTimeout        time.Duration `mapstructure:"LOOKUP_TIMEOUT"`
	LookupParallelism    int           `mapstructure:"LOOKUP_PARALLELISM"`
	RetryAttempts        uint          `mapstructure:"RETRY_ATTEMPTS"`
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`
	CacheTTLRxNorm       time.Duration `mapstructure:"CACHE_TTL_RXNORM"`
	CacheTTLOpenFDA      time.Duration `mapstructure:"CACHE_TTL_OPENFDA"`
	CacheMaxEntries      int           `mapstructure:"CACHE_MAX_ENTRIES"`

	Gateway        string        `mapstructure:"HIS_GATEWAY"`
	GatewayAPIKey  string        `mapstructure:"HIS_API_KEY"`
	GatewayTimeout time.Duration `mapstructure:"HIS_TIMEOUT"`

	HighAlertWarnings bool `mapstructure:"HIGH_ALERT_WARNINGS"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var defaults = map[string]interface{}{
	"ENV":                    "development",
	"PORT":                   "8080",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"API_KEYS":               "",
	"DATABASE_URL":           "",
	"REDIS_ADDR":             "",
	"REDIS_PASSWORD":         "",
	"REDIS_DB":               0,
	"KAFKA_BROKERS":          "localhost:9092",
	"ORDER_EVENTS_TOPIC":     "order.events",
	"GATEWAY_STATUS_TOPIC":   "order.gateway-status",
	"CONSUMER_GROUP":         "medsafe-order-events",
	"WORKERS":                8,
	"KNOWLEDGE_SOURCE":       "embedded",
	"S3_ENDPOINT":            "",
	"S3_ACCESS_KEY":          "",
	"S3_SECRET_KEY":          "",
	"S3_REGION":              "",
	"S3_USE_SSL":             true,
	"REMOTE_LOOKUP":          true,
	"RXNORM_BASE_URL":        "https://rxnav.nlm.nih.gov/REST",
	"OPENFDA_BASE_URL":       "https://api.fda.gov",
	"OPENFDA_API_KEY":        "",
	"LOOKUP_TIMEOUT":         "30s",
	"LOOKUP_PARALLELISM":     8,
	"RETRY_ATTEMPTS":         3,
	"RETRY_INITIAL_INTERVAL": "200ms",
	"RETRY_MAX_INTERVAL":     "2s",
	"CACHE_TTL_RXNORM":       "24h",
	"CACHE_TTL_OPENFDA":      "24h",
	"CACHE_MAX_ENTRIES":      10000,
	"HIS_GATEWAY":            GatewayMock,
	"HIS_API_KEY":            "",
	"HIS_TIMEOUT":            "10s",
	"HIGH_ALERT_WARNINGS":    true,
	"OTLP_ENDPOINT":          "",
	"TRACE_SAMPLE_RATE":      1.0,
}

// Load reads the configuration. Values in a .env file in the working
// directory use the unprefixed keys; environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees environment values.
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(cfg.APIKeys)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings no process can run with.
func (c *Config) Validate() error {
	if c.RetryAttempts == 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("LOOKUP_TIMEOUT must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

// IsProduction reports ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseMockGateway reports whether orders go to the in-memory HIS.
func (c *Config) UseMockGateway() bool {
	return c.Gateway == "" || c.Gateway == GatewayMock
}

// RetryPolicy is applied to remote lookups and gateway calls.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryAttempts
	p.InitialInterval = c.RetryInitialInterval
	p.MaxInterval = c.RetryMaxInterval
	p.AttemptTimeout = c.LookupTimeout
	return p
}

// LookupConfig configures the RxNorm and openFDA clients.
func (c *Config) LookupConfig() lookup.Config {
	return lookup.Config{
		RxNormBaseURL:  c.RxNormBaseURL,
		OpenFDABaseURL: c.OpenFDABaseURL,
		OpenFDAAPIKey:  c.OpenFDAAPIKey,
		Timeout:        c.LookupTimeout,
		Retry:          c.RetryPolicy(),
	}
}

// CacheConfig sets the per-source TTLs.
func (c *Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.TTLs[cache.NamespaceRxNorm] = c.CacheTTLRxNorm
	cfg.TTLs[cache.NamespaceOpenFDA] = c.CacheTTLOpenFDA
	cfg.MaxEntries = c.CacheMaxEntries
	return cfg
}

// InteractionConfig controls remote evidence gathering.
func (c *Config) InteractionConfig() interaction.Config {
	cfg := interaction.DefaultConfig()
	cfg.RemoteEnabled = c.RemoteLookup
	if c.LookupParallelism > 0 {
		cfg.Parallelism = c.LookupParallelism
	}
	return cfg
}

// ValidationConfig controls the validator policy.
func (c *Config) ValidationConfig() validation.Config {
	cfg := validation.DefaultConfig()
	cfg.HighAlertWarnings = c.HighAlertWarnings
	return cfg
}

// Knowledge resolves KNOWLEDGE_SOURCE into a bundle source.
func (c *Config) Knowledge() (knowledge.Source, error) {
	return knowledge.ParseSourceURI(c.KnowledgeSource, knowledge.ObjectStoreConfig{
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Region:    c.S3Region,
		UseSSL:    c.S3UseSSL,
	})
}

// Tracing returns the tracing configuration for service.
func (c *Config) Tracing(service string) tracing.Config {
	cfg := tracing.DefaultConfig(service)
	cfg.Environment = c.Env
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRate = c.TraceSampleRate
	return cfg
}
