// Package config loads gateway configuration: environment variables
// provide defaults, an optional YAML file overlays them, and validation
// failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Scanner      ScannerConfig      `yaml:"scanner"`
	Queue        QueueConfig        `yaml:"queue"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Circuit      CircuitConfig      `yaml:"circuit"`
	Balancer     BalancerConfig     `yaml:"lb"`
	Cache        CacheConfig        `yaml:"cache"`
	Tenants      TenantConfig       `yaml:"tenant"`
	Cost         CostConfig         `yaml:"cost"`
	Policies     PolicyConfig       `yaml:"policies"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Redis        RedisConfig        `yaml:"redis"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

type ScannerConfig struct {
	Parallel   bool `yaml:"parallel"`
	TimeoutMs  int  `yaml:"timeout_ms"`
	PII        bool `yaml:"pii"`
	Injection  bool `yaml:"injection"`
	Toxicity   bool `yaml:"toxicity"`
	DLP        bool `yaml:"dlp"`
	Compliance bool `yaml:"compliance"`
	Responses  bool `yaml:"responses"`
}

type QueueConfig struct {
	MaxSize        int  `yaml:"max_size"`
	MinConcurrent  int  `yaml:"min_concurrent"`
	MaxConcurrent  int  `yaml:"max_concurrent"`
	EnableFairness bool `yaml:"enable_fairness"`
	MaxRetries     int  `yaml:"max_retries"`
	RetryDelayMs   int  `yaml:"retry_delay_ms"`
}

type BackpressureConfig struct {
	Strategy       string   `yaml:"strategy"` // shed | throttle | reject
	ShedPriorities []string `yaml:"shed_priorities"`
	Elevated       float64  `yaml:"elevated"`
	High           float64  `yaml:"high"`
	Critical       float64  `yaml:"critical"`
	ThrottleRPM    int      `yaml:"throttle_rpm"`
	ThrottleBurst  int      `yaml:"throttle_burst"`
}

type CircuitConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Window     int     `yaml:"window"`
	MinSamples int     `yaml:"min_samples"`
	CooldownMs int     `yaml:"cooldown_ms"`
	ProbeBatch int     `yaml:"probe_batch"`
}

type BalancerConfig struct {
	Algorithm     string           `yaml:"algorithm"`
	MaxRetries    int              `yaml:"max_retries"`
	RetryDelayMs  int              `yaml:"retry_delay_ms"`
	MaxPoolSize   int              `yaml:"max_pool_size"`
	IdleTimeoutMs int              `yaml:"idle_timeout_ms"`
	Endpoints     []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
	Weight   int    `yaml:"weight"`
	Enabled  bool   `yaml:"enabled"`
}

type CacheConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxEntries          int     `yaml:"max_entries"`
	TTLMs               int     `yaml:"ttl_ms"`
	EmbeddingDim        int     `yaml:"embedding_dim"`
	Backend             string  `yaml:"backend"` // memory | redis
}

type TenantConfig struct {
	DefaultQuotas QuotaConfig `yaml:"default_quotas"`
	RetentionDays int         `yaml:"retention_days"`
	PostgresURL   string      `yaml:"postgres_url"`
}

type QuotaConfig struct {
	RequestsPerHour  int64   `yaml:"requests_per_hour"`
	RequestsPerDay   int64   `yaml:"requests_per_day"`
	RequestsPerMonth int64   `yaml:"requests_per_month"`
	TokensPerHour    int64   `yaml:"tokens_per_hour"`
	TokensPerDay     int64   `yaml:"tokens_per_day"`
	TokensPerMonth   int64   `yaml:"tokens_per_month"`
	CostPerHour      float64 `yaml:"cost_per_hour"`
	CostPerDay       float64 `yaml:"cost_per_day"`
	CostPerMonth     float64 `yaml:"cost_per_month"`
}

type CostConfig struct {
	SQLitePath string                          `yaml:"sqlite_path"`
	Pricing    map[string]map[string]PriceYAML `yaml:"pricing"`
}

type PriceYAML struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type PolicyConfig struct {
	Dir string `yaml:"dir"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load builds the configuration from environment variables, then, when
// path is non-empty (or PROXILION_CONFIG is set), overlays the YAML file
// on top. Validation failure is an error the caller treats as fatal.
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path == "" {
		path = os.Getenv("PROXILION_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     envStr("PORT", "8080"),
			LogLevel: envStr("LOG_LEVEL", "INFO"),
		},
		Auth: AuthConfig{
			Enabled: envBool("AUTH_ENABLED", false),
			Secret:  os.Getenv("AUTH_SECRET"),
		},
		Scanner: ScannerConfig{
			Parallel:   envBool("SCANNER_PARALLEL", true),
			TimeoutMs:  envInt("SCANNER_TIMEOUT_MS", 500),
			PII:        true,
			Injection:  true,
			Toxicity:   true,
			DLP:        true,
			Compliance: true,
			Responses:  envBool("SCANNER_RESPONSES", false),
		},
		Queue: QueueConfig{
			MaxSize:        envInt("QUEUE_MAX_SIZE", 1000),
			MinConcurrent:  envInt("QUEUE_MIN_CONCURRENT", 2),
			MaxConcurrent:  envInt("QUEUE_MAX_CONCURRENT", 32),
			EnableFairness: envBool("QUEUE_ENABLE_FAIRNESS", true),
			MaxRetries:     envInt("QUEUE_MAX_RETRIES", 2),
			RetryDelayMs:   envInt("QUEUE_RETRY_DELAY_MS", 100),
		},
		Backpressure: BackpressureConfig{
			Strategy:       envStr("BACKPRESSURE_STRATEGY", "shed"),
			ShedPriorities: []string{"low", "background"},
			Elevated:       envFloat("BACKPRESSURE_ELEVATED", 0.6),
			High:           envFloat("BACKPRESSURE_HIGH", 0.8),
			Critical:       envFloat("BACKPRESSURE_CRITICAL", 0.95),
			ThrottleRPM:    envInt("BACKPRESSURE_THROTTLE_RPM", 600),
			ThrottleBurst:  envInt("BACKPRESSURE_THROTTLE_BURST", 20),
		},
		Circuit: CircuitConfig{
			Threshold:  envFloat("CIRCUIT_THRESHOLD", 0.5),
			Window:     envInt("CIRCUIT_WINDOW", 50),
			MinSamples: envInt("CIRCUIT_MIN_SAMPLES", 10),
			CooldownMs: envInt("CIRCUIT_COOLDOWN_MS", 5000),
			ProbeBatch: envInt("CIRCUIT_PROBE_BATCH", 3),
		},
		Balancer: BalancerConfig{
			Algorithm:     envStr("LB_ALGORITHM", "round_robin"),
			MaxRetries:    envInt("LB_MAX_RETRIES", 3),
			RetryDelayMs:  envInt("LB_RETRY_DELAY_MS", 50),
			MaxPoolSize:   envInt("LB_MAX_POOL_SIZE", 10),
			IdleTimeoutMs: envInt("LB_IDLE_TIMEOUT_MS", 60000),
		},
		Cache: CacheConfig{
			Enabled:             envBool("CACHE_ENABLED", true),
			SimilarityThreshold: envFloat("CACHE_SIMILARITY_THRESHOLD", 0.95),
			MaxEntries:          envInt("CACHE_MAX_ENTRIES", 1000),
			TTLMs:               envInt("CACHE_TTL_MS", 3600000),
			EmbeddingDim:        envInt("CACHE_EMBEDDING_DIM", 256),
			Backend:             envStr("CACHE_BACKEND", "memory"),
		},
		Tenants: TenantConfig{
			RetentionDays: envInt("TENANT_RETENTION_DAYS", 31),
			PostgresURL:   os.Getenv("TENANT_POSTGRES_URL"),
		},
		Cost: CostConfig{
			SQLitePath: os.Getenv("COST_SQLITE_PATH"),
		},
		Policies: PolicyConfig{
			Dir: envStr("POLICIES_DIR", "policies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   envFloat("OTEL_SAMPLE_RATE", 1.0),
			Insecure:     envBool("OTEL_INSECURE", false),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Backpressure.Strategy {
	case "shed", "throttle", "reject":
	default:
		return fmt.Errorf("config: unknown backpressure.strategy %q", c.Backpressure.Strategy)
	}

	if !(c.Backpressure.Elevated < c.Backpressure.High && c.Backpressure.High < c.Backpressure.Critical) {
		return fmt.Errorf("config: backpressure thresholds must be strictly increasing, got %.2f/%.2f/%.2f",
			c.Backpressure.Elevated, c.Backpressure.High, c.Backpressure.Critical)
	}

	switch c.Balancer.Algorithm {
	case "round_robin", "least_connections", "least_latency", "weighted_random", "random", "least_cost":
	default:
		return fmt.Errorf("config: unknown lb.algorithm %q", c.Balancer.Algorithm)
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: cache.similarity_threshold must be in [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config: cache.backend redis requires redis.addr")
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.MinConcurrent <= 0 || c.Queue.MaxConcurrent < c.Queue.MinConcurrent {
		return fmt.Errorf("config: queue concurrency bounds invalid: min=%d max=%d",
			c.Queue.MinConcurrent, c.Queue.MaxConcurrent)
	}

	if c.Circuit.Threshold <= 0 || c.Circuit.Threshold > 1 {
		return fmt.Errorf("config: circuit.threshold must be in (0,1], got %v", c.Circuit.Threshold)
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.enabled requires auth.secret")
	}

	for i, ep := range c.Balancer.Endpoints {
		if ep.ID == "" || ep.Provider == "" || ep.URL == "" {
			return fmt.Errorf("config: lb.endpoints[%d] requires id, provider and url", i)
		}
	}

	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
