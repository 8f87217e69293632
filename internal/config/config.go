package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Postgres  PostgresConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Storage   StorageConfig
	Dispatch  DispatchConfig
	Health    HealthConfig
	Pipeline  PipelineConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	LogFormat   string
	ApiDomain   string
	BodyLimitMB int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig selects the persistence backend: redis, postgres or memory.
type StoreConfig struct {
	Driver string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	AnalyzePerHour  int
	GeneratePerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// Configured reports whether enough R2 settings are present to use it.
func (c *R2Config) Configured() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

// StorageConfig is the local filesystem fallback used when R2 is not configured.
type StorageConfig struct {
	LocalDir      string
	PublicBaseURL string
}

type DispatchConfig struct {
	CallTimeout  time.Duration
	MaxImageEdge int
}

type HealthConfig struct {
	Schedule     string
	ProbeTimeout time.Duration
	Concurrency  int
}

type PipelineConfig struct {
	MaxAttempts           int
	AnalysisBackoff       time.Duration
	GenerationBackoff     time.Duration
	GenerationConcurrency int
	ClaimTTL              time.Duration
	BaseGenerationCost    int
	MaxQuantity           int
}

type WorkerConfig struct {
	Concurrency      int
	AnalysisWeight   int
	GenerationWeight int
	HealthWeight     int
	Embedded         bool
	// Scheduler runs the periodic health sweep scheduler in this process.
	// Enable it in one role only.
	Scheduler bool
}

func Load() (*Config, error) {
	// A local .env is optional; real env vars always win.
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("POSTGRES_DSN")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                     "SERVER_PORT",
		"server.env":                      "SERVER_ENV",
		"server.log_level":                "LOG_LEVEL",
		"server.log_format":               "LOG_FORMAT",
		"server.api_domain":               "API_DOMAIN",
		"server.body_limit_mb":            "BODY_LIMIT_MB",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"redis.db":                        "REDIS_DB",
		"store.driver":                    "STORE_DRIVER",
		"postgres.dsn":                    "POSTGRES_DSN",
		"postgres.max_conns":              "POSTGRES_MAX_CONNS",
		"jwt.secret":                      "JWT_SECRET",
		"jwt.expiration":                  "JWT_EXPIRATION",
		"oidc.issuer":                     "OIDC_ISSUER",
		"oidc.client_id":                  "OIDC_CLIENT_ID",
		"gateway.enabled":                 "GATEWAY_ENABLED",
		"ratelimit.analyze_per_hour":      "RATELIMIT_ANALYZE_PER_HOUR",
		"ratelimit.generate_per_hour":     "RATELIMIT_GENERATE_PER_HOUR",
		"r2.account_id":                   "R2_ACCOUNT_ID",
		"r2.access_key_id":                "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":            "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":                  "R2_BUCKET_NAME",
		"r2.public_url":                   "R2_PUBLIC_URL",
		"storage.local_dir":               "STORAGE_LOCAL_DIR",
		"storage.public_base_url":         "STORAGE_PUBLIC_BASE_URL",
		"dispatch.call_timeout":           "DISPATCH_CALL_TIMEOUT",
		"dispatch.max_image_edge":         "DISPATCH_MAX_IMAGE_EDGE",
		"health.schedule":                 "HEALTH_SCHEDULE",
		"health.probe_timeout":            "HEALTH_PROBE_TIMEOUT",
		"health.concurrency":              "HEALTH_CONCURRENCY",
		"pipeline.max_attempts":           "PIPELINE_MAX_ATTEMPTS",
		"pipeline.analysis_backoff":       "PIPELINE_ANALYSIS_BACKOFF",
		"pipeline.generation_backoff":     "PIPELINE_GENERATION_BACKOFF",
		"pipeline.generation_concurrency": "PIPELINE_GENERATION_CONCURRENCY",
		"pipeline.claim_ttl":              "PIPELINE_CLAIM_TTL",
		"pipeline.base_generation_cost":   "PIPELINE_BASE_GENERATION_COST",
		"pipeline.max_quantity":           "PIPELINE_MAX_QUANTITY",
		"worker.concurrency":              "WORKER_CONCURRENCY",
		"worker.embedded":                 "WORKER_EMBEDDED",
		"worker.scheduler":                "WORKER_SCHEDULER",
		"worker.analysis_weight":          "WORKER_ANALYSIS_WEIGHT",
		"worker.generation_weight":        "WORKER_GENERATION_WEIGHT",
		"worker.health_weight":            "WORKER_HEALTH_WEIGHT",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.body_limit_mb", 20)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.analyze_per_hour", 30)
	v.SetDefault("ratelimit.generate_per_hour", 20)
	v.SetDefault("storage.local_dir", "./data/uploads")
	v.SetDefault("storage.public_base_url", "/files")

	// Provider calls
	v.SetDefault("dispatch.call_timeout", 30*time.Second)
	v.SetDefault("dispatch.max_image_edge", 1536)

	// Health sweeps
	v.SetDefault("health.schedule", "@every 5m")
	v.SetDefault("health.probe_timeout", 10*time.Second)
	v.SetDefault("health.concurrency", 4)

	// Job pipeline
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.analysis_backoff", 60*time.Second)
	v.SetDefault("pipeline.generation_backoff", 60*time.Second)
	v.SetDefault("pipeline.generation_concurrency", 1)
	v.SetDefault("pipeline.claim_ttl", 15*time.Minute)
	v.SetDefault("pipeline.base_generation_cost", 10)
	v.SetDefault("pipeline.max_quantity", 8)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.analysis_weight", 4)
	v.SetDefault("worker.generation_weight", 4)
	v.SetDefault("worker.health_weight", 1)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.scheduler", true)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			LogFormat:   v.GetString("server.log_format"),
			ApiDomain:   v.GetString("server.api_domain"),
			BodyLimitMB: v.GetInt("server.body_limit_mb"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
		},
		Postgres: PostgresConfig{
			DSN:      v.GetString("postgres.dsn"),
			MaxConns: v.GetInt32("postgres.max_conns"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			AnalyzePerHour:  v.GetInt("ratelimit.analyze_per_hour"),
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Storage: StorageConfig{
			LocalDir:      v.GetString("storage.local_dir"),
			PublicBaseURL: v.GetString("storage.public_base_url"),
		},
		Dispatch: DispatchConfig{
			CallTimeout:  v.GetDuration("dispatch.call_timeout"),
			MaxImageEdge: v.GetInt("dispatch.max_image_edge"),
		},
		Health: HealthConfig{
			Schedule:     v.GetString("health.schedule"),
			ProbeTimeout: v.GetDuration("health.probe_timeout"),
			Concurrency:  v.GetInt("health.concurrency"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:           v.GetInt("pipeline.max_attempts"),
			AnalysisBackoff:       v.GetDuration("pipeline.analysis_backoff"),
			GenerationBackoff:     v.GetDuration("pipeline.generation_backoff"),
			GenerationConcurrency: v.GetInt("pipeline.generation_concurrency"),
			ClaimTTL:              v.GetDuration("pipeline.claim_ttl"),
			BaseGenerationCost:    v.GetInt("pipeline.base_generation_cost"),
			MaxQuantity:           v.GetInt("pipeline.max_quantity"),
		},
		Worker: WorkerConfig{
			Concurrency:      v.GetInt("worker.concurrency"),
			AnalysisWeight:   v.GetInt("worker.analysis_weight"),
			GenerationWeight: v.GetInt("worker.generation_weight"),
			HealthWeight:     v.GetInt("worker.health_weight"),
			Embedded:         v.GetBool("worker.embedded"),
			Scheduler:        v.GetBool("worker.scheduler"),
		},
	}

	return cfg, nil
}
