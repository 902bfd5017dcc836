package config

import (
	"errors"
	"time"
)

// ErrMissingDatabaseURL is returned by Load when DATABASE_URL is not set.
var ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")

// S3 configures the S3-compatible media source. It is enabled when Bucket is set.
type S3 struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Config is the process configuration, read from the environment.
type Config struct {
	DatabaseURL string
	Port        string
	LogLevel    string

	// ApplySchema creates the engine and entity tables on startup.
	ApplySchema bool

	FlowsSchema       string
	ShardCount        int
	WorkerConcurrency int
	PollInterval      time.Duration
	LeaseDuration     time.Duration

	LinkedInAPIBase string

	MediaRoot string
	MediaS3   S3
}

// Load reads the configuration from the environment. Call LoadEnv first to
// pick up .env files.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		Port:        GetEnv("PORT", "8080"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		ApplySchema: GetEnvBool("APPLY_SCHEMA", true),

		FlowsSchema:       GetEnv("FLOWS_SCHEMA", "flows"),
		ShardCount:        GetEnvInt("FLOWS_SHARD_COUNT", 1),
		WorkerConcurrency: GetEnvInt("WORKER_CONCURRENCY", 4),
		PollInterval:      GetEnvDuration("POLL_INTERVAL", time.Second),
		LeaseDuration:     GetEnvDuration("LEASE_DURATION", 5*time.Minute),

		LinkedInAPIBase: GetEnv("LINKEDIN_API_BASE", "https://api.linkedin.com"),

		MediaRoot: GetEnv("MEDIA_ROOT", "media"),
		MediaS3: S3{
			Bucket:       GetEnv("MEDIA_S3_BUCKET", ""),
			Region:       GetEnv("MEDIA_S3_REGION", "us-east-1"),
			Endpoint:     GetEnv("MEDIA_S3_ENDPOINT", ""),
			AccessKey:    GetEnv("MEDIA_S3_ACCESS_KEY", ""),
			SecretKey:    GetEnv("MEDIA_S3_SECRET_KEY", ""),
			UsePathStyle: GetEnvBool("MEDIA_S3_USE_PATH_STYLE", false),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, ErrMissingDatabaseURL
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return cfg, nil
}
