// Package serverconfig loads opencalld's configuration from environment
// variables with defaults, plus an optional YAML overlay file that can
// set any Config field (e.g. the result backend).
package serverconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the server's runtime configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	CallVersion string `yaml:"callVersion"`

	ResultBackend string `yaml:"resultBackend"` // "inline" | "s3" | "gcs"
	S3Bucket      string `yaml:"s3Bucket"`
	S3Region      string `yaml:"s3Region"`
	S3Endpoint    string `yaml:"s3Endpoint"`
	GCSBucket     string `yaml:"gcsBucket"`

	TelemetryEnabled  bool   `yaml:"telemetryEnabled"`
	TelemetryEndpoint string `yaml:"telemetryEndpoint"`
}

// Load loads configuration from environment variables, applying
// defaults, then merges an optional YAML overlay at the path named by
// OPENCALL_CONFIG_FILE if it exists.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		CallVersion:   getEnv("CALL_VERSION", "2026-01-01"),
		ResultBackend: getEnv("RESULT_BACKEND", "inline"),
		S3Bucket:      os.Getenv("RESULT_S3_BUCKET"),
		S3Region:      getEnv("RESULT_S3_REGION", "us-east-1"),
		S3Endpoint:    os.Getenv("RESULT_S3_ENDPOINT"),
		GCSBucket:     os.Getenv("RESULT_GCS_BUCKET"),

		TelemetryEnabled:  getEnvBool("TELEMETRY_ENABLED", false),
		TelemetryEndpoint: getEnv("TELEMETRY_ENDPOINT", "localhost:4317"),
	}

	if path := os.Getenv("OPENCALL_CONFIG_FILE"); path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("serverconfig: read overlay %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("serverconfig: parse overlay %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
