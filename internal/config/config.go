// Package config loads proxy configuration from the environment with an
// optional .env file. Every key uses the AIPROXY_ prefix.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable of the proxy.
type Config struct {
	Host string
	Port int

	OllamaBaseURL       string
	OllamaMaxConcurrent int

	DatabasePath string
	DBPoolSize   int

	AdminAPIKey string

	DefaultRequestsPerMinute int
	DefaultRequestsPerDay    int
	DefaultTokensPerMinute   int
	DefaultTokensPerDay      int
	// DefaultTotalTokenLimit of zero means new users get no lifetime cap.
	DefaultTotalTokenLimit int

	MaxUploadSizeMB   int
	AllowedImageTypes []string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit env file path.
func LoadFrom(envFile string) (*Config, error) {
	// Missing .env is fine; the environment alone is a valid source.
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetEnvPrefix("AIPROXY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Host: v.GetString("host"),
		Port: v.GetInt("port"),

		OllamaBaseURL:       v.GetString("ollama_base_url"),
		OllamaMaxConcurrent: v.GetInt("ollama_max_concurrent"),

		DatabasePath: v.GetString("database_path"),
		DBPoolSize:   v.GetInt("db_pool_size"),

		AdminAPIKey: v.GetString("admin_api_key"),

		DefaultRequestsPerMinute: v.GetInt("default_requests_per_minute"),
		DefaultRequestsPerDay:    v.GetInt("default_requests_per_day"),
		DefaultTokensPerMinute:   v.GetInt("default_tokens_per_minute"),
		DefaultTokensPerDay:      v.GetInt("default_tokens_per_day"),
		DefaultTotalTokenLimit:   v.GetInt("default_total_token_limit"),

		MaxUploadSizeMB:   v.GetInt("max_upload_size_mb"),
		AllowedImageTypes: v.GetStringSlice("allowed_image_types"),

		LogLevel:      v.GetString("log_level"),
		LogFile:       v.GetString("log_file"),
		LogMaxSizeMB:  v.GetInt("log_max_size_mb"),
		LogMaxBackups: v.GetInt("log_max_backups"),
		LogMaxAgeDays: v.GetInt("log_max_age_days"),
		LogCompress:   v.GetBool("log_compress"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)

	v.SetDefault("ollama_base_url", "http://localhost:11434")
	v.SetDefault("ollama_max_concurrent", 1)

	v.SetDefault("database_path", "./db/proxy.db")
	v.SetDefault("db_pool_size", 20)

	v.SetDefault("admin_api_key", "admin-secret-key")

	v.SetDefault("default_requests_per_minute", 60)
	v.SetDefault("default_requests_per_day", 1000)
	v.SetDefault("default_tokens_per_minute", 100000)
	v.SetDefault("default_tokens_per_day", 1000000)
	v.SetDefault("default_total_token_limit", 0)

	v.SetDefault("max_upload_size_mb", 10)
	v.SetDefault("allowed_image_types", []string{
		"image/jpeg", "image/png", "image/gif", "image/webp",
	})

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "logs/aiproxy.log")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_max_age_days", 30)
	v.SetDefault("log_compress", true)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.OllamaBaseURL == "" {
		errs = append(errs, "ollama_base_url must not be empty")
	}
	if c.OllamaMaxConcurrent < 1 {
		errs = append(errs, "ollama_max_concurrent must be at least 1")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "database_path must not be empty")
	}
	if c.MaxUploadSizeMB < 1 {
		errs = append(errs, "max_upload_size_mb must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxUploadBytes converts the upload cap to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeMB) << 20
}
