package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Email         EmailConfig         `yaml:"email"`
	SMS           SMSConfig           `yaml:"sms"`
	Bedrock       BedrockConfig       `yaml:"bedrock"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	SendTime      SendTimeConfig      `yaml:"send_time"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings. When URL is empty
// the engine runs on the in-memory store (development and tests).
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings. Redis is optional; without
// it rate limiting and dispatcher locking fall back to in-process state.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EmailConfig holds AWS SES settings for the email channel.
type EmailConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromAddress    string `yaml:"from_address"`
	FromName       string `yaml:"from_name"`
	ConfigSet      string `yaml:"config_set"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SMSConfig holds settings for the HTTP SMS gateway channel.
type SMSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	FromNumber     string `yaml:"from_number"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// BedrockConfig holds AWS Bedrock settings for AI-assisted personalization.
type BedrockConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	ModelID        string `yaml:"model_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// OrchestratorConfig holds dispatch loop settings.
type OrchestratorConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	SendTimeoutSeconds  int `yaml:"send_timeout_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	RetryBaseSeconds    int `yaml:"retry_base_seconds"`
	RetryCapMinutes     int `yaml:"retry_cap_minutes"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
}

// SendTimeConfig holds send-time optimization settings.
type SendTimeConfig struct {
	HistoryDays     int     `yaml:"history_days"`
	HalfLifeDays    float64 `yaml:"half_life_days"`
	MinEngagements  int     `yaml:"min_engagements"`
	DefaultTimezone string  `yaml:"default_timezone"`
}

// AnalyticsConfig holds event aggregation settings.
type AnalyticsConfig struct {
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	TimeSeriesMaxDays    int `yaml:"timeseries_max_days"`
}

// SendTimeout returns the per-message send deadline.
func (c OrchestratorConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// TickInterval returns the dispatcher wake-up interval.
func (c OrchestratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// RetryBase returns the first retry delay.
func (c OrchestratorConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// RetryCap returns the maximum retry delay.
func (c OrchestratorConfig) RetryCap() time.Duration {
	return time.Duration(c.RetryCapMinutes) * time.Minute
}

// LockTTL returns the dispatcher lock time-to-live.
func (c OrchestratorConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-west-2"
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 10
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 10
	}
	if cfg.SMS.MaxRetries == 0 {
		cfg.SMS.MaxRetries = 2
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-west-2"
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Bedrock.TimeoutSeconds == 0 {
		cfg.Bedrock.TimeoutSeconds = 5
	}
	if cfg.Bedrock.MaxTokens == 0 {
		cfg.Bedrock.MaxTokens = 1024
	}
	if cfg.Orchestrator.TickIntervalSeconds == 0 {
		cfg.Orchestrator.TickIntervalSeconds = 5
	}
	if cfg.Orchestrator.BatchSize == 0 {
		cfg.Orchestrator.BatchSize = 100
	}
	if cfg.Orchestrator.SendTimeoutSeconds == 0 {
		cfg.Orchestrator.SendTimeoutSeconds = 10
	}
	if cfg.Orchestrator.MaxAttempts == 0 {
		cfg.Orchestrator.MaxAttempts = 5
	}
	if cfg.Orchestrator.RetryBaseSeconds == 0 {
		cfg.Orchestrator.RetryBaseSeconds = 30
	}
	if cfg.Orchestrator.RetryCapMinutes == 0 {
		cfg.Orchestrator.RetryCapMinutes = 30
	}
	if cfg.Orchestrator.LockTTLSeconds == 0 {
		cfg.Orchestrator.LockTTLSeconds = 60
	}
	if cfg.SendTime.HistoryDays == 0 {
		cfg.SendTime.HistoryDays = 90
	}
	if cfg.SendTime.HalfLifeDays == 0 {
		cfg.SendTime.HalfLifeDays = 30
	}
	if cfg.SendTime.MinEngagements == 0 {
		cfg.SendTime.MinEngagements = 3
	}
	if cfg.SendTime.DefaultTimezone == "" {
		cfg.SendTime.DefaultTimezone = "UTC"
	}
	if cfg.Analytics.FlushIntervalSeconds == 0 {
		cfg.Analytics.FlushIntervalSeconds = 15
	}
	if cfg.Analytics.TimeSeriesMaxDays == 0 {
		cfg.Analytics.TimeSeriesMaxDays = 31
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// If the config file is missing, a default config is used so the engine
// can run entirely from env vars.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	// Override with environment variables if present
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Email.AccessKey = accessKey
		cfg.Email.Enabled = true
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Email.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Email.Region = region
	}
	if from := os.Getenv("EMAIL_FROM_ADDRESS"); from != "" {
		cfg.Email.FromAddress = from
	}
	if baseURL := os.Getenv("SMS_GATEWAY_URL"); baseURL != "" {
		cfg.SMS.BaseURL = baseURL
		cfg.SMS.Enabled = true
	}
	if apiKey := os.Getenv("SMS_API_KEY"); apiKey != "" {
		cfg.SMS.APIKey = apiKey
	}
	if from := os.Getenv("SMS_FROM_NUMBER"); from != "" {
		cfg.SMS.FromNumber = from
	}
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		cfg.Bedrock.Region = region
		cfg.Bedrock.Enabled = true
	}
	if model := os.Getenv("BEDROCK_MODEL_ID"); model != "" {
		cfg.Bedrock.ModelID = model
	}

	return cfg, nil
}
