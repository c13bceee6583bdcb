package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string
		GRPCPort  string
		LogLevel  string
		LogFormat string
	}
	Auth struct {
		JWTSecret string
		Issuer    string
		TokenTTL  time.Duration
	}
	OpenAI struct {
		APIKey      string
		BaseURL     string
		Model       string
		Temperature float64
		Timeout     time.Duration
	}
	Hume struct {
		APIKey      string
		SecretKey   string
		ConfigID    string
		TokenURL    string
		CacheMargin time.Duration
	}
	Database struct {
		URL string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	AMQP struct {
		URL   string
		Queue string
	}
	Analysis struct {
		Workers    int
		QueueSize  int
		JobTimeout time.Duration
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("auth.issuer", "coach")
	v.SetDefault("auth.token_ttl", "8h")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", "90s")

	v.SetDefault("hume.token_url", "https://api.hume.ai/oauth2-cc/token")
	v.SetDefault("hume.cache_margin", "60s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("amqp.queue", "coach.analysis")

	v.SetDefault("analysis.workers", 4)
	v.SetDefault("analysis.queue_size", 64)
	v.SetDefault("analysis.job_timeout", "3m")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")

	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("auth.token_ttl", "JWT_TOKEN_TTL")

	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("openai.model", "OPENAI_MODEL")
	v.BindEnv("openai.temperature", "OPENAI_TEMPERATURE")
	v.BindEnv("openai.timeout", "OPENAI_TIMEOUT")

	v.BindEnv("hume.api_key", "HUME_API_KEY")
	v.BindEnv("hume.secret_key", "HUME_SECRET_KEY")
	v.BindEnv("hume.config_id", "HUME_CONFIG_ID")
	v.BindEnv("hume.token_url", "HUME_TOKEN_URL")
	v.BindEnv("hume.cache_margin", "HUME_TOKEN_CACHE_MARGIN")

	v.BindEnv("database.url", "DATABASE_URL")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	v.BindEnv("amqp.url", "AMQP_URL")
	v.BindEnv("amqp.queue", "AMQP_QUEUE")

	v.BindEnv("analysis.workers", "ANALYSIS_WORKERS")
	v.BindEnv("analysis.queue_size", "ANALYSIS_QUEUE_SIZE")
	v.BindEnv("analysis.job_timeout", "ANALYSIS_JOB_TIMEOUT")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")

	c.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	c.Auth.Issuer = v.GetString("auth.issuer")
	c.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

	c.OpenAI.APIKey = v.GetString("openai.api_key")
	c.OpenAI.BaseURL = v.GetString("openai.base_url")
	c.OpenAI.Model = v.GetString("openai.model")
	c.OpenAI.Temperature = v.GetFloat64("openai.temperature")
	c.OpenAI.Timeout = v.GetDuration("openai.timeout")

	c.Hume.APIKey = v.GetString("hume.api_key")
	c.Hume.SecretKey = v.GetString("hume.secret_key")
	c.Hume.ConfigID = v.GetString("hume.config_id")
	c.Hume.TokenURL = v.GetString("hume.token_url")
	c.Hume.CacheMargin = v.GetDuration("hume.cache_margin")

	c.Database.URL = v.GetString("database.url")

	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Password = v.GetString("redis.password")
	c.Redis.DB = v.GetInt("redis.db")

	c.AMQP.URL = v.GetString("amqp.url")
	c.AMQP.Queue = v.GetString("amqp.queue")

	c.Analysis.Workers = v.GetInt("analysis.workers")
	c.Analysis.QueueSize = v.GetInt("analysis.queue_size")
	c.Analysis.JobTimeout = v.GetDuration("analysis.job_timeout")

	return c
}

// Validate reports settings that make the server unusable.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("ANALYSIS_WORKERS must be at least 1, got %d", c.Analysis.Workers)
	}
	return nil
}

func toString(v any) string { return fmt.Sprint(v) }
