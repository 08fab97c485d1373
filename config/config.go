package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the investigation system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Search    SearchConfig    `mapstructure:"search"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"` // fallback when server.jwt_secret is unset
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the discrete fields unless url is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// LLMConfig contains the chat-completions provider configuration used by the
// planner and summarizer. With no api_key the system runs on deterministic
// fallbacks, so every field is optional.
type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// EngineConfig controls how investigations walk their steps.
type EngineConfig struct {
	MaxSmartRounds int           `mapstructure:"max_smart_rounds"`
	StepDelay      time.Duration `mapstructure:"step_delay"`
}

func (e EngineConfig) Validate() error {
	if e.MaxSmartRounds <= 0 {
		return fmt.Errorf("engine.max_smart_rounds must be > 0")
	}
	if e.StepDelay < 0 {
		return fmt.Errorf("engine.step_delay cannot be negative")
	}
	return nil
}

// WorkerConfig controls the background job consumer pool.
type WorkerConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	ProtocolMaxAttempts int           `mapstructure:"protocol_max_attempts"`
	SmartMaxAttempts    int           `mapstructure:"smart_max_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	CancelPoll          time.Duration `mapstructure:"cancel_poll"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	JobRetention        time.Duration `mapstructure:"job_retention"`
	JanitorInterval     time.Duration `mapstructure:"janitor_interval"`
}

func (w WorkerConfig) Validate() error {
	if w.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if w.ProtocolMaxAttempts <= 0 || w.SmartMaxAttempts <= 0 {
		return fmt.Errorf("worker attempt limits must be > 0")
	}
	if w.LeaseTTL <= 0 {
		return fmt.Errorf("worker.lease_ttl must be > 0")
	}
	return nil
}

// ExecConfig contains settings for the remote execution endpoint client.
type ExecConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig controls cron-based recurring investigations.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// SearchConfig controls the full-text investigation index.
type SearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IndexPath string `mapstructure:"index_path"`
}

// TelemetryConfig contains tracing and cost tracking settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	MetricsPort  int    `mapstructure:"metrics_port"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.token_ttl", 24*time.Hour)
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout", 60*time.Second)
	viper.SetDefault("engine.max_smart_rounds", 5)
	viper.SetDefault("engine.step_delay", 2*time.Second)
	viper.SetDefault("worker.concurrency", 5)
	viper.SetDefault("worker.protocol_max_attempts", 3)
	viper.SetDefault("worker.smart_max_attempts", 2)
	viper.SetDefault("worker.retry_backoff", 2*time.Second)
	viper.SetDefault("worker.lease_ttl", 30*time.Second)
	viper.SetDefault("worker.cancel_poll", 2*time.Second)
	viper.SetDefault("worker.job_timeout", 30*time.Minute)
	viper.SetDefault("worker.job_retention", 24*time.Hour)
	viper.SetDefault("worker.janitor_interval", 5*time.Minute)
	viper.SetDefault("exec.timeout", 30*time.Second)
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.interval", 30*time.Second)
	viper.SetDefault("scheduler.lock_ttl", time.Minute)
	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.index_path", "inquest.bleve")

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("INQUEST")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (INQUEST_*)

	if err := viper.ReadInConfig(); err != nil {
		// Running from env vars alone is fine; a config file named explicitly must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	// unmarshal config
	var config Config

	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Engine.Validate(); err != nil {
		panic(err)
	}
	if err := config.Worker.Validate(); err != nil {
		panic(err)
	}
	return &config
}
