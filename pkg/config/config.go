package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Timezone  string          `mapstructure:"timezone"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Posting   PostingConfig   `mapstructure:"posting"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Image     ImageConfig     `mapstructure:"image"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// AdminIDs are Telegram user ids allowed to run admin commands.
	AdminIDs []int64 `mapstructure:"admin_ids"`
	Debug    bool    `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	Path           string        `mapstructure:"path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type GeminiConfig struct {
	APIKey string             `mapstructure:"api_key"`
	Models []GeminiModelQuota `mapstructure:"models"`
}

type GeminiModelQuota struct {
	Name string `mapstructure:"name"`
	RPM  int    `mapstructure:"rpm"`
	RPD  int    `mapstructure:"rpd"`
}

type SchedulerConfig struct {
	PostingTick time.Duration `mapstructure:"posting_tick"`
	ChatTick    time.Duration `mapstructure:"chat_tick"`
	BatchSize   int           `mapstructure:"batch_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	RearmJitter time.Duration `mapstructure:"rearm_jitter"`
}

type PostingConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	HistoryRetention  int           `mapstructure:"history_retention"`
}

type DedupConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	HistoryWindow  int     `mapstructure:"history_window"`
	KeywordWeight  float64 `mapstructure:"keyword_weight"`
	MaxKeywords    int     `mapstructure:"max_keywords"`
	SummaryLength  int     `mapstructure:"summary_length"`
	MaxSuggestions int     `mapstructure:"max_suggestions"`
}

type ChatConfig struct {
	ContextWindow     int           `mapstructure:"context_window"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxReplyLength    int           `mapstructure:"max_reply_length"`
}

type ImageConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SourceURL is an image endpoint with one %s for the query-escaped hint.
	SourceURL   string        `mapstructure:"source_url"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Dir         string        `mapstructure:"dir"`
	BaseURL     string        `mapstructure:"base_url"`
	S3          S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "")
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "persona")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "persona.db")
	v.SetDefault("database.request_timeout", 10*time.Second)

	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("scheduler.posting_tick", 5*time.Minute)
	v.SetDefault("scheduler.chat_tick", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.task_timeout", 5*time.Minute)
	v.SetDefault("scheduler.rearm_jitter", 10*time.Minute)

	v.SetDefault("posting.max_attempts", 3)
	v.SetDefault("posting.backoff_base", 2*time.Second)
	v.SetDefault("posting.generation_timeout", 60*time.Second)
	v.SetDefault("posting.max_tokens", 800)
	v.SetDefault("posting.temperature", 0.8)
	v.SetDefault("posting.history_retention", 200)

	v.SetDefault("dedup.threshold", 0.7)
	v.SetDefault("dedup.history_window", 20)
	v.SetDefault("dedup.keyword_weight", 0.7)
	v.SetDefault("dedup.max_keywords", 15)
	v.SetDefault("dedup.summary_length", 200)
	v.SetDefault("dedup.max_suggestions", 3)

	v.SetDefault("chat.context_window", 10)
	v.SetDefault("chat.generation_timeout", 30*time.Second)
	v.SetDefault("chat.max_tokens", 300)
	v.SetDefault("chat.temperature", 0.9)
	v.SetDefault("chat.max_reply_length", 500)

	v.SetDefault("image.enabled", false)
	v.SetDefault("image.workers", 2)
	v.SetDefault("image.queue_size", 64)
	v.SetDefault("image.max_attempts", 3)
	v.SetDefault("image.backoff", 5*time.Second)
	v.SetDefault("image.timeout", 30*time.Second)
	v.SetDefault("image.dir", "images")
	v.SetDefault("image.s3.region", "us-east-1")
}

// LoadConfig reads path (when set) and applies environment overrides. A .env
// file in the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.RequestTimeout = config.Database.RequestTimeout
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}

	return &config, nil
}
