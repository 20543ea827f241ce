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

// Config holds all configuration for chatbridge
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Chat        ChatConfig        `mapstructure:"chat"`
	Widgets     []WidgetConfig    `mapstructure:"widgets"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // console or json
	Env       string `mapstructure:"env"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":10001"
	}
	if !strings.Contains(s.Address, ":") {
		s.Address = ":" + s.Address
	}
	if len(s.AllowOrigins) == 0 {
		s.AllowOrigins = []string{"*"}
	}
	return s
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// ProviderConfig contains the AI provider connection settings
type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Organization  string        `mapstructure:"organization"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	// HintStore is "memory" (per process) or "redis" (shared across replicas).
	HintStore string `mapstructure:"hint_store"`
}

func (p ProviderConfig) Validate() error {
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("provider.api_key required")
	}
	switch p.HintStore {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("provider.hint_store must be memory or redis, got %q", p.HintStore)
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("provider.base_delay cannot exceed provider.max_delay")
	}
	return nil
}

// MaxCallDuration bounds one generation call: every attempt may run to the
// timeout and every retry may wait the longest backoff.
func (p ProviderConfig) MaxCallDuration() time.Duration {
	attempts := time.Duration(max(p.MaxRetries, 0) + 1)
	return attempts * (p.Timeout + p.MaxDelay)
}

// ChatConfig tunes message processing
type ChatConfig struct {
	StalePendingAfter time.Duration `mapstructure:"stale_pending_after"`
	DuplicateWait     time.Duration `mapstructure:"duplicate_wait"`
	DuplicatePoll     time.Duration `mapstructure:"duplicate_poll"`
	// ClaimTTL must exceed provider.MaxCallDuration. Zero derives it.
	ClaimTTL        time.Duration `mapstructure:"claim_ttl"`
	ConversationTTL time.Duration `mapstructure:"conversation_ttl"`
	HistoryMessages int           `mapstructure:"history_messages"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

func (c ChatConfig) Validate() error {
	if c.ConversationTTL < 0 {
		return fmt.Errorf("chat.conversation_ttl cannot be negative")
	}
	if c.HistoryMessages < 0 {
		return fmt.Errorf("chat.history_messages cannot be negative")
	}
	return nil
}

// WidgetConfig describes one embedding of the chat.
type WidgetConfig struct {
	ID              string   `mapstructure:"id"`
	Model           string   `mapstructure:"model"`
	Instructions    string   `mapstructure:"instructions"`
	Mode            string   `mapstructure:"mode"` // chat or search
	CollectionID    string   `mapstructure:"collection_id"`
	VectorStoreIDs  []string `mapstructure:"vector_store_ids"`
	MaxOutputTokens int      `mapstructure:"max_output_tokens"`
}

func (w WidgetConfig) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("widgets: id required")
	}
	if strings.TrimSpace(w.Model) == "" {
		return fmt.Errorf("widgets.%s.model required", w.ID)
	}
	switch w.Mode {
	case "", "chat", "search":
	default:
		return fmt.Errorf("widgets.%s.mode must be chat or search, got %q", w.ID, w.Mode)
	}
	return nil
}

// VectorStoreConfig tunes file and store polling
type VectorStoreConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FileWait          time.Duration `mapstructure:"file_wait"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	ReadyWait         time.Duration `mapstructure:"ready_wait"`
	PageSize          int           `mapstructure:"page_size"`
}

func (v VectorStoreConfig) Validate() error {
	if v.PageSize < 0 || v.PageSize > 100 {
		return fmt.Errorf("vector_store.page_size must be between 1 and 100")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	// Driver is "postgres" or "memory" (single process, data lost on exit).
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port, empty when Redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
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
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// WorkerConfig controls the sync job consumer
type WorkerConfig struct {
	Stream      string        `mapstructure:"stream"`
	Group       string        `mapstructure:"group"`
	BatchSize   int64         `mapstructure:"batch_size"`
	Block       time.Duration `mapstructure:"block"`
	ReclaimIdle time.Duration `mapstructure:"reclaim_idle"`
	MaxLen      int64         `mapstructure:"max_len"`
	// StaleJobAfter is how long a queued or running job may go without
	// progress before it is rerun or failed.
	StaleJobAfter time.Duration `mapstructure:"stale_job_after"`
}

// SchedulerConfig controls periodic collection syncs
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// claimMargin is added to the longest provider call when claim_ttl is derived.
const claimMargin = 5 * time.Minute

func (c *Config) Normalize() {
	c.Server = c.Server.Normalize()
	if c.Chat.ClaimTTL == 0 {
		c.Chat.ClaimTTL = c.Provider.MaxCallDuration() + claimMargin
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	for i := range c.Widgets {
		if c.Widgets[i].Mode == "" {
			c.Widgets[i].Mode = "chat"
		}
	}
}

// Validate checks every section. Redis is only required when something uses it.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Server.Validate,
		c.Provider.Validate,
		c.Chat.Validate,
		c.VectorStore.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if longest := c.Provider.MaxCallDuration(); c.Chat.ClaimTTL <= longest {
		return fmt.Errorf("chat.claim_ttl %s must exceed the longest provider call %s", c.Chat.ClaimTTL, longest)
	}
	seen := make(map[string]bool, len(c.Widgets))
	for _, w := range c.Widgets {
		if err := w.Validate(); err != nil {
			return err
		}
		if seen[w.ID] {
			return fmt.Errorf("widgets: duplicate id %q", w.ID)
		}
		seen[w.ID] = true
	}
	switch c.Storage.Driver {
	case "postgres":
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Provider.HintStore == "redis" || c.Scheduler.Enabled {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("general.env", "dev")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.organization", "")
	v.SetDefault("provider.timeout", 300*time.Second)
	v.SetDefault("provider.upload_timeout", 600*time.Second)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.base_delay", time.Second)
	v.SetDefault("provider.max_delay", 60*time.Second)
	v.SetDefault("provider.hint_store", "memory")
	v.SetDefault("chat.stale_pending_after", 5*time.Minute)
	v.SetDefault("chat.duplicate_wait", 30*time.Second)
	v.SetDefault("chat.duplicate_poll", 500*time.Millisecond)
	v.SetDefault("chat.claim_ttl", 0)
	v.SetDefault("chat.conversation_ttl", 30*24*time.Hour)
	v.SetDefault("chat.history_messages", 20)
	v.SetDefault("chat.purge_interval", time.Hour)
	v.SetDefault("vector_store.poll_interval", time.Second)
	v.SetDefault("vector_store.file_wait", 90*time.Second)
	v.SetDefault("vector_store.ready_poll_interval", 2*time.Second)
	v.SetDefault("vector_store.ready_wait", 5*time.Minute)
	v.SetDefault("vector_store.page_size", 100)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("worker.stream", "chatbridge:sync")
	v.SetDefault("worker.group", "chatbridge-workers")
	v.SetDefault("worker.batch_size", 8)
	v.SetDefault("worker.block", 5*time.Second)
	v.SetDefault("worker.reclaim_idle", 10*time.Minute)
	v.SetDefault("worker.max_len", 10000)
	v.SetDefault("worker.stale_job_after", 30*time.Minute)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Minute)
}

// LoadConfig loads and fully validates the configuration.
func LoadConfig(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads config.json (or path) and CHATBRIDGE_* environment overrides and
// normalizes the result without validating it. A missing config file is fine
// when the environment carries everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CHATBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}
