package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Reasoning     ReasoningConfig     `mapstructure:"reasoning"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AutoMigrate    bool     `mapstructure:"auto_migrate"`
	MigrationsDir  string   `mapstructure:"migrations_dir"`

	// WSQueueSize bounds the events buffered per websocket subscriber.
	WSQueueSize    int           `mapstructure:"ws_queue_size"`
	WSWriteTimeout time.Duration `mapstructure:"ws_write_timeout"`
}

// Normalize fills server defaults.
func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":8000"
	}
	if s.Address[0] != ':' && !strings.Contains(s.Address, ":") {
		s.Address = ":" + s.Address
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	if strings.TrimSpace(s.MigrationsDir) == "" {
		s.MigrationsDir = "file://migrations"
	}
	if s.WSQueueSize <= 0 {
		s.WSQueueSize = 64
	}
	if s.WSWriteTimeout <= 0 {
		s.WSWriteTimeout = 10 * time.Second
	}
	return s
}

// ReasoningConfig selects and configures the reasoning backend.
type ReasoningConfig struct {
	Provider    string        `mapstructure:"provider"` // openai or anthropic
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Normalize applies provider specific defaults.
func (r ReasoningConfig) Normalize() ReasoningConfig {
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	if r.Provider == "" {
		r.Provider = "openai"
	}
	if strings.TrimSpace(r.Model) == "" {
		switch r.Provider {
		case "anthropic":
			r.Model = "claude-3-5-sonnet-20241022"
		default:
			r.Model = "gpt-4o-mini"
		}
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = 4096
	}
	if r.Temperature < 0 {
		r.Temperature = 0
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	return r
}

// Validate checks the reasoning configuration.
func (r ReasoningConfig) Validate() error {
	switch r.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("reasoning.provider must be openai or anthropic, got %q", r.Provider)
	}
	if r.Temperature > 2 {
		return fmt.Errorf("reasoning.temperature must be <= 2")
	}
	return nil
}

// Fact extraction modes.
const (
	FactExtractionNone   = "none"
	FactExtractionReview = "review"
)

// Artifact generation modes.
const (
	ArtifactsNone       = "none"
	ArtifactsSimulation = "simulation"
)

// OrchestrationConfig controls the per-session research loop.
type OrchestrationConfig struct {
	AttachmentMaxRunes  int           `mapstructure:"attachment_max_runes"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	HonorBranchPause    bool          `mapstructure:"honor_branch_pause"`
	EnforceDependencies bool          `mapstructure:"enforce_dependencies"`
	FactExtraction      string        `mapstructure:"fact_extraction"`
	ReviewThreshold     int           `mapstructure:"review_threshold"`
	Artifacts           string        `mapstructure:"artifacts"`
}

// Normalize applies defaults for unset orchestration values.
func (o OrchestrationConfig) Normalize() OrchestrationConfig {
	if o.AttachmentMaxRunes <= 0 {
		o.AttachmentMaxRunes = 4000
	}
	o.FactExtraction = strings.ToLower(strings.TrimSpace(o.FactExtraction))
	if o.FactExtraction == "" {
		o.FactExtraction = FactExtractionNone
	}
	if o.ReviewThreshold <= 0 {
		o.ReviewThreshold = 85
	}
	o.Artifacts = strings.ToLower(strings.TrimSpace(o.Artifacts))
	if o.Artifacts == "" {
		o.Artifacts = ArtifactsNone
	}
	return o
}

// Validate ensures orchestration settings are usable.
func (o OrchestrationConfig) Validate() error {
	if o.CallTimeout < 0 {
		return fmt.Errorf("orchestration.call_timeout cannot be negative")
	}
	switch o.FactExtraction {
	case FactExtractionNone, FactExtractionReview:
	default:
		return fmt.Errorf("orchestration.fact_extraction must be %q or %q", FactExtractionNone, FactExtractionReview)
	}
	switch o.Artifacts {
	case ArtifactsNone, ArtifactsSimulation:
	default:
		return fmt.Errorf("orchestration.artifacts must be %q or %q", ArtifactsNone, ArtifactsSimulation)
	}
	if o.ReviewThreshold > 100 {
		return fmt.Errorf("orchestration.review_threshold must be <= 100")
	}
	return nil
}

// WorkerConfig configures the session job consumer.
type WorkerConfig struct {
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Concurrency  int           `mapstructure:"concurrency"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	ClaimIdle    time.Duration `mapstructure:"claim_idle"`
}

// Normalize applies worker defaults.
func (w WorkerConfig) Normalize() WorkerConfig {
	if strings.TrimSpace(w.Stream) == "" {
		w.Stream = "session.enqueued"
	}
	if strings.TrimSpace(w.Group) == "" {
		w.Group = "research-workers"
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
	if w.BlockTimeout <= 0 {
		w.BlockTimeout = 5 * time.Second
	}
	if w.LeaseTTL <= 0 {
		w.LeaseTTL = 2 * time.Minute
	}
	if w.ClaimIdle <= 0 {
		w.ClaimIdle = 10 * time.Minute
	}
	return w
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
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

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
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
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	v.SetDefault("server.auto_migrate", true)
	v.SetDefault("reasoning.provider", "openai")
	v.SetDefault("reasoning.temperature", 0.4)
	v.SetDefault("orchestration.attachment_max_runes", 4000)
	v.SetDefault("orchestration.fact_extraction", FactExtractionNone)
	v.SetDefault("orchestration.artifacts", ArtifactsNone)
	v.SetDefault("orchestration.honor_branch_pause", false)
	v.SetDefault("orchestration.enforce_dependencies", false)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COLOSSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (COLOSSUS_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !asNotFound(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if config.Reasoning.APIKey == "" {
		config.Reasoning.APIKey = apiKeyFromEnv(config.Reasoning.Provider)
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &config
}

// Normalize applies every section default in place.
func (c *Config) Normalize() {
	c.Server = c.Server.Normalize()
	c.Reasoning = c.Reasoning.Normalize()
	c.Orchestration = c.Orchestration.Normalize()
	c.Worker = c.Worker.Normalize()
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Reasoning.Validate(); err != nil {
		return err
	}
	if err := c.Orchestration.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	return c.Storage.Postgres.Validate()
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

func apiKeyFromEnv(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}
