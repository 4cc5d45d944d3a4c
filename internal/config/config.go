package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Tracing  TracingConfig
	Pipeline PipelineConfig
	Cache    CacheConfig
	Proxy    ProxyConfig
	Breaker  BreakerConfig
	Browser  BrowserConfig
	ASR      ASRConfig
	YouTube  YouTubeConfig
	Webhook  WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	// JWTSecret enables service token auth on /api/v1 when set
	JWTSecret string
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Port int
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// TracingConfig holds jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// PipelineConfig holds orchestrator budgets
type PipelineConfig struct {
	GlobalBudget      time.Duration
	WorkerCount       int
	DefaultLanguage   string
	ProxyEnabled      bool
	CaptionsTimeout   time.Duration
	DirectTextTimeout time.Duration
	BrowserTimeout    time.Duration
	LockWait          time.Duration
}

// CacheConfig holds transcript cache settings
type CacheConfig struct {
	TTL             time.Duration
	L1MaxEntries    int
	CleanupInterval time.Duration
	LockTTL         time.Duration
}

// ProxyConfig holds the proxy pool configuration
type ProxyConfig struct {
	Endpoints        []string
	SecretFile       string
	SessionTTL       time.Duration
	EndpointCooldown time.Duration
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Threshold       int
	Cooldown        time.Duration
	CountNoCaptions bool
}

// BrowserConfig holds headless browser configuration
type BrowserConfig struct {
	Enabled          bool
	ExecPath         string
	Headless         bool
	InterceptTimeout time.Duration
	DOMPollWindow    time.Duration
	DOMPollInterval  time.Duration
	MaxContextAge    time.Duration
	MaxContextUses   int
	MemoryLimitMB    int
	GuardThreshold   int
	GuardCooldown    time.Duration
}

// ASRConfig holds audio transcription configuration
type ASRConfig struct {
	Enabled        bool
	MaxDuration    time.Duration
	Budget         time.Duration
	YtDlpPath      string
	FFmpegPath     string
	FFprobePath    string
	TempDir        string
	Provider       string // gemini, http
	GeminiAPIKey   string
	GeminiModel    string
	Endpoint       string
	APIKey         string
	EgressCheckURL string
}

// YouTubeConfig holds YouTube endpoint configuration
type YouTubeConfig struct {
	APIKey        string
	BaseURL       string
	ClientVersion string
	CookieFile    string
}

// WebhookConfig holds webhook subscribers
type WebhookConfig struct {
	Endpoints []models.Webhook
	Timeout   time.Duration
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.normalize()

	return &config, nil
}

// normalize clamps values into the ranges the pipeline supports
func (c *Config) normalize() {
	if c.Pipeline.WorkerCount < 2 {
		c.Pipeline.WorkerCount = 2
	}
	if c.Pipeline.WorkerCount > 5 {
		c.Pipeline.WorkerCount = 5
	}

	minTTL, maxTTL := 7*24*time.Hour, 30*24*time.Hour
	if c.Cache.TTL < minTTL {
		c.Cache.TTL = minTTL
	}
	if c.Cache.TTL > maxTTL {
		c.Cache.TTL = maxTTL
	}

	if c.Breaker.Threshold < 1 {
		c.Breaker.Threshold = 3
	}
	if c.ASR.Budget <= 0 || c.ASR.Budget > 120*time.Second {
		c.ASR.Budget = 120 * time.Second
	}
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "60s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 5)
	viper.SetDefault("server.rateLimitBurst", 10)
	viper.SetDefault("server.jwtSecret", "")

	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "transcripts")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 10)
	viper.SetDefault("database.minConns", 2)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "transcripts")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "transcript-pipeline")
	viper.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Pipeline defaults
	viper.SetDefault("pipeline.globalBudget", "45s")
	viper.SetDefault("pipeline.workerCount", 3)
	viper.SetDefault("pipeline.defaultLanguage", "en")
	viper.SetDefault("pipeline.proxyEnabled", true)
	viper.SetDefault("pipeline.captionsTimeout", "10s")
	viper.SetDefault("pipeline.directTextTimeout", "10s")
	viper.SetDefault("pipeline.browserTimeout", "30s")
	viper.SetDefault("pipeline.lockWait", "60s")

	viper.SetDefault("cache.ttl", "336h") // 14 days
	viper.SetDefault("cache.l1MaxEntries", 10000)
	viper.SetDefault("cache.cleanupInterval", "10m")
	viper.SetDefault("cache.lockTTL", "5m")

	viper.SetDefault("proxy.endpoints", []string{})
	viper.SetDefault("proxy.secretFile", "")
	viper.SetDefault("proxy.sessionTTL", "10m")
	viper.SetDefault("proxy.endpointCooldown", "5m")

	viper.SetDefault("breaker.threshold", 3)
	viper.SetDefault("breaker.cooldown", "10m")
	viper.SetDefault("breaker.countNoCaptions", true)

	// Browser defaults
	viper.SetDefault("browser.enabled", true)
	viper.SetDefault("browser.execPath", "")
	viper.SetDefault("browser.headless", true)
	viper.SetDefault("browser.interceptTimeout", "22s")
	viper.SetDefault("browser.domPollWindow", "4s")
	viper.SetDefault("browser.domPollInterval", "500ms")
	viper.SetDefault("browser.maxContextAge", "30m")
	viper.SetDefault("browser.maxContextUses", 20)
	viper.SetDefault("browser.memoryLimitMB", 1536)
	viper.SetDefault("browser.guardThreshold", 3)
	viper.SetDefault("browser.guardCooldown", "10m")

	// ASR defaults
	viper.SetDefault("asr.enabled", false)
	viper.SetDefault("asr.maxDuration", "30m")
	viper.SetDefault("asr.budget", "120s")
	viper.SetDefault("asr.ytDlpPath", "yt-dlp")
	viper.SetDefault("asr.ffmpegPath", "ffmpeg")
	viper.SetDefault("asr.ffprobePath", "ffprobe")
	viper.SetDefault("asr.tempDir", "/tmp/transcript-asr")
	viper.SetDefault("asr.provider", "gemini")
	viper.SetDefault("asr.geminiModel", "gemini-2.0-flash")
	viper.SetDefault("asr.egressCheckURL", "https://api.ipify.org")

	viper.SetDefault("youtube.baseURL", "https://www.youtube.com")
	viper.SetDefault("youtube.clientVersion", "20.10.38")
	viper.SetDefault("youtube.cookieFile", "")

	viper.SetDefault("webhook.timeout", "10s")
}
