package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Storage     StorageConfig
	Tracing     TracingConfig `mapstructure:"tracing"`
	Redis       RedisConfig
	CORS        CORSConfig        `mapstructure:"cors"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Log         LogConfig         `mapstructure:"log"`
	Enrollment  EnrollmentConfig  `mapstructure:"enrollment"`
	Certificate CertificateConfig `mapstructure:"certificate"`
	Events      EventsConfig      `mapstructure:"events"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool   `mapstructure:"-"` // 强制执行数据库迁移
	MigrateOnly  bool   `mapstructure:"-"` // 仅迁移模式（迁移后退出）
	ConfigDir    string `mapstructure:"-"` // 配置目录，热更新时监听
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	Charset      string
	ParseTime    bool
	LogSQL       bool `mapstructure:"log_sql"`
	MaxOpenConns int  `mapstructure:"max_open_conns"`
	MaxIdleConns int  `mapstructure:"max_idle_conns"`
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	OSSEndpoint   string `mapstructure:"oss_endpoint"`
	OSSAccessKey  string `mapstructure:"oss_access_key"`
	OSSSecretKey  string `mapstructure:"oss_secret_key"`
	OSSBucket     string `mapstructure:"oss_bucket"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	File string `mapstructure:"file"`
}

// EnrollmentConfig 选课编排参数
type EnrollmentConfig struct {
	SaveRetries         int           `mapstructure:"save_retries"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
	ExpirySweepBatch    int           `mapstructure:"expiry_sweep_batch"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	RecentProgressLimit int           `mapstructure:"recent_progress_limit"`
}

const (
	CertificateModeSync  = "sync"
	CertificateModeAsync = "async"
)

// CertificateConfig 证书签发：sync 在请求内签发，async 交给后台队列
type CertificateConfig struct {
	Mode        string        `mapstructure:"mode"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	QueueKey    string        `mapstructure:"queue_key"`
}

type EventsConfig struct {
	Channel          string        `mapstructure:"channel"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	DispatchBatch    int           `mapstructure:"dispatch_batch"`
	MaxAttempts      int           `mapstructure:"max_attempts"` // 超过后事件进入死信
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")
	v.SetDefault("rate_limit.max_requests", 6000)
	v.SetDefault("rate_limit.window_minutes", 1)
	v.SetDefault("log.file", "logs/app.log")

	v.SetDefault("enrollment.save_retries", 3)
	v.SetDefault("enrollment.lock_ttl", "5s")
	v.SetDefault("enrollment.expiry_sweep_interval", "10m")
	v.SetDefault("enrollment.expiry_sweep_batch", 200)
	v.SetDefault("enrollment.reconcile_interval", "1h")
	v.SetDefault("enrollment.recent_progress_limit", 10)

	v.SetDefault("certificate.mode", CertificateModeAsync)
	v.SetDefault("certificate.max_attempts", 5)
	v.SetDefault("certificate.base_backoff", "2s")
	v.SetDefault("certificate.max_backoff", "5m")
	v.SetDefault("certificate.queue_key", "coursehub:certificates")

	v.SetDefault("events.channel", "coursehub:enrollment-events")
	v.SetDefault("events.dispatch_interval", "2s")
	v.SetDefault("events.dispatch_batch", 100)
	v.SetDefault("events.max_attempts", 10)
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("COURSEHUB")
	v.AutomaticEnv()

	// Database
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Storage / OSS
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	v.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	v.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	v.BindEnv("storage.oss_bucket", "OSS_BUCKET")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	// Certificate
	v.BindEnv("certificate.mode", "CERTIFICATE_MODE")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour
	cfg.ConfigDir = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}
	switch c.Certificate.Mode {
	case CertificateModeSync, CertificateModeAsync:
	default:
		return fmt.Errorf("unknown certificate mode %q, expected sync or async", c.Certificate.Mode)
	}
	if c.Enrollment.SaveRetries < 1 {
		return fmt.Errorf("enrollment.save_retries must be >= 1")
	}
	if c.Certificate.MaxAttempts < 1 {
		return fmt.Errorf("certificate.max_attempts must be >= 1")
	}
	return nil
}
