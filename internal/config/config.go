package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mediavault/internal/service/miniostore"
	"mediavault/internal/service/s3"
)

const (
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"

	StorageLocal = "local"
	StorageS3    = "s3"
	StorageMinIO = "minio"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"Server"`
	Database   DatabaseConfig   `mapstructure:"Database"`
	Storage    StorageConfig    `mapstructure:"Storage"`
	Quota      QuotaConfig      `mapstructure:"Quota"`
	Upload     UploadConfig     `mapstructure:"Upload"`
	Trash      TrashConfig      `mapstructure:"Trash"`
	Processing ProcessingConfig `mapstructure:"Processing"`
	Redis      RedisConfig      `mapstructure:"Redis"`
	Log        LogConfig        `mapstructure:"Log"`
	Metrics    MetricsConfig    `mapstructure:"Metrics"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	BaseURL         string        `mapstructure:"BaseURL"`
	ReadTimeout     time.Duration `mapstructure:"ReadTimeout"`
	RequestTimeout  time.Duration `mapstructure:"RequestTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"AllowedOrigins"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"Driver"`
	Host           string `mapstructure:"Host"`
	Port           string `mapstructure:"Port"`
	User           string `mapstructure:"User"`
	Password       string `mapstructure:"Password"`
	Name           string `mapstructure:"Name"`
	SSLMode        string `mapstructure:"SSLMode"`
	MaxOpenConns   int    `mapstructure:"MaxOpenConns"`
	MaxIdleConns   int    `mapstructure:"MaxIdleConns"`
	ConnectRetries int    `mapstructure:"ConnectRetries"`
	MigrationsPath string `mapstructure:"MigrationsPath"`
}

type StorageConfig struct {
	Driver    string            `mapstructure:"Driver"`
	LocalRoot string            `mapstructure:"LocalRoot"`
	S3        s3.Config         `mapstructure:"S3"`
	MinIO     miniostore.Config `mapstructure:"MinIO"`
}

type QuotaConfig struct {
	DefaultMaxBytes int64  `mapstructure:"DefaultMaxBytes"`
	NamespaceSecret string `mapstructure:"NamespaceSecret"`
}

type UploadConfig struct {
	MaxBytes             int64         `mapstructure:"MaxBytes"`
	MaxMemory            int64         `mapstructure:"MaxMemory"`
	WriteRetries         int           `mapstructure:"WriteRetries"`
	RetryInitialInterval time.Duration `mapstructure:"RetryInitialInterval"`
	RetryMaxInterval     time.Duration `mapstructure:"RetryMaxInterval"`
}

type TrashConfig struct {
	Retention       time.Duration `mapstructure:"Retention"`
	CleanupInterval time.Duration `mapstructure:"CleanupInterval"`
	BatchSize       int           `mapstructure:"BatchSize"`
}

type ProcessingConfig struct {
	Enabled       bool          `mapstructure:"Enabled"`
	Workers       int           `mapstructure:"Workers"`
	QueueSize     int           `mapstructure:"QueueSize"`
	SweepInterval time.Duration `mapstructure:"SweepInterval"`
	TempDir       string        `mapstructure:"TempDir"`
	MaxImageBytes int64         `mapstructure:"MaxImageBytes"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"Enabled"`
	Addr      string        `mapstructure:"Addr"`
	Password  string        `mapstructure:"Password"`
	DB        int           `mapstructure:"DB"`
	TTL       time.Duration `mapstructure:"TTL"`
	KeyPrefix string        `mapstructure:"KeyPrefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"Level"`
	Development bool   `mapstructure:"Development"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"Namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.BaseURL", "")
	v.SetDefault("Server.ReadTimeout", 15*time.Second)
	v.SetDefault("Server.RequestTimeout", 10*time.Minute)
	v.SetDefault("Server.ShutdownTimeout", 30*time.Second)
	v.SetDefault("Server.AllowedOrigins", []string{"*"})

	v.SetDefault("Database.Driver", DatabasePostgres)
	v.SetDefault("Database.Host", "")
	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.User", "")
	v.SetDefault("Database.Password", "")
	v.SetDefault("Database.Name", "")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MaxOpenConns", 25)
	v.SetDefault("Database.MaxIdleConns", 5)
	v.SetDefault("Database.ConnectRetries", 5)
	v.SetDefault("Database.MigrationsPath", "file://migrations")

	v.SetDefault("Storage.Driver", StorageLocal)
	v.SetDefault("Storage.LocalRoot", "./data")
	v.SetDefault("Storage.S3.Endpoint", "")
	v.SetDefault("Storage.S3.Region", "")
	v.SetDefault("Storage.S3.AccessKeyID", "")
	v.SetDefault("Storage.S3.SecretAccessKey", "")
	v.SetDefault("Storage.S3.Bucket", "")
	v.SetDefault("Storage.S3.UsePathStyle", false)
	v.SetDefault("Storage.S3.MultipartThreshold", 0)
	v.SetDefault("Storage.S3.PartSize", 0)
	v.SetDefault("Storage.MinIO.Endpoint", "")
	v.SetDefault("Storage.MinIO.AccessKeyID", "")
	v.SetDefault("Storage.MinIO.SecretAccessKey", "")
	v.SetDefault("Storage.MinIO.Bucket", "")
	v.SetDefault("Storage.MinIO.UseSSL", false)

	v.SetDefault("Quota.DefaultMaxBytes", int64(10)<<30)
	v.SetDefault("Quota.NamespaceSecret", "")

	v.SetDefault("Upload.MaxBytes", int64(10)<<30)
	v.SetDefault("Upload.MaxMemory", int64(32)<<20)
	v.SetDefault("Upload.WriteRetries", 3)
	v.SetDefault("Upload.RetryInitialInterval", 200*time.Millisecond)
	v.SetDefault("Upload.RetryMaxInterval", 5*time.Second)

	v.SetDefault("Trash.Retention", 30*24*time.Hour)
	v.SetDefault("Trash.CleanupInterval", time.Hour)
	v.SetDefault("Trash.BatchSize", 100)

	v.SetDefault("Processing.Enabled", true)
	v.SetDefault("Processing.Workers", 2)
	v.SetDefault("Processing.QueueSize", 256)
	v.SetDefault("Processing.SweepInterval", 5*time.Minute)
	v.SetDefault("Processing.TempDir", "")
	v.SetDefault("Processing.MaxImageBytes", int64(64)<<20)

	v.SetDefault("Redis.Enabled", false)
	v.SetDefault("Redis.Addr", "localhost:6379")
	v.SetDefault("Redis.Password", "")
	v.SetDefault("Redis.DB", 0)
	v.SetDefault("Redis.TTL", 30*time.Second)
	v.SetDefault("Redis.KeyPrefix", "mediavault:")

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Development", false)

	v.SetDefault("Metrics.Namespace", "mediavault")
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Устанавливаем файл конфигурации
	v.SetConfigFile(path)

	// Server.Port -> SERVER_PORT, Storage.S3.Bucket -> STORAGE_S3_BUCKET
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Привязываем переменные окружения прежних имен
	v.BindEnv("Database.Host", "DATABASE_HOST")
	v.BindEnv("Database.Port", "DATABASE_PORT")
	v.BindEnv("Database.User", "DATABASE_USER")
	v.BindEnv("Database.Password", "DATABASE_PASSWORD")
	v.BindEnv("Database.Name", "DATABASE_NAME")
	v.BindEnv("Database.SSLMode", "DATABASE_SSLMODE")
	v.BindEnv("Server.Port", "HTTP_PORT")
	v.BindEnv("Server.GRPCPort", "GRPC_PORT")

	// Читаем конфигурацию из файла
	if err := v.ReadInConfig(); err != nil {
		// без файла работаем только на переменных окружения
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DatabasePostgres:
		if c.Database.Host == "" || c.Database.Port == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
		}
	case DatabaseMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Storage.Driver {
	case StorageLocal:
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("Storage.LocalRoot is required for local storage")
		}
	case StorageS3:
		if err := c.Storage.S3.Validate(); err != nil {
			return fmt.Errorf("invalid s3 storage: %w", err)
		}
	case StorageMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("Storage.MinIO.Endpoint and Storage.MinIO.Bucket are required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if len(c.Quota.NamespaceSecret) < 16 {
		return fmt.Errorf("Quota.NamespaceSecret must be at least 16 characters")
	}
	if c.Quota.DefaultMaxBytes < 0 {
		return fmt.Errorf("Quota.DefaultMaxBytes must not be negative")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("Upload.MaxBytes must be positive")
	}
	if c.Upload.WriteRetries < 0 {
		return fmt.Errorf("Upload.WriteRetries must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("Redis.Addr is required when Redis is enabled")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// GetMigrateURL - строка подключения в формате golang-migrate
func (c *DatabaseConfig) GetMigrateURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
