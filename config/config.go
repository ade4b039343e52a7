package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailverifier/models"
	"mailverifier/utils"
)

var ErrMissingJWTSecret = errors.New("ADMIN_JWT_SECRET is required in production")

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"min=0"`
}

type DBConfig struct {
	Host         string `json:"host" validate:"required"`
	Port         string `json:"port" validate:"required"`
	User         string `json:"user" validate:"required"`
	Password     string `json:"-" validate:"required"`
	Name         string `json:"name" validate:"required"`
	SSLMode      string `json:"ssl_mode"`
	MaxIdleConns int    `json:"max_idle_conns" validate:"min=1"`
	MaxOpenConns int    `json:"max_open_conns" validate:"min=1"`
}

type ProxyConfig struct {
	List             string        `json:"-"`
	Protocol         string        `json:"protocol" validate:"oneof=socks5 http"`
	FailureThreshold int           `json:"failure_threshold" validate:"min=1"`
	HealthURL        string        `json:"health_url" validate:"url"`
	HealthInterval   time.Duration `json:"health_interval"`
}

type SMTPConfig struct {
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout"`
	HeloName string        `json:"helo_name" validate:"required"`
	MailFrom string        `json:"mail_from" validate:"required,email"`
}

type WorkerConfig struct {
	Concurrency   int           `json:"concurrency" validate:"min=1"`
	JobWorkers    int           `json:"job_workers" validate:"min=1"`
	BatchSize     int           `json:"batch_size" validate:"min=1"`
	ProgressEvery int           `json:"progress_every" validate:"min=1"`
	ItemTimeout   time.Duration `json:"item_timeout"`
}

type NotifyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
}

type Config struct {
	Environment    string       `json:"environment"`
	LogLevel       string       `json:"log_level" validate:"oneof=trace debug info warn warning error"`
	AdminPort      string       `json:"admin_port" validate:"required"`
	AdminJWTSecret string       `json:"-"`
	AdminRateLimit int          `json:"admin_rate_limit" validate:"min=1"`
	AdminOrigins   []string     `json:"admin_origins"`
	SentryDSN      string       `json:"-"`
	DB             DBConfig     `json:"db"`
	Redis          RedisConfig  `json:"redis"`
	Proxy          ProxyConfig  `json:"proxy"`
	SMTP           SMTPConfig   `json:"smtp"`
	Worker         WorkerConfig `json:"worker"`
	Notify         NotifyConfig `json:"notify"`

	DailyQuota    int    `json:"daily_quota" validate:"min=1"`
	QuotaIdentity string `json:"quota_identity" validate:"required"`

	DNSServer   string        `json:"dns_server"`
	DNSCacheTTL time.Duration `json:"dns_cache_ttl"`
	DNSTimeout  time.Duration `json:"dns_timeout"`

	RetryMaxAttempts int           `json:"retry_max_attempts" validate:"min=1"`
	RetryBackoff     time.Duration `json:"retry_backoff"`

	ListsFile    string `json:"lists_file"`
	WhoisEnabled bool   `json:"whois_enabled"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads the configuration from the environment, after applying a .env
// file when one exists.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that only need part of the
// configuration.
func Read() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AdminPort:      getEnv("ADMIN_PORT", "8080"),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		AdminRateLimit: getEnvAsInt("ADMIN_RATE_LIMIT", 60),
		AdminOrigins:   getEnvAsList("ADMIN_CORS_ORIGINS"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DB: DBConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "mailverifier"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Proxy: ProxyConfig{
			List:             getEnv("PROXY_LIST", ""),
			Protocol:         strings.ToLower(getEnv("PROXY_PROTOCOL", "socks5")),
			FailureThreshold: getEnvAsInt("PROXY_FAILURE_THRESHOLD", 5),
			HealthURL:        getEnv("PROXY_HEALTH_URL", "http://www.gstatic.com/generate_204"),
			HealthInterval:   getEnvAsDuration("PROXY_HEALTH_INTERVAL", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Enabled:  getEnvAsBool("SMTP_ENABLED", true),
			Timeout:  getEnvAsDuration("SMTP_TIMEOUT", 3500*time.Millisecond),
			HeloName: getEnv("SMTP_HELO_NAME", "verify.mailverifier.local"),
			MailFrom: getEnv("SMTP_MAIL_FROM", "probe@mailverifier.local"),
		},
		Worker: WorkerConfig{
			Concurrency:   getEnvAsInt("WORKER_CONCURRENCY", 50),
			JobWorkers:    getEnvAsInt("JOB_WORKERS", 2),
			BatchSize:     getEnvAsInt("BATCH_SIZE", 10),
			ProgressEvery: getEnvAsInt("PROGRESS_EVERY", 5),
			ItemTimeout:   getEnvAsDuration("ITEM_TIMEOUT", 10*time.Second),
		},
		Notify: NotifyConfig{
			Host:     getEnv("NOTIFY_SMTP_HOST", ""),
			Port:     getEnvAsInt("NOTIFY_SMTP_PORT", 587),
			Username: getEnv("NOTIFY_SMTP_USERNAME", ""),
			Password: getEnv("NOTIFY_SMTP_PASSWORD", ""),
			From:     getEnv("NOTIFY_FROM", ""),
		},
		DailyQuota:       getEnvAsInt("DAILY_QUOTA", 1000),
		QuotaIdentity:    getEnv("QUOTA_IDENTITY", "default"),
		DNSServer:        getEnv("DNS_SERVER", ""),
		DNSCacheTTL:      getEnvAsDuration("DNS_CACHE_TTL", time.Hour),
		DNSTimeout:       getEnvAsDuration("DNS_TIMEOUT", 5*time.Second),
		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 2),
		RetryBackoff:     getEnvAsDuration("RETRY_BACKOFF", 250*time.Millisecond),
		ListsFile:        getEnv("LISTS_FILE", ""),
		WhoisEnabled:     getEnvAsBool("WHOIS_ENABLED", false),
	}
}

func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsProduction() && c.AdminJWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// ConnectDB opens the Postgres pool and migrates the verification tables.
func ConnectDB(cfg DBConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
	log.WithField("dsn", maskPassword(dsn)).Info("Connecting to database")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database ready")
	return db, nil
}

// ConnectRedis returns nil, nil when Redis is disabled.
func ConnectRedis(cfg RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// LogSummary prints the non-secret settings at startup.
func (c *Config) LogSummary(log logrus.FieldLogger) {
	secret := "unset"
	if c.AdminJWTSecret != "" {
		secret = utils.MaskSecret(c.AdminJWTSecret)
	}
	log.WithFields(logrus.Fields{
		"admin_secret": secret,
		"environment":  c.Environment,
		"admin_port":   c.AdminPort,
		"database":     fmt.Sprintf("%s@%s:%s/%s", c.DB.User, c.DB.Host, c.DB.Port, c.DB.Name),
		"redis":        c.Redis.Enabled,
		"proxy_proto":  c.Proxy.Protocol,
		"smtp_enabled": c.SMTP.Enabled,
		"concurrency":  c.Worker.Concurrency,
		"daily_quota":  c.DailyQuota,
		"whois":        c.WhoisEnabled,
	}).Info("Loaded configuration")
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}
