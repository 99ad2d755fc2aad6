package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string
	ServiceName   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Postgres      PostgresConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	NATS          NATSConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	SMS           SMSConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	RequireHTTPS   bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// StoreConfig selects the backends behind the OTP lifecycle.
// Driver is the persistent phone_otps/profiles store (postgres|scylla|memory),
// Cache holds active codes and IP windows (memory|redis).
type StoreConfig struct {
	Driver string
	Cache  string
}

type PostgresConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	UseTLS   bool
	CAPath   string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	AuditTopic    string
	ConsumerGroup string
}

type NATSConfig struct {
	Enabled bool
	URL     string
	Subject string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	Pepper             string
	PepperRotationDays int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type OTPConfig struct {
	CodeTTL         time.Duration
	Cooldown        time.Duration
	MaxAttempts     int
	IPWindow        time.Duration
	IPMaxRequests   int
	SweepInterval   time.Duration
	CountryCode     string
	BypassEnabled   bool
	BypassCode      string
	MessageTemplate string
}

type SMSConfig struct {
	Provider string // authentica|log
	BaseURL  string
	APIKey   string
	SenderID string
	Timeout  time.Duration
	Strict   bool
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	env := strings.ToLower(v.GetString("ENVIRONMENT"))

	cfg := &Config{
		Environment: env,
		ServiceName: v.GetString("SERVICE_NAME"),
		Server: ServerConfig{
			Port:           v.GetInt("PORT"),
			TLSPort:        v.GetInt("TLS_PORT"),
			EnableTLS:      v.GetBool("ENABLE_TLS"),
			RequireHTTPS:   v.GetBool("REQUIRE_HTTPS"),
			AutoCert:       v.GetBool("AUTO_CERT"),
			Domain:         v.GetString("DOMAIN"),
			CertFile:       v.GetString("TLS_CERT_FILE"),
			KeyFile:        v.GetString("TLS_KEY_FILE"),
			AutoCertDir:    v.GetString("AUTO_CERT_DIR"),
			Email:          v.GetString("ACME_EMAIL"),
			ReadTimeout:    v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:    v.GetDuration("SERVER_IDLE_TIMEOUT"),
			RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
			Cache:  strings.ToLower(v.GetString("CACHE_BACKEND")),
		},
		Postgres: PostgresConfig{
			URL:      v.GetString("DATABASE_URL"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
			MinConns: v.GetInt32("DB_MIN_CONNS"),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitList(v.GetString("SCYLLA_NODES")),
			Keyspace: v.GetString("SCYLLA_KEYSPACE"),
			Username: v.GetString("SCYLLA_USERNAME"),
			Password: v.GetString("SCYLLA_PASSWORD"),
			UseTLS:   v.GetBool("SCYLLA_TLS"),
			CAPath:   v.GetString("SCYLLA_CA_PATH"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("REDIS_URL"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("KAFKA_ENABLED"),
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			AuditTopic:    v.GetString("KAFKA_AUDIT_TOPIC"),
			ConsumerGroup: v.GetString("KAFKA_CONSUMER_GROUP"),
		},
		NATS: NATSConfig{
			Enabled: v.GetBool("NATS_ENABLED"),
			URL:     v.GetString("NATS_URL"),
			Subject: v.GetString("NATS_AUDIT_SUBJECT"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  v.GetBool("ELASTICSEARCH_ENABLED"),
			URL:      v.GetString("ELASTICSEARCH_URL"),
			Username: v.GetString("ELASTICSEARCH_USERNAME"),
			Password: v.GetString("ELASTICSEARCH_PASSWORD"),
			Index:    v.GetString("ELASTICSEARCH_AUDIT_INDEX"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  v.GetBool("CLICKHOUSE_ENABLED"),
			URL:      v.GetString("CLICKHOUSE_URL"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Table:    v.GetString("CLICKHOUSE_AUDIT_TABLE"),
		},
		KMS: KMSConfig{
			Enabled: v.GetBool("KMS_ENABLED"),
			KeyID:   v.GetString("KMS_KEY_ID"),
			Region:  v.GetString("AWS_REGION"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   v.GetInt("ARGON2_MEMORY_COST"),
			Argon2TimeCost:     v.GetInt("ARGON2_TIME_COST"),
			Argon2Parallelism:  v.GetInt("ARGON2_PARALLELISM"),
			Pepper:             v.GetString("OTP_PEPPER"),
			PepperRotationDays: v.GetInt("PEPPER_ROTATION_DAYS"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  v.GetInt("USER_BUCKETS"),
			EventBuckets: v.GetInt("EVENT_BUCKETS"),
		},
		OTP: OTPConfig{
			CodeTTL:         v.GetDuration("OTP_CODE_TTL"),
			Cooldown:        v.GetDuration("OTP_RESEND_COOLDOWN"),
			MaxAttempts:     v.GetInt("OTP_MAX_ATTEMPTS"),
			IPWindow:        v.GetDuration("OTP_IP_WINDOW"),
			IPMaxRequests:   v.GetInt("OTP_IP_MAX_REQUESTS"),
			SweepInterval:   v.GetDuration("OTP_SWEEP_INTERVAL"),
			CountryCode:     v.GetString("PHONE_COUNTRY_CODE"),
			BypassCode:      v.GetString("OTP_BYPASS_CODE"),
			MessageTemplate: v.GetString("OTP_MESSAGE_TEMPLATE"),
		},
		SMS: SMSConfig{
			Provider: strings.ToLower(v.GetString("SMS_PROVIDER")),
			BaseURL:  v.GetString("AUTHENTICA_BASE_URL"),
			APIKey:   v.GetString("AUTHENTICA_API_KEY"),
			SenderID: v.GetString("AUTHENTICA_SENDER_ID"),
			Timeout:  v.GetDuration("SMS_TIMEOUT"),
			Strict:   v.GetBool("SMS_STRICT"),
		},
	}

	// Bypass defaults to on only outside production; an explicit value always wins.
	if v.IsSet("OTP_BYPASS_ENABLED") {
		cfg.OTP.BypassEnabled = v.GetBool("OTP_BYPASS_ENABLED")
	} else {
		cfg.OTP.BypassEnabled = env != "production"
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("SERVICE_NAME", "phone-auth-service")

	v.SetDefault("PORT", 8080)
	v.SetDefault("TLS_PORT", 8443)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("REQUIRE_HTTPS", false)
	v.SetDefault("AUTO_CERT", false)
	v.SetDefault("AUTO_CERT_DIR", "./certs")
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://localhost:3000")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 7)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)

	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("CACHE_BACKEND", "memory")

	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)

	v.SetDefault("SCYLLA_NODES", "127.0.0.1")
	v.SetDefault("SCYLLA_KEYSPACE", "phone_auth")

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_POOL_SIZE", 20)

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "otp-audit-events")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "otp-audit-worker")

	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_AUDIT_SUBJECT", "otp.audit")

	v.SetDefault("ELASTICSEARCH_URL", "http://localhost:9200")
	v.SetDefault("ELASTICSEARCH_AUDIT_INDEX", "otp-audit")

	v.SetDefault("CLICKHOUSE_URL", "localhost:9000")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_AUDIT_TABLE", "otp_audit_events")

	v.SetDefault("AWS_REGION", "me-south-1")

	v.SetDefault("ARGON2_MEMORY_COST", 64*1024)
	v.SetDefault("ARGON2_TIME_COST", 1)
	v.SetDefault("ARGON2_PARALLELISM", 2)
	v.SetDefault("PEPPER_ROTATION_DAYS", 30)

	v.SetDefault("USER_BUCKETS", 1024)
	v.SetDefault("EVENT_BUCKETS", 64)

	v.SetDefault("OTP_CODE_TTL", "5m")
	v.SetDefault("OTP_RESEND_COOLDOWN", "60s")
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_IP_WINDOW", "5m")
	v.SetDefault("OTP_IP_MAX_REQUESTS", 5)
	v.SetDefault("OTP_SWEEP_INTERVAL", "10m")
	v.SetDefault("PHONE_COUNTRY_CODE", "966")
	v.SetDefault("OTP_BYPASS_CODE", "123456")
	v.SetDefault("OTP_MESSAGE_TEMPLATE", "ألترا: رمز التحقق الخاص بك هو %s\nلا تشاركه مع أحد.")

	v.SetDefault("SMS_PROVIDER", "authentica")
	v.SetDefault("AUTHENTICA_BASE_URL", "https://api.authentica.sa")
	v.SetDefault("AUTHENTICA_SENDER_ID", "ULTRA")
	v.SetDefault("SMS_TIMEOUT", "10s")
	v.SetDefault("SMS_STRICT", false)
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres", "scylla":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Store.Cache {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.Store.Cache)
	}
	if c.Store.Driver == "postgres" && c.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.IPMaxRequests <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS and OTP_IP_MAX_REQUESTS must be positive")
	}
	if c.OTP.CodeTTL <= 0 || c.OTP.IPWindow <= 0 || c.OTP.Cooldown < 0 {
		return fmt.Errorf("OTP durations must be positive")
	}
	if c.IsProduction() && c.OTP.BypassEnabled {
		return fmt.Errorf("OTP_BYPASS_ENABLED must not be set in production")
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		return fmt.Errorf("OTP_PEPPER is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev" || c.Environment == ""
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
