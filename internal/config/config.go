package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	defaultPepper = "dev-pepper-change-me"
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOG_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTICSEARCH_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
	KMS           KMSConfig           `envPrefix:"KMS_"`
	Hashing       HashingConfig       `envPrefix:"HASH_"`
	Bucketing     BucketingConfig     `envPrefix:"BUCKET_"`
	Session       SessionConfig       `envPrefix:"SESSION_"`
	PIN           PINConfig           `envPrefix:"PIN_"`
	OTP           OTPConfig           `envPrefix:"OTP_"`
	Email         EmailConfig         `envPrefix:"EMAIL_"`
	Audit         AuditConfig         `envPrefix:"AUDIT_"`
	LocalStore    LocalStoreConfig    `envPrefix:"LOCAL_STORE_"`
	RateLimit     RateLimitConfig     `envPrefix:"RATE_LIMIT_"`
}

type ServerConfig struct {
	Port         int           `env:"PORT" envDefault:"8080"`
	TLSPort      int           `env:"TLS_PORT" envDefault:"8443"`
	EnableTLS    bool          `env:"ENABLE_TLS" envDefault:"false"`
	AutoCert     bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain       string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile     string        `env:"CERT_FILE"`
	KeyFile      string        `env:"KEY_FILE"`
	AutoCertDir  string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email        string        `env:"ACME_EMAIL"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"console"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	URL      string `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"20"`

	TLSCAFile   string `env:"TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	TLSKeyFile  string `env:"TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
}

type ScyllaConfig struct {
	Enabled     bool     `env:"ENABLED" envDefault:"false"`
	Nodes       []string `env:"NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace    string   `env:"KEYSPACE" envDefault:"device_auth"`
	Username    string   `env:"USERNAME"`
	Password    string   `env:"PASSWORD"`
	TLSCAFile   string   `env:"TLS_CA_FILE"`
	TLSCertFile string   `env:"TLS_CERT_FILE"`
	TLSKeyFile  string   `env:"TLS_KEY_FILE"`
}

type KafkaConfig struct {
	Enabled     bool     `env:"ENABLED" envDefault:"false"`
	Brokers     []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EmailTopic  string   `env:"EMAIL_TOPIC" envDefault:"otp-email"`
	AuditTopic  string   `env:"AUDIT_TOPIC" envDefault:"security-events"`
	GroupID     string   `env:"GROUP_ID" envDefault:"mailworker"`
	TLSInsecure bool     `env:"TLS_INSECURE" envDefault:"false"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"security-events"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"device_auth"`
	CAFile   string `env:"CA_FILE"`
}

type KMSConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	KeyID   string `env:"KEY_ID"`
	Region  string `env:"REGION" envDefault:"us-east-1"`
}

type HashingConfig struct {
	Argon2MemoryCost  int    `env:"ARGON2_MEMORY_KB" envDefault:"19456"`
	Argon2TimeCost    int    `env:"ARGON2_TIME" envDefault:"2"`
	Argon2Parallelism int    `env:"ARGON2_PARALLELISM" envDefault:"1"`
	Pepper            string `env:"PEPPER" envDefault:"dev-pepper-change-me"`
	PepperVersion     int    `env:"PEPPER_VERSION" envDefault:"1"`
	PreviousPepper    string `env:"PREVIOUS_PEPPER"`
}

type BucketingConfig struct {
	UserBuckets  int `env:"USER_BUCKETS" envDefault:"256"`
	EventBuckets int `env:"EVENT_BUCKETS" envDefault:"64"`
}

type SessionConfig struct {
	TimeoutEnabled bool          `env:"TIMEOUT_ENABLED" envDefault:"true"`
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT" envDefault:"5m"`
	// Backend selects where device session state lives: "redis" or "bolt".
	Backend string `env:"BACKEND" envDefault:"redis"`
	// MaxDevices bounds the devices kept resident in memory.
	MaxDevices int `env:"MAX_DEVICES" envDefault:"10000"`
}

type PINConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	LockoutDuration time.Duration `env:"LOCKOUT_DURATION" envDefault:"30s"`
}

type OTPConfig struct {
	TTL             time.Duration `env:"TTL" envDefault:"5m"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ResendCooldown  time.Duration `env:"RESEND_COOLDOWN" envDefault:"60s"`
	RecordRetention time.Duration `env:"RECORD_RETENTION" envDefault:"1h"`
	// Backend selects the OTP record store: "redis", "scylla" or "memory".
	Backend string `env:"BACKEND" envDefault:"redis"`
}

type EmailConfig struct {
	// Mode selects delivery: "http" posts to the template API, "kafka" queues for cmd/mailworker.
	Mode       string        `env:"MODE" envDefault:"http"`
	APIURL     string        `env:"API_URL" envDefault:"https://api.emailjs.com/api/v1.0/email/send"`
	ServiceID  string        `env:"SERVICE_ID"`
	TemplateID string        `env:"TEMPLATE_ID"`
	PublicKey  string        `env:"PUBLIC_KEY"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type AuditConfig struct {
	Enabled bool          `env:"ENABLED" envDefault:"true"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"2s"`
}

type LocalStoreConfig struct {
	Path string `env:"PATH" envDefault:"./data/device-auth.db"`
	// MasterKeyHex wraps the PIN data key when KMS is disabled (64 hex chars).
	MasterKeyHex string `env:"MASTER_KEY"`
}

type RateLimitConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"true"`
	OTPRequests int           `env:"OTP_REQUESTS" envDefault:"10"`
	OTPWindow   time.Duration `env:"OTP_WINDOW" envDefault:"1m"`
}

var (
	loaded     *Config
	loadedOnce sync.Once
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the process-wide configuration once.
func LoadConfig() (*Config, error) {
	var err error
	loadedOnce.Do(func() {
		loaded, err = Load()
	})
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, errors.New("configuration not loaded")
	}
	return loaded, nil
}

func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction && c.Environment != "test" {
		return fmt.Errorf("APP_ENV must be development, production or test, got %q", c.Environment)
	}
	if !validSessionTimeout(c.Session.DefaultTimeout) {
		return fmt.Errorf("SESSION_DEFAULT_TIMEOUT must be one of 1m, 5m, 15m, 30m, 1h, got %s", c.Session.DefaultTimeout)
	}
	if c.PIN.MaxAttempts <= 0 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive")
	}
	if c.OTP.RecordRetention < c.OTP.TTL {
		return fmt.Errorf("OTP_RECORD_RETENTION must not be shorter than OTP_TTL")
	}
	switch c.OTP.Backend {
	case "redis", "memory":
	case "scylla":
		if !c.Scylla.Enabled {
			return fmt.Errorf("OTP_BACKEND=scylla requires SCYLLA_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown OTP_BACKEND %q", c.OTP.Backend)
	}
	if c.Session.MaxDevices <= 0 {
		return fmt.Errorf("SESSION_MAX_DEVICES must be positive, got %d", c.Session.MaxDevices)
	}
	switch c.Session.Backend {
	case "redis", "bolt":
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	switch c.Email.Mode {
	case "http":
	case "kafka":
		if !c.Kafka.Enabled {
			return fmt.Errorf("EMAIL_MODE=kafka requires KAFKA_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown EMAIL_MODE %q", c.Email.Mode)
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.Bucketing.UserBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("bucket counts must be positive")
	}

	if c.IsProduction() {
		if c.Hashing.Pepper == defaultPepper || len(c.Hashing.Pepper) < 32 {
			return fmt.Errorf("HASH_PEPPER must be a strong secret of at least 32 characters in production")
		}
		if !c.KMS.Enabled && len(c.LocalStore.MasterKeyHex) != 64 {
			return fmt.Errorf("production requires KMS_ENABLED=true or a 64-hex-char LOCAL_STORE_MASTER_KEY")
		}
		if c.OTP.Backend == "memory" {
			return fmt.Errorf("OTP_BACKEND=memory is not allowed in production")
		}
	}
	return nil
}

func validSessionTimeout(d time.Duration) bool {
	switch d {
	case time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour:
		return true
	}
	return false
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
