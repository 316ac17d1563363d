package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/bucketing"
	"device-auth-service/internal/client"
	"device-auth-service/internal/config"
	"device-auth-service/internal/email"
	"device-auth-service/internal/encryption"
	"device-auth-service/internal/handler"
	"device-auth-service/internal/hashing"
	"device-auth-service/internal/otp"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/repository/bolt"
	"device-auth-service/internal/repository/memory"
	rediscache "device-auth-service/internal/repository/redis"
	"device-auth-service/internal/repository/scylla"
	"device-auth-service/internal/service"
	"device-auth-service/internal/tls"
	"device-auth-service/internal/util"
)

// pinDataKeyID names the wrapped data key that seals every device PIN.
const pinDataKeyID = "pin"

type deviceStore interface {
	service.DeviceStore
	encryption.KeyStore
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clockwork.Clock
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	boltStore        *bolt.Store

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	auditor           audit.Auditor

	devices     deviceStore
	otpStore    otp.Store
	sender      otp.Sender
	rateLimiter handler.RateLimiter

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, initializes logging and builds every dependency.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg, clockwork.NewRealClock())
}

// New builds the dependencies described by cfg. On error everything already opened is closed.
func New(cfg *config.Config, clock clockwork.Clock) (*Factory, error) {
	f := &Factory{
		config: cfg,
		clock:  clock,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clients", f.initializeClients},
		{"managers", f.initializeManagers},
		{"stores", f.initializeStores},
		{"services", f.initializeServices},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("session_backend", cfg.Session.Backend),
		util.String("otp_backend", cfg.OTP.Backend),
		util.String("email_mode", cfg.Email.Mode),
	)

	return f, nil
}

// initializeClients connects every enabled backend. Outside production an
// unreachable optional backend is logged and skipped.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var initErrors []error

	if cfg.Redis.Enabled {
		if c, err := client.NewRedisClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := c.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg, util.Named("scylla")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			replication := 1
			if cfg.IsProduction() {
				replication = 3
			}
			if err := c.EnsureSchema(ctx, replication); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and schema ready")
			}
		}
	}

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg, util.Named("kafka")); err != nil {
			if cfg.Email.Mode == "kafka" {
				initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
			} else {
				util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
			}
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := c.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized")
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if !f.config.Audit.Enabled {
		f.auditor = audit.Nop{}
		return nil
	}

	sinks := []audit.Sink{audit.NewLogSink(util.Named("audit"))}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		if err := sink.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse audit sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.kafkaProducer != nil && f.config.Kafka.AuditTopic != "" {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	f.auditor = audit.NewRecorder(sinks, f.bucketingManager, f.clock, f.config.Audit.Timeout, util.Named("audit"))

	util.Info("Managers initialized successfully",
		util.Int("audit_sinks", len(sinks)),
		util.Int("user_buckets", f.config.Bucketing.UserBuckets),
	)
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	cfg := f.config

	switch cfg.Session.Backend {
	case "redis":
		if f.redisClient == nil {
			return errors.New("SESSION_BACKEND=redis but Redis is not available")
		}
		f.devices = rediscache.NewDeviceStore(f.redisClient)
	case "bolt":
		store, err := bolt.Open(cfg.LocalStore.Path)
		if err != nil {
			return err
		}
		f.boltStore = store
		f.devices = store
	default:
		return fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}

	switch cfg.OTP.Backend {
	case "redis":
		if f.redisClient == nil {
			return errors.New("OTP_BACKEND=redis but Redis is not available")
		}
		f.otpStore = rediscache.NewOTPCache(f.redisClient, cfg.OTP.RecordRetention)
	case "scylla":
		if f.scyllaClient == nil {
			return errors.New("OTP_BACKEND=scylla but ScyllaDB is not available")
		}
		f.otpStore = scylla.NewOTPRepository(f.scyllaClient, f.bucketingManager, cfg.OTP.RecordRetention)
	case "memory":
		util.Warn("OTP records are kept in memory and lost on restart")
		f.otpStore = memory.NewStore()
	default:
		return fmt.Errorf("unknown otp backend %q", cfg.OTP.Backend)
	}

	wrapper, err := f.keyWrapper(ctx)
	if err != nil {
		return err
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.devices, wrapper, util.Named("encryption"))

	if cfg.RateLimit.Enabled {
		if f.redisClient != nil {
			f.rateLimiter = rediscache.NewRateLimitCache(f.redisClient)
		} else {
			f.rateLimiter = handler.NewMemoryRateLimiter(f.clock)
		}
	}
	return nil
}

// keyWrapper prefers KMS, then the configured master key. Development falls
// back to a per-process key, so PINs set in that mode do not survive a restart.
func (f *Factory) keyWrapper(ctx context.Context) (encryption.KeyWrapper, error) {
	cfg := f.config
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		util.Info("Using KMS key wrapping", util.String("region", cfg.KMS.Region))
		return encryption.NewKMSWrapper(kms.NewFromConfig(awsCfg), cfg.KMS.KeyID), nil
	}
	if cfg.LocalStore.MasterKeyHex != "" {
		return encryption.NewLocalWrapperFromHex(cfg.LocalStore.MasterKeyHex)
	}
	if cfg.IsProduction() {
		return nil, errors.New("no key wrapping configured")
	}
	util.Warn("No master key configured - using an ephemeral key, stored PINs will not survive a restart")
	return encryption.NewEphemeralLocalWrapper(), nil
}

func (f *Factory) initializeServices(context.Context) error {
	cfg := f.config

	switch cfg.Email.Mode {
	case "kafka":
		if f.kafkaProducer == nil {
			return errors.New("EMAIL_MODE=kafka but Kafka is not available")
		}
		f.sender = email.NewKafkaSender(f.kafkaProducer, cfg.Kafka.EmailTopic, util.Named("email"))
	default:
		sender := email.NewHTTPSender(cfg.Email, util.Named("email"))
		if !sender.Configured() {
			if cfg.IsProduction() {
				return email.ErrNotConfigured
			}
			util.Warn("Email API is not configured - OTP sends will fail")
		}
		f.sender = sender
	}

	otpService := otp.NewService(f.otpStore, f.sender, f.hasher, otp.Config{
		TTL:            cfg.OTP.TTL,
		MaxAttempts:    cfg.OTP.MaxAttempts,
		ResendCooldown: cfg.OTP.ResendCooldown,
	}, f.clock, f.auditor, util.Named("otp"))

	registry := service.NewDeviceRegistry(
		f.devices,
		f.encryptionManager.ForKey(pinDataKeyID),
		pin.Policy{MaxAttempts: cfg.PIN.MaxAttempts, Lockout: cfg.PIN.LockoutDuration},
		f.clock,
		f.auditor,
		util.Named("device"),
	)
	if err := registry.SetSessionDefaults(cfg.Session.TimeoutEnabled, cfg.Session.DefaultTimeout); err != nil {
		return err
	}
	if err := registry.SetMaxDevices(cfg.Session.MaxDevices); err != nil {
		return err
	}

	f.serviceFactory = service.NewServiceFactory(registry, otpService, util.Get())
	return nil
}

// Router builds the HTTP API over the factory's services.
func (f *Factory) Router() chi.Router {
	cfg := f.config
	services := f.serviceFactory
	return handler.NewRouter(handler.RouterConfig{
		RequireTLS:  cfg.Server.EnableTLS,
		RateLimiter: f.rateLimiter,
		OTPRequests: cfg.RateLimit.OTPRequests,
		OTPWindow:   cfg.RateLimit.OTPWindow,
		Health:      f,
		ServiceName: "device-auth-service",
	},
		handler.NewOTPHandler(services.OTP(), util.Named("otp_handler")),
		handler.NewDeviceHandler(services.Devices(), f.clock, util.Named("device_handler")),
		util.Get(),
	)
}

// HealthCheck reports every enabled backend. A nil entry means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	} else if f.config.Redis.Enabled {
		health["redis"] = errors.New("redis client not initialized")
	}

	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	} else if f.config.Scylla.Enabled {
		health["scylla"] = errors.New("scylla client not initialized")
	}

	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	if f.boltStore != nil {
		health["local_store"] = nil
	}
	if f.serviceFactory == nil {
		health["services"] = errors.New("services not initialized")
	}
	return health
}

// IsHealthy ignores Kafka, which only carries queued work.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if name != "kafka" && err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.boltStore != nil {
			if err := f.boltStore.Close(); err != nil {
				util.Error("Failed to close local store", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) KafkaProducer() *client.KafkaProducer {
	return f.kafkaProducer
}
