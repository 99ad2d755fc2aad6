package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/encryption"
	"phone-auth-service/internal/hashing"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/repository/memory"
	"phone-auth-service/internal/repository/postgres"
	redisrepo "phone-auth-service/internal/repository/redis"
	"phone-auth-service/internal/repository/scylla"
	"phone-auth-service/internal/service"
	"phone-auth-service/internal/tls"
	"phone-auth-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

// expired codes stay readable this long so late verifications report
// "expired" instead of "not found"
const codeGrace = time.Minute

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.Manager

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	pgDB          *postgres.DB
	kafkaProducer *client.KafkaProducer
	natsClient    *client.NATSClient

	// Stores
	records   model.PhoneOTPRepository
	profiles  model.ProfileRepository
	codes     model.CodeCache
	ipLimiter model.IPLimiter
	janitor   *memory.Janitor

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	dispatcher     *audit.Dispatcher
	sms            client.SMSSender
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects the configured backends. A missing optional backend
// (Kafka, NATS, KMS) is logged and skipped; a missing store is fatal.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: util.Get(),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, cfg.IsProduction())
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := f.initializeStores(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := f.initializeCache(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	f.initializeManagers(initCtx)
	f.initializeAudit()

	sms, err := client.NewSMSSender(cfg.SMS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize sms sender: %w", err)
	}
	f.sms = sms

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.Store.Driver),
		util.String("cache", cfg.Store.Cache),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeStores opens the phone_otps and profiles backend
func (f *Factory) initializeStores(ctx context.Context) error {
	switch f.config.Store.Driver {
	case "postgres":
		db, err := postgres.NewDB(ctx, f.config.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.pgDB = db
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		f.records = postgres.NewPhoneOTPRepository(db)
		f.profiles = postgres.NewProfileRepository(db)
		util.Info("PostgreSQL store initialized")

	case "scylla":
		c, err := scylla.NewScyllaClient(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		f.records = scylla.NewPhoneOTPRepository(c)
		f.profiles = scylla.NewProfileRepository(c)
		util.Info("ScyllaDB store initialized")

	default:
		f.records = memory.NewPhoneOTPRepository()
		f.profiles = memory.NewProfileRepository()
		util.Warn("Using in-memory store, records are lost on restart")
	}
	return nil
}

// initializeCache sets up active codes and the IP window
func (f *Factory) initializeCache(ctx context.Context) error {
	otp := f.config.OTP

	if f.config.Store.Cache == "redis" {
		c, err := client.NewRedisClient(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		f.codes = redisrepo.NewOTPCache(c, codeGrace)
		f.ipLimiter = redisrepo.NewRateLimitCache(c, otp.IPWindow, otp.IPMaxRequests)
		util.Info("Redis cache initialized")
		return nil
	}

	codes := memory.NewCodeCache(codeGrace)
	limiter := memory.NewIPLimiter(otp.IPWindow, otp.IPMaxRequests)
	f.codes = codes
	f.ipLimiter = limiter
	f.janitor = memory.NewJanitor(otp.SweepInterval, map[string]memory.Sweeper{
		"active_codes": codes,
		"ip_windows":   limiter,
	})
	f.janitor.Start()
	util.Info("In-memory cache initialized", util.Duration("sweep_interval", otp.SweepInterval))
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) {
	f.hasher = hashing.NewHasher(f.config.Hashing)

	// An ephemeral pepper can only rotate when this process owns every code.
	if f.config.Hashing.Pepper == "" && f.config.Store.Cache == "memory" {
		every := time.Duration(f.config.Hashing.PepperRotationDays) * 24 * time.Hour
		f.hasher.StartPepperRotation(every, f.closed)
	}

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("AWS config unavailable, using local data keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializeAudit wires the request-path audit sinks
func (f *Factory) initializeAudit() {
	sinks := []audit.Sink{audit.LogSink{}}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, f.logger); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			sinks = append(sinks, audit.NewKafkaSink(producer))
			util.Info("Kafka audit sink enabled", util.String("topic", f.config.Kafka.AuditTopic))
		}
	}

	if f.config.NATS.Enabled {
		if nc, err := client.NewNATSClient(f.config, f.logger); err != nil {
			util.Warn("NATS connection failed - proceeding without NATS", util.ErrorField(err))
		} else {
			f.natsClient = nc
			sinks = append(sinks, audit.NewNATSSink(nc, f.config.NATS.Subject))
			util.Info("NATS audit sink enabled", util.String("subject", f.config.NATS.Subject))
		}
	}

	f.dispatcher = audit.NewDispatcher(audit.DispatcherOptions{
		Digester:  f.hasher,
		Encrypter: f.encryptionManager,
		Buckets:   f.bucketingManager,
	}, sinks...)
	f.dispatcher.Start()
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.records,
			f.profiles,
			f.codes,
			f.ipLimiter,
			f.hasher,
			f.sms,
			f.dispatcher,
			f.logger,
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every configured component; nil means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health := map[string]error{
		"records":  f.records.HealthCheck(ctx),
		"profiles": f.profiles.HealthCheck(ctx),
	}

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.natsClient != nil {
		health["nats"] = f.natsClient.HealthCheck(ctx)
	}
	if f.hasher == nil {
		health["hasher"] = errors.New("hasher not initialized")
	}
	return health
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Failed to drain audit queue", util.ErrorField(err))
			}
			cancel()
		}

		if f.janitor != nil {
			f.janitor.Stop()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.natsClient != nil {
			if err := f.natsClient.Close(); err != nil {
				util.Error("Failed to close NATS connection", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.pgDB != nil {
			f.pgDB.Close()
			util.Info("PostgreSQL pool closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
