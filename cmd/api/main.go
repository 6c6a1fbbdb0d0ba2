package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/bazaar-market/api/internal/di"
	"github.com/bazaar-market/api/internal/handlers"
	"github.com/bazaar-market/api/internal/payments"
	"github.com/bazaar-market/api/internal/platform/auth"
	"github.com/bazaar-market/api/internal/platform/config"
	"github.com/bazaar-market/api/internal/platform/events"
	pfirestore "github.com/bazaar-market/api/internal/platform/firestore"
	"github.com/bazaar-market/api/internal/platform/idempotency"
	"github.com/bazaar-market/api/internal/platform/metrics"
	"github.com/bazaar-market/api/internal/platform/observability"
	"github.com/bazaar-market/api/internal/platform/requestctx"
	"github.com/bazaar-market/api/internal/platform/secrets"
	platformstorage "github.com/bazaar-market/api/internal/platform/storage"
	"github.com/bazaar-market/api/internal/repositories"
	firestoreRepo "github.com/bazaar-market/api/internal/repositories/firestore"
	"github.com/bazaar-market/api/internal/repositories/memory"
	"github.com/bazaar-market/api/internal/services"
)

const idempotencySweepInterval = 10 * time.Minute

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"], envValues["API_ENV"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	metricsRegistry := metrics.NewRegistry()

	var redisClient redis.UniversalClient
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Store.Backend == config.StoreFirestore || cfg.Idempotency.Backend == config.IdempotencyFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(credentialOptions(cfg)...))
	}

	registry, err := openRegistry(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, closePublisher, err := openPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer closePublisher()

	eventLog := observability.EventLogger(logger.Named("orders"))
	infra := di.Infrastructure{
		Events:  publisher,
		Metrics: metricsRegistry,
		Logger:  eventLog,
		Build:   buildInfo,
	}

	if key := strings.TrimSpace(cfg.Payments.StripeAPIKey); key != "" {
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:              key,
			Logger:              observability.EventLogger(logger.Named("payments")),
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		infra.Payments = gateway
	} else {
		logger.Info("stripe api key not configured; credit orders use the configured fallback")
	}

	if bucket := strings.TrimSpace(cfg.Reports.Bucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx, credentialOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archiver, err := platformstorage.NewReportArchiver(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise report archiver", zap.Error(err))
		}
		infra.Archiver = archiver
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	verifier, err := newTokenVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier, auth.WithRoleClaim(cfg.Auth.RoleClaim))

	idempotencyStore, err := openIdempotencyStore(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyLog := idempotency.Logger(observability.EventLogger(logger.Named("idempotency")))
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithRequired(cfg.Idempotency.Required),
		idempotency.WithLogger(idempotencyLog),
	)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		idempotency.Sweep(sweepCtx, idempotencyStore, idempotencySweepInterval, idempotencyLog)
	}()

	svc := container.Services
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Checkout, svc.Orders, svc.Reports,
		handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimitPerMin, time.Minute, time.Now),
		handlers.WithCheckoutMiddleware(idempotencyMiddleware),
	)
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
			metricsRegistry.Middleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMetricsHandler(metricsRegistry.Handler()),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "bazaar-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("bazaar api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("events", cfg.Events.Backend),
			zap.String("idempotency", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func credentialOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Auth.FirebaseCredFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func openRegistry(cfg config.Config, provider *pfirestore.Provider, redisClient redis.UniversalClient) (repositories.Registry, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StoreFirestore:
		var checks []repositories.DependencyCheck
		if redisClient != nil {
			checks = append(checks, repositories.DependencyCheck{
				Name:  "redis",
				Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			})
		}
		return firestoreRepo.NewRegistry(provider, checks...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openIdempotencyStore(cfg config.Config, provider *pfirestore.Provider, redisClient redis.UniversalClient) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyMemory:
		return idempotency.NewMemoryStore(), nil
	case config.IdempotencyFirestore:
		return idempotency.NewFirestoreStore(provider)
	case config.IdempotencyRedis:
		if redisClient == nil {
			return nil, errors.New("redis idempotency backend requires API_REDIS_ADDR")
		}
		return idempotency.NewRedisStore(redisClient)
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}
}

// openPublisher returns the configured publisher behind a circuit breaker and
// a close func that flushes it.
func openPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, func(), error) {
	var (
		next    services.OrderEventPublisher
		closeFn = func() {}
	)

	switch cfg.Events.Backend {
	case config.EventsNone, "":
		return events.Noop{}, closeFn, nil
	case config.EventsPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID, credentialOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		topic.EnableMessageOrdering = true
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		next = publisher
		closeFn = func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	case config.EventsKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic,
			events.WithKafkaLoggers(observability.NewPrintfAdapter(logger.Named("kafka")), observability.NewErrorPrintfAdapter(logger.Named("kafka"))),
		)
		if err != nil {
			return nil, nil, err
		}
		next = publisher
		closeFn = func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close error", zap.Error(err))
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}

	breaker, err := events.NewBreakerPublisher(next, events.BreakerSettings{
		Name:                "order-events-" + cfg.Events.Backend,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("event publisher breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return breaker, closeFn, nil
}

func newTokenVerifier(ctx context.Context, cfg config.Config) (auth.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeFirebase:
		return auth.NewFirebaseVerifier(ctx, cfg.Auth)
	case config.AuthModeJWT:
		var opts []auth.JWTOption
		if issuer := strings.TrimSpace(cfg.Auth.JWTIssuer); issuer != "" {
			opts = append(opts, auth.WithJWTIssuer(issuer))
		}
		return auth.NewJWTVerifier(cfg.Auth.JWTSecret, opts...)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
