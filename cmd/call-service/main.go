package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "callcore-backend/internal/database"
	callHandler "callcore-backend/internal/handler/http/call"
	pushHandler "callcore-backend/internal/handler/http/push"
	wsHandler "callcore-backend/internal/handler/ws"
	"callcore-backend/internal/middleware"
	"callcore-backend/internal/notify"
	cassandraRepo "callcore-backend/internal/repository/cassandra"
	"callcore-backend/internal/repository/cockroach"
	"callcore-backend/internal/repository/memory"
	redisRepo "callcore-backend/internal/repository/redis"
	"callcore-backend/internal/service/call"
	"callcore-backend/internal/service/quality"
	"callcore-backend/pkg/audit"
	"callcore-backend/pkg/config"
	pkgDatabase "callcore-backend/pkg/database"
	"callcore-backend/pkg/jwt"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
	"callcore-backend/pkg/push"
	"callcore-backend/pkg/resilience"
	"callcore-backend/pkg/tracing"
)

// membershipSource is satisfied by the conversation repository and the
// in-memory directory
type membershipSource interface {
	call.MembershipGate
	notify.MemberLister
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		ServiceName: cfg.Server.ServiceName,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	appLog := logger.Log

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Tracing
	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Server.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Server.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Call store and membership gate
	var (
		store   call.Store
		members membershipSource
	)
	db, err := pkgDatabase.ConnectWithRetry(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, cfg.Database.MaxRetries, appLog)
	switch {
	case err == nil:
		defer db.Close()
		if cfg.Database.Migrate {
			if err := pkgDatabase.Migrate(ctx, db.Pool); err != nil {
				logger.Fatal("Failed to migrate call schema", zap.Error(err))
			}
		}
		store = cockroach.NewCallRepository(db.Pool)
		members = cockroach.NewConversationRepository(db.Pool)
	case cfg.IsProduction():
		logger.Fatal("CockroachDB is required in production", zap.Error(err))
	default:
		logger.Warn("Running with in-memory call store", zap.Error(err))
		store = memory.NewCallStore()
		members = memory.NewDirectory()
	}

	// 3. Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(ctx, &intDatabase.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics, appLog)
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	// 4. Optional call timeline
	var timeline *cassandraRepo.CallEventRepository
	if len(cfg.Cassandra.Hosts) > 0 {
		cassandraDB, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
			Timeout:  cfg.Cassandra.Timeout,
		})
		if err != nil {
			logger.Warn("Call timeline disabled: Cassandra unavailable", zap.Error(err))
		} else {
			defer cassandraDB.Close()
			if err := cassandraDB.EnsureCallEventsTable(); err != nil {
				logger.Fatal("Failed to create call_events table", zap.Error(err))
			}
			breaker := resilience.NewBreaker("cassandra", resilience.DefaultConfig, appMetrics, appLog)
			timeline = cassandraRepo.NewCallEventRepository(cassandraDB.Session, breaker, appMetrics)
		}
	}

	// 5. Push
	pushProvider, err := push.NewProvider(ctx, push.ProviderConfig{
		Type: push.ProviderType(cfg.Push.Provider),
		FCM: push.FCMConfig{
			CredentialsPath: cfg.Push.FirebaseCredentials,
			ProjectID:       cfg.Push.FirebaseProjectID,
		},
		APNs: push.APNsConfig{
			KeyPath:    cfg.Push.APNsKeyPath,
			KeyID:      cfg.Push.APNsKeyID,
			TeamID:     cfg.Push.APNsTeamID,
			BundleID:   cfg.Push.APNsBundleID,
			Production: cfg.Push.APNsProduction,
		},
	})
	if err != nil {
		if cfg.IsProduction() {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		logger.Warn("Falling back to mock push provider", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB), appMetrics)
	pushSink := notify.NewPushSink(pushSvc, members, appLog)

	// 6. Event fan-out, quality monitor and event hub
	fanout := notify.NewFanout(appLog, appMetrics,
		pushSink,
		notify.NewAuditSink(audit.NewAuditLogger(redisDB)),
	)
	if timeline != nil {
		fanout.Add(notify.NewTimelineSink(timeline))
	}

	monitor := quality.NewMonitor(quality.SamplerConfig{
		Interval: cfg.Quality.SampleInterval,
		Timeout:  cfg.Quality.StatsTimeout,
	}, fanout, appMetrics, appLog)

	callSvc := call.NewService(store, members, fanout, appLog, call.WithMetrics(appMetrics))

	hub := wsHandler.NewEventHub(wsHandler.Config{
		MaxConnections: cfg.WebSocket.MaxConnections,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, redisDB, call.NewAuthorizer(members), callSvc, monitor, appMetrics, appLog)

	fanout.Add(
		notify.NewRedisPublisher(redisDB, hub, appMetrics),
		notify.NewMonitorSink(monitor),
	)

	go hub.Run(ctx)
	callSvc.StartRingTimeoutSweeper(ctx, cfg.Call.SweepInterval, cfg.Call.RingTimeout)

	// 7. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.Recovery(appLog))
	router.Use(middleware.RequestLogger(appLog))
	router.Use(middleware.Tracing())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.CORSMiddleware(cfg.WebSocket.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Timeout(middleware.DefaultRequestTimeout))

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
			"redis":   !redisDB.IsDegraded(),
		}
		if db != nil {
			status["database"] = db.Ping(c.Request.Context()) == nil
		}
		c.JSON(http.StatusOK, status)
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)
	rateLimiter := middleware.NewRateLimiter(redisDB, middleware.RateLimiterConfig{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
		Burst:    cfg.RateLimit.Burst,
	}, appMetrics, appLog)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	v1.GET("/calls/ws", hub.ServeWS)

	api := v1.Group("")
	api.Use(rateLimiter.Middleware())
	var timelineReader callHandler.TimelineReader
	if timeline != nil {
		timelineReader = timeline
	}
	callHandler.NewHandler(callSvc, monitor, timelineReader).RegisterRoutes(api)
	pushHandler.NewHandler(pushSvc).RegisterRoutes(api)

	// 8. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.Bool("timeline", timeline != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	monitor.StopAll()
	pushSink.Wait()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown failed", zap.Error(err))
	}

	logger.Info("Call service stopped")
}
