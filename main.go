package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medibook/medibook/backend/booking-service/handlers"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/handler"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/repository"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/service"
	"github.com/medibook/medibook/backend/booking-service/internal/config"
	"github.com/medibook/medibook/backend/booking-service/internal/database"
	"github.com/medibook/medibook/backend/booking-service/internal/oidc"
	"github.com/medibook/medibook/backend/booking-service/internal/readcache"
	"github.com/medibook/medibook/backend/booking-service/internal/tokens"
	"github.com/medibook/medibook/backend/booking-service/internal/users"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/metrics"
	"github.com/medibook/medibook/backend/booking-service/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

var startTime = time.Now()

func main() {
	// initialize logging (can be controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)
	logger.Infof("config loaded: db=%s cache=%s keycloak=%v mongo=%v redis=%v", cfg.Database.Driver, cfg.Cache.Backend, cfg.Keycloak.URL != "", cfg.MongoDB.URI != "", cfg.Redis.Host != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("failed to open appointment store: %v", err)
	}
	defer closeStore()

	// Connect to Redis early so the cache and the rate limiter can share it
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s): %v", cfg.Redis.Addr(), err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logger.Infof("connected to Redis at %s", cfg.Redis.Addr())
			defer func() { _ = redisClient.Close() }()
		}
	}

	cache := openCache(cfg, redisClient)
	mgr := service.NewManager(store, cache, service.Options{
		DefaultDurationMinutes: cfg.Booking.DefaultDurationMinutes,
		MaxNotesLength:         cfg.Booking.MaxNotesLength,
		ReadRetryBackoff:       cfg.Booking.ReadRetryBackoff,
	})

	userRepo, closeUsers := openUserRepository(ctx, cfg.MongoDB)
	defer closeUsers()
	userSvc := users.NewService(userRepo, mgr, cache)

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		logger.Fatalf("failed to initialize token verifier: %v", err)
	}

	r := gin.New()
	// Lightweight CORS middleware: set common headers and respond to OPTIONS.
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	})
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	// readiness: the record store is required, the cache only degrades reads
	r.GET("/ready", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		deps := gin.H{}
		ready := true
		if p, ok := store.(repository.Pinger); ok {
			if err := p.Ping(pctx); err != nil {
				deps["store"] = err.Error()
				ready = false
			} else {
				deps["store"] = "ok"
			}
		} else {
			deps["store"] = "ok"
		}
		if err := cache.Ping(pctx); err != nil {
			deps["cache"] = "degraded: " + err.Error()
		} else {
			deps["cache"] = "ok"
		}
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "deps": deps, "uptime": time.Since(startTime).String()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterSwagger(r)

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(verifier))
	// per-user limits need the principal, so the limiter runs after auth
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && redisClient != nil {
			api.Use(middleware.RedisRateLimitMiddleware(redisClient, cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.Window))
		} else {
			api.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}
	handler.RegisterBookingRoutes(api, mgr)
	users.RegisterRoutes(api, userSvc)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("starting booking service on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := database.RunMigrations(cfg.URL); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		var (
			db  *sql.DB
			err error
		)
		// retry with backoff to tolerate startup races with the database container
		const maxAttempts = 5
		backoff := time.Second
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			db, err = database.OpenPostgres(ctx, cfg.URL, database.PoolOptions{
				MaxOpenConns:    cfg.MaxOpenConns,
				MaxIdleConns:    cfg.MaxIdleConns,
				ConnMaxLifetime: cfg.ConnMaxLifetime,
			}, cfg.ConnectTimeout)
			if err == nil {
				break
			}
			logger.Warnf("attempt %d/%d: failed to connect to Postgres: %v", attempt, maxAttempts, err)
			if attempt < maxAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("using Postgres appointment store")
		return repository.NewPostgresStore(db), func() { _ = db.Close() }, nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath, &repository.AppointmentRow{})
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("using SQLite appointment store at %s", cfg.SQLitePath)
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return repository.NewGormStore(db), closer, nil
	default:
		logger.Warnf("using in-memory appointment store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func openCache(cfg *config.Config, client *redis.Client) *readcache.Coordinator {
	var gw readcache.Gateway
	if cfg.Cache.Backend == config.CacheRedis && client != nil {
		gw = readcache.NewRedisGateway(client, cfg.Redis.KeyPrefix)
		logger.Infof("read cache: redis (ttl=%s)", cfg.Cache.TTL)
	} else {
		if cfg.Cache.Backend == config.CacheRedis {
			logger.Warnf("read cache: redis unavailable, falling back to in-process cache")
		}
		gw = readcache.NewLocalGateway(readcache.LocalConfig{
			Capacity:  cfg.Cache.Capacity,
			NumShards: cfg.Cache.Shards,
			TTL:       cfg.Cache.TTL,
		})
		logger.Infof("read cache: local (ttl=%s)", cfg.Cache.TTL)
	}
	return readcache.NewCoordinator(gw, cfg.Cache.TTL,
		readcache.WithOpTimeout(cfg.Cache.OpTimeout),
		readcache.WithLoadTimeout(cfg.Cache.LoadTimeout),
	)
}

func openUserRepository(ctx context.Context, cfg config.MongoDBConfig) (users.UserRepository, func()) {
	if cfg.URI == "" {
		return users.NewMemoryUserRepository(), func() {}
	}
	// Retry/backoff when connecting to MongoDB to tolerate startup races
	const maxAttempts = 5
	backoff := time.Second
	var (
		client  *mongo.Client
		errConn error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, errConn = database.ConnectMongo(ctx, cfg.URI, cfg.Timeout)
		if errConn == nil {
			break
		}
		logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, errConn)
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if errConn != nil {
		logger.Warnf("could not connect to MongoDB after %d attempts, keeping users in memory: %v", maxAttempts, errConn)
		return users.NewMemoryUserRepository(), func() {}
	}
	disconnect := func() { _ = client.Disconnect(context.Background()) }
	repo, err := users.NewMongoUserRepository(ctx, client.Database(cfg.Database).Collection("users"))
	if err != nil {
		logger.Warnf("failed to prepare users collection, keeping users in memory: %v", err)
		disconnect()
		return users.NewMemoryUserRepository(), func() {}
	}
	logger.Infof("using MongoDB for user accounts")
	return repo, disconnect
}

func buildVerifier(ctx context.Context, cfg *config.Config) (middleware.Verifier, error) {
	if cfg.Keycloak.URL != "" && cfg.Keycloak.ClientID != "" {
		ver, err := oidc.NewVerifier(ctx, cfg.Keycloak.Issuer(), cfg.Keycloak.ClientID)
		if err == nil {
			logger.Infof("verifying tokens against OIDC issuer %s", cfg.Keycloak.Issuer())
			return ver, nil
		}
		logger.Warnf("failed to initialize OIDC verifier: %v", err)
	}
	if cfg.JWT.Secret != "" {
		ver, err := tokens.NewHMACVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
		if err != nil {
			return nil, err
		}
		logger.Infof("verifying HS256 tokens issued by %s", cfg.JWT.Issuer)
		return ver, nil
	}
	if cfg.Keycloak.AllowInsecure {
		logger.Warn("enabling insecure token verifier (integration mode)")
		return oidc.NewInsecureVerifier(), nil
	}
	return nil, errors.New("no token verifier available")
}
