package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	intDatabase "teleconsult-backend/internal/database"
	consultHandler "teleconsult-backend/internal/handler/http/consult"
	pushHandler "teleconsult-backend/internal/handler/http/push"
	wsHandler "teleconsult-backend/internal/handler/ws"
	"teleconsult-backend/internal/middleware"
	"teleconsult-backend/internal/repository/cassandra"
	"teleconsult-backend/internal/repository/cockroach"
	redisRepo "teleconsult-backend/internal/repository/redis"
	consultService "teleconsult-backend/internal/service/consult"
	signalhub "teleconsult-backend/internal/signal"
	pkgDatabase "teleconsult-backend/pkg/database"
	"teleconsult-backend/pkg/env"
	"teleconsult-backend/pkg/jwt"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
	"teleconsult-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	// 1. JWT manager. Tokens are minted by the booking platform with
	// the same secret; this service only verifies them.
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute)

	// 2. CockroachDB (durable call sessions)
	cockroachDB, err := pkgDatabase.NewCockroachDBFromEnv(context.Background())
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer cockroachDB.Close()
	log.Println("✅ Connected to CockroachDB")

	// 3. Redis with degraded mode support (revocation, presence, push tokens)
	intDatabase.InitRedisMetrics()

	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}
	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(context.Background(), 10*time.Second)
	log.Println("✅ Connected to Redis (health check every 10s)")

	// 4. Cassandra (chat transcript archive). Optional; transcripts are
	// best-effort and the service runs without the archive.
	var transcriptRepo *cassandra.TranscriptRepository
	cassandraDB, err := pkgDatabase.NewCassandraDBFromEnv()
	if err != nil {
		log.Printf("⚠️  Cassandra unavailable, chat transcripts disabled: %v", err)
	} else {
		defer cassandraDB.Close()
		transcriptRepo = cassandra.NewTranscriptRepository(cassandraDB.Session)
		log.Println("✅ Connected to Cassandra")
	}

	// 5. Push provider (FCM/APNs/mock per PUSH_PROVIDER)
	pushProvider, err := push.NewProvider()
	if err != nil {
		log.Fatalf("Failed to initialize push provider: %v", err)
	}
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 6. Repositories and services
	sessionRepo := cockroach.NewSessionRepository(cockroachDB.Pool)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	consultSvc := consultService.NewService(sessionRepo, pushSvc)

	// 7. Metrics
	appMetrics := metrics.NewMetrics("consult-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Signaling registry and WebSocket server
	registry := signalhub.NewRegistry(appMetrics)
	var archiver wsHandler.TranscriptArchiver
	if transcriptRepo != nil {
		archiver = transcriptRepo
	}
	signalingServer := wsHandler.NewSignalingServer(registry, consultSvc, archiver, presenceRepo, appMetrics)

	// 9. HTTP handlers
	var transcriptReader consultHandler.TranscriptReader
	if transcriptRepo != nil {
		transcriptReader = transcriptRepo
	}
	consultHdlr := consultHandler.NewHandler(consultSvc, transcriptReader, presenceRepo)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// 10. Router
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "consult-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)
	rateLimiter := middleware.NewRateLimiter(redisDB, env.GetInt("RATE_LIMIT_REQUESTS", 120), env.GetDuration("RATE_LIMIT_WINDOW", time.Minute))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(rateLimiter.Middleware())
	{
		v1.POST("/consults", middleware.RequireRole("clinician"), consultHdlr.CreateSession)
		v1.GET("/consults/history", consultHdlr.GetHistory)
		v1.GET("/consults/:id", consultHdlr.GetSession)
		v1.POST("/consults/:id/start", consultHdlr.StartCall)
		v1.POST("/consults/:id/end", consultHdlr.EndCall)
		v1.GET("/consults/:id/transcript", consultHdlr.GetTranscript)
		v1.GET("/consults/:id/presence", consultHdlr.GetPresence)

		v1.GET("/consults/ws", signalingServer.ServeWS)

		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)
		v1.GET("/push/tokens", pushHdlr.GetTokens)
	}

	// 11. Serve with graceful shutdown
	port := env.GetString("PORT", "8084")
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Consult Service starting on port %s\n", port)
		log.Println("📡 Signaling endpoint: /v1/consults/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
