// Command boardserver is the entry point for the token board WebSocket
// server: it validates configuration, wires the storage, rate-limit, and
// game-state layers, and serves HTTP/WebSocket traffic until signaled to
// shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/config"
	"github.com/tokenboard/server/internal/v1/gamestate"
	"github.com/tokenboard/server/internal/v1/health"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/ratelimit"
	"github.com/tokenboard/server/internal/v1/redisx"
	"github.com/tokenboard/server/internal/v1/store"
	"github.com/tokenboard/server/internal/v1/tracing"
	"github.com/tokenboard/server/internal/v1/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Absence of .env is expected in production; fall through to the
		// process environment.
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, cfg.TracingServiceName, cfg.OtelCollectorAddr)
		if err != nil {
			logger.Warn("failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	lockExpiration := time.Duration(cfg.LockExpirationSecs) * time.Second
	pingLength := time.Duration(cfg.PingLengthSecs) * time.Second
	livenessExpiry := time.Duration(cfg.ServerLivenessExpSecs) * time.Second

	var redisClient *redisx.Client
	var roomStore store.Store
	var limiter *ratelimit.Limiter

	serverID := serverInstanceID()

	rlCfg := ratelimit.Config{
		MaxUsersPerRoom:      cfg.MaxUsersPerRoom,
		MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP,
		MaxRoomsPerIPPerDay:  cfg.MaxRoomsPerIPPerDay,
		ServerLivenessExpiry: livenessExpiry,
	}

	if cfg.RedisEnabled {
		redisClient, err = redisx.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()

		roomStore = store.NewRedisStore(redisClient, lockExpiration)

		limiter, err = ratelimit.NewRedisLimiter(rlCfg, redisClient, redisClient.Raw(), serverID)
		if err != nil {
			logger.Fatal("failed to initialize redis rate limiter", zap.Error(err))
		}
	} else {
		roomStore = store.NewMemoryStore(lockExpiration)
		limiter = ratelimit.NewMemoryLimiter(rlCfg, serverID)
	}

	hubCfg := gamestate.Config{
		MaxUpdateRetries: cfg.MaxUpdateRetries,
		PingLength:       pingLength,
		EvictionGrace:    lockExpiration,
	}
	hub := gamestate.NewHub(roomStore, limiter, board.DefaultColors, hubCfg)

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	srv := transport.NewServer(hub, limiter, allowedOrigins, livenessExpiry)

	go srv.RunLivenessLoop(ctx)
	go limiter.RunReconciliationLoop(ctx, livenessExpiry/3)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.TracingServiceName))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsCfg))

	router.GET("/ws/room/:roomId", srv.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisClient)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("board server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}

// splitOrigins turns a comma-separated ALLOWED_ORIGINS value into a slice,
// trimming whitespace and skipping empty entries.
func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

// serverInstanceID derives a per-process identifier for the server
// liveness set; the hostname (pod name under most orchestrators) is
// unique enough within a cluster without pulling in a UUID at startup.
func serverInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "boardserver"
	}
	return host
}
