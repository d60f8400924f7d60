package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/meshrtc/signaling/internal/v1/auth"
	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/cluster"
	"github.com/meshrtc/signaling/internal/v1/config"
	"github.com/meshrtc/signaling/internal/v1/health"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/middleware"
	"github.com/meshrtc/signaling/internal/v1/registry"
	"github.com/meshrtc/signaling/internal/v1/tracing"
	"github.com/meshrtc/signaling/internal/v1/transport"
)

func main() {
	// Load .env for local development; in deployment everything comes from
	// the environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Tracing (optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("Tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	validator := auth.NewValidator(cfg.JWTSecret)

	// --- Coordination plane (optional) ---
	// Cluster mode needs Redis; if the initial connection fails the node
	// falls back to single-node operation rather than refusing to start.
	var busService *bus.Service
	local := registry.NewLocal()
	var router *registry.Router
	var monitor *cluster.HealthMonitor
	var wg sync.WaitGroup

	if cfg.ClusterMode {
		busService, err = bus.NewService(cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-node mode", "error", err)
			busService = nil
		}
	} else {
		slog.Info("Running in single-node mode (CLUSTER_MODE not enabled)")
	}

	if busService != nil {
		clusterReg := registry.NewCluster(busService, cfg.NodeID)
		monitor = cluster.NewHealthMonitor(busService, cfg.NodeID)
		router = registry.NewRouter(local, clusterReg, monitor, cfg.NodeID)
		slog.Info("Cluster mode enabled", "node_id", cfg.NodeID)
	} else {
		router = registry.NewSingleNodeRouter(local, cfg.NodeID)
	}

	var allowedOrigins []string
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}

	hub := transport.NewHub(validator, router, allowedOrigins)

	if busService != nil {
		listener := cluster.NewListener(busService, cfg.NodeID, router)
		listener.Start(ctx, &wg)

		heartbeat := cluster.NewHeartbeat(busService, cfg.NodeID, hub.ConnectionCount)
		wg.Add(1)
		go func() {
			defer wg.Done()
			heartbeat.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	}

	// --- HTTP surface ---
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	engine.Use(otelgin.Middleware("signaling"))

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsConfig))

	engine.GET("/ws", hub.ServeWs)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		slog.Info("Signaling server starting", "addr", srv.Addr, "node_id", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop the background cluster goroutines before closing Redis.
	cancel()
	wg.Wait()

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
