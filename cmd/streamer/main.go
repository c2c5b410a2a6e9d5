package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamcast/internal/core/services"
	httphandlers "streamcast/internal/handlers/http"
	"streamcast/internal/infrastructure/media"
	"streamcast/internal/infrastructure/middleware"
	"streamcast/internal/infrastructure/monitoring"
	"streamcast/internal/infrastructure/reliability"
	"streamcast/internal/infrastructure/repositories"
	"streamcast/internal/infrastructure/transport"
	"streamcast/pkg/circuitbreaker"
	"streamcast/pkg/config"
	apperrors "streamcast/pkg/errors"
	"streamcast/pkg/logger"
	"streamcast/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/streamcast/config.yaml",
	"config.yaml",
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	return config.LoadFirst(configPaths)
}

func main() {
	startTime := time.Now()
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, loadedFrom, cfgErr := loadConfig(*configPath)
	if cfgErr != nil {
		defaults := config.DefaultConfig()
		logger.New(defaults.Logging.Level, defaults.Logging.Format).Sugar().
			Fatalw("failed to load config", "path", loadedFrom, "error", cfgErr)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if loadedFrom == "" {
		log.Infow("no config file found, using defaults", "searched", configPaths)
	} else {
		log.Infow("loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.FromConfig(cfg, "streamcast"))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	clk := clock.New()
	collector := monitoring.NewPrometheusCollector()

	factory := repositories.NewFactory(cfg, log)
	registry := factory.CreateConnectionRegistry()
	notifier := factory.CreateNotifier()

	source, err := media.NewPatternSource(cfg.Stream.DefaultWidth, cfg.Stream.DefaultHeight, cfg.Stream.MaxFPS, 0)
	if err != nil {
		log.Fatalw("failed to create sample source", "error", err)
	}

	var svc *services.StreamingService
	encoder := reliability.NewEncoderWrapper(
		media.NewJPEGEncoder(source, cfg.Stream.DefaultWidth, cfg.Stream.DefaultHeight),
		circuitbreaker.Config{
			FailureThreshold:    cfg.Encoder.FailureThreshold,
			SuccessThreshold:    cfg.Encoder.SuccessThreshold,
			Timeout:             cfg.Encoder.OpenTimeout,
			MaxRequestsHalfOpen: 1,
		},
		clk,
		func(from, to circuitbreaker.State) {
			if svc != nil {
				svc.EncoderAvailabilityChanged(to != circuitbreaker.StateOpen)
			}
		},
		log,
	)

	svc = services.NewStreamingService(cfg, registry, encoder, media.NewLogRenderer(log), clk,
		collector, notifier, log)
	registry.OnRemove(svc.HandleRemoved)

	wsServer := transport.NewWebSocketServer(svc, transport.ServerConfig{
		WriteTimeout:    cfg.Transport.WriteTimeout,
		ReadBufferSize:  cfg.Transport.ReadBufferSize,
		WriteBufferSize: cfg.Transport.WriteBufferSize,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		MaxConnections:  cfg.RateLimiting.WebSocket.MaxConcurrent,
	}, clk, log)

	healthChecker := monitoring.NewHealthChecker(clk)
	healthChecker.AddServiceCheck("streaming", svc.Healthy, time.Second)
	if client := factory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctxLogger := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(ctxLogger),
		middleware.TracingMiddleware(cfg.Transport.Path),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(ctxLogger),
	)

	router.GET(cfg.Transport.Path, wsServer.GinHandler())
	httphandlers.NewStreamHandler(svc, log).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": registry.Len(),
			"instance_id": factory.InstanceID(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(collector.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			err = apperrors.NewAddressInUseError(cfg.Server.Address, err)
		}
		log.Fatalw("failed to listen", "address", cfg.Server.Address, "error", err)
	}

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is left unset: it would cut hijacked websocket
		// connections. Frame writes carry their own deadline.
	}

	if err := svc.Start(context.Background()); err != nil {
		log.Fatalw("failed to start streaming service", "error", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting streamcast server",
			"address", listener.Addr().String(),
			"websocket_path", cfg.Transport.Path,
		)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case <-svc.Done():
		log.Warn("Streaming service stopped, shutting down")
	}

	log.Info("Shutting down streamcast server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop closes every peer connection, which ends their reader loops.
	svc.Stop()

	wsCtx, wsCancel := context.WithTimeout(shutdownCtx, cfg.Transport.ShutdownTimeout)
	if err := wsServer.Shutdown(wsCtx); err != nil {
		log.Warnw("WebSocket readers did not finish in time", "error", err)
	}
	wsCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := factory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("streamcast server stopped")
}
