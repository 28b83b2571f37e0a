package main

import (
	"context"
	"fmt"
	stlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gpufleet/lifecycle-controller/internal/config"
	consul_client "github.com/gpufleet/lifecycle-controller/internal/consul"
	"github.com/gpufleet/lifecycle-controller/internal/events"
	"github.com/gpufleet/lifecycle-controller/internal/failover"
	"github.com/gpufleet/lifecycle-controller/internal/history"
	"github.com/gpufleet/lifecycle-controller/internal/marketplace"
	nats_client "github.com/gpufleet/lifecycle-controller/internal/nats"
	"github.com/gpufleet/lifecycle-controller/internal/race"
	"github.com/gpufleet/lifecycle-controller/internal/retryer"
	"github.com/gpufleet/lifecycle-controller/internal/server"
	"github.com/gpufleet/lifecycle-controller/internal/snapshot"
	"github.com/gpufleet/lifecycle-controller/internal/standby"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync() // Flush logs before exiting
	}()

	logger.Info("GPU Lifecycle Controller starting up...")

	// --- Consul Client & Service Registration ---
	consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
	}

	serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
	logger.Info("Generated unique service ID for Consul", zap.String("service_id", serviceID))

	err = consul_client.RegisterService(consulClient, cfg, serviceID, logger)
	if err != nil {
		logger.Fatal("Failed to register service with Consul", zap.Error(err))
	}
	logger.Info("Successfully registered service with Consul",
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_id", serviceID),
	)

	// --- NATS Client ---
	nc, err := nats_client.Connect(cfg.NatsAddress, logger)
	if err != nil {
		// Log error but continue, health check should reflect NATS status
		logger.Error("Failed to establish initial NATS connection. Service may be degraded.", zap.Error(err))
	}
	if nc != nil {
		defer nc.Close() // Ensure NATS connection is closed on exit
		logger.Info("Successfully connected to NATS", zap.String("address", cfg.NatsAddress))
	} else {
		logger.Warn("Running without NATS connection. Lifecycle ingestion and event streams will be unavailable.")
	}

	publisher := events.NewPublisher(nc, cfg.NatsRaceProgressSubjectPrefix, cfg.NatsFailoverSubjectPrefix, logger.Named("events"))

	// --- Marketplace client & race controller ---
	mktClient := marketplace.NewClient(cfg, consulClient, logger.Named("marketplace"))
	probe := marketplace.NewOfferProbe(mktClient, cfg.ProbePollInterval, logger.Named("probe"))
	raceCtrl := race.NewController(probe, cfg.ProbeTimeout, publisher, logger.Named("race"))

	// --- Snapshot store (MinIO) ---
	snapStore, err := snapshot.NewMinioStore(cfg.Minio, logger.Named("snapshot"))
	if err != nil {
		logger.Fatal("Failed to initialize MinIO snapshot store", zap.Error(err))
	}

	// --- Standby manager ---
	agent := standby.NewAgent(cfg, consulClient, logger.Named("standby_agent"))
	standbyMgr := standby.NewManager(agent, agent, snapStore, agent, logger.Named("standby"))

	// --- Failover history store ---
	var histStore history.Store
	if cfg.PostgresDSN != "" {
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 15*time.Second)
		dbPool, err := pgxpool.New(dbCtx, cfg.PostgresDSN)
		if err != nil {
			dbCancel()
			logger.Fatal("Failed to create PostgreSQL connection pool", zap.Error(err))
		}
		histStore = history.NewPostgresStore(dbPool, logger.Named("history"))
		if err := histStore.Initialize(dbCtx); err != nil {
			dbCancel()
			logger.Fatal("Failed to initialize failover history store", zap.Error(err))
		}
		dbCancel()
		logger.Info("Using PostgreSQL failover history store")
	} else {
		histStore = history.NewMemoryStore()
		logger.Warn("No Postgres DSN configured, failover history is in-memory only")
	}
	defer func() {
		if err := histStore.Close(); err != nil {
			logger.Error("Error closing history store", zap.Error(err))
		}
	}()

	// --- Failover orchestrator ---
	orch := failover.NewOrchestrator(raceCtrl, standbyMgr, mktClient, snapStore, histStore, publisher, failover.Config{
		PoolSize:        cfg.RacePoolSize,
		MaxRounds:       cfg.RaceMaxRounds,
		FallbackRegions: cfg.FallbackRegions,
		Retry: retryer.RetryConfig{
			MaxAttempts:      cfg.RetryMaxAttempts,
			InitialDelay:     cfg.RetryInitialDelay,
			MaxDelay:         cfg.RetryMaxDelay,
			BackoffFactor:    2.0,
			JitterPercentage: 0.2,
		},
	}, logger.Named("failover"))

	// --- Lifecycle consumer (instance started / GPU lost) ---
	var consumer *events.LifecycleConsumer
	if nc != nil {
		consumer, err = events.NewLifecycleConsumer(nc, cfg, orch, standbyMgr, logger.Named("consumer"))
		if err != nil {
			logger.Error("Failed to create lifecycle consumer. Lifecycle ingestion disabled.", zap.Error(err))
		} else if err := consumer.StartConsuming(); err != nil {
			logger.Error("Failed to start lifecycle consumer. Lifecycle ingestion disabled.", zap.Error(err))
			consumer = nil
		}
	}

	// --- Setup Router and HTTP Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger)) // Zap logging middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health Check endpoint (required by Consul registration)
	r.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		healthStatus := http.StatusOK
		healthMsg := "GPU Lifecycle Controller is healthy."

		// Check NATS connection status
		if nc == nil || nc.Status() != nats.CONNECTED {
			healthStatus = http.StatusServiceUnavailable
			healthMsg = "NATS connection is down."
			logger.Warn("Health check: NATS is not connected")
		} else {
			healthMsg += " NATS: OK."
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(healthStatus)
		fmt.Fprintln(w, healthMsg)
		logger.Debug("Health check endpoint hit", zap.Int("status", healthStatus), zap.String("message", healthMsg))
	})

	apiHandler := server.NewHandler(raceCtrl, histStore, logger.Named("api"))
	r.Mount("/api/v1", apiHandler.Routes())

	srv := server.NewServer(cfg, r, logger)

	// --- Start Server Goroutine ---
	go srv.Start()

	// --- Graceful Shutdown & Consul Deregistration ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// Stop ingesting new lifecycle events first
	if consumer != nil {
		consumer.Stop()
	}

	// Deregister from Consul
	if err := consul_client.DeregisterService(consulClient, serviceID, logger); err != nil {
		logger.Error("Error deregistering service from Consul", zap.Error(err))
	} else {
		logger.Info("Successfully deregistered service from Consul")
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Stop(ctx) // Call Stop on our custom Server type

	// Close NATS connection gracefully if it was established
	if nc != nil {
		logger.Info("Draining NATS connection...")
		if err := nc.Drain(); err != nil {
			logger.Error("Error draining NATS connection", zap.Error(err))
		}
		logger.Info("NATS connection drained and closed")
	}

	logger.Info("GPU Lifecycle Controller gracefully stopped")
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
