package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/publisher"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/realtime"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "clinic-queue"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{Component: serviceName, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer closeStore()

	location, err := cfg.Location()
	if err != nil {
		logger.Fatal("resolve timezone", zap.Error(err))
	}

	h := hub.New(logger.Named("hub"))
	sinks := publisher.Fanout{h}
	if cfg.NATSURL != "" {
		nc, err := publisher.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("connect nats", zap.Error(err))
		}
		defer func() {
			_ = nc.Drain()
		}()
		sinks = append(sinks, publisher.NewNATS(nc, cfg.NATSSubjectPrefix, logger.Named("nats")))
	}

	svc := queue.NewService(st, sinks, queue.Options{
		AutoProvision:   cfg.AutoProvision,
		DefaultSettings: cfg.DefaultSettings(),
		Location:        location,
		Logger:          logger.Named("queue"),
	})
	if err := queue.ValidateSettings(cfg.DefaultSettings()); err != nil {
		logger.Fatal("invalid default settings", zap.Error(err))
	}

	rt := realtime.NewHandler(h, svc, cfg.SubscriberBuffer, logger.Named("realtime"))
	handler := httpapi.NewHandler(svc, svc.Directory(), httpapi.Options{
		LandingURL:         cfg.LandingURL,
		AdminUsername:      cfg.AdminUsername,
		AdminPasswordHash:  cfg.AdminPasswordHash,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:     cfg.RateLimitPerMinute,
			IPBurst:         cfg.RateLimitBurst,
			TenantPerMinute: cfg.TenantRateLimitPerMinute,
			TenantBurst:     cfg.TenantRateLimitBurst,
		},
		Realtime: rt.HTTPHandler(),
		Ready:    st.Ping,
		Logger:   logger,
	})

	// No WriteTimeout: SockJS streaming transports hold responses open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.Bool("auto_provision", cfg.AutoProvision),
			zap.String("timezone", location.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memory.NewStore(), func() {}, nil
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}
