// tenantauth-server exposes the tenantauth engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/audit/gormsink"
	"github.com/MrEthical07/tenantauth/config"
	"github.com/MrEthical07/tenantauth/internal/logging"
	"github.com/MrEthical07/tenantauth/notify"
	"github.com/MrEthical07/tenantauth/store/postgres"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env, cfg.ServiceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	store := postgres.New(db)
	if err := store.SyncPermissions(ctx, catalog); err != nil {
		return fmt.Errorf("permissions: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	var sink tenantauth.AuditSink = tenantauth.NewZapSink(logger)
	if cfg.AuditDatabaseURL != "" {
		gs, err := gormsink.Open(cfg.AuditDatabaseURL, gormsink.Options{
			LogLevel:    cfg.LogLevel,
			AutoMigrate: cfg.AuditAutoMigrate,
		}, logger)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer gs.Close()
		sink = gs
	}

	engine, err := tenantauth.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithStore(store).
		WithPermissions(catalog...).
		WithNotifier(newNotifier(cfg, logger)).
		WithAuditSink(sink).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Close()

	e, err := newServer(engine, cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newNotifier(cfg *config.Config, logger *zap.Logger) tenantauth.Notifier {
	if cfg.OTPLogCodes || cfg.SMSLocalAPIKey == "" {
		if !cfg.OTPLogCodes {
			logger.Warn("SMS_LOCAL_API_KEY not set; OTPs are logged masked and cannot be delivered")
		}
		return notify.NewLogNotifier(logger, cfg.OTPLogCodes)
	}
	return notify.NewSMSGateway(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender)
}
