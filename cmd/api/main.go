package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/auth"
	"github.com/driverdesk/server/internal/bulk"
	"github.com/driverdesk/server/internal/config"
	"github.com/driverdesk/server/internal/db"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/filter"
	httphandler "github.com/driverdesk/server/internal/http"
	"github.com/driverdesk/server/internal/http/handlers"
	"github.com/driverdesk/server/internal/lock"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/metrics"
	"github.com/driverdesk/server/internal/middleware"
	"github.com/driverdesk/server/internal/notify"
	"github.com/driverdesk/server/internal/ocr"
	"github.com/driverdesk/server/internal/onboarding"
	"github.com/driverdesk/server/internal/otp"
	"github.com/driverdesk/server/internal/repo"
)

// repositories groups the storage backend chosen at startup
type repositories struct {
	drivers repo.DriverRepo
	otps    repo.OtpRepo
	admins  repo.AdminRepo
	audit   repo.AuditRepo
	db      *sql.DB
}

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	// Context for startup operations and background workers
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repos, err := openRepositories(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	if repos.db != nil {
		defer repos.db.Close()
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Audit trail: the audit table always, plus the Kafka stream when brokers are configured
	sinks := audit.Multi{audit.NewStoreSink(repos.audit)}
	var kafkaSink *audit.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = audit.NewKafkaSink(cfg.KafkaBrokers, cfg.AuditTopic)
		sinks = append(sinks, kafkaSink)
		log.Info("audit stream enabled", "topic", cfg.AuditTopic)
	}
	recorder := audit.NewRecorder(sinks, log)

	// Documents
	docs, err := docstore.NewLocal(cfg.DocumentDir, onboarding.DetectContentType)
	if err != nil {
		log.Error("failed to open document store", "dir", cfg.DocumentDir, "error", err)
		os.Exit(1)
	}

	// Code delivery
	notifier, err := newNotifier(cfg, log)
	if err != nil {
		log.Error("failed to configure notifier", "error", err)
		os.Exit(1)
	}

	// Per-driver locks shared by every replica when Redis is available
	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		locker = lock.NewRedis(client, 0)
		log.Info("using redis driver locks")
	}

	// Initialize services
	onboard := onboarding.NewService(repos.drivers, docs, recorder,
		onboarding.WithLogger(log), onboarding.WithMetrics(m))
	otpService := otp.NewService(repos.otps, repos.drivers, notifier, onboard, cfg.OTPSalt,
		otp.WithMaxAttempts(cfg.OTPMaxAttempts),
		otp.WithDevMode(cfg.DevMode),
		otp.WithLogger(log),
		otp.WithMetrics(m),
	)
	registrar := onboarding.NewRegistrar(onboard, otpService, log)
	finder := filter.NewService(repos.drivers, nil)

	hasher := auth.NewHasher(0)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTTL)
	authService := auth.NewAuthService(repos.admins, jwtService, hasher, recorder, log)
	if cfg.AdminBootstrapEmail != "" {
		admin, err := authService.Bootstrap(ctx, cfg.AdminBootstrapEmail, "Administrator", cfg.AdminBootstrapPassword)
		if err != nil {
			log.Error("failed to bootstrap admin", "error", err)
			os.Exit(1)
		}
		log.Info("admin account ready", "admin_id", admin.ID, "email", logging.MaskEmail(admin.Email))
	}

	bulkOpts := []bulk.Option{
		bulk.WithWorkers(cfg.BulkWorkers),
		bulk.WithItemTimeout(cfg.BulkItemTimeout),
		bulk.WithLocker(locker),
		bulk.WithResolver(finder),
		bulk.WithLogger(log),
		bulk.WithMetrics(m),
	}
	if cfg.OCRURL != "" {
		bulkOpts = append(bulkOpts, bulk.WithOCR(ocr.NewHTTPClient(cfg.OCRURL, cfg.OCRAPIKey, docs, 0)))
	} else if cfg.DevMode {
		bulkOpts = append(bulkOpts, bulk.WithOCR(ocr.Static{Result: ocr.Result{Passed: true, Detail: "dev mode"}}))
	}
	executor := bulk.NewExecutor(repos.drivers, auth.NewCredentialChecker(repos.admins, hasher), recorder, bulkOpts...)

	// Create router
	router := httphandler.NewRouter(httphandler.Deps{
		Auth:         handlers.NewAuthHandler(authService, log),
		Drivers:      handlers.NewDriverHandler(registrar, onboard, finder, cfg.DevMode, log),
		Otp:          handlers.NewOtpHandler(otpService, onboard, cfg.DevMode, log),
		Bulk:         handlers.NewBulkHandler(executor, log),
		Audit:        handlers.NewAuditHandler(onboard, repos.audit, log),
		Health:       handlers.NewHealthHandler(pinger(repos.db)),
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		JWT:          jwtService,
		Admins:       repos.admins,
		LoginLimiter: middleware.NewRateLimiter(ctx, time.Minute, 10),
		OtpLimiter:   middleware.NewRateLimiter(ctx, 10*time.Minute, 5),
	})

	// Create HTTP server with timeouts. Bulk batches and KYC uploads need a longer write window.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("server starting", "port", cfg.Port, "storage", cfg.Storage, "dev_mode", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	stop()

	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Warn("audit stream close failed", "error", err)
		}
	}

	log.Info("server exited")
}

// openRepositories connects the configured storage backend and runs migrations for Postgres
func openRepositories(ctx context.Context, cfg *config.Config, log *slog.Logger) (repositories, error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		return repositories{
			drivers: repo.NewMemoryDriverRepo(),
			otps:    repo.NewMemoryOtpRepo(),
			admins:  repo.NewMemoryAdminRepo(),
			audit:   repo.NewMemoryAuditRepo(),
		}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.Options{Logger: log})
	if err != nil {
		return repositories{}, err
	}
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return repositories{}, err
	}
	return repositories{
		drivers: repo.NewDriverRepo(database),
		otps:    repo.NewOtpRepo(database),
		admins:  repo.NewAdminRepo(database),
		audit:   repo.NewAuditRepo(database),
		db:      database,
	}, nil
}

// newNotifier uses Twilio and SMTP when configured and falls back to logging deliveries
func newNotifier(cfg *config.Config, log *slog.Logger) (notify.Router, error) {
	fallback := notify.NewLogNotifier(log, cfg.DevMode)
	r := notify.Router{SMS: fallback, Email: fallback}

	if cfg.SMSConfigured() {
		r.SMS = notify.NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
		log.Info("sms delivery via twilio")
	} else if !cfg.DevMode {
		log.Warn("twilio not configured, sms codes are only logged")
	}

	if cfg.EmailConfigured() {
		mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return notify.Router{}, err
		}
		r.Email = mailer
		log.Info("email delivery via smtp", "host", cfg.SMTPHost)
	} else if !cfg.DevMode {
		log.Warn("smtp not configured, email codes are only logged")
	}
	return r, nil
}

// pinger keeps a nil *sql.DB from becoming a non-nil interface
func pinger(database *sql.DB) handlers.Pinger {
	if database == nil {
		return nil
	}
	return database
}
