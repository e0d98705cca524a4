package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL    string
	Storage        string
	Port           string
	JWTSecret      string
	AccessTTL      time.Duration
	OTPSalt        string
	OTPMaxAttempts int
	DevMode        bool

	LogLevel  string
	LogFormat string

	BulkWorkers     int
	BulkItemTimeout time.Duration

	RedisURL     string
	KafkaBrokers []string
	AuditTopic   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	OCRURL    string
	OCRAPIKey string

	DocumentDir string

	AdminBootstrapEmail    string
	AdminBootstrapPassword string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:            "8080", // default port
		Storage:         StoragePostgres,
		AccessTTL:       12 * time.Hour,
		OTPMaxAttempts:  5,
		LogLevel:        "INFO",
		LogFormat:       "json",
		BulkWorkers:     8,
		BulkItemTimeout: 15 * time.Second,
		AuditTopic:      "driver-audit",
		SMTPPort:        587,
		DocumentDir:     "./data/documents",
	}

	// DEV_MODE first: it relaxes what else is required
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	if s := strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE"))); s != "" {
		if s != StoragePostgres && s != StorageMemory {
			return nil, fmt.Errorf("STORAGE must be %q or %q", StoragePostgres, StorageMemory)
		}
		cfg.Storage = s
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.Storage == StoragePostgres {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		logDatabaseTarget(cfg.DatabaseURL)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	otpSalt := os.Getenv("OTP_SALT")
	if otpSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}
	cfg.OTPSalt = otpSalt

	var err error
	if cfg.AccessTTL, err = durationEnv("ACCESS_TOKEN_TTL", cfg.AccessTTL); err != nil {
		return nil, err
	}
	if cfg.OTPMaxAttempts, err = intEnv("OTP_MAX_ATTEMPTS", cfg.OTPMaxAttempts, 1); err != nil {
		return nil, err
	}
	if cfg.BulkWorkers, err = intEnv("BULK_WORKERS", cfg.BulkWorkers, 1); err != nil {
		return nil, err
	}
	if cfg.BulkItemTimeout, err = durationEnv("BULK_ITEM_TIMEOUT", cfg.BulkItemTimeout); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort, 1); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	} else if cfg.DevMode {
		cfg.LogFormat = "text"
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if v := os.Getenv("AUDIT_TOPIC"); v != "" {
		cfg.AuditTopic = v
	}

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFrom = os.Getenv("TWILIO_FROM")

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")

	cfg.OCRURL = os.Getenv("OCR_URL")
	cfg.OCRAPIKey = os.Getenv("OCR_API_KEY")

	if v := os.Getenv("DOCUMENT_DIR"); v != "" {
		cfg.DocumentDir = v
	}

	cfg.AdminBootstrapEmail = os.Getenv("ADMIN_BOOTSTRAP_EMAIL")
	cfg.AdminBootstrapPassword = os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")
	if (cfg.AdminBootstrapEmail == "") != (cfg.AdminBootstrapPassword == "") {
		return nil, fmt.Errorf("ADMIN_BOOTSTRAP_EMAIL and ADMIN_BOOTSTRAP_PASSWORD must be set together")
	}

	if !cfg.DevMode {
		if cfg.TwilioAccountSID != "" && (cfg.TwilioAuthToken == "" || cfg.TwilioFrom == "") {
			return nil, fmt.Errorf("TWILIO_AUTH_TOKEN and TWILIO_FROM are required when TWILIO_ACCOUNT_SID is set")
		}
		if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
			return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
		}
	}

	return cfg, nil
}

// SMSConfigured reports whether real SMS dispatch is configured
func (c *Config) SMSConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

// EmailConfigured reports whether real email dispatch is configured
func (c *Config) EmailConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// logDatabaseTarget logs connection details with the password left out
func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	slog.Info("database target", "host", host, "port", port, "db", strings.TrimPrefix(u.Path, "/"), "user", user)
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (e.g. 15s), got %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def, min int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("%s must be an integer >= %d, got %q", key, min, v)
	}
	return n, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
