package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mailvet/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// ValidatorConfig holds everything the validation engine and the bulk
// coordinator read at construction time.
type ValidatorConfig struct {
	RetentionMonths  int           `json:"retention_months" validate:"min=1"`
	MaxBatchSize     int           `json:"max_batch_size" validate:"min=1"`
	PacingDelay      time.Duration `json:"pacing_delay" validate:"min=0"`
	ConnectTimeout   time.Duration `json:"connect_timeout" validate:"gt=0"`
	ReadTimeout      time.Duration `json:"read_timeout" validate:"gt=0"`
	DNSTimeout       time.Duration `json:"dns_timeout" validate:"gt=0"`
	DNSCacheTTL      time.Duration `json:"dns_cache_ttl"`
	ProbeDomain      string        `json:"probe_domain" validate:"required,fqdn"`
	ProbePorts       []string      `json:"probe_ports" validate:"required,dive,numeric"`
	Workers          int           `json:"workers" validate:"min=1"`
	MaxPerDomain     int           `json:"max_per_domain" validate:"min=1"`
	DomainSpacing    time.Duration `json:"domain_spacing" validate:"min=0"`
	DisposableFile   string        `json:"disposable_file"`
	RolePrefixes     []string      `json:"role_prefixes"`
	TrustedDomains   []string      `json:"trusted_domains"`
	ProxyURL         string        `json:"-" validate:"omitempty,url"`
	WhoisEnabled     bool          `json:"whois_enabled"`
	RateLimitPerMin  int           `json:"rate_limit_per_min" validate:"min=1"`
	ProgressInterval time.Duration `json:"progress_interval" validate:"gt=0"`
	PurgeInterval    time.Duration `json:"purge_interval" validate:"min=0"`
}

type Config struct {
	Environment    string          `json:"environment" validate:"oneof=development staging production test"`
	ServerPort     string          `json:"server_port" validate:"required,numeric"`
	DBHost         string          `json:"db_host" validate:"required"`
	DBPort         string          `json:"db_port" validate:"required,numeric"`
	DBUser         string          `json:"db_user" validate:"required"`
	DBPassword     string          `json:"-" validate:"required"`
	DBName         string          `json:"db_name" validate:"required"`
	DBSSLMode      string          `json:"db_ssl_mode"`
	DBMaxIdleConns int             `json:"db_max_idle_conns"`
	DBMaxOpenConns int             `json:"db_max_open_conns"`
	LogLevel       string          `json:"log_level"`
	LogJSON        bool            `json:"log_json"`
	SentryDSN      string          `json:"-"`
	AllowedOrigins []string        `json:"allowed_origins"`
	Redis          RedisConfig     `json:"redis"`
	Validator      ValidatorConfig `json:"validator"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

// DefaultRolePrefixes are local parts that denote a function rather than a person.
var DefaultRolePrefixes = []string{
	"abuse", "admin", "administrator", "billing", "compliance", "contact",
	"devnull", "dns", "ftp", "help", "helpdesk", "hostmaster", "info",
	"inquiries", "jobs", "legal", "list", "mail", "mailer-daemon", "marketing",
	"media", "news", "no-reply", "noc", "noreply", "office", "orders",
	"postmaster", "privacy", "remove", "root", "sales", "security", "service",
	"spam", "support", "sysadmin", "team", "tech", "undisclosed-recipients",
	"unsubscribe", "usenet", "uucp", "webmaster", "www",
}

// DefaultTrustedDomains are large public providers for which a blocked
// outbound SMTP port is treated as deliverable. This is a heuristic only.
var DefaultTrustedDomains = []string{
	"gmail.com", "googlemail.com", "yahoo.com", "outlook.com", "hotmail.com",
	"live.com", "aol.com", "icloud.com", "protonmail.com", "zoho.com",
	"yandex.com", "gmx.com", "mail.com",
}

// DefaultProbePorts is the order in which SMTP ports are attempted per host.
var DefaultProbePorts = []string{"25", "587", "465", "2525"}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = *cfg
	logConfig()
	return nil
}

// Load reads the configuration from the environment without touching the
// package globals.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailvet"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogJSON:        getEnv("LOG_FORMAT", "text") == "json",
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Validator: ValidatorConfig{
			RetentionMonths:  getEnvAsInt("VALIDATION_RETENTION_MONTHS", 3),
			MaxBatchSize:     getEnvAsInt("BULK_MAX_BATCH_SIZE", 10000),
			PacingDelay:      getEnvAsDuration("BULK_PACING_DELAY", 100*time.Millisecond),
			ConnectTimeout:   getEnvAsDuration("SMTP_CONNECT_TIMEOUT", 10*time.Second),
			ReadTimeout:      getEnvAsDuration("SMTP_READ_TIMEOUT", 10*time.Second),
			DNSTimeout:       getEnvAsDuration("DNS_TIMEOUT", 5*time.Second),
			DNSCacheTTL:      getEnvAsDuration("DNS_CACHE_TTL", 5*time.Minute),
			ProbeDomain:      getEnv("SMTP_PROBE_DOMAIN", "verify.mailvet.io"),
			ProbePorts:       getEnvAsList("SMTP_PROBE_PORTS", DefaultProbePorts),
			Workers:          getEnvAsInt("BULK_WORKERS", 1),
			MaxPerDomain:     getEnvAsInt("SMTP_MAX_PER_DOMAIN", 1),
			DomainSpacing:    getEnvAsDuration("SMTP_DOMAIN_SPACING", 100*time.Millisecond),
			DisposableFile:   getEnv("DISPOSABLE_DOMAINS_FILE", ""),
			RolePrefixes:     getEnvAsList("ROLE_PREFIXES", DefaultRolePrefixes),
			TrustedDomains:   getEnvAsList("SMTP_TRUSTED_FALLBACK_DOMAINS", DefaultTrustedDomains),
			ProxyURL:         getEnv("SMTP_PROXY_URL", ""),
			WhoisEnabled:     getEnv("WHOIS_ENABLED", "false") == "true",
			RateLimitPerMin:  getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
			ProgressInterval: getEnvAsDuration("BULK_PROGRESS_INTERVAL", time.Second),
			PurgeInterval:    getEnvAsDuration("VALIDATION_PURGE_INTERVAL", 0),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg and formats the failures the same
// way request validation does.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
}

var validate = validator.New()

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsList splits a comma separated variable, lower-casing and trimming
// every entry. Empty entries are dropped.
func getEnvAsList(key string, fallback []string) []string {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, x := range strings.Split(valueStr, ",") {
		x = strings.ToLower(strings.TrimSpace(x))
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: enabled=%t address=%s", AppConfig.Redis.Enabled, AppConfig.Redis.Address)
	log.Printf("Validator: retention=%dmo batch<=%d pacing=%s workers=%d ports=%v",
		AppConfig.Validator.RetentionMonths,
		AppConfig.Validator.MaxBatchSize,
		AppConfig.Validator.PacingDelay,
		AppConfig.Validator.Workers,
		AppConfig.Validator.ProbePorts)
}
