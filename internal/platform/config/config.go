package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgstrings "biovote/pkg/platform/strings"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"

	TrackerPostgres = "postgres"
	TrackerRedis    = "redis"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	LogLevel        string
	LogFormat       string
}

// Database configures the Postgres pool.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the optional Redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the attempt stream. Empty Brokers disables publishing.
type Kafka struct {
	Brokers       []string
	AttemptsTopic string
	Partitions    int32
	Replication   int16
}

// Secrets holds process-wide key material. Never logged.
type Secrets struct {
	TemplateKey          []byte
	BiometricPepper      []byte
	LedgerPepper         []byte
	VotingSessionSecret  []byte
	AdminSessionSecret   []byte
	LedgerOperatorKeyHex string
}

// Biometric holds matching thresholds and the face detector assets.
type Biometric struct {
	FaceThreshold        float64
	FingerprintThreshold float64
	FaceCascadePath      string
	FingerprintEnabled   bool
	MatchTimeout         time.Duration
}

// Throttle holds the lockout policy.
type Throttle struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// Session holds voting-session token settings.
type Session struct {
	TTL               time.Duration
	ConsumedMargin    time.Duration
	Tracker           string
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
}

// Ledger configures the external ledger client.
type Ledger struct {
	RPCURL           string
	ContractAddress  string
	ChainID          int64
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// RateLimit bounds sample submissions per polling station. AuthLimit 0
// disables the limiter.
type RateLimit struct {
	AuthLimit  int
	AuthWindow time.Duration
}

// Config is the complete process configuration.
type Config struct {
	Server    Server
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	Secrets   Secrets
	Biometric Biometric
	Throttle  Throttle
	Session   Session
	Ledger    Ledger
	RateLimit RateLimit
}

// Load reads an optional .env file then builds Config from the environment.
// Variables already present in the environment win over .env entries.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Server: Server{
			Addr:            getenv("BIOVOTE_ADDR", ":8080"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  p.duration("REQUEST_TIMEOUT", 45*time.Second),
			LogLevel:        getenv("LOG_LEVEL", "info"),
			LogFormat:       getenv("LOG_FORMAT", "json"),
		},
		Database: Database{
			URL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
			MaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:       pkgstrings.SplitList(os.Getenv("KAFKA_BROKERS")),
			AttemptsTopic: getenv("KAFKA_ATTEMPTS_TOPIC", "biovote.auth-attempts"),
			Partitions:    int32(p.int("KAFKA_ATTEMPTS_PARTITIONS", 3)),
			Replication:   int16(p.int("KAFKA_ATTEMPTS_REPLICATION", 1)),
		},
		Secrets: Secrets{
			TemplateKey:          []byte(os.Getenv("TEMPLATE_ENCRYPTION_KEY")),
			BiometricPepper:      []byte(os.Getenv("BIOMETRIC_PEPPER")),
			LedgerPepper:         []byte(os.Getenv("LEDGER_PEPPER")),
			VotingSessionSecret:  []byte(os.Getenv("VOTING_SESSION_SECRET")),
			AdminSessionSecret:   []byte(os.Getenv("ADMIN_SESSION_SECRET")),
			LedgerOperatorKeyHex: os.Getenv("LEDGER_OPERATOR_KEY"),
		},
		Biometric: Biometric{
			FaceThreshold:        p.float("FACE_THRESHOLD", 0.68),
			FingerprintThreshold: p.float("FINGERPRINT_THRESHOLD", 0.75),
			FaceCascadePath:      os.Getenv("FACE_CASCADE_PATH"),
			FingerprintEnabled:   getenvBool("FINGERPRINT_ENABLED", true),
			MatchTimeout:         p.duration("MATCH_TIMEOUT", 10*time.Second),
		},
		Throttle: Throttle{
			MaxAttempts:     p.int("MAX_AUTH_ATTEMPTS", 3),
			LockoutDuration: time.Duration(p.int("LOCKOUT_DURATION_MINUTES", 30)) * time.Minute,
		},
		Session: Session{
			TTL:               p.duration("VOTING_SESSION_TTL", 5*time.Minute),
			ConsumedMargin:    p.duration("CONSUMED_SESSION_MARGIN", 10*time.Minute),
			Tracker:           getenv("SESSION_TRACKER", TrackerPostgres),
			SweepInterval:     p.duration("TRACKER_SWEEP_INTERVAL", time.Minute),
			ReconcileInterval: p.duration("RECONCILE_INTERVAL", time.Minute),
		},
		Ledger: Ledger{
			RPCURL:           getenv("LEDGER_RPC_URL", "http://localhost:8545"),
			ContractAddress:  os.Getenv("LEDGER_CONTRACT_ADDRESS"),
			ChainID:          int64(p.int("LEDGER_CHAIN_ID", 1337)),
			Timeout:          p.duration("LEDGER_TIMEOUT", 30*time.Second),
			FailureThreshold: p.int("LEDGER_FAILURE_THRESHOLD", 3),
			Cooldown:         p.duration("LEDGER_COOLDOWN", 30*time.Second),
		},
		RateLimit: RateLimit{
			AuthLimit:  p.int("AUTH_RATE_LIMIT", 30),
			AuthWindow: p.duration("AUTH_RATE_WINDOW", time.Minute),
		},
	}

	if cfg.Database.URL != "" {
		if err := checkDatabaseURL(cfg.Database.URL); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

// Validate enforces the invariants on secrets and policy values.
func (c Config) Validate() error {
	var errs []error
	if len(c.Secrets.TemplateKey) != 32 {
		errs = append(errs, errors.New("TEMPLATE_ENCRYPTION_KEY must be exactly 32 bytes"))
	}
	if len(c.Secrets.BiometricPepper) < 16 {
		errs = append(errs, errors.New("BIOMETRIC_PEPPER must be at least 16 bytes"))
	}
	if len(c.Secrets.LedgerPepper) < 16 {
		errs = append(errs, errors.New("LEDGER_PEPPER must be at least 16 bytes"))
	}
	if len(c.Secrets.VotingSessionSecret) < 32 {
		errs = append(errs, errors.New("VOTING_SESSION_SECRET must be at least 32 bytes"))
	}
	if len(c.Secrets.AdminSessionSecret) < 32 {
		errs = append(errs, errors.New("ADMIN_SESSION_SECRET must be at least 32 bytes"))
	}
	if string(c.Secrets.VotingSessionSecret) == string(c.Secrets.AdminSessionSecret) {
		errs = append(errs, errors.New("VOTING_SESSION_SECRET must differ from ADMIN_SESSION_SECRET"))
	}
	if !inUnit(c.Biometric.FaceThreshold) || !inUnit(c.Biometric.FingerprintThreshold) {
		errs = append(errs, errors.New("match thresholds must be within [0,1]"))
	}
	if c.Throttle.MaxAttempts < 1 || c.Throttle.MaxAttempts > 10 {
		errs = append(errs, errors.New("MAX_AUTH_ATTEMPTS must be within [1,10]"))
	}
	if c.Throttle.LockoutDuration < 5*time.Minute || c.Throttle.LockoutDuration > 24*time.Hour {
		errs = append(errs, errors.New("LOCKOUT_DURATION_MINUTES must be within [5,1440]"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("VOTING_SESSION_TTL must be positive"))
	}
	if c.Session.Tracker != TrackerPostgres && c.Session.Tracker != TrackerRedis {
		errs = append(errs, fmt.Errorf("unsupported SESSION_TRACKER %q", c.Session.Tracker))
	}
	if c.Session.Tracker == TrackerRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("SESSION_TRACKER=redis requires REDIS_URL"))
	}
	if c.RateLimit.AuthLimit < 0 || (c.RateLimit.AuthLimit > 0 && c.RateLimit.AuthWindow <= 0) {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT must be >= 0 with a positive AUTH_RATE_WINDOW"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	return errors.Join(errs...)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"addr=%s db=%s redis=%s kafka=%s tracker=%s ledger=%s face_threshold=%.2f fingerprint_threshold=%.2f max_attempts=%d lockout=%s session_ttl=%s",
		c.Server.Addr,
		maskDSN(c.Database.URL),
		maskDSN(c.Redis.URL),
		strings.Join(c.Kafka.Brokers, ","),
		c.Session.Tracker,
		c.Ledger.RPCURL,
		c.Biometric.FaceThreshold,
		c.Biometric.FingerprintThreshold,
		c.Throttle.MaxAttempts,
		c.Throttle.LockoutDuration,
		c.Session.TTL,
	)
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}


// parser collects conversion errors instead of silently using defaults.
type parser struct {
	errs *[]error
}

func (p parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func checkDatabaseURL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case DatabaseSchemePostgres, "postgresql":
		return nil
	default:
		return fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		return u.String()
	}
	// key-value DSN
	parts := strings.Fields(dsn)
	for i, p := range parts {
		if strings.HasPrefix(strings.ToLower(p), "password=") {
			parts[i] = "password=***"
		}
	}
	return strings.Join(parts, " ")
}
