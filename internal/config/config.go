package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/apierr"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
)

type API struct {
	BaseURL        string        // production, sandbox or a local fake
	ConnectTimeout time.Duration // dial timeout
	RequestTimeout time.Duration // whole exchange; 0 disables
	InsecureTLS    bool
}

type RateLimit struct {
	Period time.Duration
	Quota  int
	Mode   string // fixed or sliding
}

type Pool struct {
	Size      int // concurrent submissions
	QueueSize int // buffered tasks; 0 uses the dispatcher default
}

type Auth struct {
	Signature  string        // default signature for intake requests that carry none
	TokenCache bool          // reuse JWTs until exp minus CacheSkew
	CacheSkew  time.Duration // safety margin before exp
}

type DB struct {
	Enabled  bool
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	StatsTTL time.Duration
}

type NSQ struct {
	NsqdTCPAddr      string // e.g. nsqd:4150
	LookupHTTPAddr   string // e.g. nsqlookupd:4161
	DocumentsTopic   string
	DLQTopic         string
	SubmitterChannel string
	MaxInFlight      int
	PublishDLQ       bool
}

type FakeAPI struct {
	Port       string
	FailFirstN int
	RateLimit  float64 // requests per second on the create endpoint; 0 disables
	Burst      int
	Latency    time.Duration
	TokenTTL   time.Duration
}

type Config struct {
	AppName      string
	HTTPPort     string // :8082
	GRPCPort     string // :50052
	LogLevel     string
	TraceEnabled bool
	ShutdownWait time.Duration
	API          API
	RateLimit    RateLimit
	Pool         Pool
	Auth         Auth
	DB           DB
	Redis        Redis
	NSQ          NSQ
	FakeAPI      FakeAPI
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// FromEnv reads the configuration. Defaults point at the CRPT production
// stand with 4 workers and a 5s connect timeout. The default rate of 5
// submissions per second is a local choice, not a CRPT figure; set
// RATE_LIMIT_PERIOD and RATE_LIMIT_QUOTA to the quota agreed for the
// account.
func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "crpt-submitter"),
		HTTPPort:     getenv("HTTP_PORT", ":8082"),
		GRPCPort:     getenv("GRPC_PORT", ":50052"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		TraceEnabled: getenvBool("TRACING_ENABLED", true),
		ShutdownWait: getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		API: API{
			BaseURL:        getenv("CRPT_BASE_URL", api.DefaultBaseURL),
			ConnectTimeout: getenvDuration("CRPT_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout: getenvDuration("CRPT_REQUEST_TIMEOUT", 30*time.Second),
			InsecureTLS:    getenvBool("CRPT_INSECURE_TLS", false),
		},
		RateLimit: RateLimit{
			Period: getenvDuration("RATE_LIMIT_PERIOD", time.Second),
			Quota:  getenvInt("RATE_LIMIT_QUOTA", 5),
			Mode:   getenv("RATE_LIMIT_MODE", string(ratelimit.ModeFixed)),
		},
		Pool: Pool{
			Size:      getenvInt("POOL_SIZE", 4),
			QueueSize: getenvInt("QUEUE_SIZE", 0),
		},
		Auth: Auth{
			Signature:  getenv("CRPT_SIGNATURE", ""),
			TokenCache: getenvBool("AUTH_TOKEN_CACHE", false),
			CacheSkew:  getenvDuration("AUTH_TOKEN_CACHE_SKEW", time.Minute),
		},
		DB: DB{
			Enabled:  getenvBool("JOURNAL_ENABLED", false),
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "crpt"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Enabled:  getenvBool("STATS_REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			StatsTTL: getenvDuration("STATS_TTL", 24*time.Hour),
		},
		NSQ: NSQ{
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "nsqlookupd:4161"),
			DocumentsTopic:   getenv("NSQ_DOCUMENTS_TOPIC", "documents"),
			DLQTopic:         getenv("NSQ_DLQ_TOPIC", "documents_dlq"),
			SubmitterChannel: getenv("NSQ_SUBMITTER_CHANNEL", "submitters"),
			MaxInFlight:      getenvInt("NSQ_MAX_IN_FLIGHT", 100),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", true),
		},
		FakeAPI: FakeAPI{
			Port:       getenv("FAKE_CRPT_PORT", ":8090"),
			FailFirstN: getenvInt("FAIL_FIRST_N", 0),
			RateLimit:  getenvFloat("FAKE_CRPT_RATE", 0),
			Burst:      getenvInt("FAKE_CRPT_BURST", 5),
			Latency:    getenvDuration("FAKE_CRPT_LATENCY", 0),
			TokenTTL:   getenvDuration("FAKE_CRPT_TOKEN_TTL", 10*time.Hour),
		},
	}
}

// Validate rejects values the client would refuse at construction, so a
// service fails before connecting to anything.
func (c Config) Validate() error {
	const op = "config.validate"
	if c.RateLimit.Period <= 0 {
		return apierr.Errorf(apierr.KindConfiguration, op, "RATE_LIMIT_PERIOD must be positive, got %s", c.RateLimit.Period)
	}
	if c.RateLimit.Quota <= 0 {
		return apierr.Errorf(apierr.KindConfiguration, op, "RATE_LIMIT_QUOTA must be positive, got %d", c.RateLimit.Quota)
	}
	if c.Pool.Size <= 0 {
		return apierr.Errorf(apierr.KindConfiguration, op, "POOL_SIZE must be positive, got %d", c.Pool.Size)
	}
	if _, err := ratelimit.ParseMode(c.RateLimit.Mode); err != nil {
		return err
	}
	if c.API.BaseURL == "" {
		return apierr.Errorf(apierr.KindConfiguration, op, "CRPT_BASE_URL is required")
	}
	if c.DB.Enabled && c.DB.MaxConns <= 0 {
		return apierr.Errorf(apierr.KindConfiguration, op, "DB_MAX_CONNS must be positive, got %d", c.DB.MaxConns)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
