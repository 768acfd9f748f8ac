package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/backoff"
	"github.com/austindbirch/tonerelay/internal/delivery"
)

type Store struct {
	Driver string // sqlite | postgres
	Path   string // sqlite database file
}

// LockPath is the single-instance lock kept next to the sqlite file.
func (s Store) LockPath() string {
	return s.Path + ".lock"
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled           bool
	NsqdTCPAddr       string // e.g. nsqd:4150
	NsqdHTTPAddr      string // e.g. nsqd:4151, stats for the backlog gauge
	LookupHTTPAddr    string // e.g. http://nsqlookupd:4161
	SubmissionTopic   string
	SubmissionChannel string
	EscalationTopic   string
	PublishEscalation bool
	MaxInFlight       int
	StatsInterval     time.Duration
}

type Dispatcher struct {
	PoolSize               int
	PollInterval           time.Duration
	MaxLifetime            time.Duration // 0 disables expiry
	Retention              time.Duration // how long terminal tasks stay in the store
	PersistRetryMaxElapsed time.Duration
	EscalationGroup        string
	EscalationMaxAttempts  int
	EscalationPriority     int
}

// Policy is the per-channel retry and pacing configuration.
type Policy struct {
	MaxAttempts       int
	Backoff           backoff.Policy
	RateLimitCooldown time.Duration
	AttemptTimeout    time.Duration
	PermanentReasons  []string
}

type Webhook struct {
	Secret    string
	UserAgent string
}

type Pushover struct {
	Token       string
	APIURL      string
	RoutingFile string
	Retry       time.Duration
	Expire      time.Duration
	AckTimeout  time.Duration
	AckPoll     time.Duration
}

type FTP struct {
	Addr        string
	User        string
	Pass        string
	DialTimeout time.Duration
	SourceDir   string // payload.source_path must resolve inside it; empty rejects them all
}

type RateLimit struct {
	Backend       string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

type Auth struct {
	Enabled   bool
	Secret    string
	PublicKey string // PEM text or a path to a PEM file; selects RS256 over the shared secret
	Issuer    string
	Audience  string
}

type Tracing struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // Status code returned while failing
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	LogLevel     string
	Store        Store
	DB           DB
	NSQ          NSQ
	Dispatcher   Dispatcher
	Policies     map[delivery.ChannelKind]Policy
	Webhook      Webhook
	Pushover     Pushover
	FTP          FTP
	RateLimit    RateLimit
	Auth         Auth
	Tracing      Tracing
	FakeReceiver FakeReceiver
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

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readPolicy reads <PREFIX>_MAX_ATTEMPTS, <PREFIX>_BACKOFF_* and friends.
func readPolicy(prefix string, def Policy) Policy {
	strategy := def.Backoff.Strategy
	if s, err := backoff.ParseStrategy(getenv(prefix+"_BACKOFF_STRATEGY", string(strategy))); err == nil {
		strategy = s
	}
	return Policy{
		MaxAttempts: getenvInt(prefix+"_MAX_ATTEMPTS", def.MaxAttempts),
		Backoff: backoff.Policy{
			Strategy:   strategy,
			Base:       getenvDuration(prefix+"_BACKOFF_BASE", def.Backoff.Base),
			Multiplier: getenvFloat(prefix+"_BACKOFF_MULTIPLIER", def.Backoff.Multiplier),
			Max:        getenvDuration(prefix+"_BACKOFF_MAX", def.Backoff.Max),
			JitterPct:  getenvFloat(prefix+"_BACKOFF_JITTER_PCT", def.Backoff.JitterPct),
		},
		RateLimitCooldown: getenvDuration(prefix+"_RATE_LIMIT_COOLDOWN", def.RateLimitCooldown),
		AttemptTimeout:    getenvDuration(prefix+"_ATTEMPT_TIMEOUT", def.AttemptTimeout),
		PermanentReasons:  getenvList(prefix+"_PERMANENT_REASONS", def.PermanentReasons),
	}
}

func defaultStatePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tonerelay", "tonerelay.db")
	}
	return "tonerelay.db"
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "tonerelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Store: Store{
			Driver: getenv("STORE_DRIVER", "sqlite"),
			Path:   getenv("STORE_PATH", defaultStatePath()),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "localhost"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "tonerelay"),
		},
		NSQ: NSQ{
			Enabled:           getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:      getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			SubmissionTopic:   getenv("NSQ_SUBMISSION_TOPIC", "deliveries"),
			SubmissionChannel: getenv("NSQ_SUBMISSION_CHANNEL", "tonerelay"),
			EscalationTopic:   getenv("NSQ_ESCALATION_TOPIC", "deliveries_escalated"),
			PublishEscalation: getenvBool("PUBLISH_ESCALATION_TOPIC", false),
			MaxInFlight:       getenvInt("NSQ_MAX_IN_FLIGHT", 16),
			StatsInterval:     getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Dispatcher: Dispatcher{
			PoolSize:               getenvInt("WORKER_POOL_SIZE", 8),
			PollInterval:           getenvDuration("POLL_INTERVAL", time.Second),
			MaxLifetime:            getenvDuration("TASK_MAX_LIFETIME", 2*time.Hour),
			Retention:              getenvDuration("TASK_RETENTION", 7*24*time.Hour),
			PersistRetryMaxElapsed: getenvDuration("PERSIST_RETRY_MAX_ELAPSED", 10*time.Second),
			EscalationGroup:        getenv("ESCALATION_GROUP", "operators"),
			EscalationMaxAttempts:  getenvInt("ESCALATION_MAX_ATTEMPTS", 3),
			EscalationPriority:     getenvInt("ESCALATION_PRIORITY", 1),
		},
		Policies: map[delivery.ChannelKind]Policy{
			delivery.ChannelWebhook: readPolicy("WEBHOOK", Policy{
				MaxAttempts:      5,
				Backoff:          backoff.Policy{Strategy: backoff.ExponentialJitter, Base: 2 * time.Second, Multiplier: 2, Max: 5 * time.Minute, JitterPct: 0.25},
				AttemptTimeout:   10 * time.Second,
				PermanentReasons: []string{delivery.ReasonBadPayload, delivery.ReasonAuthRejected},
			}),
			delivery.ChannelPush: readPolicy("PUSH", Policy{
				MaxAttempts:      5,
				Backoff:          backoff.Policy{Strategy: backoff.Exponential, Base: 5 * time.Second, Multiplier: 2, Max: 10 * time.Minute},
				AttemptTimeout:   15 * time.Second,
				PermanentReasons: []string{delivery.ReasonRoutingMissing, delivery.ReasonAuthRejected},
			}),
			delivery.ChannelFTP: readPolicy("FTP", Policy{
				MaxAttempts:      4,
				Backoff:          backoff.Policy{Strategy: backoff.Linear, Base: 30 * time.Second, Max: 10 * time.Minute},
				AttemptTimeout:   5 * time.Minute,
				PermanentReasons: []string{delivery.ReasonAuthRejected, delivery.ReasonBadPayload},
			}),
		},
		Webhook: Webhook{
			Secret:    getenv("WEBHOOK_SECRET", ""),
			UserAgent: getenv("WEBHOOK_USER_AGENT", "tonerelay/1"),
		},
		Pushover: Pushover{
			Token:       getenv("PUSHOVER_TOKEN", ""),
			APIURL:      getenv("PUSHOVER_API_URL", "https://api.pushover.net/1"),
			RoutingFile: getenv("PUSHOVER_ROUTING_FILE", "routing.toml"),
			Retry:       getenvDuration("PUSHOVER_EMERGENCY_RETRY", 60*time.Second),
			Expire:      getenvDuration("PUSHOVER_EMERGENCY_EXPIRE", time.Hour),
			AckTimeout:  getenvDuration("PUSHOVER_ACK_TIMEOUT", 10*time.Minute),
			AckPoll:     getenvDuration("PUSHOVER_ACK_POLL", 5*time.Second),
		},
		FTP: FTP{
			Addr:        getenv("FTP_ADDR", ""),
			User:        getenv("FTP_USER", ""),
			Pass:        getenv("FTP_PASS", ""),
			DialTimeout: getenvDuration("FTP_DIAL_TIMEOUT", 15*time.Second),
			SourceDir:   getenv("FTP_SOURCE_DIR", ""),
		},
		RateLimit: RateLimit{
			Backend:       getenv("RATE_LIMIT_BACKEND", "memory"),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
			KeyPrefix:     getenv("RATE_LIMIT_KEY_PREFIX", "tonerelay:ratelimit"),
		},
		Auth: Auth{
			Enabled:   getenvBool("AUTH_ENABLED", false),
			Secret:    getenv("JWT_SECRET", ""),
			PublicKey: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:    getenv("JWT_ISSUER", "tonerelay"),
			Audience:  getenv("JWT_AUDIENCE", "tonerelay-api"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 503),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("STORE_PATH is required for the sqlite store")
		}
	case "postgres":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}
	if c.Dispatcher.PoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}
	for kind, p := range c.Policies {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("%s max attempts must be at least 1", kind)
		}
		if p.AttemptTimeout <= 0 {
			return fmt.Errorf("%s attempt timeout must be positive", kind)
		}
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.PublicKey == "" {
		return fmt.Errorf("AUTH_ENABLED requires JWT_SECRET or JWT_PUBLIC_KEY")
	}
	return nil
}

// Cooldowns extracts the rate limiter configuration.
func (c Config) Cooldowns() map[delivery.ChannelKind]time.Duration {
	out := make(map[delivery.ChannelKind]time.Duration, len(c.Policies))
	for kind, p := range c.Policies {
		out[kind] = p.RateLimitCooldown
	}
	return out
}
