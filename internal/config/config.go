// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, the document store and cache connections, token key material,
// event-server wiring, sandbox limits, and channel-specific knobs.
package config

import (
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SecurityConfig holds the process-wide token key material. It is read once
// at boot; no other process-wide mutable state exists.
type SecurityConfig struct {
	FernetKey    string // FERNET_KEY (base64, 32 bytes decoded)
	TokenAESKey  []byte // TOKEN_AES_KEY (hex)
	TokenAESIV   []byte // TOKEN_AES_IV (hex, 16 bytes)
	JWTSecret    string // JWT_SECRET
	JWTAlgorithm string // JWT_ALGORITHM (HS256 by default)
}

// EventsConfig wires the external event server and its queue.
type EventsConfig struct {
	ServerURL          string        // EVENT_SERVER_URL
	ExecutorType       string        // EVENT_EXECUTOR_TYPE
	ExecutorTimeout    time.Duration // EVENT_EXECUTOR_TIMEOUT
	QueueName          string        // EVENT_QUEUE_NAME
	QueueType          string        // EVENT_QUEUE_TYPE ("kafka" or "")
	QueueURL           string        // EVENT_QUEUE_URL (broker address)
	SchedulerColl      string        // SCHEDULER_COLLECTION
	MinTriggerInterval time.Duration // MIN_TRIGGER_INTERVAL (seconds)
}

// ChannelsConfig carries channel-specific operational settings.
type ChannelsConfig struct {
	// Dialog360ErrorCodes lists provider error codes excluded from resend.
	Dialog360ErrorCodes []string
}

// LocationPluginConfig enables best-effort IP geolocation on callback logs.
type LocationPluginConfig struct {
	Enabled bool   // LOCATION_PLUGIN_ENABLED
	Token   string // LOCATION_PLUGIN_TOKEN
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string

	// Logging
	LogLevel  string
	LogPretty bool

	// Stores
	MongoURI      string // MONGODB_URI
	MongoDatabase string // MONGODB_DATABASE
	RedisAddress  string // REDIS_ADDRESS
	RedisPassword string // REDIS_PASSWORD
	RedisDB       int    // REDIS_DB

	// Callback surface
	CallbackBaseURL   string        // CALLBACK_BASE_URL, base for issued links
	AsyncPoolSize     int           // CALLBACK_ASYNC_POOL, bounded async workers
	ActorTimeout      time.Duration // ACTOR_DEFAULT_TIMEOUT, script wall clock
	TrustedExecRoutes bool          // TRUSTED_EXEC_ENABLED, mounts /main_pyscript

	Security SecurityConfig
	Events   EventsConfig
	Channels ChannelsConfig
	Location LocationPluginConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS CORSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Stores
		MongoURI:      getenv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGODB_DATABASE", "convoops"),
		RedisAddress:  getenv("REDIS_ADDRESS", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		// Callback surface
		CallbackBaseURL:   strings.TrimRight(getenv("CALLBACK_BASE_URL", "http://localhost:8080/callback"), "/"),
		AsyncPoolSize:     getint("CALLBACK_ASYNC_POOL", 64),
		ActorTimeout:      getdur("ACTOR_DEFAULT_TIMEOUT", 60*time.Second),
		TrustedExecRoutes: getbool("TRUSTED_EXEC_ENABLED", false),

		Security: SecurityConfig{
			FernetKey:    getenv("FERNET_KEY", ""),
			JWTSecret:    getenv("JWT_SECRET", ""),
			JWTAlgorithm: getenv("JWT_ALGORITHM", "HS256"),
		},

		Events: EventsConfig{
			ServerURL:          strings.TrimRight(getenv("EVENT_SERVER_URL", "http://localhost:5001"), "/"),
			ExecutorType:       getenv("EVENT_EXECUTOR_TYPE", "standalone"),
			ExecutorTimeout:    getdur("EVENT_EXECUTOR_TIMEOUT", 10*time.Second),
			QueueName:          getenv("EVENT_QUEUE_NAME", "events"),
			QueueType:          strings.ToLower(getenv("EVENT_QUEUE_TYPE", "")),
			QueueURL:           getenv("EVENT_QUEUE_URL", ""),
			SchedulerColl:      getenv("SCHEDULER_COLLECTION", "jobs"),
			MinTriggerInterval: getdur("MIN_TRIGGER_INTERVAL", 24*time.Hour),
		},

		Channels: ChannelsConfig{
			Dialog360ErrorCodes: splitCSV(getenv("DIALOG360_ERROR_CODES", "131026,131047,131048")),
		},

		Location: LocationPluginConfig{
			Enabled: getbool("LOCATION_PLUGIN_ENABLED", false),
			Token:   getenv("LOCATION_PLUGIN_TOKEN", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-callback-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if k := getenv("TOKEN_AES_KEY", ""); k != "" {
		b, err := hex.DecodeString(k)
		if err != nil {
			return cfg, errors.New("TOKEN_AES_KEY must be hex")
		}
		cfg.Security.TokenAESKey = b
	}
	if v := getenv("TOKEN_AES_IV", ""); v != "" {
		b, err := hex.DecodeString(v)
		if err != nil {
			return cfg, errors.New("TOKEN_AES_IV must be hex")
		}
		cfg.Security.TokenAESIV = b
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate enforces internally consistent settings.
func (c Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be numeric")
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return errors.New("GIN_MODE must be debug, release, or test")
	}
	if c.AsyncPoolSize < 1 {
		return errors.New("CALLBACK_ASYNC_POOL must be >= 1")
	}
	if c.ActorTimeout <= 0 {
		return errors.New("ACTOR_DEFAULT_TIMEOUT must be positive")
	}
	if len(c.Security.TokenAESKey) > 0 {
		switch len(c.Security.TokenAESKey) {
		case 16, 24, 32:
		default:
			return errors.New("TOKEN_AES_KEY must decode to 16, 24, or 32 bytes")
		}
	}
	if len(c.Security.TokenAESIV) > 0 && len(c.Security.TokenAESIV) != 16 {
		return errors.New("TOKEN_AES_IV must decode to 16 bytes")
	}
	if c.Events.QueueType != "" && c.Events.QueueType != "kafka" {
		return errors.New("EVENT_QUEUE_TYPE must be empty or kafka")
	}
	if c.Events.QueueType == "kafka" && c.Events.QueueURL == "" {
		return errors.New("EVENT_QUEUE_URL required when EVENT_QUEUE_TYPE=kafka")
	}
	if c.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if c.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if r := c.OTEL.SampleRatio; r < 0 || r > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be within [0,1]")
	}
	return nil
}

// ---- env helpers ----

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	// Accept both duration strings ("30s") and bare seconds ("30").
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func getint(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func getbool(key string, def bool) bool {
	v := strings.ToLower(getenv(key, ""))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func getfloat(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
