// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the gateway agent
// settings: the loopback listener, the upstream API, logging, durable queue
// storage, drain pacing, connectivity probing, and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backend selectors accepted by QUEUE_BACKEND.
const (
	BackendAuto   = "auto"
	BackendSQLite = "sqlite"
	BackendKV     = "kv"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the local agent.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "offline-gateway")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// UpstreamConfig describes the remote API the pipeline talks to.
type UpstreamConfig struct {
	BaseURL         string        // API_BASE_URL
	RequestTimeout  time.Duration // REQUEST_TIMEOUT
	RefreshEndpoint string        // REFRESH_ENDPOINT
	LoginEndpoint   string        // LOGIN_ENDPOINT
	RefreshSkew     time.Duration // REFRESH_SKEW; 0 disables proactive refresh
	UserAgent       string        // USER_AGENT
}

// QueueConfig controls the durable mutation queue.
type QueueConfig struct {
	Backend    string  // auto|sqlite|kv
	DBPath     string  // SQLite path
	KVPath     string  // flat key-value file; empty keeps state in memory
	MaxEntries int     // 0 disables the cap
	DrainRPS   float64 // replays per second during a drain
	DrainBurst int
	// DrainInterval re-drains a non-empty queue while online; 0 disables it.
	DrainInterval time.Duration
}

// ConnectivityConfig controls the probe-based platform signal adapter.
type ConnectivityConfig struct {
	ProbeInterval time.Duration // 0 disables the watcher (signals come via the API only)
	ProbeTimeout  time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Agent
	ListenAddr      string        // loopback address the view layer calls
	ShutdownTimeout time.Duration // graceful shutdown budget
	GinMode         string        // debug|release|test
	LoopbackOnly    bool          // reject non-loopback callers

	// Rate limiting of agent calls (per caller IP)
	RateRPS   float64
	RateBurst int

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	Upstream     UpstreamConfig
	Queue        QueueConfig
	Connectivity ConnectivityConfig

	// NotifyBuffer caps how many sync notifications are retained for polling.
	NotifyBuffer int

	CORS CORSConfig
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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getenv("LISTEN_ADDR", "127.0.0.1:8787"),
		ShutdownTimeout: getdur("SHUTDOWN_TIMEOUT", 10*time.Second),
		GinMode:         strings.ToLower(getenv("GIN_MODE", "release")),
		LoopbackOnly:    getbool("LOOPBACK_ONLY", true),

		RateRPS:   getfloat("RATE_RPS", 20),
		RateBurst: getint("RATE_BURST", 40),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		Upstream: UpstreamConfig{
			BaseURL:         strings.TrimSpace(getenv("API_BASE_URL", "http://127.0.0.1:3000/api")),
			RequestTimeout:  getdur("REQUEST_TIMEOUT", 15*time.Second),
			RefreshEndpoint: normalizeEndpoint(getenv("REFRESH_ENDPOINT", "/auth/refresh")),
			LoginEndpoint:   normalizeEndpoint(getenv("LOGIN_ENDPOINT", "/auth/login")),
			RefreshSkew:     getdur("REFRESH_SKEW", 30*time.Second),
			UserAgent:       getenv("USER_AGENT", "offline-gateway/1.0"),
		},

		Queue: QueueConfig{
			Backend:    strings.ToLower(strings.TrimSpace(getenv("QUEUE_BACKEND", BackendAuto))),
			DBPath:     getenv("DB_PATH", "gateway.db"),
			KVPath:     getenv("KV_PATH", "gateway-kv.toml"),
			MaxEntries: getint("QUEUE_MAX_ENTRIES", 500),
			DrainRPS:   getfloat("DRAIN_RPS", 5.0),
			DrainBurst: getint("DRAIN_BURST", 1),

			DrainInterval: getdur("DRAIN_INTERVAL", time.Minute),
		},

		Connectivity: ConnectivityConfig{
			ProbeInterval: getdur("PROBE_INTERVAL", 5*time.Second),
			ProbeTimeout:  getdur("PROBE_TIMEOUT", 2*time.Second),
		},

		NotifyBuffer: getint("NOTIFY_BUFFER", 256),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "offline-gateway"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return cfg, errors.New("LISTEN_ADDR must not be empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if cfg.RateRPS <= 0 {
		return cfg, errors.New("RATE_RPS must be > 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return cfg, errors.New("API_BASE_URL must be an absolute http(s) URL")
	}
	if cfg.Upstream.RequestTimeout <= 0 {
		return cfg, errors.New("REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Upstream.RefreshSkew < 0 {
		return cfg, errors.New("REFRESH_SKEW must be >= 0")
	}
	switch cfg.Queue.Backend {
	case BackendAuto, BackendSQLite, BackendKV:
	default:
		return cfg, errors.New("QUEUE_BACKEND must be one of: auto, sqlite, kv")
	}
	if cfg.Queue.Backend != BackendKV && strings.TrimSpace(cfg.Queue.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Queue.MaxEntries < 0 {
		return cfg, errors.New("QUEUE_MAX_ENTRIES must be >= 0")
	}
	if cfg.Queue.DrainRPS <= 0 {
		return cfg, errors.New("DRAIN_RPS must be > 0")
	}
	if cfg.Queue.DrainBurst < 1 {
		return cfg, errors.New("DRAIN_BURST must be >= 1")
	}
	if cfg.Queue.DrainInterval < 0 {
		return cfg, errors.New("DRAIN_INTERVAL must be >= 0")
	}
	if cfg.Connectivity.ProbeInterval < 0 {
		return cfg, errors.New("PROBE_INTERVAL must be >= 0")
	}
	if cfg.Connectivity.ProbeTimeout <= 0 {
		return cfg, errors.New("PROBE_TIMEOUT must be > 0")
	}
	if cfg.NotifyBuffer < 1 {
		return cfg, errors.New("NOTIFY_BUFFER must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeEndpoint ensures a leading '/' and strips a trailing '/' (except root).
func normalizeEndpoint(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
