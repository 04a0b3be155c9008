package config

import (
	"reflect"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8787" || cfg.GinMode != "release" || cfg.LogLevel != "info" || !cfg.LoopbackOnly {
		t.Fatalf("agent defaults unexpected: %+v", cfg)
	}
	if cfg.Upstream.RefreshEndpoint != "/auth/refresh" || cfg.Upstream.LoginEndpoint != "/auth/login" || cfg.Upstream.RefreshSkew != 30*time.Second {
		t.Fatalf("upstream defaults unexpected: %+v", cfg.Upstream)
	}
	if cfg.Queue.Backend != BackendAuto || cfg.Queue.MaxEntries != 500 || cfg.Queue.DrainBurst != 1 || cfg.Queue.DrainInterval != time.Minute {
		t.Fatalf("queue defaults unexpected: %+v", cfg.Queue)
	}
	if cfg.RateRPS != 20 || cfg.RateBurst != 40 {
		t.Fatalf("rate defaults unexpected: %v/%d", cfg.RateRPS, cfg.RateBurst)
	}
	if cfg.NotifyBuffer != 256 {
		t.Fatalf("notify buffer default unexpected: %d", cfg.NotifyBuffer)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("GIN_MODE", "weird") // normalizes to release
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("LOOPBACK_ONLY", "off")
	t.Setenv("LOGIN_ENDPOINT", "session/new")

	t.Setenv("API_BASE_URL", "https://api.example.com/v2")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("REFRESH_ENDPOINT", "auth/token/")
	t.Setenv("REFRESH_SKEW", "0s")

	t.Setenv("QUEUE_BACKEND", "KV")
	t.Setenv("KV_PATH", "state.toml")
	t.Setenv("QUEUE_MAX_ENTRIES", "0")
	t.Setenv("DRAIN_RPS", "nope") // parse fallback -> 5
	t.Setenv("DRAIN_BURST", "3")

	t.Setenv("PROBE_INTERVAL", "0s")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://localhost , , capacitor://app ")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9999" || cfg.GinMode != "release" || cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.LoopbackOnly {
		t.Fatalf("agent fields unexpected: %+v", cfg)
	}
	if cfg.Upstream.BaseURL != "https://api.example.com/v2" ||
		cfg.Upstream.RequestTimeout != 3*time.Second ||
		cfg.Upstream.RefreshEndpoint != "/auth/token" ||
		cfg.Upstream.RefreshSkew != 0 {
		t.Fatalf("upstream unexpected: %+v", cfg.Upstream)
	}
	if cfg.Queue.Backend != BackendKV || cfg.Queue.KVPath != "state.toml" ||
		cfg.Queue.MaxEntries != 0 || cfg.Queue.DrainRPS != 5.0 || cfg.Queue.DrainBurst != 3 {
		t.Fatalf("queue unexpected: %+v", cfg.Queue)
	}
	if cfg.Connectivity.ProbeInterval != 0 {
		t.Fatalf("probe interval unexpected: %v", cfg.Connectivity.ProbeInterval)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"http://localhost", "capacitor://app"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Insecure || cfg.OTEL.SampleRatio != 0.25 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "loud"}},
		{"zero RATE_RPS", map[string]string{"RATE_RPS": "0"}},
		{"zero RATE_BURST", map[string]string{"RATE_BURST": "0"}},
		{"relative API_BASE_URL", map[string]string{"API_BASE_URL": "/api"}},
		{"non-http API_BASE_URL", map[string]string{"API_BASE_URL": "ftp://host/x"}},
		{"zero REQUEST_TIMEOUT", map[string]string{"REQUEST_TIMEOUT": "0s"}},
		{"negative REFRESH_SKEW", map[string]string{"REFRESH_SKEW": "-1s"}},
		{"unknown QUEUE_BACKEND", map[string]string{"QUEUE_BACKEND": "leveldb"}},
		{"negative QUEUE_MAX_ENTRIES", map[string]string{"QUEUE_MAX_ENTRIES": "-1"}},
		{"zero DRAIN_RPS", map[string]string{"DRAIN_RPS": "0"}},
		{"zero DRAIN_BURST", map[string]string{"DRAIN_BURST": "0"}},
		{"negative DRAIN_INTERVAL", map[string]string{"DRAIN_INTERVAL": "-1m"}},
		{"negative PROBE_INTERVAL", map[string]string{"PROBE_INTERVAL": "-5s"}},
		{"zero PROBE_TIMEOUT", map[string]string{"PROBE_TIMEOUT": "0s"}},
		{"zero NOTIFY_BUFFER", map[string]string{"NOTIFY_BUFFER": "0"}},
		{"sampler out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error for %v", tc.env)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"  ":             "/",
		"auth/refresh":   "/auth/refresh",
		"/auth/refresh/": "/auth/refresh",
		"/":              "/",
	}
	for in, want := range cases {
		if got := normalizeEndpoint(in); got != want {
			t.Fatalf("normalizeEndpoint(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSplitCSV_Empty(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}
