// Package config handles environment-based configuration loading and
// the persisted runtime config.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Auth modes for the workspace gateway.
const (
	AuthModeCookie = "cookie"
	AuthModeOpen   = "open"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir  string
	LogDir   string
	CacheDir string

	// Network
	ListenAddress string
	Port          int
	BaseDomain    string

	// Auth
	AdminToken      string
	AuthMode        string
	AuthCookieName  string
	APIMaxBodyBytes int64

	// Provider
	ProviderAPIURL  string
	ProviderAPIKey  string
	ProviderAppName string
	ProviderTimeout time.Duration
	MachineImage    string
	MachineTemplate string

	// Lifecycle
	InactivityTimeout time.Duration
	ActorCallTimeout  time.Duration
	MachineOpTimeout  time.Duration
	ReaperGrace       time.Duration
	JanitorSchedule   string
	JanitorMinAge     time.Duration

	// Proxy
	ProxyBodyLimit        int64
	ProxyChunkIdleTimeout time.Duration
	ProxyConnectTimeout   time.Duration

	// GeoIP
	GeoIPDBURL          string
	GeoIPUpdateSchedule string

	// Request log
	RequestLogQueueSize           int
	RequestLogQueueFlushBatchSize int
	RequestLogQueueFlushInterval  time.Duration
	RequestLogDBMaxBytes          int64
	RequestLogDBRetainCount       int
}

// ListenAddr returns the host:port the inbound listener binds. An empty
// listen address means all interfaces.
func (c *EnvConfig) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// APIEnabled reports whether the control-plane API accepts requests.
// An empty admin token disables it.
func (c *EnvConfig) APIEnabled() bool {
	return c.AdminToken != ""
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("EUREKA_DATA_DIR", ".")
	cfg.LogDir = envStr("EUREKA_LOG_DIR", filepath.Join(cfg.DataDir, "logs"))
	cfg.CacheDir = envStr("EUREKA_CACHE_DIR", filepath.Join(cfg.DataDir, "cache"))

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("EUREKA_LISTEN_ADDRESS", ""))
	cfg.Port = envInt("EUREKA_PORT", 4000, &errs)
	cfg.BaseDomain = strings.TrimSpace(envStr("EUREKA_BASE_DOMAIN", "localhost"))

	// --- Auth ---
	cfg.AdminToken = os.Getenv("EUREKA_ADMIN_TOKEN")
	cfg.AuthMode = envStr("EUREKA_AUTH_MODE", AuthModeCookie)
	cfg.AuthCookieName = envStr("EUREKA_AUTH_COOKIE", "eureka_auth")
	cfg.APIMaxBodyBytes = envBytes("EUREKA_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Provider ---
	cfg.ProviderAPIURL = strings.TrimSpace(envStr("EUREKA_PROVIDER_API_URL", ""))
	cfg.ProviderAPIKey = strings.TrimSpace(envStr("EUREKA_PROVIDER_API_KEY", ""))
	cfg.ProviderAppName = strings.TrimSpace(envStr("EUREKA_PROVIDER_APP_NAME", ""))
	cfg.ProviderTimeout = envDuration("EUREKA_PROVIDER_TIMEOUT", 30*time.Second, &errs)
	cfg.MachineImage = strings.TrimSpace(envStr("EUREKA_MACHINE_IMAGE", ""))
	cfg.MachineTemplate = strings.TrimSpace(envStr("EUREKA_MACHINE_TEMPLATE", ""))

	// --- Lifecycle ---
	cfg.InactivityTimeout = envDuration("EUREKA_INACTIVITY_TIMEOUT", 30*time.Minute, &errs)
	cfg.ActorCallTimeout = envDuration("EUREKA_ACTOR_CALL_TIMEOUT", 20*time.Second, &errs)
	cfg.MachineOpTimeout = envDuration("EUREKA_MACHINE_OP_TIMEOUT", 5*time.Second, &errs)
	cfg.ReaperGrace = envDuration("EUREKA_REAPER_GRACE", time.Hour, &errs)
	cfg.JanitorSchedule = strings.TrimSpace(envStr("EUREKA_JANITOR_SCHEDULE", "*/10 * * * *"))
	cfg.JanitorMinAge = envDuration("EUREKA_JANITOR_MIN_AGE", 10*time.Minute, &errs)

	// --- Proxy ---
	cfg.ProxyBodyLimit = envBytes("EUREKA_PROXY_BODY_LIMIT", 10<<20, &errs)
	cfg.ProxyChunkIdleTimeout = envDuration("EUREKA_PROXY_CHUNK_IDLE_TIMEOUT", 60*time.Second, &errs)
	cfg.ProxyConnectTimeout = envDuration("EUREKA_PROXY_CONNECT_TIMEOUT", 60*time.Second, &errs)

	// --- GeoIP ---
	cfg.GeoIPDBURL = strings.TrimSpace(envStr("EUREKA_GEOIP_DB_URL", ""))
	cfg.GeoIPUpdateSchedule = strings.TrimSpace(envStr("EUREKA_GEOIP_UPDATE_SCHEDULE", "0 7 * * *"))

	// --- Request log ---
	cfg.RequestLogQueueSize = envInt("EUREKA_REQUEST_LOG_QUEUE_SIZE", 1024, &errs)
	cfg.RequestLogQueueFlushBatchSize = envInt("EUREKA_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE", 64, &errs)
	cfg.RequestLogQueueFlushInterval = envDuration("EUREKA_REQUEST_LOG_QUEUE_FLUSH_INTERVAL", 2*time.Second, &errs)
	cfg.RequestLogDBMaxBytes = envBytes("EUREKA_REQUEST_LOG_DB_MAX_BYTES", 64<<20, &errs)
	cfg.RequestLogDBRetainCount = envInt("EUREKA_REQUEST_LOG_DB_RETAIN_COUNT", 7, &errs)

	// --- Validation ---
	validatePort("EUREKA_PORT", cfg.Port, &errs)
	if cfg.BaseDomain == "" {
		errs = append(errs, "EUREKA_BASE_DOMAIN must not be empty")
	}

	if IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "EUREKA_ADMIN_TOKEN is too weak; use a stronger token or leave it empty to disable the API")
	}
	if cfg.AuthMode != AuthModeCookie && cfg.AuthMode != AuthModeOpen {
		errs = append(errs, fmt.Sprintf("EUREKA_AUTH_MODE: invalid value %q (allowed: %s, %s)", cfg.AuthMode, AuthModeCookie, AuthModeOpen))
	}
	if cfg.AuthCookieName == "" {
		errs = append(errs, "EUREKA_AUTH_COOKIE must not be empty")
	}
	validatePositiveBytes("EUREKA_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if cfg.ProviderAPIURL == "" {
		errs = append(errs, "EUREKA_PROVIDER_API_URL is required")
	}
	if cfg.ProviderAPIKey == "" {
		errs = append(errs, "EUREKA_PROVIDER_API_KEY is required")
	}
	if cfg.ProviderAppName == "" {
		errs = append(errs, "EUREKA_PROVIDER_APP_NAME is required")
	}
	validatePositiveDuration("EUREKA_PROVIDER_TIMEOUT", cfg.ProviderTimeout, &errs)
	if cfg.MachineImage == "" && cfg.MachineTemplate == "" {
		errs = append(errs, "EUREKA_MACHINE_IMAGE is required unless EUREKA_MACHINE_TEMPLATE supplies the image")
	}

	if cfg.InactivityTimeout < 0 {
		errs = append(errs, "EUREKA_INACTIVITY_TIMEOUT must not be negative (0 disables auto-suspend)")
	}
	validatePositiveDuration("EUREKA_ACTOR_CALL_TIMEOUT", cfg.ActorCallTimeout, &errs)
	validatePositiveDuration("EUREKA_MACHINE_OP_TIMEOUT", cfg.MachineOpTimeout, &errs)
	if cfg.ReaperGrace < 0 {
		errs = append(errs, "EUREKA_REAPER_GRACE must not be negative (0 disables the reaper)")
	}
	if cfg.JanitorSchedule != "" {
		if _, err := cron.ParseStandard(cfg.JanitorSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("EUREKA_JANITOR_SCHEDULE: invalid cron expression %q: %v", cfg.JanitorSchedule, err))
		}
	}
	if cfg.JanitorMinAge < 0 {
		errs = append(errs, "EUREKA_JANITOR_MIN_AGE must not be negative")
	}

	validatePositiveBytes("EUREKA_PROXY_BODY_LIMIT", cfg.ProxyBodyLimit, &errs)
	validatePositiveDuration("EUREKA_PROXY_CHUNK_IDLE_TIMEOUT", cfg.ProxyChunkIdleTimeout, &errs)
	validatePositiveDuration("EUREKA_PROXY_CONNECT_TIMEOUT", cfg.ProxyConnectTimeout, &errs)

	if cfg.GeoIPUpdateSchedule != "" {
		if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("EUREKA_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
		}
	}
	if cfg.GeoIPDBURL != "" && cfg.GeoIPUpdateSchedule == "" {
		errs = append(errs, "EUREKA_GEOIP_UPDATE_SCHEDULE must be set when EUREKA_GEOIP_DB_URL is set")
	}

	validatePositive("EUREKA_REQUEST_LOG_QUEUE_SIZE", cfg.RequestLogQueueSize, &errs)
	validatePositive("EUREKA_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE", cfg.RequestLogQueueFlushBatchSize, &errs)
	validatePositiveDuration("EUREKA_REQUEST_LOG_QUEUE_FLUSH_INTERVAL", cfg.RequestLogQueueFlushInterval, &errs)
	validatePositiveBytes("EUREKA_REQUEST_LOG_DB_MAX_BYTES", cfg.RequestLogDBMaxBytes, &errs)
	validatePositive("EUREKA_REQUEST_LOG_DB_RETAIN_COUNT", cfg.RequestLogDBRetainCount, &errs)

	// Queue size must be >= 2x batch size
	if cfg.RequestLogQueueSize < 2*cfg.RequestLogQueueFlushBatchSize {
		errs = append(errs, "EUREKA_REQUEST_LOG_QUEUE_SIZE must be at least 2x EUREKA_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBytes(key string, defaultVal int64, errs *[]string) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := parseByteSize(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return defaultVal
	}
	return n
}

var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
	{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
	{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
	{"B", 1},
}

// parseByteSize reads a byte count such as "1048576", "64MiB" or "512k".
// Suffixes are binary multiples regardless of spelling.
func parseByteSize(s string) (int64, error) {
	num := s
	mult := int64(1)
	upper := strings.ToUpper(s)
	for _, u := range byteSuffixes {
		if strings.HasSuffix(upper, u.suffix) {
			num = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size must not be negative: %q", s)
	}
	return n * mult, nil
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveBytes(name string, value int64, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
