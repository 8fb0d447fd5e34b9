package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the defense agent.
type Config struct {
	WAF struct {
		MaxBodyBytes int
		RuleBudget   time.Duration
		Disabled     bool
	}

	IPList struct {
		Whitelist []string
		Blacklist []string
		FailOpen  bool
	}

	RateLimiter struct {
		Backend   string
		RedisAddr string
		RedisUser string
		RedisPass string
		RedisDB   int
		KeyPrefix string
		Scopes    []ScopeLimit
	}

	Ledger struct {
		ChallengeThreshold int
		BlockThreshold     int
		DecayWindow        time.Duration
	}

	Events struct {
		FlushSize     int
		FlushInterval time.Duration
		FlushTimeout  time.Duration
		HardCap       int
		HistoryCap    int
		SpillPath     string
		SpillMaxSize  int
	}

	Storage struct {
		Backend      string
		PostgresDSN  string
		MaxOpenConns int
		MaxIdleConns int
	}

	Alerts struct {
		WebhookURL   string
		SlackWebhook string
		Email        struct {
			Host string
			Port int
			From string
			To   []string
		}
		Kafka struct {
			Brokers  []string
			Topic    string
			ClientID string
		}
		Outbox struct {
			QueuePath    string
			QueueMaxSize int
			RetryMax     int
			RetryBackoff time.Duration
			BatchSize    int
			BatchWait    time.Duration
			SigningKey   string
		}
		DispatchTimeout time.Duration
	}

	Control struct {
		Brokers        []string
		Topic          string
		GroupID        string
		TrustedKeysDir string
		TLS            bool
		TLSCAPath      string
		TLSCertPath    string
		TLSKeyPath     string
	}

	State struct {
		Path        string
		Checksum    bool
		LockTimeout time.Duration
	}

	Maintenance struct {
		SchedulerInterval time.Duration
		ReconcileInterval time.Duration
		MaxBackoff        time.Duration
	}

	AdminAddr       string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	LogLevel        string
}

// ScopeLimit is one rate limiter scope, e.g. "api:100:1m".
type ScopeLimit struct {
	Scope       string
	MaxRequests int
	Window      time.Duration
}

const (
	defaultAdminAddr       = ":8089"
	defaultMetricsAddr     = ":9094"
	defaultFlushInterval   = 30 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultScopes          = "api:100:1m,auth:10:1m"
)

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config

	cfg.WAF.MaxBodyBytes = int(parseIntEnv("WAF_MAX_BODY_BYTES", 10000))
	cfg.WAF.RuleBudget = parseDurationEnv("WAF_RULE_BUDGET", 50*time.Millisecond)
	cfg.WAF.Disabled = parseBoolEnv("WAF_DISABLED", false)

	cfg.IPList.Whitelist = splitAndTrim(os.Getenv("IPLIST_WHITELIST"))
	cfg.IPList.Blacklist = splitAndTrim(os.Getenv("IPLIST_BLACKLIST"))
	cfg.IPList.FailOpen = parseBoolEnv("IPLIST_FAIL_OPEN", true)

	cfg.RateLimiter.Backend = strings.ToLower(envWithDefault("RATE_LIMIT_BACKEND", "local"))
	cfg.RateLimiter.RedisAddr = strings.TrimSpace(os.Getenv("RATE_LIMIT_REDIS_ADDR"))
	cfg.RateLimiter.RedisUser = strings.TrimSpace(os.Getenv("RATE_LIMIT_REDIS_USERNAME"))
	cfg.RateLimiter.RedisPass = strings.TrimSpace(os.Getenv("RATE_LIMIT_REDIS_PASSWORD"))
	cfg.RateLimiter.RedisDB = int(parseIntEnv("RATE_LIMIT_REDIS_DB", 0))
	cfg.RateLimiter.KeyPrefix = strings.TrimSpace(os.Getenv("RATE_LIMIT_KEY_PREFIX"))
	if cfg.RateLimiter.Backend == "redis" && cfg.RateLimiter.RedisAddr == "" {
		return cfg, fmt.Errorf("RATE_LIMIT_REDIS_ADDR is required for the redis backend")
	}
	scopes, err := parseScopes(envWithDefault("RATE_LIMIT_SCOPES", defaultScopes))
	if err != nil {
		return cfg, err
	}
	cfg.RateLimiter.Scopes = scopes

	cfg.Ledger.ChallengeThreshold = int(parseIntEnv("LEDGER_CHALLENGE_THRESHOLD", 5))
	cfg.Ledger.BlockThreshold = int(parseIntEnv("LEDGER_BLOCK_THRESHOLD", 10))
	if cfg.Ledger.BlockThreshold <= cfg.Ledger.ChallengeThreshold {
		return cfg, fmt.Errorf("LEDGER_BLOCK_THRESHOLD must exceed LEDGER_CHALLENGE_THRESHOLD")
	}
	cfg.Ledger.DecayWindow = parseDurationEnv("LEDGER_DECAY_WINDOW", 15*time.Minute)

	cfg.Events.FlushSize = int(parseIntEnv("EVENT_FLUSH_SIZE", 100))
	cfg.Events.FlushInterval = parseDurationEnv("EVENT_FLUSH_INTERVAL", defaultFlushInterval)
	cfg.Events.FlushTimeout = parseDurationEnv("EVENT_FLUSH_TIMEOUT", 10*time.Second)
	cfg.Events.HardCap = int(parseIntEnv("EVENT_BUFFER_HARD_CAP", 10000))
	cfg.Events.HistoryCap = int(parseIntEnv("EVENT_HISTORY_CAP", 5000))
	cfg.Events.SpillPath = strings.TrimSpace(os.Getenv("EVENT_SPILL_PATH"))
	if cfg.Events.SpillPath != "" {
		abs, err := filepath.Abs(cfg.Events.SpillPath)
		if err != nil {
			return cfg, fmt.Errorf("resolve EVENT_SPILL_PATH: %w", err)
		}
		cfg.Events.SpillPath = abs
	}
	cfg.Events.SpillMaxSize = int(parseIntEnv("EVENT_SPILL_MAX_SIZE", 50000))

	cfg.Storage.Backend = strings.ToLower(envWithDefault("STORAGE_BACKEND", "memory"))
	cfg.Storage.PostgresDSN = strings.TrimSpace(os.Getenv("STORAGE_POSTGRES_DSN"))
	cfg.Storage.MaxOpenConns = int(parseIntEnv("STORAGE_MAX_OPEN_CONNS", 10))
	cfg.Storage.MaxIdleConns = int(parseIntEnv("STORAGE_MAX_IDLE_CONNS", 5))
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return cfg, fmt.Errorf("STORAGE_POSTGRES_DSN is required for the postgres backend")
	}

	cfg.Alerts.WebhookURL = strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL"))
	cfg.Alerts.SlackWebhook = strings.TrimSpace(os.Getenv("ALERT_SLACK_WEBHOOK"))
	cfg.Alerts.Email.Host = strings.TrimSpace(os.Getenv("ALERT_SMTP_HOST"))
	cfg.Alerts.Email.Port = int(parseIntEnv("ALERT_SMTP_PORT", 587))
	cfg.Alerts.Email.From = strings.TrimSpace(os.Getenv("ALERT_SMTP_FROM"))
	cfg.Alerts.Email.To = splitAndTrim(os.Getenv("ALERT_SMTP_TO"))
	cfg.Alerts.Kafka.Brokers = splitAndTrim(os.Getenv("ALERT_KAFKA_BROKERS"))
	cfg.Alerts.Kafka.Topic = envWithDefault("ALERT_KAFKA_TOPIC", "security.alerts.v1")
	cfg.Alerts.Kafka.ClientID = envWithDefault("ALERT_KAFKA_CLIENT_ID", "defense-agent")
	cfg.Alerts.Outbox.QueuePath = strings.TrimSpace(os.Getenv("ALERT_OUTBOX_PATH"))
	cfg.Alerts.Outbox.QueueMaxSize = int(parseIntEnv("ALERT_OUTBOX_MAX_SIZE", 10000))
	cfg.Alerts.Outbox.RetryMax = int(parseIntEnv("ALERT_OUTBOX_RETRY_MAX", 5))
	cfg.Alerts.Outbox.RetryBackoff = parseDurationEnv("ALERT_OUTBOX_RETRY_BACKOFF", 500*time.Millisecond)
	cfg.Alerts.Outbox.BatchSize = int(parseIntEnv("ALERT_OUTBOX_BATCH_SIZE", 0))
	cfg.Alerts.Outbox.BatchWait = parseDurationEnv("ALERT_OUTBOX_BATCH_WAIT", 250*time.Millisecond)
	cfg.Alerts.Outbox.SigningKey = strings.TrimSpace(os.Getenv("ALERT_OUTBOX_SIGNING_KEY"))
	cfg.Alerts.DispatchTimeout = parseDurationEnv("ALERT_DISPATCH_TIMEOUT", 10*time.Second)

	cfg.Control.Brokers = splitAndTrim(os.Getenv("CONTROL_KAFKA_BROKERS"))
	cfg.Control.Topic = envWithDefault("CONTROL_KAFKA_TOPIC", "defense.control.v1")
	cfg.Control.GroupID = envWithDefault("CONTROL_KAFKA_GROUP_ID", "defense-agent")
	cfg.Control.TrustedKeysDir = strings.TrimSpace(os.Getenv("CONTROL_TRUSTED_KEYS_DIR"))
	cfg.Control.TLS = parseBoolEnv("CONTROL_KAFKA_TLS", false)
	cfg.Control.TLSCAPath = strings.TrimSpace(os.Getenv("CONTROL_KAFKA_TLS_CA"))
	cfg.Control.TLSCertPath = strings.TrimSpace(os.Getenv("CONTROL_KAFKA_TLS_CERT"))
	cfg.Control.TLSKeyPath = strings.TrimSpace(os.Getenv("CONTROL_KAFKA_TLS_KEY"))
	if len(cfg.Control.Brokers) > 0 && cfg.Control.TrustedKeysDir == "" {
		return cfg, fmt.Errorf("CONTROL_TRUSTED_KEYS_DIR is required when the control channel is enabled")
	}

	cfg.State.Path = strings.TrimSpace(os.Getenv("STATE_PATH"))
	cfg.State.Checksum = parseBoolEnv("STATE_CHECKSUM", true)
	cfg.State.LockTimeout = parseDurationEnv("STATE_LOCK_TIMEOUT", 3*time.Second)

	cfg.Maintenance.SchedulerInterval = parseDurationEnv("SCHEDULER_INTERVAL", 30*time.Second)
	cfg.Maintenance.ReconcileInterval = parseDurationEnv("RECONCILE_INTERVAL", time.Minute)
	cfg.Maintenance.MaxBackoff = parseDurationEnv("MAINTENANCE_MAX_BACKOFF", 5*time.Minute)

	cfg.AdminAddr = envWithDefault("ADMIN_ADDR", defaultAdminAddr)
	cfg.MetricsAddr = envWithDefault("METRICS_ADDR", defaultMetricsAddr)
	cfg.ShutdownTimeout = parseDurationEnv("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	cfg.LogLevel = strings.ToLower(envWithDefault("LOG_LEVEL", "info"))

	return cfg, nil
}

// parseScopes decodes a comma-separated list of scope:max:window triples.
func parseScopes(value string) ([]ScopeLimit, error) {
	var out []ScopeLimit
	for _, raw := range splitAndTrim(value) {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("RATE_LIMIT_SCOPES entry %q: want scope:max:window", raw)
		}
		max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || max <= 0 {
			return nil, fmt.Errorf("RATE_LIMIT_SCOPES entry %q: bad max", raw)
		}
		window, err := time.ParseDuration(strings.TrimSpace(parts[2]))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("RATE_LIMIT_SCOPES entry %q: bad window", raw)
		}
		out = append(out, ScopeLimit{
			Scope:       strings.TrimSpace(parts[0]),
			MaxRequests: max,
			Window:      window,
		})
	}
	return out, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func envWithDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return parsed
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseIntEnv(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return i
}
