package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultProcessDelay is the ticker delay re-armed after any enqueue.
	DefaultProcessDelay = 60 * time.Second
	// DefaultDisconnectAfterFailures bounds consecutive delivery failures before removal.
	DefaultDisconnectAfterFailures = 5

	// DefaultSnapshotPageSize is how many entities the snapshot builder appends
	// between its extra per-page cancellation checks; the producer lock is held
	// for the whole Begin/Changed*/End burst.
	DefaultSnapshotPageSize = 256

	// DefaultSQLiteDSN is the default location of the durable object store.
	DefaultSQLiteDSN = "file:notifyd.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	// DefaultTransportAddr is the default address the websocket transport listens on.
	DefaultTransportAddr = ":8787"
	// DefaultPingInterval is the default for Config.PingInterval. The websocket
	// transport does not read that field; it pings on its own fixed period.
	DefaultPingInterval = 30 * time.Second
	// DefaultMetricsAddr is the default address the Prometheus exporter listens on.
	DefaultMetricsAddr = ":9187"

	// DefaultLogLevel controls verbosity for engine logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "notifyd.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultSubscribeRateLimit bounds websocket connection attempts per
	// transport id within DefaultSubscribeRateWindow.
	DefaultSubscribeRateLimit = 10
	// DefaultSubscribeRateWindow is the sliding window subscribe rate limiting is measured over.
	DefaultSubscribeRateWindow = time.Minute
	// DefaultAuthTokenLeeway is the clock-skew allowance for bearer token expiry checks.
	DefaultAuthTokenLeeway = 30 * time.Second
)

// Config captures all runtime tunables for the notification engine.
type Config struct {
	ProcessDelay            time.Duration
	DisconnectAfterFailures int
	SnapshotPageSize        int

	SQLiteDSN string

	TransportAddr string
	PingInterval  time.Duration
	MetricsAddr   string

	// AuthSecret, when non-empty, requires every websocket upgrade to
	// present a valid HS256 bearer token signed with this secret.
	AuthSecret          string
	AuthTokenLeeway     time.Duration
	SubscribeRateLimit  int
	SubscribeRateWindow time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the engine configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		ProcessDelay:            DefaultProcessDelay,
		DisconnectAfterFailures: DefaultDisconnectAfterFailures,
		SnapshotPageSize:        DefaultSnapshotPageSize,
		SQLiteDSN:               getString("ENGINE_SQLITE_DSN", DefaultSQLiteDSN),
		TransportAddr:           getString("ENGINE_TRANSPORT_ADDR", DefaultTransportAddr),
		PingInterval:            DefaultPingInterval,
		MetricsAddr:             getString("ENGINE_METRICS_ADDR", DefaultMetricsAddr),
		AuthSecret:              os.Getenv("ENGINE_AUTH_SECRET"),
		AuthTokenLeeway:         DefaultAuthTokenLeeway,
		SubscribeRateLimit:      DefaultSubscribeRateLimit,
		SubscribeRateWindow:     DefaultSubscribeRateWindow,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("ENGINE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("ENGINE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("ENGINE_PROCESS_DELAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_PROCESS_DELAY must be a positive duration, got %q", raw))
		} else {
			cfg.ProcessDelay = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_DISCONNECT_AFTER_FAILURES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_DISCONNECT_AFTER_FAILURES must be a positive integer, got %q", raw))
		} else {
			cfg.DisconnectAfterFailures = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_SNAPSHOT_PAGE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_SNAPSHOT_PAGE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.SnapshotPageSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_SUBSCRIBE_RATE_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_SUBSCRIBE_RATE_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.SubscribeRateLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_SUBSCRIBE_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_SUBSCRIBE_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.SubscribeRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENGINE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ENGINE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
