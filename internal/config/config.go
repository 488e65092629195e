// Package config loads and validates the relay's configuration.
//
// Settings come from three layers, later layers winning: built-in defaults,
// an optional TOML file, and BEAMDROP_* environment variables. The result is
// a frozen Config record handed to every component at construction time; no
// component reads the environment after startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// DefaultICEServers is the ICE server list handed to clients via /config when
// none is configured.
const DefaultICEServers = `[{"urls":["stun:stun.l.google.com:19302","stun:stun.cloudflare.com:3478"]}]`

// Config is the frozen relay configuration.
type Config struct {
	// Port is the TCP port the HTTP/WebSocket listener binds.
	Port int `toml:"port"`

	// WSPath is the URL path accepting WebSocket upgrades.
	WSPath string `toml:"ws_path"`

	// Production indicates production mode. In production an origin
	// allowlist is mandatory.
	Production bool `toml:"production"`

	// AllowedOrigins is an exact-match Origin allowlist. When empty, the
	// Origin host must equal the request Host.
	AllowedOrigins []string `toml:"allowed_origins"`

	// ICEServers is the JSON array passed verbatim to clients via /config.
	ICEServers json.RawMessage `toml:"-"`

	// ICEServersRaw is the TOML-file form of ICEServers (a JSON string).
	ICEServersRaw string `toml:"ice_servers"`

	// MaxConnsPerIP caps concurrent WebSocket connections per source IP.
	MaxConnsPerIP int `toml:"max_conns_per_ip"`

	// MetricsEnabled exposes /metrics. Off by default; when off the
	// endpoint answers 404 to mask its presence.
	MetricsEnabled bool `toml:"metrics_enabled"`

	// MetricsToken, when set, requires Authorization: Bearer on /metrics.
	MetricsToken string `toml:"metrics_token"`

	// MsgRate is the sustained per-connection message rate (messages/sec).
	MsgRate float64 `toml:"ws_msg_rate"`

	// MsgBurst is the per-connection token bucket capacity.
	MsgBurst int `toml:"ws_msg_burst"`

	// HTTPWindow is the rate-limit window for the HTTP surface.
	HTTPWindow time.Duration `toml:"-"`

	// HTTPWindowSecs is the TOML/env form of HTTPWindow.
	HTTPWindowSecs int `toml:"http_window_secs"`

	// StaticMax is the maximum static requests per IP per window.
	StaticMax int `toml:"static_max"`

	// ConfigMax is the maximum /config requests per IP per window.
	ConfigMax int `toml:"config_max"`

	// RedisURL enables the cross-instance bus when non-empty.
	RedisURL string `toml:"redis_url"`

	// RedisPrefix namespaces the shared directory and channel.
	RedisPrefix string `toml:"redis_prefix"`

	// NodeID identifies this instance on the bus. Defaults to a random
	// UUID per process run.
	NodeID string `toml:"node_id"`

	// LogLevel is the slog severity filter.
	LogLevel slog.Level `toml:"-"`

	// LogLevelName is the TOML/env form of LogLevel.
	LogLevelName string `toml:"log_level"`

	// HSTSEnabled emits Strict-Transport-Security on HTTP responses.
	HSTSEnabled bool `toml:"hsts_enabled"`

	// HSTSMaxAge is the max-age in seconds of the HSTS header.
	HSTSMaxAge int `toml:"hsts_max_age"`
}

// Default returns a Config populated with development defaults.
func Default() *Config {
	return &Config{
		Port:           8080,
		WSPath:         "/ws",
		ICEServersRaw:  DefaultICEServers,
		MaxConnsPerIP:  16,
		MsgRate:        10,
		MsgBurst:       30,
		HTTPWindowSecs: 60,
		StaticMax:      300,
		ConfigMax:      60,
		RedisPrefix:    "beamdrop:",
		LogLevelName:   "info",
		HSTSMaxAge:     31536000,
	}
}

// Load builds the frozen configuration: defaults, then the TOML file at path
// (or $BEAMDROP_CONFIG) if one exists, then environment overrides, then
// validation. A missing file is only an error when it was named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("BEAMDROP_CONFIG")
		explicit = path != ""
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) && !explicit {
				// Fine: env-only deployment.
			} else {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays BEAMDROP_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	num("BEAMDROP_PORT", &cfg.Port)
	str("BEAMDROP_WS_PATH", &cfg.WSPath)
	if v, ok := os.LookupEnv("BEAMDROP_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitOrigins(v)
	}
	str("BEAMDROP_ICE_SERVERS", &cfg.ICEServersRaw)
	num("BEAMDROP_MAX_CONNS_PER_IP", &cfg.MaxConnsPerIP)
	boolean("BEAMDROP_METRICS_ENABLED", &cfg.MetricsEnabled)
	str("BEAMDROP_METRICS_TOKEN", &cfg.MetricsToken)
	if v, ok := os.LookupEnv("BEAMDROP_WS_MSG_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BEAMDROP_WS_MSG_RATE: %q is not a number", v))
		} else {
			cfg.MsgRate = f
		}
	}
	num("BEAMDROP_WS_MSG_BURST", &cfg.MsgBurst)
	num("BEAMDROP_HTTP_WINDOW_SECS", &cfg.HTTPWindowSecs)
	num("BEAMDROP_STATIC_MAX", &cfg.StaticMax)
	num("BEAMDROP_CONFIG_MAX", &cfg.ConfigMax)
	str("BEAMDROP_REDIS_URL", &cfg.RedisURL)
	str("BEAMDROP_REDIS_PREFIX", &cfg.RedisPrefix)
	str("BEAMDROP_NODE_ID", &cfg.NodeID)
	str("BEAMDROP_LOG_LEVEL", &cfg.LogLevelName)
	boolean("BEAMDROP_HSTS_ENABLED", &cfg.HSTSEnabled)
	num("BEAMDROP_HSTS_MAX_AGE", &cfg.HSTSMaxAge)
	if v, ok := os.LookupEnv("BEAMDROP_ENV"); ok {
		cfg.Production = strings.EqualFold(v, "production")
	}

	return errors.Join(errs...)
}

// splitOrigins parses the comma-separated origin allowlist.
func splitOrigins(v string) []string {
	var origins []string
	for _, o := range strings.Split(v, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}

// finalize derives the typed fields from their wire forms and validates the
// result. Validation failures are fatal at startup.
func (cfg *Config) finalize() error {
	var errs []error

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws path %q must start with /", cfg.WSPath))
	}
	if cfg.Production && len(cfg.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("production mode requires an origin allowlist"))
	}
	if cfg.MaxConnsPerIP <= 0 {
		errs = append(errs, fmt.Errorf("max conns per IP must be positive, got %d", cfg.MaxConnsPerIP))
	}
	if cfg.MsgRate < 0 {
		errs = append(errs, fmt.Errorf("message rate must not be negative, got %v", cfg.MsgRate))
	}
	if cfg.MsgBurst <= 0 {
		errs = append(errs, fmt.Errorf("message burst must be positive, got %d", cfg.MsgBurst))
	}
	if cfg.HTTPWindowSecs <= 0 {
		errs = append(errs, fmt.Errorf("http window must be positive, got %d", cfg.HTTPWindowSecs))
	}
	if cfg.StaticMax <= 0 {
		errs = append(errs, fmt.Errorf("static request max must be positive, got %d", cfg.StaticMax))
	}
	if cfg.ConfigMax <= 0 {
		errs = append(errs, fmt.Errorf("config request max must be positive, got %d", cfg.ConfigMax))
	}
	if cfg.HSTSEnabled && cfg.HSTSMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("hsts max-age must be positive, got %d", cfg.HSTSMaxAge))
	}

	ice := json.RawMessage(cfg.ICEServersRaw)
	var servers []json.RawMessage
	if err := json.Unmarshal(ice, &servers); err != nil {
		errs = append(errs, fmt.Errorf("ice servers must be a JSON array: %w", err))
	} else {
		cfg.ICEServers = ice
	}

	level, err := parseLevel(cfg.LogLevelName)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LogLevel = level
	}

	cfg.HTTPWindow = time.Duration(cfg.HTTPWindowSecs) * time.Second
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	return errors.Join(errs...)
}

// parseLevel maps a level name to its slog severity.
func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// BusEnabled reports whether the cross-instance bus is configured.
func (cfg *Config) BusEnabled() bool {
	return cfg.RedisURL != ""
}

// ListenAddr returns the bind address for the HTTP listener.
func (cfg *Config) ListenAddr() string {
	return ":" + strconv.Itoa(cfg.Port)
}
