package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load
const EnvPrefix = "GYMDESK"

// Environments recognised by the license subsystem
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Config represents the complete application configuration
type Config struct {
	Environment string          `yaml:"environment" envconfig:"ENVIRONMENT"`
	License     LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Server      ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket   WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// LicenseConfig contains everything the license session needs
type LicenseConfig struct {
	ServerURL      string        `yaml:"server_url" envconfig:"SERVER_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	PinnedSPKI     []string      `yaml:"pinned_spki" envconfig:"PINNED_SPKI"`

	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR"`
	CacheFile string `yaml:"cache_file" envconfig:"CACHE_FILE"`

	AppRoot    string `yaml:"app_root" envconfig:"APP_ROOT"`
	AppVersion string `yaml:"app_version" envconfig:"APP_VERSION"`
	BuildID    string `yaml:"build_id" envconfig:"BUILD_ID"`

	// StrictIntegrity is "true", "false" or "auto" (strict in production)
	StrictIntegrity string `yaml:"strict_integrity" envconfig:"STRICT_INTEGRITY"`

	DevMode      bool   `yaml:"dev_mode" envconfig:"DEV_MODE"`
	DevBypassKey string `yaml:"dev_bypass_key" envconfig:"DEV_BYPASS_KEY"`

	ValidateIntervalHours float64       `yaml:"validate_interval_hours" envconfig:"VALIDATE_INTERVAL_HOURS"`
	OfflineGraceHours     float64       `yaml:"offline_grace_hours" envconfig:"OFFLINE_GRACE_HOURS"`
	ClockSkewTolerance    time.Duration `yaml:"clock_skew_tolerance" envconfig:"CLOCK_SKEW_TOLERANCE"`

	BackgroundInterval time.Duration `yaml:"background_interval" envconfig:"BACKGROUND_INTERVAL"`
	BackgroundTimeout  time.Duration `yaml:"background_timeout" envconfig:"BACKGROUND_TIMEOUT"`

	ActivationsPerMinute int `yaml:"activations_per_minute" envconfig:"ACTIVATIONS_PER_MINUTE"`

	GateCacheTTL time.Duration `yaml:"gate_cache_ttl" envconfig:"GATE_CACHE_TTL"`
}

// ServerConfig contains the local HTTP API configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool   `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit YAML file; an empty path skips the file.
func LoadFile(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields carry no default tags, so envconfig only touches variables that are set
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths anchors relative paths at the executable directory
func (c *Config) resolvePaths() error {
	paths, err := GetPaths(c)
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}
	c.License.DataDir = paths.DataDir
	c.License.AppRoot = paths.AppRoot
	c.Logging.FilePath = paths.LogFile
	return nil
}

// IsProduction reports whether the process runs in a production posture.
// An empty environment counts as production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "" || env == EnvProduction
}

// StrictIntegrity resolves the strict integrity setting
func (c *Config) StrictIntegrity() bool {
	switch strings.ToLower(strings.TrimSpace(c.License.StrictIntegrity)) {
	case "", "auto":
		return c.IsProduction()
	default:
		strict, err := strconv.ParseBool(c.License.StrictIntegrity)
		if err != nil {
			return true
		}
		return strict
	}
}

// ListenAddr returns the host:port the local API binds to
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// validate validates the configuration
func (c *Config) validate() error {
	switch strings.ToLower(c.Environment) {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.License.ServerURL == "" {
		return fmt.Errorf("license server url is required")
	}
	u, err := url.Parse(c.License.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid license server url %q", c.License.ServerURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("license server must use https in production")
	}

	switch strings.ToLower(c.License.StrictIntegrity) {
	case "auto", "":
	default:
		if _, err := strconv.ParseBool(c.License.StrictIntegrity); err != nil {
			return fmt.Errorf("strict integrity must be true, false or auto, got %q", c.License.StrictIntegrity)
		}
	}

	if c.License.DevMode && c.IsProduction() {
		return fmt.Errorf("dev mode cannot be enabled in production")
	}

	if c.License.ValidateIntervalHours <= 0 {
		return fmt.Errorf("validate interval must be positive")
	}
	if c.License.OfflineGraceHours <= 0 {
		return fmt.Errorf("offline grace must be positive")
	}
	if c.License.RequestTimeout <= 0 {
		return fmt.Errorf("license request timeout must be positive")
	}
	if c.License.BackgroundInterval <= 0 {
		return fmt.Errorf("background interval must be positive")
	}
	if c.License.ActivationsPerMinute <= 0 {
		return fmt.Errorf("activations per minute must be positive")
	}
	if c.License.CacheFile == "" {
		return fmt.Errorf("license cache file name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	return nil
}

// getConfigFilePath returns the path to the config file, or "" when none exists
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"gymdesk.yaml",
		"config/gymdesk.yaml",
	}
	if paths, err := GetPaths(Default()); err == nil {
		locations = append(locations, paths.ConfigFile)
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Environment: EnvProduction,
		License: LicenseConfig{
			ServerURL:             DefaultLicenseServerURL,
			RequestTimeout:        DefaultRequestTimeout,
			DataDir:               DefaultDataDir,
			CacheFile:             DefaultCacheFile,
			AppRoot:               ".",
			StrictIntegrity:       "auto",
			ValidateIntervalHours: DefaultValidateIntervalHours,
			OfflineGraceHours:     DefaultOfflineGraceHours,
			ClockSkewTolerance:    DefaultClockSkewTolerance,
			BackgroundInterval:    DefaultBackgroundInterval,
			BackgroundTimeout:     DefaultBackgroundTimeout,
			ActivationsPerMinute:  DefaultActivationsPerMinute,
			GateCacheTTL:          DefaultGateCacheTTL,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            DefaultAPIPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"app://gymdesk", "http://localhost:5173"},
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: DefaultLogFile,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppServiceName,
			MetricsEnabled: true,
			TraceExporter:  "none",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
	}
}
