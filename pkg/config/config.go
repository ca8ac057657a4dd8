package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"
	EnvironmentProduction  = "production"
)

const (
	configFileENV      = "CONFIG_FILE"
	defaultConfigFile  = "/config/bookhaven.yaml"
	koanfKeyDelimiter  = "."
	requiredConfigHint = "missing required config"
)

type Config struct {
	Environment string `koanf:"environment"`

	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout"`

	ServerHost string `koanf:"server_host"`
	ServerPort int    `koanf:"server_port"`
	BaseURL    string `koanf:"base_url"`

	JWTSecret            string `koanf:"jwt_secret"`
	AllowUnauthenticated bool   `koanf:"allow_unauthenticated"`
	AdminUsername        string `koanf:"admin_username"`
	AdminPassword        string `koanf:"admin_password"`
	AdminEmail           string `koanf:"admin_email"`

	LibraryDirectory string `koanf:"library_directory"`
	UploadsDirectory string `koanf:"uploads_directory"`
	UploadsLinkName  string `koanf:"uploads_link_name"`

	CoversDirectory  string `koanf:"covers_directory"`
	CoverMaxHeight   int    `koanf:"cover_max_height"`
	CoverQuality     int    `koanf:"cover_quality"`
	CoverShardDepth  int    `koanf:"cover_shard_depth"`
	CoverShardFanout int    `koanf:"cover_shard_fanout"`

	CacheDirectory string        `koanf:"cache_directory"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`

	// CacheGenerationCheck is how long the cache trusts its last read of the
	// catalog generation marker.
	CacheGenerationCheck time.Duration `koanf:"cache_generation_check"`

	WorkerProcesses int `koanf:"worker_processes"`

	ScanLockTimeout      time.Duration `koanf:"scan_lock_timeout"`
	ScanMinInterval      time.Duration `koanf:"scan_min_interval"`
	ScanRequestStaleness time.Duration `koanf:"scan_request_staleness"`
	ScanMaxRetries       int           `koanf:"scan_max_retries"`
	ScanRetryBaseDelay   time.Duration `koanf:"scan_retry_base_delay"`
	SchedulerEnabled     bool          `koanf:"scheduler_enabled"`
	PeriodicScanInterval time.Duration `koanf:"periodic_scan_interval"`
	WatchLibrary         bool          `koanf:"watch_library"`

	RateLimitEnabled  bool          `koanf:"rate_limit_enabled"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

func defaults() *Config {
	return &Config{
		Environment:               EnvironmentDevelopment,
		DatabaseConnectRetryCount: 5,
		DatabaseConnectRetryDelay: 2 * time.Second,
		DatabaseMaxRetries:        5,
		DatabaseBusyTimeout:       5 * time.Second,
		ServerHost:                "0.0.0.0",
		ServerPort:                5000,
		AdminUsername:             "admin",
		LibraryDirectory:          "/ebooks",
		UploadsLinkName:           "_uploads",
		CoversDirectory:           "/data/covers",
		CoverMaxHeight:            300,
		CoverQuality:              80,
		CoverShardDepth:           2,
		CoverShardFanout:          256,
		CacheDirectory:            "/data/cache",
		CacheTTL:                  24 * time.Hour,
		CacheGenerationCheck:      2 * time.Second,
		WorkerProcesses:           2,
		ScanLockTimeout:           15 * time.Minute,
		ScanMinInterval:           5 * time.Second,
		ScanRequestStaleness:      10 * time.Minute,
		ScanMaxRetries:            5,
		ScanRetryBaseDelay:        time.Second,
		SchedulerEnabled:          true,
		PeriodicScanInterval:      60 * time.Minute,
		RateLimitEnabled:          true,
		RateLimitRequests:         60,
		RateLimitWindow:           time.Minute,
	}
}

// New loads the configuration from the defaults, an optional YAML file and
// the environment, in increasing order of precedence.
func New() (*Config, error) {
	k := koanf.New(koanfKeyDelimiter)

	path := os.Getenv(configFileENV)
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	err := k.Load(env.Provider("", koanfKeyDelimiter, strings.ToLower), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewForTest returns a configuration suitable for tests: an in-memory
// database and the ephemeral test environment.
func NewForTest() *Config {
	cfg := defaults()
	cfg.Environment = EnvironmentTest
	cfg.DatabaseFilePath = ":memory:"
	cfg.ServerHost = "127.0.0.1"
	cfg.JWTSecret = "test-secret"
	cfg.SchedulerEnabled = false
	cfg.RateLimitEnabled = false
	cfg.WorkerProcesses = 1
	cfg.CacheGenerationCheck = 0
	return cfg
}

// IsTest reports whether the process runs in the ephemeral test environment.
func (cfg *Config) IsTest() bool {
	return cfg.Environment == EnvironmentTest
}

// UploadsEnabled reports whether an uploads root is configured.
func (cfg *Config) UploadsEnabled() bool {
	return cfg.UploadsDirectory != "" && cfg.UploadsLinkName != ""
}

func (cfg *Config) validate() error {
	required := map[string]string{
		"DatabaseFilePath": cfg.DatabaseFilePath,
		"JWTSecret":        cfg.JWTSecret,
	}
	for _, field := range []string{"DatabaseFilePath", "JWTSecret"} {
		if required[field] == "" {
			key := toSnakeCase(field)
			return errors.Errorf("%s: %s (config key: %s)", requiredConfigHint, strings.ToUpper(key), key)
		}
	}

	switch cfg.Environment {
	case EnvironmentDevelopment, EnvironmentTest, EnvironmentProduction:
	default:
		return errors.Errorf("unknown environment %q", cfg.Environment)
	}

	if cfg.CoverShardFanout < 1 || cfg.CoverShardFanout > 256 {
		return errors.New("cover_shard_fanout must be between 1 and 256")
	}
	if cfg.CoverShardDepth < 1 || cfg.CoverShardDepth > 8 {
		return errors.New("cover_shard_depth must be between 1 and 8")
	}

	return nil
}

func toSnakeCase(s string) string {
	return strcase.ToSnake(s)
}

// Addr returns the listen address of the HTTP server.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
}
