package config

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Default raster file names inside the data directory.
const (
	DefaultDensityFile   = "JRC-CENSUS_2021_100m.tif"
	DefaultLandcoverFile = "LUISA_basemap_020321_50m.tif"
)

// Config holds the full application configuration.
type Config struct {
	Data    DataConfig    `yaml:"data" mapstructure:"data"`
	Rasters RastersConfig `yaml:"rasters" mapstructure:"rasters"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// DataConfig locates the local data volume.
type DataConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RastersConfig configures the two raster roles.
type RastersConfig struct {
	Density   RasterConfig    `yaml:"density" mapstructure:"density"`
	Landcover LandcoverConfig `yaml:"landcover" mapstructure:"landcover"`
}

// RasterConfig locates one raster file and, optionally, where to fetch it.
type RasterConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// LandcoverConfig is a RasterConfig plus the class lookup to apply.
// LookupFile, when set, overrides Scheme.
type LandcoverConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	URL        string `yaml:"url" mapstructure:"url"`
	Scheme     string `yaml:"scheme" mapstructure:"scheme"`
	LookupFile string `yaml:"lookup_file" mapstructure:"lookup_file"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	ReadTimeoutSecs     int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs    int      `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
	MaxBodyBytes        int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// CacheConfig configures the estimate cache. MaxEntries 0 disables it.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
	TTLSecs    int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// FetchConfig configures raster provisioning downloads. MaxAttempts counts
// whole-file downloads; MaxRequestRetries counts HTTP requests within one.
// TimeoutSecs bounds connecting, response headers and idle gaps in the body.
type FetchConfig struct {
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxRequestRetries int     `yaml:"max_request_retries" mapstructure:"max_request_retries"`
	RequestsPerSec    float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	InitialBackoffS   int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv maps config keys to the environment variable names the service
// has always been deployed with.
var legacyEnv = map[string]string{
	"data.dir":               "DATA_DIR",
	"rasters.density.path":   "JRC_PATH",
	"rasters.density.url":    "JRC_URL",
	"rasters.landcover.path": "LUISA_PATH",
	"rasters.landcover.url":  "LUISA_URL",
	"server.port":            "PORT",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DENSITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "DENSITY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", legacy)
		}
	}

	// Defaults
	v.SetDefault("data.dir", "/app/data")
	v.SetDefault("rasters.density.path", "")
	v.SetDefault("rasters.density.url", "")
	v.SetDefault("rasters.landcover.path", "")
	v.SetDefault("rasters.landcover.url", "")
	v.SetDefault("rasters.landcover.scheme", "luisa-basemap-2021")
	v.SetDefault("rasters.landcover.lookup_file", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_secs", 30)
	v.SetDefault("server.write_timeout_secs", 120)
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("cache.max_entries", 256)
	v.SetDefault("cache.ttl_secs", 600)
	v.SetDefault("fetch.user_agent", "popdensity/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.max_request_retries", 2)
	v.SetDefault("fetch.requests_per_sec", 2.0)
	v.SetDefault("fetch.initial_backoff_secs", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills raster paths that were left empty from the data dir.
func (c *Config) applyDerived() {
	if c.Rasters.Density.Path == "" {
		c.Rasters.Density.Path = filepath.Join(c.Data.Dir, DefaultDensityFile)
	}
	if c.Rasters.Landcover.Path == "" {
		c.Rasters.Landcover.Path = filepath.Join(c.Data.Dir, DefaultLandcoverFile)
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Cache.MaxEntries < 0 {
		return eris.Errorf("config: cache.max_entries must be >= 0, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxEntries > 0 && c.Cache.TTLSecs <= 0 {
		return eris.Errorf("config: cache.ttl_secs must be > 0 when the cache is enabled")
	}
	if c.Fetch.RequestsPerSec <= 0 {
		return eris.Errorf("config: fetch.requests_per_sec must be > 0")
	}
	if c.Fetch.MaxAttempts < 1 {
		return eris.Errorf("config: fetch.max_attempts must be >= 1, got %d", c.Fetch.MaxAttempts)
	}
	if c.Fetch.MaxRequestRetries < 1 {
		return eris.Errorf("config: fetch.max_request_retries must be >= 1, got %d", c.Fetch.MaxRequestRetries)
	}
	if c.Fetch.TimeoutSecs <= 0 {
		return eris.Errorf("config: fetch.timeout_secs must be > 0")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
