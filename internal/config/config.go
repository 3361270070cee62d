package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Influx  InfluxConfig  `mapstructure:"influx"`
	Migrate MigrateConfig `mapstructure:"migrate"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Quality QualityConfig `mapstructure:"quality"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// SourceConfig describes the recorder database the statistics are read
// from. SQLite is the recorder default; larger installs run PostgreSQL.
type SourceConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	DSN             string        `mapstructure:"dsn"`    // postgres connection string
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type InfluxConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	Org              string        `mapstructure:"org"`
	BucketRecent     string        `mapstructure:"bucket_recent"`     // short-term tier
	BucketHistorical string        `mapstructure:"bucket_historical"` // long-term tier
	Timeout          time.Duration `mapstructure:"timeout"`
}

type MigrateConfig struct {
	MetadataPageSize int         `mapstructure:"metadata_page_size"`
	RecordBatchSize  int         `mapstructure:"record_batch_size"`
	CheckpointPath   string      `mapstructure:"checkpoint_path"`
	ProgressInterval int         `mapstructure:"progress_interval"` // batches between progress events
	Prefetch         bool        `mapstructure:"prefetch"`          // overlap fetch of batch n+1 with write of batch n
	Retry            RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// FilterConfig is the entity-classification surface: which domains and
// units are eligible, which integrations bypass the unit check, and
// which name patterns are excluded outright.
type FilterConfig struct {
	Domains         []string `mapstructure:"domains"`
	Units           []string `mapstructure:"units"`
	SpecialSources  []string `mapstructure:"special_sources"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
}

// Bound is a numeric range; a nil side is unbounded.
type Bound struct {
	Min *float64 `mapstructure:"min"`
	Max *float64 `mapstructure:"max"`
}

type QualityConfig struct {
	AutoCorrect  bool             `mapstructure:"auto_correct"`
	Bounds       map[string]Bound `mapstructure:"bounds"` // keyed by category
	MinTimestamp int64            `mapstructure:"min_timestamp"`
	MaxTimestamp int64            `mapstructure:"max_timestamp"`
}

// ArchiveConfig configures optional archival of the terminal checkpoint
// and run report to S3-compatible storage. The bucket must already exist.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("source.path", "SOURCE_DB_PATH")
	v.BindEnv("source.dsn", "SOURCE_DB_DSN")
	v.BindEnv("source.driver", "SOURCE_DB_DRIVER")
	v.BindEnv("influx.url", "INFLUX_URL")
	v.BindEnv("influx.token", "INFLUX_TOKEN")
	v.BindEnv("influx.org", "INFLUX_ORG")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.driver", "sqlite")
	v.SetDefault("source.path", "./home-assistant_v2.db")
	v.SetDefault("source.max_idle_conns", 2)
	v.SetDefault("source.max_open_conns", 4)
	v.SetDefault("source.conn_max_lifetime", "30m")

	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.bucket_recent", "homeassistant-recent")
	v.SetDefault("influx.bucket_historical", "homeassistant-historical")
	v.SetDefault("influx.timeout", "30s")

	v.SetDefault("migrate.metadata_page_size", 5000)
	v.SetDefault("migrate.record_batch_size", 1000)
	v.SetDefault("migrate.checkpoint_path", "./migrate_checkpoint.json")
	v.SetDefault("migrate.progress_interval", 10)
	v.SetDefault("migrate.prefetch", true)
	v.SetDefault("migrate.retry.max_attempts", 3)
	v.SetDefault("migrate.retry.initial_delay", "500ms")
	v.SetDefault("migrate.retry.max_delay", "10s")

	v.SetDefault("filter.domains", []string{"sensor", "counter", "weather", "climate", "utility_meter"})
	v.SetDefault("filter.units", []string{
		"kWh", "Wh", "MWh", "W", "kW", "°C", "°F", "%",
		"kB/s", "MB/s", "GB", "MB", "A", "V",
		"hPa", "bar", "mbar", "lux", "ppm", "µg/m³", "dB", "rpm",
	})
	v.SetDefault("filter.special_sources", []string{"tibber"})
	v.SetDefault("filter.exclude_patterns", []string{
		"*availability*", "*status*", "*signal*", "*connected*",
		"*online*", "*rssi*", "*linkquality*",
	})

	v.SetDefault("quality.auto_correct", true)
	v.SetDefault("quality.bounds", map[string]map[string]float64{
		"temperature":   {"min": -50, "max": 80},
		"power":         {"min": -100000, "max": 100000},
		"energy":        {"min": 0},
		"environmental": {"min": 0, "max": 100},
		"electrical":    {"min": 0, "max": 1000},
		"network":       {"min": 0},
	})
	// Rows stamped outside this window are recorder corruption, not data.
	v.SetDefault("quality.min_timestamp", time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	v.SetDefault("quality.max_timestamp", time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC).Unix())

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)
}

// Validate checks the parts of the configuration that cannot have
// sensible defaults.
func (c *Config) Validate() error {
	if c.Migrate.MetadataPageSize <= 0 {
		return fmt.Errorf("migrate.metadata_page_size must be positive")
	}
	if c.Migrate.RecordBatchSize <= 0 {
		return fmt.Errorf("migrate.record_batch_size must be positive")
	}
	switch c.Source.Driver {
	case "sqlite":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Source.DSN == "" {
			return fmt.Errorf("source.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported source.driver %q", c.Source.Driver)
	}
	return nil
}

// ValidateSink checks sink credentials; separated out so that dry runs
// and source inspection never require an InfluxDB token.
func (c *Config) ValidateSink() error {
	if c.Influx.Token == "" {
		return fmt.Errorf("influx.token is required (set INFLUX_TOKEN)")
	}
	if c.Influx.Org == "" {
		return fmt.Errorf("influx.org is required (set INFLUX_ORG)")
	}
	return nil
}
