package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	QueueFile       string        `mapstructure:"queue_file"`
	TempDirectory   string        `mapstructure:"temp_directory"`
	SaveInterval    time.Duration `mapstructure:"save_interval"`
	MinSaveInterval time.Duration `mapstructure:"min_save_interval"`

	SegmentedDownloads  bool              `mapstructure:"segmented_downloads"`
	MaxSegments         int               `mapstructure:"max_segments"`
	MinSegmentSize      datasize.ByteSize `mapstructure:"min_segment_size"`
	ChunkSize           datasize.ByteSize `mapstructure:"chunk_size"`
	OverlapChunks       bool              `mapstructure:"overlap_chunks"`
	SmallFileSize       datasize.ByteSize `mapstructure:"small_file_size"`
	PartialShareMinSize datasize.ByteSize `mapstructure:"partial_share_min_size"`
	PartialSharing      bool              `mapstructure:"partial_sharing"`

	SourceCooldown       time.Duration `mapstructure:"source_cooldown"`
	AutoPriorityInterval time.Duration `mapstructure:"auto_priority_interval"`
	PartialQueryInterval time.Duration `mapstructure:"partial_query_interval"`

	HashWorkers   int `mapstructure:"hash_workers"`
	TreeCacheSize int `mapstructure:"tree_cache_size"`

	SecureConnections  bool          `mapstructure:"secure_connections"`
	ConnectRate        float64       `mapstructure:"connect_rate"`
	ExpectedConnTTL    time.Duration `mapstructure:"expected_connection_ttl"`
	BreakerMaxRequests uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval    time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	BreakerMinRequests uint32        `mapstructure:"breaker_min_requests"`
	BreakerErrorRatio  float64       `mapstructure:"breaker_error_ratio"`

	RateLimit          float64       `mapstructure:"rate_limit"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	ServerReadTimeout  time.Duration `mapstructure:"server_read_timeout"`
	ServerWriteTimeout time.Duration `mapstructure:"server_write_timeout"`
	ServerIdleTimeout  time.Duration `mapstructure:"server_idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	TracingEnabled     bool          `mapstructure:"tracing_enabled"`
}

// Load reads path, or config.yaml from the working directory when path is
// empty. A missing default file is not an error; environment variables
// override both.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("swarmq")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("queue_file", "queue.bencode")
	v.SetDefault("temp_directory", "incomplete")
	v.SetDefault("save_interval", "10s")
	v.SetDefault("min_save_interval", "30s")

	v.SetDefault("segmented_downloads", true)
	v.SetDefault("max_segments", 5)
	v.SetDefault("min_segment_size", "1MB")
	v.SetDefault("chunk_size", "1MB")
	v.SetDefault("overlap_chunks", true)
	v.SetDefault("small_file_size", "64KB")
	v.SetDefault("partial_share_min_size", "20MB")
	v.SetDefault("partial_sharing", true)

	v.SetDefault("source_cooldown", "10m")
	v.SetDefault("auto_priority_interval", "30s")
	v.SetDefault("partial_query_interval", "5m")

	v.SetDefault("hash_workers", 2)
	v.SetDefault("tree_cache_size", 4096)

	v.SetDefault("secure_connections", true)
	v.SetDefault("connect_rate", 20)
	v.SetDefault("expected_connection_ttl", "2m")
	v.SetDefault("breaker_max_requests", 5)
	v.SetDefault("breaker_interval", "1m")
	v.SetDefault("breaker_timeout", "30s")
	v.SetDefault("breaker_min_requests", 10)
	v.SetDefault("breaker_error_ratio", 0.6)

	v.SetDefault("rate_limit", 50)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("cors_allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server_read_timeout", "15s")
	v.SetDefault("server_write_timeout", "30s")
	v.SetDefault("server_idle_timeout", "60s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("tracing_enabled", false)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MaxSegments < 1:
		return fmt.Errorf("max_segments must be positive, got %d", c.MaxSegments)
	case c.ChunkSize == 0:
		return errors.New("chunk_size must be positive")
	case c.SaveInterval <= 0:
		return errors.New("save_interval must be positive")
	case c.AutoPriorityInterval <= 0:
		return errors.New("auto_priority_interval must be positive")
	case c.PartialQueryInterval <= 0:
		return errors.New("partial_query_interval must be positive")
	case c.QueueFile == "":
		return errors.New("queue_file must be set")
	}
	return nil
}
