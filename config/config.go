// Package config loads the recorder configuration from a yaml file,
// defaults and VSMREC_* environment variables.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vslq"
	"github.com/jnesss/vsm-recorder/vsm"
)

// Config holds the application configuration
type Config struct {
	Segment  SegmentConfig  `mapstructure:"segment"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Database DatabaseConfig `mapstructure:"database"`
	Web      WebConfig      `mapstructure:"web"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Sigma    SigmaConfig    `mapstructure:"sigma"`
}

type SegmentConfig struct {
	Name      string `mapstructure:"name"`
	StalePath string `mapstructure:"stale_path"`
}

type DispatchConfig struct {
	Grouping    int           `mapstructure:"grouping"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxPending  int           `mapstructure:"max_pending"`
	Timeout     time.Duration `mapstructure:"timeout"`
	FlushOnExit bool          `mapstructure:"flush_on_exit"`
	Buffer      int           `mapstructure:"buffer"`
}

type StatsConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	CacheSize int           `mapstructure:"cache_size"`
	Filters   []string      `mapstructure:"filters"`
}

type DatabaseConfig struct {
	Dir string `mapstructure:"dir"`
}

// WebConfig with an empty Listen disables the API.
type WebConfig struct {
	Listen string `mapstructure:"listen"`
}

// KafkaConfig without brokers disables publishing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// SigmaConfig with an empty RulesDir disables detection.
type SigmaConfig struct {
	RulesDir string `mapstructure:"rules_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("segment.name", "")
	v.SetDefault("segment.stale_path", "")
	v.SetDefault("dispatch.grouping", int(vslq.GroupRequest))
	v.SetDefault("dispatch.backoff", vslq.DefaultBackoff)
	v.SetDefault("dispatch.max_pending", vslq.DefaultMaxPending)
	v.SetDefault("dispatch.timeout", vslq.DefaultTimeout)
	v.SetDefault("dispatch.flush_on_exit", false)
	v.SetDefault("dispatch.buffer", 64)
	v.SetDefault("stats.interval", "1s")
	v.SetDefault("stats.cache_size", 4096)
	v.SetDefault("stats.filters", []string{})
	v.SetDefault("database.dir", "data")
	v.SetDefault("web.listen", ":8080")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "vsm-transactions")
	v.SetDefault("sigma.rules_dir", "sigma")
}

// Load reads the configuration. An empty path searches for vsm-recorder.yaml
// in the usual places; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VSMREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vsm-recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vsm-recorder/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Printf("No config file found, using defaults and environment")
	} else {
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch vslq.Grouping(c.Dispatch.Grouping) {
	case vslq.GroupRaw, vslq.GroupRequest:
	default:
		return fmt.Errorf("dispatch.grouping must be 0 (raw) or 1 (request), got %d", c.Dispatch.Grouping)
	}
	if c.Dispatch.Backoff <= 0 {
		return fmt.Errorf("dispatch.backoff must be positive")
	}
	if c.Dispatch.MaxPending <= 0 {
		return fmt.Errorf("dispatch.max_pending must be positive")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if c.Dispatch.Buffer < 0 {
		return fmt.Errorf("dispatch.buffer must not be negative")
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if c.Stats.CacheSize <= 0 {
		return fmt.Errorf("stats.cache_size must be positive")
	}
	if c.Database.Dir == "" {
		return fmt.Errorf("database.dir is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// Location selects the segment: a stale path wins over an instance name,
// and with neither the default instance is used.
func (c *Config) Location() vsm.Location {
	switch {
	case c.Segment.StalePath != "":
		return vsm.Stale(c.Segment.StalePath)
	case c.Segment.Name != "":
		return vsm.Active(c.Segment.Name)
	default:
		return vsm.Default()
	}
}

// DispatchOptions translates the dispatch settings.
func (c *Config) DispatchOptions() []vslq.Option {
	opts := []vslq.Option{
		vslq.WithBackoff(c.Dispatch.Backoff),
		vslq.WithMaxPending(c.Dispatch.MaxPending),
		vslq.WithTimeout(c.Dispatch.Timeout),
	}
	if c.Dispatch.FlushOnExit {
		opts = append(opts, vslq.WithFlushOnExit())
	}
	// a frozen segment is read from its oldest intact record
	if c.Segment.StalePath != "" {
		opts = append(opts, vslq.WithCursorOptions(vsl.WithHead()))
	}
	return opts
}
