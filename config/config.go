package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "AMTED"

// Config holds every tunable of the server. Address and Port normally come
// from the command line.
type Config struct {
	Address string `mapstructure:"address" yaml:"address" validate:"required"`
	Port    int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// Workers is the number of disk goroutines; QueueSize bounds the jobs
	// waiting for one; MaxBacklog bounds the overflow kept by the loop.
	Workers    int `mapstructure:"workers" yaml:"workers" validate:"gte=1"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=1"`
	MaxBacklog int `mapstructure:"max_backlog" yaml:"max_backlog" validate:"gte=0"`

	ReadBufferSize int   `mapstructure:"read_buffer_size" yaml:"read_buffer_size" validate:"gte=2,lte=1048576"`
	MaxFileSize    int64 `mapstructure:"max_file_size" yaml:"max_file_size" validate:"gte=0"`
	MaxEvents      int   `mapstructure:"max_events" yaml:"max_events" validate:"gte=1"`

	// AcceptRate is connections per second, 0 disables the limiter.
	AcceptRate  float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"gte=0"`
	AcceptBurst int     `mapstructure:"accept_burst" yaml:"accept_burst" validate:"gte=0"`

	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout" validate:"gte=0"`

	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a key.
func Default() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           9009,
		Workers:        8,
		QueueSize:      256,
		MaxBacklog:     4096,
		ReadBufferSize: 4096,
		MaxFileSize:    1 << 30,
		MaxEvents:      1024,
		AcceptRate:     0,
		AcceptBurst:    0,
		DrainTimeout:   5 * time.Second,
		MetricsAddr:    "",
		LogLevel:       "info",
	}
}

// Load reads configuration with precedence env > file > defaults. An empty
// path skips the file; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("address", d.Address)
	v.SetDefault("port", d.Port)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("queue_size", d.QueueSize)
	v.SetDefault("max_backlog", d.MaxBacklog)
	v.SetDefault("read_buffer_size", d.ReadBufferSize)
	v.SetDefault("max_file_size", d.MaxFileSize)
	v.SetDefault("max_events", d.MaxEvents)
	v.SetDefault("accept_rate", d.AcceptRate)
	v.SetDefault("accept_burst", d.AcceptBurst)
	v.SetDefault("drain_timeout", d.DrainTimeout)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

var validate = validator.New()

// Validate checks field constraints and returns a readable error listing
// every failing field.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}

// Save writes cfg as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
