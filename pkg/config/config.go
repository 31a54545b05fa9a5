package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete extentstore configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (EXTENTSTORE_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Device and index backends follow a type-selector pattern: Type names the
// implementation and only the matching type-specific section is decoded by
// its factory.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Store contains filesystem-level settings
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Device selects and configures the block device
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Index selects the persistent layer of the extent index
	Index IndexConfig `mapstructure:"index" yaml:"index"`

	// Allocator tunes block allocation
	Allocator AllocatorConfig `mapstructure:"allocator" yaml:"allocator"`

	// Metrics controls Prometheus metrics collection and exposure
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StoreConfig contains filesystem-level settings.
type StoreConfig struct {
	// BlockSize is the filesystem block size. Must be a power of two and a
	// multiple of the device block size.
	BlockSize ByteSize `mapstructure:"block_size" yaml:"block_size" validate:"required"`

	// VerifyChecksums checks extent checksums on every read
	VerifyChecksums bool `mapstructure:"verify_checksums" yaml:"verify_checksums"`

	// FlushInterval is how often a serving process flushes the index to the
	// persistent layer (0 disables periodic flushes)
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`
}

// DeviceConfig specifies the block device.
type DeviceConfig struct {
	// Type selects the device implementation
	// Valid values: memory, file, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory file s3"`

	// BlockSize is the device's minimum I/O unit
	BlockSize ByteSize `mapstructure:"block_size" yaml:"block_size" validate:"required"`

	// Size is the device capacity
	Size ByteSize `mapstructure:"size" yaml:"size" validate:"required"`

	// File contains file-device configuration
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file" yaml:"file"`

	// S3 contains S3-device configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`

	// Throttle limits device bandwidth (all zero disables throttling)
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
}

// ThrottleConfig limits device bandwidth in bytes per second.
type ThrottleConfig struct {
	ReadBytesPerSecond  ByteSize `mapstructure:"read_bytes_per_second" yaml:"read_bytes_per_second"`
	WriteBytesPerSecond ByteSize `mapstructure:"write_bytes_per_second" yaml:"write_bytes_per_second"`
	Burst               ByteSize `mapstructure:"burst" yaml:"burst"`
}

// IndexConfig specifies the persistent layer of the trees.
type IndexConfig struct {
	// Type selects the persistent layer
	// Valid values: memory (nothing persisted), badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// AllocatorConfig tunes block allocation.
type AllocatorConfig struct {
	// MaxContiguous caps a single grant (0 = unlimited). Must be a multiple
	// of the store block size.
	MaxContiguous ByteSize `mapstructure:"max_contiguous" yaml:"max_contiguous"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the /metrics endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of the metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) error {
	// Environment variables use the EXTENTSTORE_ prefix and underscores
	// Example: EXTENTSTORE_STORE_BLOCK_SIZE=8KiB
	v.SetEnvPrefix("EXTENTSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every known key gets a default so AllSettings sees environment
	// overrides for keys absent from the file.
	if err := registerDefaults(v, GetDefaultConfig()); err != nil {
		return err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return nil
}

// registerDefaults flattens cfg into viper defaults.
func registerDefaults(v *viper.Viper, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, value)
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// decode converts viper's merged settings into a Config, parsing sizes
// and durations from their string forms.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
		Result: &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "extentstore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "extentstore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
