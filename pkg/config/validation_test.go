package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidDeviceType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Type = "floppy"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid device type")
	}
	if !strings.Contains(err.Error(), "Device.Type") {
		t.Errorf("Expected error to name Device.Type, got: %v", err)
	}
}

func TestValidate_InvalidIndexType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Index.Type = "sqlite"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid index type")
	}
}

func TestValidate_BlockSizes(t *testing.T) {
	tests := []struct {
		name      string
		fsBlock   ByteSize
		devBlock  ByteSize
		devSize   ByteSize
		maxContig ByteSize
		wantErr   string
	}{
		{"Valid", 4096, 512, 1 << 20, 0, ""},
		{"EqualBlocks", 4096, 4096, 1 << 20, 8192, ""},
		{"FsNotPowerOfTwo", 3000, 512, 1 << 20, 0, "store.block_size"},
		{"DeviceNotPowerOfTwo", 4096, 500, 1 << 20, 0, "device.block_size"},
		{"FsSmallerThanDevice", 512, 4096, 1 << 20, 0, "smaller than"},
		{"DeviceTooSmall", 4096, 512, 2048, 0, "device.size"},
		{"MaxContiguousUnaligned", 4096, 512, 1 << 20, 6000, "allocator.max_contiguous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Store.BlockSize = tt.fsBlock
			cfg.Device.BlockSize = tt.devBlock
			cfg.Device.Size = tt.devSize
			cfg.Allocator.MaxContiguous = tt.maxContig

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for out-of-range metrics port")
	}
}

func TestValidate_NegativeFlushInterval(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.FlushInterval = -1

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for negative flush interval")
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			t.Errorf("Level %q should validate after normalization: %v", level, err)
		}
		if cfg.Logging.Level != strings.ToUpper(level) {
			t.Errorf("Expected level %q, got %q", strings.ToUpper(level), cfg.Logging.Level)
		}
	}
}
