package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# extentstore Configuration File
#
# Values may be overridden with EXTENTSTORE_* environment variables,
# e.g. EXTENTSTORE_STORE_BLOCK_SIZE=8KiB or EXTENTSTORE_DEVICE_TYPE=file.
# Sizes accept plain byte counts or unit strings (4KiB, 64MiB, 1GB).
`

// sectionComments precede the top-level sections of a generated file.
var sectionComments = map[string]string{
	"logging":   "Log output: level DEBUG|INFO|WARN|ERROR, format text|json, output stdout|stderr|<path>",
	"store":     "Filesystem block size, checksum verification and periodic flush interval",
	"device":    "Block device: type memory|file|s3; only the section matching type is used",
	"index":     "Persistent layer of the extent index: type memory|badger",
	"allocator": "Allocation tuning: max_contiguous caps one grant (0 = unlimited)",
	"metrics":   "Prometheus /metrics endpoint",
}

// InitConfig writes a default configuration file to the default location
// and returns its path. An existing file is kept unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// Mapping nodes alternate key and value children
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return buf.String(), nil
}
