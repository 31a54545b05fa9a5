package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/units"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes. In configuration files and environment
// variables it accepts plain integers or unit strings such as "4KiB",
// "64MiB" or "1GB" (decimal units are powers of 1000).
type ByteSize uint64

// ParseByteSize parses a plain byte count or a unit string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", s)
	}
	return ByteSize(n), nil
}

// Bytes returns the size as a byte count.
func (b ByteSize) Bytes() uint64 { return uint64(b) }

func (b ByteSize) String() string {
	if b == 0 {
		return "0"
	}
	return units.Base2Bytes(b).String()
}

// MarshalYAML writes the size in its unit form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalYAML accepts both integers and unit strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

// stringToByteSizeHookFunc decodes unit strings into ByteSize fields.
// Numeric input is left to mapstructure's integer conversion.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != byteSizeType {
			return data, nil
		}
		raw, _ := data.(string)
		if raw == "" {
			return ByteSize(0), nil
		}
		return ParseByteSize(raw)
	}
}
