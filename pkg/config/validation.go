package config

import (
	"fmt"
	"math/bits"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for the size
// relationships that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	devBlock := cfg.Device.BlockSize.Bytes()
	fsBlock := cfg.Store.BlockSize.Bytes()

	if !isPowerOfTwo(devBlock) {
		return fmt.Errorf("device.block_size: %s is not a power of two", cfg.Device.BlockSize)
	}
	if !isPowerOfTwo(fsBlock) {
		return fmt.Errorf("store.block_size: %s is not a power of two", cfg.Store.BlockSize)
	}
	// Both are powers of two, so this also makes fsBlock a multiple of devBlock
	if fsBlock < devBlock {
		return fmt.Errorf("store.block_size: %s is smaller than device.block_size %s", cfg.Store.BlockSize, cfg.Device.BlockSize)
	}
	if cfg.Device.Size.Bytes() < fsBlock {
		return fmt.Errorf("device.size: %s cannot hold a single %s block", cfg.Device.Size, cfg.Store.BlockSize)
	}

	if mc := cfg.Allocator.MaxContiguous.Bytes(); mc%fsBlock != 0 {
		return fmt.Errorf("allocator.max_contiguous: %s is not a multiple of store.block_size %s", cfg.Allocator.MaxContiguous, cfg.Store.BlockSize)
	}

	return nil
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && bits.OnesCount64(n) == 1
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
