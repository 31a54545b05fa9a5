//go:build !linux

package device

import (
	"errors"
	"os"
)

func fallocate(*os.File, uint64) error {
	return errors.New("fallocate not supported on this platform")
}
