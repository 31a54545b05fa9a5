//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

func fallocate(f *os.File, size uint64) error {
	for {
		err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
		if err != unix.EINTR {
			return err
		}
	}
}
