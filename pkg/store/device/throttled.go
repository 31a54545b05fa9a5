package device

import (
	"context"

	"github.com/marmos91/extentstore/internal/ratelimiter"
)

// ThrottledDevice limits the byte rate of another Device. Reads and writes
// draw from separate buckets.
type ThrottledDevice struct {
	Device
	read  *ratelimiter.RateLimiter
	write *ratelimiter.RateLimiter
}

// ThrottleConfig holds byte-per-second limits; zero disables a limit.
type ThrottleConfig struct {
	ReadBytesPerSecond  uint64 `mapstructure:"read_bytes_per_second" yaml:"read_bytes_per_second"`
	WriteBytesPerSecond uint64 `mapstructure:"write_bytes_per_second" yaml:"write_bytes_per_second"`
	Burst               uint64 `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether any limit is set.
func (c ThrottleConfig) Enabled() bool {
	return c.ReadBytesPerSecond != 0 || c.WriteBytesPerSecond != 0
}

// NewThrottledDevice wraps inner with the configured limits.
func NewThrottledDevice(inner Device, cfg ThrottleConfig) *ThrottledDevice {
	return &ThrottledDevice{
		Device: inner,
		read:   ratelimiter.New(cfg.ReadBytesPerSecond, cfg.Burst),
		write:  ratelimiter.New(cfg.WriteBytesPerSecond, cfg.Burst),
	}
}

func (d *ThrottledDevice) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if err := d.read.WaitN(ctx, uint64(len(buf))); err != nil {
		return 0, err
	}
	return d.Device.ReadAt(ctx, offset, buf)
}

func (d *ThrottledDevice) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := d.write.WaitN(ctx, uint64(len(buf))); err != nil {
		return err
	}
	return d.Device.WriteAt(ctx, offset, buf)
}
