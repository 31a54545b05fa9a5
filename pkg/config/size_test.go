package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"4096", 4096},
		{" 512 ", 512},
		{"4KiB", 4096},
		{"64MiB", 64 << 20},
		{"1GiB", 1 << 30},
		{"1GB", 1000 * 1000 * 1000},
		{"512B", 512},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "lots", "4 parsecs"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "0", ByteSize(0).String())
	assert.Equal(t, "4KiB", ByteSize(4096).String())
	assert.Equal(t, "1GiB", ByteSize(1<<30).String())

	for _, n := range []ByteSize{512, 4096, 3 << 20} {
		parsed, err := ParseByteSize(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, parsed)
	}
}
