package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFletcher64KnownValues(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint64
	}{
		{"empty", nil, 0},
		{"one word", []byte{1, 0, 0, 0}, 1<<32 | 1},
		{"two words", []byte{1, 0, 0, 0, 2, 0, 0, 0}, 4<<32 | 3},
		{"wraps", []byte{0xff, 0xff, 0xff, 0xff, 2, 0, 0, 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fletcher64(tt.in, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFletcher64Continuation(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i * 7)
	}

	whole, err := Fletcher64(buf, 0)
	require.NoError(t, err)

	first, err := Fletcher64(buf[:32], 0)
	require.NoError(t, err)
	split, err := Fletcher64(buf[32:], first)
	require.NoError(t, err)

	assert.Equal(t, whole, split)
}

func TestFletcher64RejectsUnaligned(t *testing.T) {
	_, err := Fletcher64([]byte{1, 2, 3}, 0)
	assert.ErrorIs(t, err, ErrUnalignedLength)
}

func TestBlocks(t *testing.T) {
	buf := make([]byte, 3*512)
	buf[600] = 9

	sums, err := Blocks(buf, 512)
	require.NoError(t, err)
	require.Len(t, sums, 3)
	assert.Zero(t, sums[0])
	assert.NotZero(t, sums[1])
	assert.Zero(t, sums[2])

	_, err = Blocks(buf[:100], 512)
	assert.ErrorIs(t, err, ErrUnalignedLength)
}
