// Package checksum computes the per-block integrity values stored with
// copy-on-write extents.
package checksum

import (
	"encoding/binary"
	"errors"
)

// ErrUnalignedLength is returned when the input is not a whole number of
// 32-bit words.
var ErrUnalignedLength = errors.New("checksum: length is not a multiple of 4")

// Fletcher64 folds buf into the running checksum previous.
//
// buf is read as little-endian 32-bit words. The low half of the result is
// the sum of the words and the high half the sum of the running sums, both
// modulo 2^32. Passing 0 as previous starts a new checksum.
func Fletcher64(buf []byte, previous uint64) (uint64, error) {
	if len(buf)%4 != 0 {
		return 0, ErrUnalignedLength
	}
	lo := uint32(previous)
	hi := uint32(previous >> 32)
	for i := 0; i < len(buf); i += 4 {
		lo += binary.LittleEndian.Uint32(buf[i:])
		hi += lo
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Blocks returns one checksum per blockSize chunk of buf. len(buf) must be
// a multiple of blockSize, and blockSize a multiple of 4.
func Blocks(buf []byte, blockSize int) ([]uint64, error) {
	if blockSize <= 0 || len(buf)%blockSize != 0 {
		return nil, ErrUnalignedLength
	}
	sums := make([]uint64, 0, len(buf)/blockSize)
	for off := 0; off < len(buf); off += blockSize {
		sum, err := Fletcher64(buf[off:off+blockSize], 0)
		if err != nil {
			return nil, err
		}
		sums = append(sums, sum)
	}
	return sums, nil
}
