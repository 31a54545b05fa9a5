// Package crypt encrypts object data per filesystem block with AES-256-XTS.
//
// Each filesystem block is one XTS sector. The sector number is the
// block's logical offset divided by the block size, so the same plaintext
// written at different offsets yields different ciphertext and a block can
// be decrypted independently of its neighbours.
package crypt

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/xts"
)

// KeySize is the length of an AES-256-XTS key (two AES-256 keys).
const KeySize = 64

var (
	// ErrKeyNotFound is returned when data references a key id that is not
	// among the unwrapped keys.
	ErrKeyNotFound = errors.New("crypt: key not found")

	// ErrNoKeys is returned by NewUnwrappedKeys for an empty key list.
	ErrNoKeys = errors.New("crypt: no keys")

	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("crypt: invalid key size")

	// ErrUnaligned is returned when an offset or buffer is not a whole
	// number of blocks.
	ErrUnaligned = errors.New("crypt: unaligned offset or length")
)

// UnwrappedKey is a key already released from its wrapping key.
type UnwrappedKey struct {
	ID  uint64
	Key []byte
}

// UnwrappedKeys holds the keys of one object. The first key encrypts new
// data; every key can decrypt data stamped with its id.
type UnwrappedKeys struct {
	blockSize uint64
	primary   uint64
	ciphers   map[uint64]*xts.Cipher
}

// NewUnwrappedKeys builds the cipher set for an object.
//
// blockSize is the filesystem block size and must be a positive multiple of
// the AES block size.
func NewUnwrappedKeys(blockSize uint64, keys []UnwrappedKey) (*UnwrappedKeys, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	if blockSize == 0 || blockSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypt: block size %d is not a multiple of %d", blockSize, aes.BlockSize)
	}

	u := &UnwrappedKeys{
		blockSize: blockSize,
		primary:   keys[0].ID,
		ciphers:   make(map[uint64]*xts.Cipher, len(keys)),
	}
	for _, k := range keys {
		if len(k.Key) != KeySize {
			return nil, fmt.Errorf("%w: key %d has %d bytes", ErrInvalidKey, k.ID, len(k.Key))
		}
		c, err := xts.NewCipher(aes.NewCipher, k.Key)
		if err != nil {
			return nil, fmt.Errorf("crypt: key %d: %w", k.ID, err)
		}
		u.ciphers[k.ID] = c
	}
	return u, nil
}

// GenerateKey returns a random AES-256-XTS key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyID returns the id of the key used for new data.
func (u *UnwrappedKeys) KeyID() uint64 {
	return u.primary
}

// Has reports whether keyID is one of the object's keys.
func (u *UnwrappedKeys) Has(keyID uint64) bool {
	_, ok := u.ciphers[keyID]
	return ok
}

// Encrypt encrypts buf in place with the primary key. buf holds whole blocks
// starting at logicalOffset. It returns the key id to record with the data.
func (u *UnwrappedKeys) Encrypt(logicalOffset uint64, buf []byte) (uint64, error) {
	if err := u.EncryptWith(u.primary, logicalOffset, buf); err != nil {
		return 0, err
	}
	return u.primary, nil
}

// EncryptWith encrypts buf in place with a specific key. Overwrites use it to
// keep the key id already recorded for an extent.
func (u *UnwrappedKeys) EncryptWith(keyID, logicalOffset uint64, buf []byte) error {
	return u.apply(keyID, logicalOffset, buf, true)
}

// Decrypt decrypts buf in place with the key that encrypted it.
func (u *UnwrappedKeys) Decrypt(logicalOffset, keyID uint64, buf []byte) error {
	return u.apply(keyID, logicalOffset, buf, false)
}

func (u *UnwrappedKeys) apply(keyID, logicalOffset uint64, buf []byte, encrypt bool) error {
	c, ok := u.ciphers[keyID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, keyID)
	}
	if logicalOffset%u.blockSize != 0 || uint64(len(buf))%u.blockSize != 0 {
		return ErrUnaligned
	}

	sector := logicalOffset / u.blockSize
	for off := uint64(0); off < uint64(len(buf)); off += u.blockSize {
		block := buf[off : off+u.blockSize]
		if encrypt {
			c.Encrypt(block, block, sector)
		} else {
			c.Decrypt(block, block, sector)
		}
		sector++
	}
	return nil
}
