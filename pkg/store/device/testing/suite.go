package testing

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DeviceTestSuite checks the Device contract. It is reusable across
// implementations (memory, file, S3).
//
// Usage:
//
//	func TestMyDevice(t *testing.T) {
//	    suite := &testing.DeviceTestSuite{
//	        NewDevice: func(t *testing.T) device.Device {
//	            return mydevice.New(...)
//	        },
//	    }
//	    suite.Run(t)
//	}
type DeviceTestSuite struct {
	// NewDevice creates a fresh, zero-filled device of at least 1MiB for
	// each test.
	NewDevice func(t *testing.T) device.Device
}

// Run executes all tests in the suite.
func (suite *DeviceTestSuite) Run(t *testing.T) {
	t.Run("ReadUnwritten", suite.testReadUnwritten)
	t.Run("WriteRead", suite.testWriteRead)
	t.Run("PartialOverwrite", suite.testPartialOverwrite)
	t.Run("Unaligned", suite.testUnaligned)
	t.Run("OutOfRange", suite.testOutOfRange)
	t.Run("ConcurrentDisjointWrites", suite.testConcurrentDisjointWrites)
	t.Run("AllocateBuffer", suite.testAllocateBuffer)
	t.Run("Closed", suite.testClosed)
}

func testContext() context.Context {
	return context.Background()
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func (suite *DeviceTestSuite) testReadUnwritten(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	buf := bytes.Repeat([]byte{0xff}, int(dev.BlockSize())*4)
	n, err := dev.ReadAt(testContext(), dev.BlockSize()*8, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, make([]byte, len(buf)), buf)
}

func (suite *DeviceTestSuite) testWriteRead(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	bs := int(dev.BlockSize())
	data := pattern(bs*3, 1)
	require.NoError(t, dev.WriteAt(testContext(), uint64(bs), data))

	got := make([]byte, len(data))
	_, err := dev.ReadAt(testContext(), uint64(bs), got)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, dev.Flush(testContext()))
}

func (suite *DeviceTestSuite) testPartialOverwrite(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	bs := int(dev.BlockSize())
	require.NoError(t, dev.WriteAt(testContext(), 0, pattern(bs*4, 1)))

	patch := pattern(bs, 99)
	require.NoError(t, dev.WriteAt(testContext(), uint64(bs*2), patch))

	got := make([]byte, bs*4)
	_, err := dev.ReadAt(testContext(), 0, got)
	require.NoError(t, err)

	want := pattern(bs*4, 1)
	copy(want[bs*2:], patch)
	assert.Equal(t, want, got)
}

func (suite *DeviceTestSuite) testUnaligned(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	bs := dev.BlockSize()
	if bs == 1 {
		t.Skip("byte-granular device")
	}

	err := dev.WriteAt(testContext(), 1, make([]byte, bs))
	assert.ErrorIs(t, err, device.ErrUnaligned)

	_, err = dev.ReadAt(testContext(), 0, make([]byte, bs+1))
	assert.ErrorIs(t, err, device.ErrUnaligned)
}

func (suite *DeviceTestSuite) testOutOfRange(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	bs := dev.BlockSize()
	err := dev.WriteAt(testContext(), dev.Size(), make([]byte, bs))
	assert.ErrorIs(t, err, device.ErrOutOfRange)

	_, err = dev.ReadAt(testContext(), dev.Size()-bs, make([]byte, 2*bs))
	assert.ErrorIs(t, err, device.ErrOutOfRange)
}

func (suite *DeviceTestSuite) testConcurrentDisjointWrites(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	bs := int(dev.BlockSize())
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = dev.WriteAt(testContext(), uint64(i*bs), pattern(bs, byte(i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		got := make([]byte, bs)
		_, err := dev.ReadAt(testContext(), uint64(i*bs), got)
		require.NoError(t, err)
		assert.Equal(t, pattern(bs, byte(i)), got, "block %d", i)
	}
}

func (suite *DeviceTestSuite) testAllocateBuffer(t *testing.T) {
	dev := suite.NewDevice(t)
	defer dev.Close()

	buf := dev.AllocateBuffer(int(dev.BlockSize()) * 2)
	require.Equal(t, int(dev.BlockSize())*2, buf.Len())
	assert.Equal(t, make([]byte, buf.Len()), buf.Bytes())

	buf.Bytes()[0] = 1
	buf.Release()
	buf.Release()

	again := dev.AllocateBuffer(int(dev.BlockSize()) * 2)
	defer again.Release()
	assert.Zero(t, again.Bytes()[0], "recycled buffers must be zeroed")
}

func (suite *DeviceTestSuite) testClosed(t *testing.T) {
	dev := suite.NewDevice(t)
	require.NoError(t, dev.Close())

	err := dev.WriteAt(testContext(), 0, make([]byte, dev.BlockSize()))
	assert.ErrorIs(t, err, device.ErrClosed)
}
