package device_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/extentstore/pkg/store/device"
	devicetesting "github.com/marmos91/extentstore/pkg/store/device/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize  = 512
	testDeviceSize = 1 << 20
)

func TestMemoryDevice(t *testing.T) {
	suite := &devicetesting.DeviceTestSuite{
		NewDevice: func(t *testing.T) device.Device {
			return device.NewMemoryDevice(testBlockSize, testDeviceSize)
		},
	}
	suite.Run(t)
}

func TestFileDevice(t *testing.T) {
	suite := &devicetesting.DeviceTestSuite{
		NewDevice: func(t *testing.T) device.Device {
			dev, err := device.OpenFileDevice(device.FileConfig{
				Path:        filepath.Join(t.TempDir(), "device.img"),
				Preallocate: true,
			}, testBlockSize, testDeviceSize)
			require.NoError(t, err)
			return dev
		},
	}
	suite.Run(t)
}

func TestFileDeviceReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := device.FileConfig{Path: filepath.Join(t.TempDir(), "device.img")}

	dev, err := device.OpenFileDevice(cfg, testBlockSize, testDeviceSize)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{7}, testBlockSize)
	require.NoError(t, dev.WriteAt(ctx, testBlockSize*3, data))
	require.NoError(t, dev.Flush(ctx))
	require.NoError(t, dev.Close())

	dev, err = device.OpenFileDevice(cfg, testBlockSize, testDeviceSize)
	require.NoError(t, err)
	defer dev.Close()

	got := make([]byte, testBlockSize)
	_, err = dev.ReadAt(ctx, testBlockSize*3, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestS3Device(t *testing.T) {
	suite := &devicetesting.DeviceTestSuite{
		NewDevice: func(t *testing.T) device.Device {
			dev, err := device.NewS3Device(context.Background(), device.S3Config{
				Client:      newFakeS3(),
				Bucket:      "extents",
				KeyPrefix:   "dev0/",
				SegmentSize: 4 * testBlockSize,
			}, testBlockSize, testDeviceSize)
			require.NoError(t, err)
			return dev
		},
	}
	suite.Run(t)
}

func TestS3DeviceFullSegmentWriteSkipsRead(t *testing.T) {
	fake := newFakeS3()
	dev, err := device.NewS3Device(context.Background(), device.S3Config{
		Client:      fake,
		Bucket:      "extents",
		SegmentSize: 2 * testBlockSize,
	}, testBlockSize, testDeviceSize)
	require.NoError(t, err)

	require.NoError(t, dev.WriteAt(context.Background(), 0, make([]byte, 4*testBlockSize)))
	assert.Equal(t, 0, fake.gets)
	assert.Equal(t, 2, fake.puts)

	require.NoError(t, dev.WriteAt(context.Background(), 0, make([]byte, testBlockSize)))
	assert.Equal(t, 1, fake.gets)
}

func TestS3DeviceMissingBucket(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("no such bucket")

	_, err := device.NewS3Device(context.Background(), device.S3Config{
		Client: fake,
		Bucket: "missing",
	}, testBlockSize, testDeviceSize)
	assert.Error(t, err)
}

func TestThrottledDevice(t *testing.T) {
	suite := &devicetesting.DeviceTestSuite{
		NewDevice: func(t *testing.T) device.Device {
			inner := device.NewMemoryDevice(testBlockSize, testDeviceSize)
			return device.NewThrottledDevice(inner, device.ThrottleConfig{
				ReadBytesPerSecond:  64 << 20,
				WriteBytesPerSecond: 64 << 20,
			})
		},
	}
	suite.Run(t)
}

func TestThrottledDeviceHonoursCancellation(t *testing.T) {
	inner := device.NewMemoryDevice(testBlockSize, testDeviceSize)
	dev := device.NewThrottledDevice(inner, device.ThrottleConfig{WriteBytesPerSecond: 1, Burst: testBlockSize})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, dev.WriteAt(ctx, 0, make([]byte, testBlockSize)))
	assert.Error(t, dev.WriteAt(ctx, 0, make([]byte, testBlockSize)))
}

func TestMemoryDeviceFault(t *testing.T) {
	dev := device.NewMemoryDevice(testBlockSize, testDeviceSize)
	boom := errors.New("boom")
	dev.SetFault(func(op string, offset uint64, length int) error {
		if op == "write" {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, dev.WriteAt(context.Background(), 0, make([]byte, testBlockSize)), boom)
	_, err := dev.ReadAt(context.Background(), 0, make([]byte, testBlockSize))
	assert.NoError(t, err)

	dev.SetFault(nil)
	assert.NoError(t, dev.WriteAt(context.Background(), 0, make([]byte, testBlockSize)))
}

func TestMemoryDeviceOverwriteDuringRead(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemoryDevice(testBlockSize, testDeviceSize)
	a := bytes.Repeat([]byte{0xaa}, 4*testBlockSize)
	b := bytes.Repeat([]byte{0xbb}, 4*testBlockSize)
	require.NoError(t, dev.WriteAt(ctx, 0, a))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			data := a
			if i%2 == 0 {
				data = b
			}
			if err := dev.WriteAt(ctx, 0, data); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	buf := make([]byte, 4*testBlockSize)
	for i := 0; i < 200; i++ {
		_, err := dev.ReadAt(ctx, 0, buf)
		require.NoError(t, err)
		if !bytes.Equal(buf, a) && !bytes.Equal(buf, b) {
			t.Fatalf("read %d observed a torn write", i)
		}
	}
	wg.Wait()
}

// fakeS3 is an in-memory S3 bucket supporting the calls S3Device makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headErr error
	gets    int
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++

	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	var start, end int
	if in.Range != nil {
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
	} else {
		end = len(data) - 1
	}
	end = min(end, len(data)-1)

	body := append([]byte(nil), data[start:end+1]...)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}
