package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/extentstore/internal/logger"
	"github.com/pkg/errors"
)

// DefaultSegmentSize is the size of one S3 object backing the device.
const DefaultSegmentSize = 4 << 20

// segmentLocks is the number of lock stripes serializing read-modify-write
// cycles on segments.
const segmentLocks = 64

// S3API is the subset of the S3 client used by S3Device.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Metrics observes device operations. A nil Metrics disables collection.
type Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                     {}

// S3Config configures an S3Device.
type S3Config struct {
	Client      S3API
	Bucket      string
	KeyPrefix   string
	SegmentSize uint64
	Metrics     Metrics
}

// S3Device stores the device address space as fixed-size S3 objects.
//
// Segment i holds device bytes [i*SegmentSize, (i+1)*SegmentSize). Segments
// that were never written read back as zero. Reads use ranged GETs; writes
// that cover a whole segment are a single PUT, partial writes read the
// segment first and PUT it back while holding the segment's lock stripe.
type S3Device struct {
	client      S3API
	bucket      string
	prefix      string
	segmentSize uint64
	blockSize   uint64
	size        uint64
	metrics     Metrics
	locks       [segmentLocks]sync.Mutex
	closed      atomic.Bool
	pool        *BufferPool
}

// NewS3Device checks that the bucket is reachable and returns the device.
func NewS3Device(ctx context.Context, cfg S3Config, blockSize, size uint64) (*S3Device, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 device: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 device: bucket is required")
	}

	segmentSize := cfg.SegmentSize
	if segmentSize == 0 {
		segmentSize = DefaultSegmentSize
	}
	if segmentSize%blockSize != 0 {
		return nil, fmt.Errorf("s3 device: segment size %d is not a multiple of block size %d", segmentSize, blockSize)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, errors.Wrapf(err, "s3 device: bucket %s", cfg.Bucket)
	}

	logger.Info("S3 device ready: bucket=%s prefix=%s segment=%d size=%d", cfg.Bucket, cfg.KeyPrefix, segmentSize, size)

	return &S3Device{
		client:      cfg.Client,
		bucket:      cfg.Bucket,
		prefix:      cfg.KeyPrefix,
		segmentSize: segmentSize,
		blockSize:   blockSize,
		size:        size,
		metrics:     metrics,
		pool:        NewBufferPool(),
	}, nil
}

func (d *S3Device) BlockSize() uint64 { return d.blockSize }

func (d *S3Device) Size() uint64 { return d.size }

func (d *S3Device) segmentKey(index uint64) string {
	return fmt.Sprintf("%ssegment-%016x", d.prefix, index)
}

// ReadAt splits the request by segment and issues one ranged GET per
// segment touched.
func (d *S3Device) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if err := d.check(ctx, offset, len(buf)); err != nil {
		return 0, err
	}

	done := 0
	for done < len(buf) {
		pos := offset + uint64(done)
		index := pos / d.segmentSize
		within := pos % d.segmentSize
		n := min(uint64(len(buf)-done), d.segmentSize-within)

		if err := d.getRange(ctx, index, within, buf[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
	}
	return done, nil
}

// WriteAt writes each touched segment, merging with existing content when
// the write does not cover the whole segment.
func (d *S3Device) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := d.check(ctx, offset, len(buf)); err != nil {
		return err
	}

	done := 0
	for done < len(buf) {
		pos := offset + uint64(done)
		index := pos / d.segmentSize
		within := pos % d.segmentSize
		n := min(uint64(len(buf)-done), d.segmentSize-within)

		if err := d.writeSegment(ctx, index, within, buf[done:done+int(n)]); err != nil {
			return err
		}
		done += int(n)
	}
	return nil
}

func (d *S3Device) writeSegment(ctx context.Context, index, within uint64, data []byte) error {
	if within == 0 && uint64(len(data)) == d.segmentSize {
		return d.put(ctx, index, data)
	}

	lock := &d.locks[index%segmentLocks]
	lock.Lock()
	defer lock.Unlock()

	segment := d.pool.Get(int(d.segmentSize))
	defer segment.Release()

	if err := d.getRange(ctx, index, 0, segment.Bytes()); err != nil {
		return err
	}
	copy(segment.Bytes()[within:], data)
	return d.put(ctx, index, segment.Bytes())
}

func (d *S3Device) getRange(ctx context.Context, index, within uint64, dst []byte) error {
	start := time.Now()
	key := d.segmentKey(index)

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", within, within+uint64(len(dst))-1)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			clear(dst)
			d.metrics.ObserveOperation("get", time.Since(start), nil)
			return nil
		}
		d.metrics.ObserveOperation("get", time.Since(start), err)
		return errors.Wrapf(err, "s3 device: get %s", key)
	}
	defer func() { _ = out.Body.Close() }()

	n, err := io.ReadFull(out.Body, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		clear(dst[n:])
		err = nil
	}
	d.metrics.ObserveOperation("get", time.Since(start), err)
	if err != nil {
		return errors.Wrapf(err, "s3 device: read body of %s", key)
	}
	d.metrics.RecordBytes("get", int64(n))
	return nil
}

func (d *S3Device) put(ctx context.Context, index uint64, data []byte) error {
	start := time.Now()
	key := d.segmentKey(index)

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	d.metrics.ObserveOperation("put", time.Since(start), err)
	if err != nil {
		return errors.Wrapf(err, "s3 device: put %s", key)
	}
	d.metrics.RecordBytes("put", int64(len(data)))
	return nil
}

func (d *S3Device) AllocateBuffer(size int) *Buffer {
	return d.pool.Get(size)
}

// Flush is a no-op: a successful PUT is already durable.
func (d *S3Device) Flush(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (d *S3Device) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *S3Device) check(ctx context.Context, offset uint64, length int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return CheckAccess(d, offset, length)
}
