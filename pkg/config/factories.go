package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/marmos91/extentstore/pkg/store/lsm"
	"github.com/marmos91/extentstore/pkg/store/object"
	"github.com/mitchellh/mapstructure"
)

// s3DeviceOptions is the S3 section of the device configuration.
type s3DeviceOptions struct {
	Endpoint        string   `mapstructure:"endpoint"`
	Region          string   `mapstructure:"region"`
	Bucket          string   `mapstructure:"bucket"`
	AccessKeyID     string   `mapstructure:"access_key_id"`
	SecretAccessKey string   `mapstructure:"secret_access_key"`
	KeyPrefix       string   `mapstructure:"key_prefix"`
	ForcePathStyle  bool     `mapstructure:"force_path_style"`
	SegmentSize     ByteSize `mapstructure:"segment_size"`
	MaxRetries      int      `mapstructure:"max_retries"`
}

// decodeOptions decodes a type-specific section with the same hooks Load
// uses, so sizes and durations may be written in their string forms.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
		Result: out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// CreateDevice creates the block device described by cfg.
//
// Supported types:
//   - "memory": RAM-backed device, contents lost on exit
//   - "file": file or block special file, optionally preallocated
//   - "s3": fixed-size segments stored as S3 objects
//
// A non-zero throttle wraps the device in a ThrottledDevice.
func CreateDevice(ctx context.Context, cfg *DeviceConfig, m device.Metrics) (device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blockSize, size := cfg.BlockSize.Bytes(), cfg.Size.Bytes()

	var (
		dev device.Device
		err error
	)
	switch cfg.Type {
	case "memory":
		dev = device.NewMemoryDevice(blockSize, size)
	case "file":
		dev, err = createFileDevice(cfg.File, blockSize, size)
	case "s3":
		dev, err = createS3Device(ctx, cfg.S3, blockSize, size, m)
	default:
		return nil, fmt.Errorf("unknown device type: %q (supported: memory, file, s3)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	throttle := device.ThrottleConfig{
		ReadBytesPerSecond:  cfg.Throttle.ReadBytesPerSecond.Bytes(),
		WriteBytesPerSecond: cfg.Throttle.WriteBytesPerSecond.Bytes(),
		Burst:               cfg.Throttle.Burst.Bytes(),
	}
	if throttle.Enabled() {
		logger.Info("Device throttled: read=%s/s write=%s/s", cfg.Throttle.ReadBytesPerSecond, cfg.Throttle.WriteBytesPerSecond)
		return device.NewThrottledDevice(dev, throttle), nil
	}
	return dev, nil
}

func createFileDevice(options map[string]any, blockSize, size uint64) (device.Device, error) {
	var fileCfg device.FileConfig
	if err := decodeOptions(options, &fileCfg); err != nil {
		return nil, fmt.Errorf("invalid file device config: %w", err)
	}
	if fileCfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	dev, err := device.OpenFileDevice(fileCfg, blockSize, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open file device: %w", err)
	}
	return dev, nil
}

func createS3Device(ctx context.Context, options map[string]any, blockSize, size uint64, m device.Metrics) (device.Device, error) {
	var opts s3DeviceOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid S3 device config: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 device: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 device: region is required")
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	dev, err := device.NewS3Device(ctx, device.S3Config{
		Client:      client,
		Bucket:      opts.Bucket,
		KeyPrefix:   opts.KeyPrefix,
		SegmentSize: opts.SegmentSize.Bytes(),
		Metrics:     m,
	}, blockSize, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 device: %w", err)
	}

	logger.Info("S3 device initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)
	return dev, nil
}

// newS3Client builds an S3 client from the device options.
func newS3Client(ctx context.Context, opts s3DeviceOptions) (*s3.Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}

	// Static credentials if provided, otherwise the default credential chain
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	// Device I/O is synchronous with the caller, so retry transient S3
	// failures harder than the SDK default of 3 attempts
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) usually need path-style addressing
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle || opts.Endpoint != ""
	}), nil
}

// CreateIndex opens the persistent layer described by cfg. The memory
// type returns a nil database: the store then keeps everything in its
// memory layers and Flush is a no-op.
func CreateIndex(ctx context.Context, cfg *IndexConfig) (*badgerdb.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return nil, nil
	case "badger":
		var badgerCfg lsm.BadgerConfig
		if err := decodeOptions(cfg.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		db, err := lsm.OpenDB(badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown index type: %q (supported: memory, badger)", cfg.Type)
	}
}

// Environment is an opened store together with the resources backing it.
type Environment struct {
	Store   *object.Store
	Device  device.Device
	DB      *badgerdb.DB
	Metrics *MetricsResult
}

// Open creates the device and index described by cfg and opens the store
// on them, formatting it if the index holds no store yet.
func Open(ctx context.Context, cfg *Config) (*Environment, error) {
	m := InitializeMetrics(cfg)

	dev, err := CreateDevice(ctx, &cfg.Device, m.Device)
	if err != nil {
		return nil, err
	}

	db, err := CreateIndex(ctx, &cfg.Index)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	store, err := object.OpenStore(ctx, dev, db, object.Config{
		BlockSize:        cfg.Store.BlockSize.Bytes(),
		VerifyChecksums:  cfg.Store.VerifyChecksums,
		MaxContiguous:    cfg.Allocator.MaxContiguous.Bytes(),
		Metrics:          m.Handle,
		AllocatorMetrics: m.Allocator,
		TxnMetrics:       m.Txn,
	})
	if err != nil {
		env := &Environment{Device: dev, DB: db}
		return nil, errors.Join(err, env.close())
	}

	return &Environment{Store: store, Device: dev, DB: db, Metrics: m}, nil
}

// Close flushes the store and releases the index and the device.
func (e *Environment) Close(ctx context.Context) error {
	var flushErr error
	if e.Store != nil {
		flushErr = e.Store.Flush(ctx)
	}
	return errors.Join(flushErr, e.close())
}

func (e *Environment) close() error {
	var dbErr error
	if e.DB != nil {
		dbErr = e.DB.Close()
	}
	return errors.Join(dbErr, e.Device.Close())
}
