package core

import "go.uber.org/zap"

const (
	defaultBlockSize      int64 = 32 * 1024
	defaultSegmentSizeMax int64 = 1 << 30 // 1 GiB
)

// Option configures a Database at Open time.
type Option func(*options)

type options struct {
	useMmap        bool
	blockSize      int64
	segmentSizeMax int64
	logger         *zap.SugaredLogger
}

func defaultOptions() *options {
	return &options{
		useMmap:        true,
		blockSize:      defaultBlockSize,
		segmentSizeMax: defaultSegmentSizeMax,
		logger:         zap.NewNop().Sugar(),
	}
}

// WithMmap toggles memory-mapped reads for immutable segments. Default
// true; empty segment files always degrade to positional I/O regardless
// of this setting.
func WithMmap(enabled bool) Option {
	return func(o *options) { o.useMmap = enabled }
}

// WithBlockSize overrides the 32 KiB block size used for record framing.
// Exists mainly so tests can exercise padding/rotation with small files
// instead of waiting to fill a full 32 KiB block.
func WithBlockSize(n int64) Option {
	return func(o *options) { o.blockSize = n }
}

// WithSegmentSizeMax overrides the 1 GiB soft cap that triggers rotation.
func WithSegmentSizeMax(n int64) Option {
	return func(o *options) { o.segmentSizeMax = n }
}

// WithLogger injects a structured logger. Default is a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}
