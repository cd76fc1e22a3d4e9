// Package transfer moves one object from a source endpoint to a target
// endpoint: it plans chunking, streams the bytes through stall-protected
// readers, and verifies the result before reporting success.
package transfer

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/stall"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const (
	DefaultChunkSize          = 8 * humanize.MiByte
	DefaultChunkGranularity   = 1 * humanize.MiByte
	DefaultMultipartThreshold = 8 * humanize.MiByte
	DefaultMaxPartCount       = 10000
	DefaultMaxChunkRetries    = 3
	DefaultMaxChecksumRetries = 2
)

// DefaultPartConcurrency is the number of parts of one object in flight. A
// multipart transfer holds up to 2*PartConcurrency chunks in memory and every
// worker of a run may be in one, so a run buffers up to
// Concurrency*2*PartConcurrency chunks. See Options.MaxBufferedChunks.
const DefaultPartConcurrency = 4

// Direction describes which kinds of endpoints a transfer connects.
type Direction int

const (
	Upload Direction = iota
	Download
	Copy
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "copy"
	}
}

// DirectionOf derives the direction from whether each side is a local
// filesystem.
func DirectionOf(srcLocal, dstLocal bool) Direction {
	switch {
	case srcLocal && !dstLocal:
		return Upload
	case !srcLocal && dstLocal:
		return Download
	default:
		return Copy
	}
}

// ChunkPlan is how an object is split for transfer.
type ChunkPlan struct {
	ChunkSize  int64 `json:"chunk_size"`
	ChunkCount int   `json:"chunk_count"`
	Multipart  bool  `json:"multipart"`
}

// rangeOf returns the byte range of chunk i of an object of the given size.
func (p ChunkPlan) rangeOf(i int, size int64) storage.ByteRange {
	if !p.Multipart || size == 0 {
		return storage.WholeObject
	}
	start := int64(i) * p.ChunkSize
	end := min(start+p.ChunkSize, size) - 1
	return storage.ByteRange{Start: start, End: end}
}

// Options tunes chunking, verification and retries.
type Options struct {
	// AutoChunksize picks the chunk size from the object size instead of
	// using ChunkSize.
	AutoChunksize    bool
	ChunkSize        int64
	ChunkGranularity int64
	// MultipartThreshold is the size from which objects go multipart.
	MultipartThreshold int64
	// MaxPartCount caps the part count below the target's own limit.
	MaxPartCount    int
	PartConcurrency int

	Checksum checksum.Algorithm
	Stall    stall.Config

	MaxChunkRetries    int
	MaxChecksumRetries int

	StorageClass string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ChunkSize:          DefaultChunkSize,
		ChunkGranularity:   DefaultChunkGranularity,
		MultipartThreshold: DefaultMultipartThreshold,
		MaxPartCount:       DefaultMaxPartCount,
		PartConcurrency:    DefaultPartConcurrency,
		Stall:              stall.DefaultConfig(),
		MaxChunkRetries:    DefaultMaxChunkRetries,
		MaxChecksumRetries: DefaultMaxChecksumRetries,
	}
}

// MaxBufferedChunks is the most chunks that concurrency workers running
// multipart transfers with these options hold in memory at once.
func (o Options) MaxBufferedChunks(concurrency int) int {
	return concurrency * chunkWindow(o.PartConcurrency)
}

// chunkWindow is how many chunks of one object may be read ahead of the
// ordered hash.
func chunkWindow(partConcurrency int) int {
	return 2 * partConcurrency
}

// Validate reports option values no plan could be built from.
func (o Options) Validate() error {
	if o.AutoChunksize && o.ChunkGranularity <= 0 {
		return syncerr.Configf("chunk granularity must be positive, got %d", o.ChunkGranularity)
	}
	if !o.AutoChunksize && o.ChunkSize <= 0 {
		return syncerr.Configf("chunk size must be positive, got %d", o.ChunkSize)
	}
	if o.MaxPartCount <= 0 {
		return syncerr.Configf("max part count must be positive, got %d", o.MaxPartCount)
	}
	if o.PartConcurrency <= 0 {
		return syncerr.Configf("part concurrency must be positive, got %d", o.PartConcurrency)
	}
	if o.MaxChunkRetries < 0 || o.MaxChecksumRetries < 0 {
		return syncerr.Configf("retry counts must not be negative")
	}
	if err := o.Stall.Validate(); err != nil {
		return syncerr.New(syncerr.KindConfig, "validate", err)
	}
	return nil
}

// PlanChunks decides how an object of the given size is sent to a target
// with the given limits.
//
// With AutoChunksize the chunk size is the smallest multiple of
// ChunkGranularity for which ceil(size/chunk) fits the part count, raised to
// the target's minimum part size. Otherwise ChunkSize is used as is and a
// plan the target cannot accept is a ConfigError.
func PlanChunks(size int64, limits storage.Limits, opts Options) (ChunkPlan, error) {
	maxParts := opts.MaxPartCount
	if limits.MaxPartCount > 0 && (maxParts <= 0 || limits.MaxPartCount < maxParts) {
		maxParts = limits.MaxPartCount
	}
	if maxParts <= 0 {
		return ChunkPlan{}, syncerr.Configf("max part count must be positive, got %d", maxParts)
	}

	threshold := opts.MultipartThreshold
	if threshold <= 0 {
		threshold = opts.ChunkSize
	}
	if size < threshold || size == 0 {
		return singlePart(size, limits)
	}

	var chunk int64
	if opts.AutoChunksize {
		gran := opts.ChunkGranularity
		if gran <= 0 {
			return ChunkPlan{}, syncerr.Configf("chunk granularity must be positive, got %d", gran)
		}
		chunk = roundUp(ceilDiv(size, int64(maxParts)), gran)
		if chunk < limits.MinPartSize {
			chunk = roundUp(limits.MinPartSize, gran)
		}
	} else {
		chunk = opts.ChunkSize
		if chunk <= 0 {
			return ChunkPlan{}, syncerr.Configf("chunk size must be positive, got %d", chunk)
		}
	}

	count := ceilDiv(size, chunk)
	if count <= 1 {
		return singlePart(size, limits)
	}
	if count > int64(maxParts) {
		return ChunkPlan{}, syncerr.Configf("chunk size %s needs %d parts for %s, more than the limit of %d",
			humanize.IBytes(uint64(chunk)), count, humanize.IBytes(uint64(size)), maxParts)
	}
	if limits.MaxPartSize > 0 && chunk > limits.MaxPartSize {
		return ChunkPlan{}, syncerr.Configf("chunk size %s exceeds the maximum part size %s",
			humanize.IBytes(uint64(chunk)), humanize.IBytes(uint64(limits.MaxPartSize)))
	}
	if chunk < limits.MinPartSize {
		return ChunkPlan{}, syncerr.Configf("chunk size %s is below the minimum part size %s",
			humanize.IBytes(uint64(chunk)), humanize.IBytes(uint64(limits.MinPartSize)))
	}
	return ChunkPlan{ChunkSize: chunk, ChunkCount: int(count), Multipart: true}, nil
}

func singlePart(size int64, limits storage.Limits) (ChunkPlan, error) {
	if limits.MaxPartSize > 0 && size > limits.MaxPartSize {
		return ChunkPlan{}, syncerr.Configf("object of %s is too large for a single request (max %s); lower the multipart threshold",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limits.MaxPartSize)))
	}
	return ChunkPlan{ChunkSize: size, ChunkCount: 1}, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func roundUp(v, multiple int64) int64 {
	return ceilDiv(v, multiple) * multiple
}

// State is a transfer's position in its life cycle.
type State int

const (
	StatePlanning State = iota
	StateStreaming
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateStreaming:
		return "streaming"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// Task is one object to transfer. A zero Plan is filled in by the worker.
type Task struct {
	Descriptor storage.ObjectDescriptor
	Direction  Direction
	TargetKey  string
	Plan       ChunkPlan
	Reason     string
}

// Outcome is the result of running a Task.
type Outcome struct {
	Task             Task
	State            State
	Kind             syncerr.Kind
	Err              error
	BytesTransferred int64
	Duration         time.Duration
	Attempts         int
	// Canceled is set when the run was canceled while the task was pending
	// or in flight; such failures are not recorded as errors.
	Canceled bool
}

// Succeeded reports whether the object was committed and verified.
func (o Outcome) Succeeded() bool {
	return o.State == StateDone
}
