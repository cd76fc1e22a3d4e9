package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/stall"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// Worker runs transfer tasks between one source and one target. A Worker is
// stateless between tasks and may run many tasks concurrently.
type Worker struct {
	src    storage.Storage
	dst    storage.Storage
	agg    *aggregator.Aggregator
	opts   Options
	logger *slog.Logger
}

// NewWorker creates a Worker. Failures are recorded to agg, which may be nil.
func NewWorker(src, dst storage.Storage, agg *aggregator.Aggregator, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.PartConcurrency <= 0 {
		opts.PartConcurrency = DefaultPartConcurrency
	}
	return &Worker{
		src:    src,
		dst:    dst,
		agg:    agg,
		opts:   opts,
		logger: logger,
	}
}

// Plan builds the task for d, planning its chunks for the target.
func (w *Worker) Plan(d storage.ObjectDescriptor, direction Direction, reason string) (Task, error) {
	plan, err := PlanChunks(d.Size, w.dst.Limits(), w.opts)
	if err != nil {
		var se *syncerr.Error
		if errors.As(err, &se) {
			se.WithKey(d.Key)
		}
		return Task{}, err
	}
	return Task{
		Descriptor: d,
		Direction:  direction,
		TargetKey:  d.Key,
		Plan:       plan,
		Reason:     reason,
	}, nil
}

// Run transfers one object. A checksum mismatch restarts the whole object up
// to MaxChecksumRetries times. The returned Outcome is Done only after the
// target committed the object and every configured check passed.
func (w *Worker) Run(ctx context.Context, task Task) Outcome {
	start := time.Now()
	out := Outcome{Task: task, State: StatePlanning}
	if task.TargetKey == "" {
		task.TargetKey = task.Descriptor.Key
	}

	if task.Plan.ChunkCount == 0 {
		planned, err := w.Plan(task.Descriptor, task.Direction, task.Reason)
		if err != nil {
			return w.fail(ctx, out, start, err)
		}
		planned.TargetKey = task.TargetKey
		task = planned
	}
	out.Task = task

	if err := ctx.Err(); err != nil {
		return w.fail(ctx, out, start, err)
	}

	var err error
	for attempt := 1; attempt <= w.opts.MaxChecksumRetries+1; attempt++ {
		out.Attempts = attempt
		var n int64
		if task.Plan.Multipart {
			n, err = w.multipart(ctx, task, &out)
		} else {
			n, err = w.single(ctx, task, &out)
		}
		if err == nil {
			out.State = StateDone
			out.BytesTransferred = n
			out.Duration = time.Since(start)
			w.logger.Info(task.Direction.String(),
				"key", task.Descriptor.Key,
				"target", task.TargetKey,
				"size", humanize.IBytes(uint64(n)),
				"parts", task.Plan.ChunkCount,
				"attempts", attempt,
				"reason", task.Reason,
			)
			return out
		}
		if !errors.Is(err, syncerr.ErrChecksumMismatch) || ctx.Err() != nil {
			break
		}
		w.logger.Warn("checksum mismatch, restarting transfer",
			"key", task.Descriptor.Key, "attempt", attempt, "error", err)
	}

	if errors.Is(err, syncerr.ErrChecksumMismatch) && !syncerr.Is(err, syncerr.KindChecksumMismatch) {
		err = syncerr.New(syncerr.KindChecksumMismatch, "verify", err)
	}
	return w.fail(ctx, out, start, err)
}

func (w *Worker) fail(ctx context.Context, out Outcome, start time.Time, err error) Outcome {
	var se *syncerr.Error
	if !errors.As(err, &se) {
		se = syncerr.New(syncerr.KindOf(err), out.Task.Direction.String(), err)
		err = se
	}
	if se.Key == "" {
		se.WithKey(out.Task.Descriptor.Key)
	}

	out.State = StateFailed
	out.Err = err
	out.Kind = syncerr.KindOf(err)
	out.Duration = time.Since(start)
	out.Canceled = ctx.Err() != nil

	if out.Canceled {
		w.logger.Debug("transfer canceled", "key", out.Task.Descriptor.Key)
		return out
	}
	w.logger.Error("transfer failed", "key", out.Task.Descriptor.Key, "kind", string(out.Kind), "error", err)
	if w.agg != nil {
		w.agg.Record(aggregator.NewRecord(out.Task.Descriptor.Key, se.Op, out.Kind, err))
	}
	return out
}

// single sends the object in one request.
func (w *Worker) single(ctx context.Context, task Task, out *Outcome) (int64, error) {
	out.State = StateStreaming
	d := task.Descriptor
	alg := w.opts.Checksum

	data, err := w.readChunk(ctx, d.Key, task.Plan.rangeOf(0, d.Size), d.Size)
	if err != nil {
		return 0, err
	}

	opts := w.putOptions(task, data)
	var (
		computed string
		digests  [][]byte
	)
	if alg.Enabled() {
		raw := checksum.SumBytes(alg, data)
		computed = checksum.Encode(raw)
		digests = [][]byte{raw}
		if err := verifySource(d, alg, computed); err != nil {
			return 0, err
		}
		opts.Metadata = map[string]string{storage.ChecksumMetadataKey(alg): computed}
	}

	res, err := w.put(ctx, task.TargetKey, data, opts)
	if err != nil {
		return 0, err
	}

	out.State = StateVerifying
	if err := verifyReported(alg, res.Checksum, computed, digests); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// multipart sends the object as an ordered list of parts uploaded with
// bounded concurrency. Chunks are hashed in part order while uploads may
// finish in any order; at most twice the part concurrency of chunks are
// held in memory at once. Any failure aborts the upload.
func (w *Worker) multipart(ctx context.Context, task Task, out *Outcome) (int64, error) {
	out.State = StateStreaming
	d := task.Descriptor
	plan := task.Plan
	alg := w.opts.Checksum

	first, err := w.readChunk(ctx, d.Key, plan.rangeOf(0, d.Size), plan.ChunkSize)
	if err != nil {
		return 0, err
	}

	opts := w.putOptions(task, first)
	uploadID, err := w.dst.CreateMultipartUpload(ctx, task.TargetKey, opts)
	if err != nil {
		return 0, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if aerr := w.dst.AbortMultipartUpload(context.WithoutCancel(ctx), task.TargetKey, uploadID); aerr != nil {
			w.logger.Warn("abort multipart upload failed", "key", task.TargetKey, "upload_id", uploadID, "error", aerr)
		}
	}()

	window := make(chan struct{}, chunkWindow(w.opts.PartConcurrency))
	release := func(int) { <-window }

	var hasher *checksum.OrderedHasher
	if alg.Enabled() {
		hasher = checksum.NewOrderedHasher(alg, release)
	}

	parts := make([]storage.CompletedPart, plan.ChunkCount)
	digests := make([][]byte, plan.ChunkCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.PartConcurrency)

	for i := 0; i < plan.ChunkCount; i++ {
		select {
		case window <- struct{}{}:
		case <-gctx.Done():
		}
		if gctx.Err() != nil {
			break
		}

		var head []byte
		if i == 0 {
			head = first
		}
		g.Go(func() error {
			if hasher == nil {
				defer release(i)
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			data := head
			if i > 0 {
				rng := plan.rangeOf(i, d.Size)
				chunk, err := w.readChunk(gctx, d.Key, rng, rng.Length())
				if err != nil {
					return err
				}
				data = chunk
			}

			if hasher != nil {
				digests[i] = checksum.SumBytes(alg, data)
				hasher.Add(i, data)
			}

			part, err := w.uploadPart(gctx, task.TargetKey, uploadID, i+1, data)
			if err != nil {
				return err
			}
			if hasher != nil && part.Checksum != "" {
				if want := checksum.Encode(digests[i]); part.Checksum != want {
					return fmt.Errorf("%w: part %d of %s: target reports %s %s, sent %s",
						syncerr.ErrChecksumMismatch, i+1, task.TargetKey, alg, part.Checksum, want)
				}
			}
			parts[i] = *part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	out.State = StateVerifying
	var computed string
	if hasher != nil {
		computed, err = hasher.Sum(plan.ChunkCount)
		if err != nil {
			return 0, err
		}
		if err := verifySource(d, alg, computed); err != nil {
			return 0, err
		}
	}

	res, err := w.dst.CompleteMultipartUpload(ctx, task.TargetKey, uploadID, parts, opts)
	if err != nil {
		return 0, err
	}
	committed = true

	if err := verifyReported(alg, res.Checksum, computed, digests); err != nil {
		return 0, err
	}
	return d.Size, nil
}

func (w *Worker) putOptions(task Task, head []byte) storage.PutOptions {
	d := task.Descriptor
	alg := w.opts.Checksum
	opts := storage.PutOptions{
		ContentType:       contentType(task.TargetKey, head),
		StorageClass:      w.opts.StorageClass,
		ChecksumAlgorithm: alg,
		LastModified:      d.LastModified,
	}
	if d.HasChecksum(alg) && !checksum.IsComposite(d.ChecksumValue) {
		opts.Metadata = map[string]string{storage.ChecksumMetadataKey(alg): d.ChecksumValue}
	}
	return opts
}

// readChunk reads length bytes of rng from the source. Every attempt gets
// its own request context, canceled by the stall watchdog; stalled attempts
// are retried.
func (w *Worker) readChunk(ctx context.Context, key string, rng storage.ByteRange, length int64) ([]byte, error) {
	buf := make([]byte, length)
	op := fmt.Sprintf("get %s [%d-%d]", key, rng.Start, rng.Start+length-1)
	err := w.retryStalls(ctx, op, func(ctx context.Context, onStall func()) error {
		body, err := w.src.GetObject(ctx, key, rng)
		if err != nil {
			return err
		}
		sr := stall.NewSizedReader(body, length, w.opts.Stall, onStall)
		defer sr.Close()

		_, err = io.ReadFull(sr, buf)
		if serr := sr.Err(); serr != nil {
			return serr
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *Worker) put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (*storage.CommitResult, error) {
	var res *storage.CommitResult
	err := w.retryStalls(ctx, "put "+key, func(ctx context.Context, onStall func()) error {
		body := w.body(data, onStall)
		defer body.Close()

		r, err := w.dst.PutObject(ctx, key, body, int64(len(data)), opts)
		if serr := body.Err(); serr != nil {
			return serr
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (w *Worker) uploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (*storage.CompletedPart, error) {
	var part *storage.CompletedPart
	op := fmt.Sprintf("upload part %d of %s", number, key)
	err := w.retryStalls(ctx, op, func(ctx context.Context, onStall func()) error {
		body := w.body(data, onStall)
		defer body.Close()

		p, err := w.dst.UploadPart(ctx, key, uploadID, number, body, int64(len(data)), w.opts.Checksum)
		if serr := body.Err(); serr != nil {
			return serr
		}
		if err != nil {
			return err
		}
		part = p
		return nil
	})
	return part, err
}

// body wraps data as a replayable request body watched for stalls.
func (w *Worker) body(data []byte, onStall func()) *stall.Reader {
	return stall.NewSizedReader(bytesBody{bytes.NewReader(data)}, int64(len(data)), w.opts.Stall, onStall)
}

type bytesBody struct {
	*bytes.Reader
}

func (bytesBody) Close() error { return nil }

// retryStalls runs fn until it succeeds, fails for a reason other than a
// stalled stream, or has stalled MaxChunkRetries+1 times. The final stall is
// reported as a TransferError wrapping the stall.
func (w *Worker) retryStalls(ctx context.Context, op string, fn func(ctx context.Context, onStall func()) error) error {
	var err error
	for attempt := 1; attempt <= w.opts.MaxChunkRetries+1; attempt++ {
		actx, cancel := context.WithCancel(ctx)
		err = fn(actx, cancel)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, syncerr.ErrStalledStream) || ctx.Err() != nil {
			return err
		}
		w.logger.Warn("stalled stream", "op", op, "attempt", attempt, "error", err)
	}
	return syncerr.New(syncerr.KindTransfer, op, err)
}

// verifySource compares the digest of the transferred bytes with the
// source's own full-object checksum, when it has one.
func verifySource(d storage.ObjectDescriptor, alg checksum.Algorithm, computed string) error {
	if !d.HasChecksum(alg) || checksum.IsComposite(d.ChecksumValue) {
		return nil
	}
	if d.ChecksumValue != computed {
		return fmt.Errorf("%w: %s: source declares %s %s, transferred bytes hash to %s",
			syncerr.ErrChecksumMismatch, d.Key, alg, d.ChecksumValue, computed)
	}
	return nil
}

// verifyReported compares the checksum the target reported on commit with
// what was sent. Composite values are checked against the part digests.
func verifyReported(alg checksum.Algorithm, reported, computed string, digests [][]byte) error {
	if !alg.Enabled() || reported == "" {
		return nil
	}
	want := computed
	if checksum.IsComposite(reported) {
		want = checksum.Composite(alg, digests)
	}
	if reported != want {
		return fmt.Errorf("%w: target reports %s %s, expected %s", syncerr.ErrChecksumMismatch, alg, reported, want)
	}
	return nil
}
