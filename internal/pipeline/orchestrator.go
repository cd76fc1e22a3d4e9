// Package pipeline runs one sync: it lists both endpoints, classifies every
// key, feeds the transfers through a bounded queue to a fixed pool of
// workers, and deletes target-only keys only when nothing went wrong.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/internal/transfer"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
	"github.com/yuya-takeyama/strict-sync/pkg/lister"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const (
	DefaultConcurrency = 32
	DefaultQueueSize   = 1000
)

// FailureMode selects how a run reacts to a failed transfer.
type FailureMode int

const (
	// FailFast cancels all remaining work on the first fatal failure.
	FailFast FailureMode = iota
	// BestEffort runs every task and collects the failures.
	BestEffort
)

func (m FailureMode) String() string {
	if m == BestEffort {
		return "best_effort"
	}
	return "fail_fast"
}

// ParseFailureMode parses "fail_fast" or "best_effort".
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "fail_fast":
		return FailFast, nil
	case "best_effort":
		return BestEffort, nil
	}
	return FailFast, fmt.Errorf("unknown failure mode %q", s)
}

// Config controls a run.
type Config struct {
	Concurrency int
	QueueSize   int
	FailureMode FailureMode
	Delete      bool
	DryRun      bool
	CheckETag   bool
	Direction   transfer.Direction
	Excludes    []string
	Includes    []string
	Transfer    transfer.Options
}

// Orchestrator runs a sync between a source and a target. It is used for a
// single run.
type Orchestrator struct {
	src    storage.Storage
	dst    storage.Storage
	cfg    Config
	agg    *aggregator.Aggregator
	worker *transfer.Worker
	state  *State
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger handed to every component of the run.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithAggregator makes the run record failures into agg.
func WithAggregator(agg *aggregator.Aggregator) Option {
	return func(o *Orchestrator) { o.agg = agg }
}

// New creates an Orchestrator.
func New(src, dst storage.Storage, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	o := &Orchestrator{
		src:    src,
		dst:    dst,
		cfg:    cfg,
		state:  &State{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.agg == nil {
		o.agg = aggregator.New()
	}
	o.worker = transfer.NewWorker(src, dst, o.agg, cfg.Transfer, o.logger)
	return o
}

// Aggregator returns the run's error log.
func (o *Orchestrator) Aggregator() *aggregator.Aggregator {
	return o.agg
}

// Snapshot returns the run's progress. It may be called from any goroutine.
func (o *Orchestrator) Snapshot() Snapshot {
	return o.state.Snapshot()
}

// Report is everything a run did.
type Report struct {
	// Planned holds every result that called for an action, in key order.
	Planned  []differ.Result
	Outcomes []transfer.Outcome
	Deletes  []DeleteOutcome
	State    Snapshot
	DryRun   bool
	// Canceled is set when the run stopped early, by fail-fast or by the
	// caller's context.
	Canceled bool
	// FirstError is the failure that stopped a fail-fast run.
	FirstError error
	Duration   time.Duration
}

// Failed reports whether any transfer or delete failed or the delete stage
// was skipped.
func (r *Report) Failed() bool {
	return r.State.Failed > 0 || r.State.DeleteFailed > 0 || r.State.DeleteSkipped || r.FirstError != nil
}

// errAbort marks the run context's cancellation by fail-fast.
var errAbort = errors.New("run canceled after a fatal failure")

type run struct {
	*Orchestrator
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	report   *Report
	failed   map[string]bool
	deletes  []string
	firstErr error
}

// Run performs the sync. ListError and ConfigError abort the run and are
// returned without a report. Transfer and delete failures are recorded in
// the aggregator and reflected in the report; the returned error is then
// nil unless ctx itself was canceled.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		Orchestrator: o,
		ctx:          runCtx,
		cancel:       cancel,
		report:       &Report{DryRun: o.cfg.DryRun},
		failed:       make(map[string]bool),
	}

	o.logger.Debug("starting sync",
		"source", o.src.Name(),
		"target", o.dst.Name(),
		"concurrency", o.cfg.Concurrency,
		"part_concurrency", o.cfg.Transfer.PartConcurrency,
		"max_buffered_chunks", o.cfg.Transfer.MaxBufferedChunks(o.cfg.Concurrency),
	)
	o.state.setPhase(PhaseListing)
	srcList, dstList, err := o.prime(runCtx)
	if err != nil {
		return nil, err
	}

	o.state.setPhase(PhaseDiffing)
	tasks := make(chan transfer.Task, o.cfg.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(tasks)
		}()
	}

	diffOpts := differ.Options{CheckETag: o.cfg.CheckETag, Checksum: o.cfg.Transfer.Checksum}
	if resolver := transfer.NewResolver(o.src, o.dst, o.cfg.Transfer, o.cfg.CheckETag, o.logger); resolver.Enabled() {
		diffOpts.Resolver = resolver
	}
	diffErr := differ.Diff(runCtx, srcList, dstList, diffOpts, func(res differ.Result) error {
		return r.produce(res, tasks)
	})
	if diffErr != nil {
		cancel(diffErr)
	} else {
		o.state.setPhase(PhaseTransferring)
	}
	close(tasks)
	wg.Wait()

	if err := r.abortErr(ctx, diffErr); err != nil {
		return nil, err
	}

	report := r.report
	report.FirstError = r.firstErr
	report.Canceled = runCtx.Err() != nil

	if o.cfg.Delete && !o.cfg.DryRun {
		if r.deleteGateOpen() {
			o.state.setPhase(PhaseDeleting)
			report.Deletes = r.deleteStage(runCtx)
			report.Canceled = runCtx.Err() != nil
			if report.FirstError == nil {
				report.FirstError = r.firstErr
			}
		} else {
			o.state.update(func(s *Snapshot) { s.DeleteSkipped = true })
			o.logger.Warn("skipping delete stage because the sync is incomplete",
				"fatal_errors", o.agg.FatalCount(),
				"failed_transfers", len(r.failed),
				"canceled", report.Canceled,
				"pending_deletes", len(r.deletes),
			)
		}
	}

	o.state.setPhase(PhaseDone)
	report.State = o.state.Snapshot()
	report.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// prime fetches the first page of both listings concurrently so that
// credential and connectivity problems surface before any transfer starts.
func (o *Orchestrator) prime(ctx context.Context) (*lister.Lister, *lister.Lister, error) {
	opts := []lister.Option{
		lister.WithExcludes(o.cfg.Excludes),
		lister.WithIncludes(o.cfg.Includes),
		lister.WithLogger(o.logger),
	}
	if o.cfg.Transfer.Checksum.Enabled() {
		opts = append(opts, lister.WithChecksums(o.cfg.Transfer.Checksum, o.cfg.Concurrency))
	}
	src := lister.New(o.src, opts...)
	dst := lister.New(o.dst, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Prime(gctx) })
	g.Go(func() error { return dst.Prime(gctx) })
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// abortErr decides whether the listing or producing stopped the run for a
// reason that invalidates it. A producer stopped by cancellation, from
// fail-fast or from the caller, is not one; the run then reports what
// happened up to that point.
func (r *run) abortErr(parent context.Context, diffErr error) error {
	if diffErr == nil || parent.Err() != nil {
		return nil
	}
	if errors.Is(context.Cause(r.ctx), errAbort) {
		return nil
	}
	if syncerr.KindOf(diffErr).AbortsRun() {
		return diffErr
	}
	return syncerr.New(syncerr.KindList, "diff", diffErr)
}

// produce handles one classified key: transfers are queued, blocking while
// the queue is full, and target-only keys are remembered for the delete
// stage.
func (r *run) produce(res differ.Result, tasks chan<- transfer.Task) error {
	r.state.update(func(s *Snapshot) { s.Counts.Add(res) })
	if res.Class == differ.Unchanged {
		return nil
	}

	r.mu.Lock()
	r.report.Planned = append(r.report.Planned, res)
	if res.Class == differ.Deleted {
		r.deletes = append(r.deletes, res.Key)
	}
	r.mu.Unlock()

	if !res.NeedsTransfer() {
		return nil
	}
	if r.cfg.DryRun {
		r.logger.Info("(dryrun) "+r.cfg.Direction.String(), "key", res.Key, "size", res.Source.Size, "reason", string(res.Reason))
		return nil
	}

	task, err := r.worker.Plan(*res.Source, r.cfg.Direction, string(res.Reason))
	if err != nil {
		return err
	}

	r.state.update(func(s *Snapshot) {
		s.Queued++
		if s.Phase == PhaseDiffing {
			s.Phase = PhaseTransferring
		}
	})
	select {
	case tasks <- task:
		return nil
	case <-r.ctx.Done():
		r.state.update(func(s *Snapshot) { s.Queued-- })
		return r.ctx.Err()
	}
}

// work runs tasks until the queue is closed. Once the run is canceled the
// remaining tasks are drained without being started.
func (r *run) work(tasks <-chan transfer.Task) {
	for task := range tasks {
		if r.ctx.Err() != nil {
			r.finish(transfer.Outcome{Task: task, State: transfer.StateFailed, Canceled: true, Err: context.Cause(r.ctx)})
			continue
		}
		r.finish(r.worker.Run(r.ctx, task))
	}
}

func (r *run) finish(out transfer.Outcome) {
	key := out.Task.Descriptor.Key

	r.mu.Lock()
	r.report.Outcomes = append(r.report.Outcomes, out)
	if !out.Succeeded() && !out.Canceled {
		r.failed[key] = true
	}
	r.mu.Unlock()

	r.state.update(func(s *Snapshot) {
		switch {
		case out.Succeeded():
			s.Succeeded++
			s.BytesTransferred += out.BytesTransferred
		case out.Canceled:
			s.Canceled++
		default:
			s.Failed++
		}
	})

	if out.Succeeded() || out.Canceled {
		return
	}
	if out.Kind.AbortsRun() || (r.cfg.FailureMode == FailFast && out.Kind.Fatal()) {
		r.abort(out.Err)
	}
}

// abort cancels the run once, keeping the first failure.
func (r *run) abort(err error) {
	r.mu.Lock()
	first := r.firstErr == nil
	if first {
		r.firstErr = err
	}
	r.mu.Unlock()
	if first {
		r.logger.Error("stopping run after failure", "mode", r.cfg.FailureMode.String(), "error", err)
		r.cancel(fmt.Errorf("%w: %w", errAbort, err))
	}
}

// deleteGateOpen reports whether deleting target-only keys is safe: no
// fatal error was ever recorded, no transfer failed, and the run was not
// canceled.
func (r *run) deleteGateOpen() bool {
	r.mu.Lock()
	failed := len(r.failed)
	r.mu.Unlock()
	return r.agg.FatalCount() == 0 && failed == 0 && r.ctx.Err() == nil
}
