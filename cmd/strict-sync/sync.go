package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/strict-sync/internal/config"
	"github.com/yuya-takeyama/strict-sync/internal/logging"
	"github.com/yuya-takeyama/strict-sync/internal/pipeline"
	"github.com/yuya-takeyama/strict-sync/internal/report"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/internal/transfer"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
	"github.com/yuya-takeyama/strict-sync/pkg/storage/localfs"
	"github.com/yuya-takeyama/strict-sync/pkg/storage/miniostore"
	"github.com/yuya-takeyama/strict-sync/pkg/storage/s3store"
)

// errSyncFailed is returned after the summary has already listed every
// failure.
var errSyncFailed = errors.New("sync failed")

func runSync(cmd *cobra.Command, f *flags, sourceURI, targetURI string) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	pc, err := cfg.Pipeline()
	if err != nil {
		return err
	}

	srcLoc, err := storage.ParseLocation(sourceURI)
	if err != nil {
		return syncerr.New(syncerr.KindConfig, "source", err)
	}
	dstLoc, err := storage.ParseLocation(targetURI)
	if err != nil {
		return syncerr.New(syncerr.KindConfig, "target", err)
	}
	pc.Direction = transfer.DirectionOf(srcLoc.Scheme == storage.SchemeLocal, dstLoc.Scheme == storage.SchemeLocal)

	logger := logging.New(cmd.ErrOrStderr(), f.quiet, f.verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := openStore(ctx, srcLoc, cfg.Source, logger)
	if err != nil {
		return syncerr.New(syncerr.KindList, "open source", err)
	}
	dst, err := openStore(ctx, dstLoc, cfg.Target, logger)
	if err != nil {
		return syncerr.New(syncerr.KindList, "open target", err)
	}

	start := time.Now()
	orch := pipeline.New(src, dst, pc, pipeline.WithLogger(logger))
	rep, runErr := orch.Run(ctx)
	if rep == nil {
		return runErr
	}
	records := orch.Aggregator().GetErrorsAndConsume()

	ep := report.Endpoints{Source: srcLoc, Target: dstLoc}
	if f.planJSONFile != "" {
		if err := report.WriteJSON(f.planJSONFile, report.BuildPlan(rep, ep)); err != nil {
			return fmt.Errorf("failed to write plan JSON: %w", err)
		}
	}
	if f.resultJSONFile != "" && !pc.DryRun {
		if err := report.WriteJSON(f.resultJSONFile, report.BuildResult(rep, records, ep)); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	logging.PrintSummary(cmd.OutOrStdout(), f.quiet, logging.Summary{
		State:    rep.State,
		Errors:   records,
		Duration: time.Since(start),
		DryRun:   pc.DryRun,
	})

	if runErr != nil {
		return runErr
	}
	if len(records) > 0 || rep.Failed() {
		return errSyncFailed
	}
	return nil
}

// loadConfig layers defaults, the config file, STRICT_SYNC_* variables and
// the flags given on the command line.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configFile); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override, err := flagOverrides(cmd, f)
	if err != nil {
		return config.Config{}, syncerr.New(syncerr.KindConfig, "flags", err)
	}
	cfg = cfg.Merge(override)

	// Zero is meaningful for retry counts, so they bypass Merge.
	if cmd.Flags().Changed("max-chunk-retries") {
		cfg.MaxChunkRetries = f.maxChunkRetries
	}
	if cmd.Flags().Changed("max-checksum-retries") {
		cfg.MaxChecksumRetries = f.maxChecksumRetry
	}
	return cfg, nil
}

func flagOverrides(cmd *cobra.Command, f *flags) (config.Config, error) {
	var o config.Config
	changed := cmd.Flags().Changed

	if changed("concurrency") {
		o.Concurrency = f.concurrency
	}
	if changed("queue-size") {
		o.QueueSize = f.queueSize
	}
	o.DryRun = f.dryRun
	o.Delete = f.deleteFlag
	o.CheckETag = f.checkETag
	o.AutoChunksize = f.autoChunksize
	o.StalledStream.Disabled = f.noStallProtect
	o.Excludes = f.excludes
	o.Includes = f.includes

	if changed("check-additional-checksum") {
		o.CheckAdditionalChecksum = f.checksum
	}
	if changed("chunksize") {
		n, err := config.ParseBytes(f.chunkSize)
		if err != nil {
			return o, fmt.Errorf("invalid --chunksize: %w", err)
		}
		o.ChunkSize = n
	}
	if changed("multipart-threshold") {
		n, err := config.ParseBytes(f.multipartThresh)
		if err != nil {
			return o, fmt.Errorf("invalid --multipart-threshold: %w", err)
		}
		o.MultipartThreshold = n
	}
	if changed("stalled-stream-min-throughput") {
		n, err := config.ParseBytes(f.stallMinRate)
		if err != nil {
			return o, fmt.Errorf("invalid --stalled-stream-min-throughput: %w", err)
		}
		if n <= 0 {
			return o, errors.New("invalid --stalled-stream-min-throughput: must be positive")
		}
		o.StalledStream.MinThroughput = n
	}
	if changed("stalled-stream-grace") {
		d, err := time.ParseDuration(f.stallGrace)
		if err != nil {
			return o, fmt.Errorf("invalid --stalled-stream-grace: %w", err)
		}
		o.StalledStream.Grace = d
	}
	if changed("max-part-count") {
		o.MaxPartCount = f.maxPartCount
	}
	if changed("part-concurrency") {
		o.PartConcurrency = f.partConcurrency
	}
	if changed("storage-class") {
		o.StorageClass = f.storageClass
	}
	if changed("failure-mode") {
		o.FailureMode = f.failureMode
	}

	client := storage.ClientConfig{
		Profile:        f.profile,
		Region:         f.region,
		EndpointURL:    f.endpointURL,
		ForcePathStyle: f.forcePathStyle,
		ProxyURL:       f.proxyURL,
	}
	o.Source = client
	o.Target = client
	return o, nil
}

func openStore(ctx context.Context, loc storage.Location, cc storage.ClientConfig, logger *slog.Logger) (storage.Storage, error) {
	switch loc.Scheme {
	case storage.SchemeS3:
		s, err := s3store.New(ctx, loc, cc, s3store.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case storage.SchemeMinIO:
		s, err := miniostore.New(loc, cc, miniostore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := localfs.New(loc.Path, localfs.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
