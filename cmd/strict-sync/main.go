package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitSyncFailed   = 1
	ExitInvalidSetup = 2
)

type flags struct {
	configFile string

	dryRun         bool
	deleteFlag     bool
	excludes       []string
	includes       []string
	quiet          bool
	verbose        bool
	concurrency    int
	queueSize      int
	profile        string
	region         string
	endpointURL    string
	forcePathStyle bool
	proxyURL       string
	planJSONFile   string
	resultJSONFile string

	checkETag        bool
	checksum         string
	autoChunksize    bool
	chunkSize        string
	multipartThresh  string
	maxPartCount     int
	partConcurrency  int
	noStallProtect   bool
	stallMinRate     string
	stallGrace       string
	maxChunkRetries  int
	maxChecksumRetry int
	storageClass     string
	failureMode      string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return exitCode(err)
	}
	return ExitSuccess
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "strict-sync <Source> <Target>",
		Short: "Strict object synchronization with end-to-end checksum verification",
		Long: `strict-sync mirrors a source tree to a target tree. Either side may be a
local directory, an S3 URI (s3://bucket/prefix) or a MinIO URI
(minio://host[:port]/bucket/prefix). Transfers are verified with additional
checksums and protected against stalled streams.`,
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return syncerr.New(syncerr.KindConfig, "args", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, &f, args[0], args[1])
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return syncerr.New(syncerr.KindConfig, "flags", err)
	})
	addFlags(rootCmd, &f)
	return rootCmd
}

func addFlags(cmd *cobra.Command, f *flags) {
	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	fl.BoolVar(&f.dryRun, "dryrun", false, "Shows operations without executing")
	fl.BoolVar(&f.deleteFlag, "delete", false, "Delete dest files not in source")
	fl.StringSliceVar(&f.excludes, "exclude", nil, "Exclude patterns (multiple allowed)")
	fl.StringSliceVar(&f.includes, "include", nil, "Include patterns (multiple allowed)")
	fl.BoolVar(&f.quiet, "quiet", false, "Suppress non-error output")
	fl.BoolVar(&f.verbose, "verbose", false, "Show debug output")
	fl.IntVar(&f.concurrency, "concurrency", 32, "Number of concurrent operations")
	fl.IntVar(&f.queueSize, "queue-size", 1000, "Maximum number of queued transfers")
	fl.StringVar(&f.profile, "profile", "", "AWS profile to use")
	fl.StringVar(&f.region, "region", "", "AWS region (uses default if not specified)")
	fl.StringVar(&f.endpointURL, "endpoint-url", "", "Custom S3 endpoint URL")
	fl.BoolVar(&f.forcePathStyle, "force-path-style", false, "Use path-style S3 addressing")
	fl.StringVar(&f.proxyURL, "proxy-url", "", "HTTP(S) proxy for S3 and MinIO requests, may include user:password")
	fl.StringVar(&f.planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	fl.StringVar(&f.resultJSONFile, "result-json-file", "", "Path to output result as JSON file")

	fl.BoolVar(&f.checkETag, "check-etag", false, "Treat differing ETags as modified")
	fl.StringVar(&f.checksum, "check-additional-checksum", "", "Additional checksum algorithm (SHA256, SHA1, CRC32, CRC32C, CRC64NVME)")
	fl.BoolVar(&f.autoChunksize, "auto-chunksize", false, "Derive the chunk size from the object size")
	fl.StringVar(&f.chunkSize, "chunksize", "8MiB", "Multipart chunk size")
	fl.StringVar(&f.multipartThresh, "multipart-threshold", "8MiB", "Objects at least this large use multipart transfers")
	fl.IntVar(&f.maxPartCount, "max-part-count", 10000, "Maximum number of parts per object")
	fl.IntVar(&f.partConcurrency, "part-concurrency", 4, "Concurrent parts per object")
	fl.BoolVar(&f.noStallProtect, "disable-stalled-stream-protection", false, "Disable stalled stream protection")
	fl.StringVar(&f.stallMinRate, "stalled-stream-min-throughput", "1B", "Minimum throughput per second before a stream counts as stalled")
	fl.StringVar(&f.stallGrace, "stalled-stream-grace", "20s", "How long a stream may stay below the minimum throughput")
	fl.IntVar(&f.maxChunkRetries, "max-chunk-retries", 3, "Retries of a chunk after a stalled stream")
	fl.IntVar(&f.maxChecksumRetry, "max-checksum-retries", 2, "Retries of an object after a checksum mismatch")
	fl.StringVar(&f.storageClass, "storage-class", "", "Storage class of written objects")
	fl.StringVar(&f.failureMode, "failure-mode", "fail_fast", "fail_fast or best_effort")
}

// exitCode maps a command error to the process exit status: setup problems
// that stop a run before any transfer are 2, everything else is 1.
func exitCode(err error) int {
	if !errors.Is(err, errSyncFailed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	var se *syncerr.Error
	if errors.As(err, &se) && se.Kind.AbortsRun() {
		return ExitInvalidSetup
	}
	return ExitSyncFailed
}
