package logging

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/pipeline"
)

// New creates the logger used for a run. Quiet keeps warnings and errors
// only; verbose adds debug output.
func New(w io.Writer, quiet, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelWarn
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// Summary is what PrintSummary reports at the end of a run.
type Summary struct {
	State    pipeline.Snapshot
	Errors   []aggregator.ErrorRecord
	Duration time.Duration
	DryRun   bool
}

// PrintSummary prints a summary of the sync operation
func PrintSummary(w io.Writer, quiet bool, s Summary) {
	if quiet && len(s.Errors) == 0 {
		return
	}

	c := s.State.Counts
	fmt.Fprintln(w)
	if s.DryRun {
		fmt.Fprintln(w, "=== Summary (dryrun) ===")
	} else {
		fmt.Fprintln(w, "=== Summary ===")
	}
	fmt.Fprintf(w, "Compared: %d objects (%d unchanged, %d new, %d modified, %d target-only)\n",
		c.Total(), c.Unchanged, c.New, c.Modified, c.Deleted)
	fmt.Fprintf(w, "Transferred: %d objects (%s)\n", s.State.Succeeded, humanize.IBytes(uint64(s.State.BytesTransferred)))
	if s.State.Canceled > 0 {
		fmt.Fprintf(w, "Canceled: %d objects\n", s.State.Canceled)
	}
	switch {
	case s.State.DeleteSkipped:
		fmt.Fprintln(w, "Deleted: skipped because of earlier errors")
	default:
		fmt.Fprintf(w, "Deleted: %d objects\n", s.State.Deleted)
	}
	if len(s.Errors) > 0 {
		fmt.Fprintf(w, "Errors: %d\n", len(s.Errors))
		for _, rec := range s.Errors {
			key := rec.Key
			if key == "" {
				key = "-"
			}
			fmt.Fprintf(w, "  %s [%s] %s: %s\n", key, rec.Kind, rec.Op, rec.Message)
		}
	}
	fmt.Fprintf(w, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}
