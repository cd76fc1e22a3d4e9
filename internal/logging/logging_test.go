package logging

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/pipeline"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name           string
		quiet, verbose bool
		want           []string
		notWant        []string
	}{
		{name: "default", want: []string{"info msg", "warn msg"}, notWant: []string{"debug msg"}},
		{name: "quiet", quiet: true, want: []string{"warn msg"}, notWant: []string{"info msg", "debug msg"}},
		{name: "verbose", verbose: true, want: []string{"debug msg", "info msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.quiet, tt.verbose)
			logger.Debug("debug msg")
			logger.Info("info msg", "key", "a.txt")
			logger.Warn("warn msg")

			out := buf.String()
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, out, s)
			}
			assert.NotContains(t, out, "time=")
		})
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, false, Summary{
		State: pipeline.Snapshot{
			Counts:           differ.Counts{Unchanged: 2, New: 1, Modified: 1, Deleted: 1},
			Succeeded:        1,
			Failed:           1,
			BytesTransferred: 3 * 1024 * 1024,
			DeleteSkipped:    true,
		},
		Errors: []aggregator.ErrorRecord{
			aggregator.NewRecord("b.txt", "verify", syncerr.KindChecksumMismatch, errors.New("crc32c mismatch")),
		},
		Duration: 1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "=== Summary ===")
	assert.Contains(t, out, "Compared: 5 objects")
	assert.Contains(t, out, "Transferred: 1 objects (3.0 MiB)")
	assert.Contains(t, out, "Deleted: skipped")
	assert.Contains(t, out, "Errors: 1")
	assert.Contains(t, out, "b.txt [ChecksumMismatch] verify: crc32c mismatch")
	assert.Contains(t, out, "Duration: 1.5s")
}

func TestPrintSummaryQuiet(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, true, Summary{State: pipeline.Snapshot{Succeeded: 3}})
	assert.Empty(t, buf.String())

	PrintSummary(&buf, true, Summary{
		Errors: []aggregator.ErrorRecord{aggregator.NewRecord("", "list", syncerr.KindList, errors.New("denied"))},
	})
	assert.Contains(t, buf.String(), "- [ListError] list: denied")
}
