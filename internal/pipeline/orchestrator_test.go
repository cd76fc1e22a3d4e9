package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/stall"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/internal/testutil"
	"github.com/yuya-takeyama/strict-sync/internal/transfer"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

var (
	srcTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	dstTime = srcTime.Add(time.Minute)
)

func testConfig(mode FailureMode) Config {
	opts := transfer.DefaultOptions()
	opts.Stall = stall.Config{Enabled: true, MinThroughput: 1, Grace: 50 * time.Millisecond}
	return Config{
		Concurrency: 4,
		QueueSize:   2,
		FailureMode: mode,
		Delete:      true,
		Transfer:    opts,
	}
}

func sized(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

// scenarioA seeds source {a:10, b:20, c:30} and target {a:10, c:30, d:5}.
func scenarioA(dst *testutil.MemStore) *testutil.MemStore {
	src := testutil.NewMemStore("src")
	src.Seed("a", sized(10), srcTime)
	src.Seed("b", sized(20), srcTime)
	src.Seed("c", sized(30), srcTime)

	dst.Seed("a", sized(10), dstTime)
	dst.Seed("c", sized(30), dstTime)
	dst.Seed("d", sized(5), dstTime)
	return src
}

func classes(results []differ.Result) map[string]differ.Class {
	m := make(map[string]differ.Class, len(results))
	for _, r := range results {
		m[r.Key] = r.Class
	}
	return m
}

func TestScenarioA(t *testing.T) {
	for _, mode := range []FailureMode{FailFast, BestEffort} {
		t.Run(mode.String(), func(t *testing.T) {
			dst := testutil.NewMemStore("dst")
			src := scenarioA(dst)

			o := New(src, dst, testConfig(mode))
			report, err := o.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, differ.Counts{Unchanged: 2, New: 1, Deleted: 1}, report.State.Counts)
			assert.Equal(t, map[string]differ.Class{"b": differ.New, "d": differ.Deleted}, classes(report.Planned))
			assert.Equal(t, 1, report.State.Succeeded)
			assert.Equal(t, 1, report.State.Deleted)
			assert.False(t, report.State.DeleteSkipped)
			assert.False(t, report.Failed())
			assert.Equal(t, PhaseDone, o.Snapshot().Phase)

			assert.Equal(t, []string{"a", "b", "c"}, dst.Keys())
			assert.Equal(t, []string{"d"}, dst.Deleted())
			assert.Empty(t, o.Aggregator().GetErrorsAndConsume())
		})
	}
}

func TestScenarioAFailedTransferSkipsDeletes(t *testing.T) {
	for _, mode := range []FailureMode{FailFast, BestEffort} {
		t.Run(mode.String(), func(t *testing.T) {
			dst := testutil.NewMemStore("dst")
			src := scenarioA(dst)
			dst.OnPut = func(key string) error {
				if key == "b" {
					return errors.New("SlowDown: please reduce your request rate")
				}
				return nil
			}

			o := New(src, dst, testConfig(mode))
			report, err := o.Run(context.Background())
			require.NoError(t, err)

			assert.True(t, report.State.DeleteSkipped)
			assert.True(t, report.Failed())
			assert.Equal(t, 1, report.State.Failed)
			assert.Empty(t, report.Deletes)
			assert.Empty(t, dst.Deleted())
			assert.Contains(t, dst.Keys(), "d")

			records := o.Aggregator().GetErrorsAndConsume()
			require.Len(t, records, 1)
			assert.Equal(t, "b", records[0].Key)
			assert.Equal(t, syncerr.KindTransfer, records[0].Kind)
		})
	}
}

func TestDeleteGateIgnoresEarlyDrain(t *testing.T) {
	dst := testutil.NewMemStore("dst")
	src := scenarioA(dst)
	agg := aggregator.New()
	dst.OnPut = func(key string) error {
		// Drain the log as soon as the failure is recorded elsewhere.
		go agg.GetErrorsAndConsume()
		return errors.New("boom")
	}

	report, err := New(src, dst, testConfig(BestEffort), WithAggregator(agg)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.State.DeleteSkipped)
	assert.Empty(t, dst.Deleted())
	assert.Equal(t, int64(1), agg.FatalCount())
}

func TestSecondRunIsIdempotent(t *testing.T) {
	dst := testutil.NewMemStore("dst")
	src := scenarioA(dst)

	first, err := New(src, dst, testConfig(FailFast)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.State.Queued)

	second, err := New(src, dst, testConfig(FailFast)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.State.Queued)
	assert.Empty(t, second.Planned)
	assert.Equal(t, differ.Counts{Unchanged: 3}, second.State.Counts)
	assert.Equal(t, 1, dst.TotalPuts())
}

func TestSecondRunIsIdempotentWithChecksums(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	for i := 0; i < 5; i++ {
		src.Seed(fmt.Sprintf("k%d", i), sized(10+i), srcTime)
	}

	cfg := testConfig(FailFast)
	cfg.Transfer.Checksum = checksum.SHA256

	_, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)

	second, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.State.Queued)
	assert.Equal(t, 5, second.State.Counts.Unchanged)
}

func TestSecondRunIsIdempotentWithETagsOverMultipart(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	src.Seed("big", sized(100), srcTime)
	src.SeedMultipart("parts", sized(90), srcTime, []int64{40, 40, 10}, checksum.None)
	src.Seed("small", sized(5), srcTime)

	cfg := testConfig(FailFast)
	cfg.CheckETag = true
	cfg.Transfer.ChunkSize = 32
	cfg.Transfer.MultipartThreshold = 32

	first, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, first.State.Succeeded)

	second, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.State.Queued)
	assert.Equal(t, differ.Counts{Unchanged: 3}, second.State.Counts)
	assert.Equal(t, 3, dst.TotalPuts())
}

func TestSecondRunIsIdempotentWithCompositeChecksums(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	src.SeedChecksum("big", sized(100), srcTime, checksum.CRC32C)
	src.SeedMultipart("parts", sized(90), srcTime, []int64{40, 40, 10}, checksum.CRC32C)

	cfg := testConfig(FailFast)
	cfg.Transfer.Checksum = checksum.CRC32C
	cfg.Transfer.ChunkSize = 32
	cfg.Transfer.MultipartThreshold = 32

	_, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)

	second, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.State.Queued)
	assert.Equal(t, differ.Counts{Unchanged: 2}, second.State.Counts)
}

func TestPhaseIsTransferringOnceFirstTaskIsQueued(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	src.SetPageSize(1)
	src.Seed("a", sized(4), srcTime)
	src.Seed("b", sized(4), srcTime)

	var o *Orchestrator
	firstPut := make(chan Phase, 1)
	dst.OnPut = func(key string) error {
		if key == "a" {
			firstPut <- o.Snapshot().Phase
		}
		return nil
	}
	// The second source page is held back until the first transfer has
	// started, so the listing is still being diffed at that point.
	var seen Phase
	src.OnList = func(page int) error {
		if page != 1 {
			return nil
		}
		select {
		case seen = <-firstPut:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("first transfer never started")
		}
	}

	o = New(src, dst, testConfig(FailFast))
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseTransferring, seen)
	assert.Equal(t, 2, report.State.Succeeded)
	assert.Equal(t, PhaseDone, report.State.Phase)
}

func TestChecksumModeDetectsSameSizeChanges(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	src.SeedChecksum("k", []byte("new content"), srcTime, checksum.CRC32C)
	dst.SeedChecksum("k", []byte("old content"), dstTime, checksum.CRC32C)

	cfg := testConfig(FailFast)
	report, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.State.Counts.Unchanged)

	cfg.Transfer.Checksum = checksum.CRC32C
	report, err = New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Planned, 1)
	assert.Equal(t, differ.ReasonChecksumDiffers, report.Planned[0].Reason)
	got, _ := dst.Data("k")
	assert.Equal(t, "new content", string(got))
}

func seedMany(n int) (*testutil.MemStore, *testutil.MemStore) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	for i := 0; i < n; i++ {
		src.Seed(fmt.Sprintf("k%02d", i), sized(8), srcTime)
	}
	return src, dst
}

func TestFailFastCancelsRemainingWork(t *testing.T) {
	src, dst := seedMany(20)
	dst.OnPut = func(key string) error {
		if key == "k03" {
			return errors.New("AccessDenied")
		}
		return nil
	}

	cfg := testConfig(FailFast)
	cfg.Concurrency = 1
	o := New(src, dst, cfg)
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Canceled)
	require.Error(t, report.FirstError)
	assert.Contains(t, report.FirstError.Error(), "AccessDenied")

	s := report.State
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, s.Queued, s.Succeeded+s.Failed+s.Canceled)
	assert.Less(t, s.Queued, 20)

	assert.Equal(t, []string{"k00", "k01", "k02"}, dst.Keys())
	assert.Equal(t, int64(1), o.Aggregator().TotalCount())
}

func TestBestEffortRunsEveryTask(t *testing.T) {
	src, dst := seedMany(20)
	dst.OnPut = func(key string) error {
		if key == "k03" || key == "k11" {
			return errors.New("InternalError")
		}
		return nil
	}

	o := New(src, dst, testConfig(BestEffort))
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Canceled)
	assert.NoError(t, report.FirstError)
	assert.Equal(t, 18, report.State.Succeeded)
	assert.Equal(t, 2, report.State.Failed)
	assert.Len(t, report.Outcomes, 20)
	assert.Len(t, dst.Keys(), 18)

	keys := map[string]bool{}
	for _, r := range o.Aggregator().GetErrorsAndConsume() {
		keys[r.Key] = true
	}
	assert.Equal(t, map[string]bool{"k03": true, "k11": true}, keys)
}

func TestListErrorAbortsRun(t *testing.T) {
	tests := []struct {
		name string
		page int
	}{
		{name: "first page", page: 0},
		{name: "later page", page: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := seedMany(10)
			src.SetPageSize(2)
			src.OnList = func(page int) error {
				if page == tt.page {
					return errors.New("ExpiredToken")
				}
				return nil
			}
			dst.Seed("zz", sized(1), dstTime)

			report, err := New(src, dst, testConfig(BestEffort)).Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, report)
			assert.True(t, syncerr.Is(err, syncerr.KindList), "got %v", err)
			assert.Empty(t, dst.Deleted())
			if tt.page == 0 {
				assert.Equal(t, 0, dst.TotalPuts())
			}
		})
	}
}

func TestPlanningConfigErrorAbortsRun(t *testing.T) {
	src, dst := seedMany(3)
	src.Seed("huge", sized(500), srcTime)
	dst.SetLimits(storage.Limits{MinPartSize: 1, MaxPartSize: 1 << 20, MaxPartCount: 2})

	cfg := testConfig(BestEffort)
	cfg.Transfer.ChunkSize = 64
	cfg.Transfer.MultipartThreshold = 64

	report, err := New(src, dst, cfg).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "got %v", err)
}

func TestDryRunChangesNothing(t *testing.T) {
	dst := testutil.NewMemStore("dst")
	src := scenarioA(dst)

	cfg := testConfig(FailFast)
	cfg.DryRun = true
	report, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, map[string]differ.Class{"b": differ.New, "d": differ.Deleted}, classes(report.Planned))
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, 0, dst.TotalPuts())
	assert.Empty(t, dst.Deleted())
}

func TestDeleteDisabledKeepsTargetOnlyKeys(t *testing.T) {
	dst := testutil.NewMemStore("dst")
	src := scenarioA(dst)

	cfg := testConfig(FailFast)
	cfg.Delete = false
	report, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.State.DeleteSkipped)
	assert.Empty(t, dst.Deleted())
	assert.Contains(t, dst.Keys(), "d")
}

func TestBatchDeleteRecordsPerKeyFailures(t *testing.T) {
	mem := testutil.NewMemStore("dst")
	dst := &testutil.BatchMemStore{MemStore: mem}
	src := testutil.NewMemStore("src")
	for _, k := range []string{"x1", "x2", "x3"} {
		mem.Seed(k, sized(1), dstTime)
	}
	mem.OnDelete = func(key string) error {
		if key == "x2" {
			return errors.New("AccessDenied")
		}
		return nil
	}

	o := New(src, dst, testConfig(BestEffort))
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, dst.Batches, 1)
	assert.Equal(t, []string{"x1", "x2", "x3"}, dst.Batches[0])
	assert.Equal(t, []string{"x2"}, mem.Keys())
	assert.Equal(t, 2, report.State.Deleted)
	assert.Equal(t, 1, report.State.DeleteFailed)
	assert.True(t, report.Failed())

	records := o.Aggregator().GetErrorsAndConsume()
	require.Len(t, records, 1)
	assert.Equal(t, "x2", records[0].Key)
	assert.Equal(t, syncerr.KindDelete, records[0].Kind)
	assert.False(t, records[0].Kind.Fatal())
}

func TestFailFastDeleteStopsRemainingDeletes(t *testing.T) {
	src := testutil.NewMemStore("src")
	dst := testutil.NewMemStore("dst")
	for i := 0; i < 10; i++ {
		dst.Seed(fmt.Sprintf("old%d", i), sized(1), dstTime)
	}
	dst.OnDelete = func(key string) error {
		if key == "old0" {
			return errors.New("AccessDenied")
		}
		return nil
	}

	cfg := testConfig(FailFast)
	cfg.Concurrency = 1
	report, err := New(src, dst, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.State.DeleteFailed)
	assert.Equal(t, 0, report.State.Deleted)
	assert.Len(t, dst.Keys(), 10)
	assert.True(t, report.Canceled)
	assert.True(t, syncerr.Is(report.FirstError, syncerr.KindDelete))
}

func TestCallerCancellation(t *testing.T) {
	src, dst := seedMany(10)
	ctx, cancel := context.WithCancel(context.Background())
	dst.OnPut = func(key string) error {
		if key == "k02" {
			cancel()
		}
		return nil
	}

	cfg := testConfig(BestEffort)
	cfg.Concurrency = 1
	report, err := New(src, dst, cfg).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Canceled)
	assert.True(t, report.State.DeleteSkipped || !cfg.Delete)
	assert.Empty(t, dst.Deleted())
}

func TestSnapshotIsSafeDuringRun(t *testing.T) {
	src, dst := seedMany(30)
	o := New(src, dst, testConfig(BestEffort))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s := o.Snapshot()
				assert.LessOrEqual(t, s.Succeeded+s.Failed+s.Canceled, s.Queued)
			}
		}
	}()

	report, err := o.Run(context.Background())
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, 30, report.State.Succeeded)
}

func TestParseFailureMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureMode
		wantErr bool
	}{
		{in: "", want: FailFast},
		{in: "fail_fast", want: FailFast},
		{in: "best-effort", want: BestEffort},
		{in: "BEST_EFFORT", want: BestEffort},
		{in: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailureMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
