package differ

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func obj(key string, size int64, mod time.Time) storage.ObjectDescriptor {
	return storage.ObjectDescriptor{Key: key, Size: size, LastModified: mod}
}

func withSum(d storage.ObjectDescriptor, alg checksum.Algorithm, v string) storage.ObjectDescriptor {
	d.ChecksumAlgorithm = alg
	d.ChecksumValue = v
	return d
}

func withETag(d storage.ObjectDescriptor, etag string) storage.ObjectDescriptor {
	d.ETag = etag
	return d
}

func TestClassify(t *testing.T) {
	sha := checksum.SHA256
	tests := []struct {
		name       string
		src, dst   storage.ObjectDescriptor
		opts       Options
		wantClass  Class
		wantReason Reason
	}{
		{
			name:       "same size target newer",
			src:        obj("k", 10, t0),
			dst:        obj("k", 10, t1),
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "same size same mtime",
			src:        obj("k", 10, t0),
			dst:        obj("k", 10, t0),
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "size differs",
			src:        obj("k", 10, t0),
			dst:        obj("k", 11, t1),
			wantClass:  Modified,
			wantReason: ReasonAttrsDiffer,
		},
		{
			name:       "source newer than target",
			src:        obj("k", 10, t1),
			dst:        obj("k", 10, t0),
			wantClass:  Modified,
			wantReason: ReasonAttrsDiffer,
		},
		{
			name:       "etag mismatch",
			src:        withETag(obj("k", 10, t0), "a"),
			dst:        withETag(obj("k", 10, t1), "b"),
			opts:       Options{CheckETag: true},
			wantClass:  Modified,
			wantReason: ReasonETagDiffers,
		},
		{
			name:       "etag match beats older target",
			src:        withETag(obj("k", 10, t1), "a"),
			dst:        withETag(obj("k", 10, t0), "a"),
			opts:       Options{CheckETag: true},
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "etag missing on one side is modified",
			src:        obj("k", 10, t0),
			dst:        withETag(obj("k", 10, t1), "b"),
			opts:       Options{CheckETag: true},
			wantClass:  Modified,
			wantReason: ReasonETagDiffers,
		},
		{
			name:       "etags missing on both sides are modified",
			src:        obj("k", 10, t0),
			dst:        obj("k", 10, t1),
			opts:       Options{CheckETag: true},
			wantClass:  Modified,
			wantReason: ReasonETagDiffers,
		},
		{
			name:       "single part etag against multipart etag is modified",
			src:        withETag(obj("k", 10, t0), "5eb63bbbe01eeed093cb22bb8f5acdc3"),
			dst:        withETag(obj("k", 10, t1), "9b2cf535f27731c974343645a3985328-2"),
			opts:       Options{CheckETag: true},
			wantClass:  Modified,
			wantReason: ReasonETagDiffers,
		},
		{
			name:       "unknown etags never match",
			src:        withETag(obj("k", 10, t0), checksum.Unknown),
			dst:        withETag(obj("k", 10, t1), checksum.Unknown),
			opts:       Options{CheckETag: true},
			wantClass:  Modified,
			wantReason: ReasonETagDiffers,
		},
		{
			name:       "checksum mismatch overrides equal attributes",
			src:        withSum(obj("k", 10, t0), sha, "x"),
			dst:        withSum(obj("k", 10, t1), sha, "y"),
			opts:       Options{Checksum: sha},
			wantClass:  Modified,
			wantReason: ReasonChecksumDiffers,
		},
		{
			name:       "checksum match with older target",
			src:        withSum(obj("k", 10, t1), sha, "x"),
			dst:        withSum(obj("k", 10, t0), sha, "x"),
			opts:       Options{Checksum: sha},
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "checksum of another algorithm is not trusted",
			src:        withSum(obj("k", 10, t0), checksum.CRC32, "x"),
			dst:        withSum(obj("k", 10, t1), checksum.CRC32, "y"),
			opts:       Options{Checksum: sha},
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "composite against full object is inconclusive",
			src:        withSum(obj("k", 10, t0), sha, "full"),
			dst:        withSum(obj("k", 10, t1), sha, "comp-3"),
			opts:       Options{Checksum: sha},
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
		{
			name:       "checksum unknown in the target layout is a mismatch",
			src:        withSum(obj("k", 10, t0), sha, checksum.Unknown),
			dst:        withSum(obj("k", 10, t1), sha, "comp-3"),
			opts:       Options{Checksum: sha},
			wantClass:  Modified,
			wantReason: ReasonChecksumDiffers,
		},
		{
			name:       "composites with equal part counts are compared",
			src:        withSum(obj("k", 10, t0), sha, "aaa-3"),
			dst:        withSum(obj("k", 10, t1), sha, "bbb-3"),
			opts:       Options{Checksum: sha},
			wantClass:  Modified,
			wantReason: ReasonChecksumDiffers,
		},
		{
			name:       "missing target checksum falls back",
			src:        withSum(obj("k", 10, t1), sha, "x"),
			dst:        obj("k", 10, t0),
			opts:       Options{Checksum: sha},
			wantClass:  Modified,
			wantReason: ReasonAttrsDiffer,
		},
		{
			name:       "checksum preferred over etag",
			src:        withETag(withSum(obj("k", 10, t0), sha, "x"), "e1"),
			dst:        withETag(withSum(obj("k", 10, t1), sha, "x"), "e2"),
			opts:       Options{Checksum: sha, CheckETag: true},
			wantClass:  Unchanged,
			wantReason: ReasonIdentical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, reason := Classify(tt.src, tt.dst, tt.opts)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func classes(results []Result) map[Class][]string {
	out := make(map[Class][]string)
	for _, r := range results {
		out[r.Class] = append(out[r.Class], r.Key)
	}
	return out
}

func TestScenarioA(t *testing.T) {
	src := []storage.ObjectDescriptor{obj("a", 10, t0), obj("b", 20, t0), obj("c", 30, t0)}
	dst := []storage.ObjectDescriptor{obj("a", 10, t1), obj("c", 30, t1), obj("d", 5, t1)}

	results, err := Compare(src, dst, Options{})
	require.NoError(t, err)

	assert.Equal(t, map[Class][]string{
		New:       {"b"},
		Unchanged: {"a", "c"},
		Deleted:   {"d"},
	}, classes(results))

	var keys []string
	for _, r := range results {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys, "output follows key order")

	b := results[1]
	require.NotNil(t, b.Source)
	assert.Nil(t, b.Target)
	assert.True(t, b.NeedsTransfer())
	assert.Equal(t, ReasonNotInSource, results[3].Reason)
}

func randomListing(r *rand.Rand, n int) []storage.ObjectDescriptor {
	seen := make(map[string]bool)
	var out []storage.ObjectDescriptor
	for len(out) < n {
		k := fmt.Sprintf("k%03d", r.Intn(n*3))
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, obj(k, int64(r.Intn(3)), t0.Add(time.Duration(r.Intn(3))*time.Hour)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func TestDiffIsTotal(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		src := randomListing(r, r.Intn(30))
		dst := randomListing(r, r.Intn(30))

		results, err := Compare(src, dst, Options{})
		require.NoError(t, err)

		union := make(map[string]bool)
		for _, d := range src {
			union[d.Key] = true
		}
		for _, d := range dst {
			union[d.Key] = true
		}

		seen := make(map[string]int)
		for _, res := range results {
			seen[res.Key]++
		}
		require.Len(t, seen, len(union))
		for k := range union {
			require.Equal(t, 1, seen[k], "key %s classified %d times", k, seen[k])
		}

		again, err := Compare(src, dst, Options{})
		require.NoError(t, err)
		require.Equal(t, results, again, "classification is deterministic")
	}
}

func TestDiffRejectsUnsortedInput(t *testing.T) {
	src := []storage.ObjectDescriptor{obj("b", 1, t0), obj("a", 1, t0)}
	_, err := Compare(src, nil, Options{})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindList))
}

type failingIterator struct{ err error }

func (f failingIterator) Next(context.Context) (storage.ObjectDescriptor, error) {
	return storage.ObjectDescriptor{}, f.err
}

func TestDiffPropagatesIteratorAndEmitErrors(t *testing.T) {
	boom := errors.New("boom")
	err := Diff(context.Background(), failingIterator{boom}, NewSliceIterator(nil), Options{}, func(Result) error { return nil })
	assert.ErrorIs(t, err, boom)

	stop := errors.New("stop")
	calls := 0
	err = Diff(context.Background(),
		NewSliceIterator([]storage.ObjectDescriptor{obj("a", 1, t0), obj("b", 1, t0)}),
		NewSliceIterator(nil), Options{},
		func(Result) error {
			calls++
			return stop
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCounts(t *testing.T) {
	var c Counts
	for _, cl := range []Class{New, New, Modified, Unchanged, Deleted} {
		c.Add(Result{Class: cl})
	}
	assert.Equal(t, Counts{Unchanged: 1, New: 2, Modified: 1, Deleted: 1}, c)
	assert.Equal(t, 5, c.Total())
}

type etagResolver struct {
	etags map[string]string
	calls []string
	err   error
}

func (r *etagResolver) Resolve(_ context.Context, src, dst storage.ObjectDescriptor) (storage.ObjectDescriptor, storage.ObjectDescriptor, error) {
	r.calls = append(r.calls, src.Key)
	if r.err != nil {
		return src, dst, r.err
	}
	if etag, ok := r.etags[src.Key]; ok {
		src.ETag = etag
	}
	return src, dst, nil
}

func TestDiffConsultsResolver(t *testing.T) {
	src := []storage.ObjectDescriptor{obj("a", 10, t0), obj("b", 10, t0), obj("c", 5, t0), obj("n", 1, t0)}
	dst := []storage.ObjectDescriptor{
		withETag(obj("a", 10, t1), "e-2"),
		withETag(obj("b", 10, t1), "f-2"),
		withETag(obj("c", 6, t1), "g"),
	}
	r := &etagResolver{etags: map[string]string{"a": "e-2", "b": "x-2"}}

	results, err := Compare(src, dst, Options{CheckETag: true, Resolver: r})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.calls, "only keys of equal size are resolved")
	assert.Equal(t, map[Class][]string{
		Unchanged: {"a"},
		Modified:  {"b", "c"},
		New:       {"n"},
	}, classes(results))
	assert.Empty(t, results[0].Source.ETag, "results carry the listed descriptors")
	assert.Equal(t, ReasonETagDiffers, results[1].Reason)
}

func TestDiffStopsOnResolverError(t *testing.T) {
	r := &etagResolver{err: context.Canceled}
	_, err := Compare(
		[]storage.ObjectDescriptor{obj("a", 1, t0)},
		[]storage.ObjectDescriptor{obj("a", 1, t0)},
		Options{Resolver: r},
	)
	assert.ErrorIs(t, err, context.Canceled)
}
