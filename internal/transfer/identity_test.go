package transfer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/testutil"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// plainStore hides the part list of the wrapped store.
type plainStore struct {
	storage.Storage
}

// unreadableStore fails every read.
type unreadableStore struct {
	storage.Storage
}

func (unreadableStore) GetObject(context.Context, string, storage.ByteRange) (io.ReadCloser, error) {
	return nil, errors.New("connection refused")
}

func resolveAndClassify(t *testing.T, src, dst storage.Storage, opts Options, checkETag bool, sd, dd storage.ObjectDescriptor) (differ.Class, differ.Reason) {
	t.Helper()
	r := NewResolver(src, dst, opts, checkETag, nil)
	cs, ct, err := r.Resolve(context.Background(), sd, dd)
	require.NoError(t, err)
	return differ.Classify(cs, ct, differ.Options{CheckETag: checkETag, Checksum: opts.Checksum})
}

func TestResolveETags(t *testing.T) {
	same := []byte("hello world")
	changed := []byte("HELLO WORLD")

	tests := []struct {
		name         string
		seedSrc      func(m *testutil.MemStore)
		seedDst      func(m *testutil.MemStore)
		dropSrcETag  bool
		dropDstETag  bool
		want         differ.Class
		wantSrcReads int
	}{
		{
			name:         "source without etag",
			seedSrc:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			seedDst:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			dropSrcETag:  true,
			want:         differ.Unchanged,
			wantSrcReads: 1,
		},
		{
			name:         "source without etag and changed content",
			seedSrc:      func(m *testutil.MemStore) { m.Seed("k", changed, modified) },
			seedDst:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			dropSrcETag:  true,
			want:         differ.Modified,
			wantSrcReads: 1,
		},
		{
			name:        "target without etag against multipart source",
			seedSrc:     func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{4, 4, 3}, checksum.None) },
			seedDst:     func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			dropDstETag: true,
			want:        differ.Unchanged,
		},
		{
			name:         "single part source against multipart target",
			seedSrc:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			seedDst:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{5, 6}, checksum.None) },
			want:         differ.Unchanged,
			wantSrcReads: 1,
		},
		{
			name:         "different part counts",
			seedSrc:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{4, 4, 3}, checksum.None) },
			seedDst:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{6, 5}, checksum.None) },
			want:         differ.Unchanged,
			wantSrcReads: 1,
		},
		{
			name:         "equal part counts with different part sizes",
			seedSrc:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{4, 7}, checksum.None) },
			seedDst:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{6, 5}, checksum.None) },
			want:         differ.Unchanged,
			wantSrcReads: 1,
		},
		{
			name:         "multipart target with changed content",
			seedSrc:      func(m *testutil.MemStore) { m.Seed("k", changed, modified) },
			seedDst:      func(m *testutil.MemStore) { m.SeedMultipart("k", same, modified, []int64{5, 6}, checksum.None) },
			want:         differ.Modified,
			wantSrcReads: 1,
		},
		{
			name:    "single part etags differ",
			seedSrc: func(m *testutil.MemStore) { m.Seed("k", changed, modified) },
			seedDst: func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			want:    differ.Modified,
		},
		{
			name:         "no etags on either side",
			seedSrc:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			seedDst:      func(m *testutil.MemStore) { m.Seed("k", same, modified) },
			dropSrcETag:  true,
			dropDstETag:  true,
			want:         differ.Unchanged,
			wantSrcReads: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMemStore("src")
			dst := testutil.NewMemStore("dst")
			tt.seedSrc(src)
			tt.seedDst(dst)

			sd := describe(t, src, "k", checksum.None)
			dd := describe(t, dst, "k", checksum.None)
			if tt.dropSrcETag {
				sd.ETag = ""
			}
			if tt.dropDstETag {
				dd.ETag = ""
			}

			class, _ := resolveAndClassify(t, src, dst, testOptions(), true, sd, dd)
			assert.Equal(t, tt.want, class)
			assert.Equal(t, tt.wantSrcReads, src.Gets("k"))
		})
	}
}

func TestResolveETagsFromChunkPlan(t *testing.T) {
	data := payload(100)

	tests := []struct {
		name      string
		chunkSize int64
		want      differ.Class
		wantReads int
	}{
		{name: "plan matches part count", chunkSize: 32, want: differ.Unchanged, wantReads: 1},
		{name: "plan does not match part count", chunkSize: 50, want: differ.Modified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMemStore("src")
			src.Seed("k", data, modified)
			mem := testutil.NewMemStore("dst")
			mem.SeedMultipart("k", data, modified, []int64{32, 32, 32, 4}, checksum.None)
			dst := plainStore{mem}

			opts := testOptions()
			opts.ChunkSize = tt.chunkSize
			opts.MultipartThreshold = tt.chunkSize

			class, reason := resolveAndClassify(t, src, dst, opts, true,
				describe(t, src, "k", checksum.None), describe(t, mem, "k", checksum.None))
			assert.Equal(t, tt.want, class)
			if tt.want == differ.Modified {
				assert.Equal(t, differ.ReasonETagDiffers, reason)
			}
			assert.Equal(t, tt.wantReads, src.Gets("k"))
		})
	}
}

func TestResolveCompositeChecksums(t *testing.T) {
	data := payload(100)
	changed := append([]byte(nil), data...)
	changed[99] ^= 0xff
	alg := checksum.SHA256

	tests := []struct {
		name       string
		seedSrc    func(m *testutil.MemStore)
		seedDst    func(m *testutil.MemStore)
		hideParts  bool
		wantClass  differ.Class
		wantReason differ.Reason
	}{
		{
			name:       "full source against composite target",
			seedSrc:    func(m *testutil.MemStore) { m.SeedChecksum("k", data, modified, alg) },
			seedDst:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{40, 40, 20}, alg) },
			wantClass:  differ.Unchanged,
			wantReason: differ.ReasonIdentical,
		},
		{
			name:       "changed source against composite target",
			seedSrc:    func(m *testutil.MemStore) { m.SeedChecksum("k", changed, modified, alg) },
			seedDst:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{40, 40, 20}, alg) },
			wantClass:  differ.Modified,
			wantReason: differ.ReasonChecksumDiffers,
		},
		{
			name:       "composite source against full target",
			seedSrc:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{60, 40}, alg) },
			seedDst:    func(m *testutil.MemStore) { m.SeedChecksum("k", data, modified, alg) },
			wantClass:  differ.Unchanged,
			wantReason: differ.ReasonIdentical,
		},
		{
			name:       "composites over different part counts",
			seedSrc:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{60, 40}, alg) },
			seedDst:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{40, 40, 20}, alg) },
			wantClass:  differ.Unchanged,
			wantReason: differ.ReasonIdentical,
		},
		{
			name:       "target part sizes unknown",
			seedSrc:    func(m *testutil.MemStore) { m.SeedChecksum("k", data, modified, alg) },
			seedDst:    func(m *testutil.MemStore) { m.SeedMultipart("k", data, modified, []int64{40, 40, 20}, alg) },
			hideParts:  true,
			wantClass:  differ.Modified,
			wantReason: differ.ReasonChecksumDiffers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMemStore("src")
			mem := testutil.NewMemStore("dst")
			tt.seedSrc(src)
			tt.seedDst(mem)
			var dst storage.Storage = mem
			if tt.hideParts {
				dst = plainStore{mem}
			}

			opts := testOptions()
			opts.Checksum = alg
			class, reason := resolveAndClassify(t, src, dst, opts, false,
				describe(t, src, "k", alg), describe(t, mem, "k", alg))
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestResolveUnreadableSourceStaysModified(t *testing.T) {
	mem := testutil.NewMemStore("src")
	mem.Seed("k", []byte("data"), modified)
	dst := testutil.NewMemStore("dst")
	dst.Seed("k", []byte("data"), modified)

	sd := describe(t, mem, "k", checksum.None)
	sd.ETag = ""
	class, reason := resolveAndClassify(t, unreadableStore{mem}, dst, testOptions(), true, sd, describe(t, dst, "k", checksum.None))
	assert.Equal(t, differ.Modified, class)
	assert.Equal(t, differ.ReasonETagDiffers, reason)
}

func TestResolveSkipsDifferentSizes(t *testing.T) {
	src := testutil.NewMemStore("src")
	src.Seed("k", []byte("abc"), modified)
	dst := testutil.NewMemStore("dst")
	dst.Seed("k", []byte("abcd"), modified)

	sd := describe(t, src, "k", checksum.None)
	sd.ETag = ""
	r := NewResolver(src, dst, testOptions(), true, nil)
	cs, _, err := r.Resolve(context.Background(), sd, describe(t, dst, "k", checksum.None))
	require.NoError(t, err)
	assert.Empty(t, cs.ETag)
	assert.Zero(t, src.Gets("k"))
}

func TestResolveCanceled(t *testing.T) {
	src := testutil.NewMemStore("src")
	src.Seed("k", []byte("abc"), modified)
	dst := testutil.NewMemStore("dst")
	dst.Seed("k", []byte("abc"), modified)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sd := describe(t, src, "k", checksum.None)
	sd.ETag = ""
	_, _, err := NewResolver(src, dst, testOptions(), true, nil).Resolve(ctx, sd, describe(t, dst, "k", checksum.None))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolverEnabled(t *testing.T) {
	opts := testOptions()
	assert.False(t, NewResolver(nil, nil, opts, false, nil).Enabled())
	assert.True(t, NewResolver(nil, nil, opts, true, nil).Enabled())
	opts.Checksum = checksum.CRC32C
	assert.True(t, NewResolver(nil, nil, opts, false, nil).Enabled())
}
