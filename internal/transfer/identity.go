package transfer

import (
	"context"
	"io"
	"log/slog"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/stall"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// Resolver makes the ETags and checksums of a key comparable across
// endpoints. A missing ETag, or an ETag or checksum taken over a different
// part layout than the other side's, is recomputed from the object's content
// in the other side's layout. Part sizes come from the endpoint when it can
// report them and from the configured chunk plan otherwise; when neither
// matches the part count the recomputed value is checksum.Unknown.
type Resolver struct {
	src       storage.Storage
	dst       storage.Storage
	opts      Options
	checkETag bool
	logger    *slog.Logger
}

// NewResolver creates a Resolver. ETags are only resolved when checkETag is
// set and checksums only when opts.Checksum is enabled.
func NewResolver(src, dst storage.Storage, opts Options, checkETag bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		src:       src,
		dst:       dst,
		opts:      opts,
		checkETag: checkETag,
		logger:    logger,
	}
}

// Enabled reports whether the Resolver has anything to resolve.
func (r *Resolver) Enabled() bool {
	return r.checkETag || r.opts.Checksum.Enabled()
}

// Resolve returns copies of src and dst whose ETags and checksums describe
// the same part layout. A read failure leaves the value as listed. The error
// is set only when ctx is done.
func (r *Resolver) Resolve(ctx context.Context, src, dst storage.ObjectDescriptor) (storage.ObjectDescriptor, storage.ObjectDescriptor, error) {
	if src.Size != dst.Size {
		return src, dst, nil
	}
	if r.checkETag {
		src.ETag, dst.ETag = r.resolve(ctx, src, dst, src.ETag, dst.ETag, checksum.ETagOf)
	}
	alg := r.opts.Checksum
	if alg.Enabled() && src.HasChecksum(alg) && dst.HasChecksum(alg) {
		sum := func(rd io.Reader, sizes []int64, multipart bool) (string, error) {
			return checksum.SumLayout(alg, rd, sizes, multipart)
		}
		src.ChecksumValue, dst.ChecksumValue = r.resolve(ctx, src, dst, src.ChecksumValue, dst.ChecksumValue, sum)
	}
	return src, dst, ctx.Err()
}

type hashFunc func(r io.Reader, sizes []int64, multipart bool) (string, error)

// resolve returns the source and target values to compare. The source is
// recomputed in the target's layout unless only the source has a value.
// Plain values on both sides are compared as listed, and so are composites
// with equal part counts when the target's part sizes are unknown.
func (r *Resolver) resolve(ctx context.Context, src, dst storage.ObjectDescriptor, sv, dv string, hash hashFunc) (string, string) {
	if sv != "" && sv == dv {
		return sv, dv
	}
	sn, sMulti := checksum.PartCount(sv)
	dn, dMulti := checksum.PartCount(dv)
	switch {
	case sv == "" && dv == "":
		whole := layout{sizes: []int64{src.Size}}
		if v, ok := r.recompute(ctx, r.src, src, whole, hash); ok {
			sv = v
		}
		if v, ok := r.recompute(ctx, r.dst, dst, whole, hash); ok {
			dv = v
		}
	case dv == "":
		if v, ok := r.recompute(ctx, r.dst, dst, r.layoutOf(ctx, r.src, src, sv), hash); ok {
			dv = v
		}
	case sv != "" && !sMulti && !dMulti:
		// both full-object values
	default:
		l := r.layoutOf(ctx, r.dst, dst, dv)
		if l.sizes == nil && sMulti && sn == dn {
			break
		}
		if v, ok := r.recompute(ctx, r.src, src, l, hash); ok {
			sv = v
		}
	}
	return sv, dv
}

type layout struct {
	sizes     []int64
	multipart bool
}

// layoutOf returns the part layout behind value, a plain or "-N" composite
// value of d held by store. Unknown sizes are nil.
func (r *Resolver) layoutOf(ctx context.Context, store storage.Storage, d storage.ObjectDescriptor, value string) layout {
	n, multi := checksum.PartCount(value)
	if !multi {
		return layout{sizes: []int64{d.Size}}
	}
	if n == 1 {
		return layout{sizes: []int64{d.Size}, multipart: true}
	}
	if ps, ok := store.(storage.PartSizer); ok {
		sizes, err := ps.PartSizes(ctx, d.Key)
		if err != nil {
			r.logger.Debug("part sizes unavailable", "store", store.Name(), "key", d.Key, "error", err)
		} else if len(sizes) == n {
			return layout{sizes: sizes, multipart: true}
		}
	}
	plan, err := PlanChunks(d.Size, r.dst.Limits(), r.opts)
	if err == nil && plan.Multipart && plan.ChunkCount == n {
		return layout{sizes: checksum.EvenParts(d.Size, plan.ChunkSize, n), multipart: true}
	}
	return layout{multipart: true}
}

// recompute hashes the content of d held by store in layout l. It reports
// false when the content could not be read.
func (r *Resolver) recompute(ctx context.Context, store storage.Storage, d storage.ObjectDescriptor, l layout, hash hashFunc) (string, bool) {
	if l.sizes == nil {
		return checksum.Unknown, true
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	body, err := store.GetObject(rctx, d.Key, storage.WholeObject)
	if err != nil {
		r.logger.Warn("cannot read object for comparison", "store", store.Name(), "key", d.Key, "error", err)
		return "", false
	}
	sr := stall.NewReader(body, r.opts.Stall, cancel)
	defer sr.Close()

	v, err := hash(sr, l.sizes, l.multipart)
	if serr := sr.Err(); serr != nil {
		err = serr
	}
	if err != nil {
		r.logger.Warn("cannot read object for comparison", "store", store.Name(), "key", d.Key, "error", err)
		return "", false
	}
	r.logger.Debug("recomputed for comparison", "store", store.Name(), "key", d.Key, "parts", len(l.sizes), "value", v)
	return v, true
}

var _ differ.Resolver = (*Resolver)(nil)
