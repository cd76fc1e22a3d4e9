// Package differ classifies the keys of a source and a target listing by
// merge-joining the two key-sorted sequences.
package differ

import (
	"context"
	"errors"
	"io"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// Class is the classification of one key.
type Class int

const (
	Unchanged Class = iota
	New
	Modified
	Deleted
)

func (c Class) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case New:
		return "new"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Reason explains a classification.
type Reason string

const (
	ReasonNew             Reason = "new"
	ReasonAttrsDiffer     Reason = "attrs-differ"
	ReasonETagDiffers     Reason = "etag-differs"
	ReasonChecksumDiffers Reason = "checksum-differs"
	ReasonNotInSource     Reason = "not-in-source"
	ReasonIdentical       Reason = "identical"
)

// Result is the classification of one key present in either listing.
type Result struct {
	Key    string
	Class  Class
	Reason Reason
	Source *storage.ObjectDescriptor
	Target *storage.ObjectDescriptor
}

// NeedsTransfer reports whether r calls for copying the source object.
func (r Result) NeedsTransfer() bool {
	return r.Class == New || r.Class == Modified
}

// Options selects the comparison mode.
type Options struct {
	// CheckETag requires equal ETags. A key whose ETags differ or are
	// missing is modified.
	CheckETag bool
	// Checksum, when enabled, compares additional checksums of this
	// algorithm; values of any other algorithm are never trusted.
	Checksum checksum.Algorithm
	// Resolver, when set, is consulted for every key of equal size on both
	// sides before it is classified.
	Resolver Resolver
}

// Resolver fills in what a listing cannot compare directly, such as a
// missing ETag or checksums taken over different part layouts. It returns
// the descriptors to classify; the emitted Result keeps the listed ones.
// An error stops the diff.
type Resolver interface {
	Resolve(ctx context.Context, src, dst storage.ObjectDescriptor) (storage.ObjectDescriptor, storage.ObjectDescriptor, error)
}

// Iterator yields descriptors in ascending key order and io.EOF at the end.
type Iterator interface {
	Next(ctx context.Context) (storage.ObjectDescriptor, error)
}

// Diff merge-joins src and dst, calling emit once per key in ascending key
// order. It stops at the first error from either iterator or from emit.
func Diff(ctx context.Context, src, dst Iterator, opts Options, emit func(Result) error) error {
	s := newCursor(src, "source")
	d := newCursor(dst, "target")
	if err := s.advance(ctx); err != nil {
		return err
	}
	if err := d.advance(ctx); err != nil {
		return err
	}

	for s.ok || d.ok {
		if err := ctx.Err(); err != nil {
			return err
		}

		var r Result
		switch {
		case !d.ok || (s.ok && s.cur.Key < d.cur.Key):
			sd := s.cur
			r = Result{Key: sd.Key, Class: New, Reason: ReasonNew, Source: &sd}
			if err := s.advance(ctx); err != nil {
				return err
			}
		case !s.ok || d.cur.Key < s.cur.Key:
			td := d.cur
			r = Result{Key: td.Key, Class: Deleted, Reason: ReasonNotInSource, Target: &td}
			if err := d.advance(ctx); err != nil {
				return err
			}
		default:
			sd, td := s.cur, d.cur
			cs, ct := sd, td
			if opts.Resolver != nil && sd.Size == td.Size {
				var err error
				if cs, ct, err = opts.Resolver.Resolve(ctx, sd, td); err != nil {
					return err
				}
			}
			class, reason := Classify(cs, ct, opts)
			r = Result{Key: sd.Key, Class: class, Reason: reason, Source: &sd, Target: &td}
			if err := s.advance(ctx); err != nil {
				return err
			}
			if err := d.advance(ctx); err != nil {
				return err
			}
		}

		if err := emit(r); err != nil {
			return err
		}
	}
	return nil
}

// Compare is Diff over two slices.
func Compare(src, dst []storage.ObjectDescriptor, opts Options) ([]Result, error) {
	results := make([]Result, 0, max(len(src), len(dst)))
	err := Diff(context.Background(), NewSliceIterator(src), NewSliceIterator(dst), opts, func(r Result) error {
		results = append(results, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Classify compares one key present on both sides.
func Classify(src, dst storage.ObjectDescriptor, opts Options) (Class, Reason) {
	if src.Size != dst.Size {
		return Modified, ReasonAttrsDiffer
	}

	if opts.Checksum.Enabled() && src.HasChecksum(opts.Checksum) && dst.HasChecksum(opts.Checksum) {
		if src.ChecksumValue == dst.ChecksumValue && src.ChecksumValue != checksum.Unknown {
			return Unchanged, ReasonIdentical
		}
		if conclusive(src.ChecksumValue, dst.ChecksumValue) {
			return Modified, ReasonChecksumDiffers
		}
	}

	if opts.CheckETag {
		if src.ETag != "" && src.ETag != checksum.Unknown && src.ETag == dst.ETag {
			return Unchanged, ReasonIdentical
		}
		return Modified, ReasonETagDiffers
	}

	// The target is written after its source, so an object store target is
	// never older than an unchanged source.
	if dst.LastModified.Before(src.LastModified) {
		return Modified, ReasonAttrsDiffer
	}
	return Unchanged, ReasonIdentical
}

// conclusive reports whether differing values prove differing content: both
// full-object, or composites over the same number of parts. A value that
// could not be computed in the other side's layout is a mismatch.
func conclusive(a, b string) bool {
	if a == checksum.Unknown || b == checksum.Unknown {
		return true
	}
	na, ca := checksum.PartCount(a)
	nb, cb := checksum.PartCount(b)
	if !ca && !cb {
		return true
	}
	return ca && cb && na == nb
}

type cursor struct {
	it      Iterator
	side    string
	cur     storage.ObjectDescriptor
	ok      bool
	started bool
}

func newCursor(it Iterator, side string) *cursor {
	return &cursor{it: it, side: side}
}

func (c *cursor) advance(ctx context.Context) error {
	prev, hadPrev := c.cur.Key, c.started && c.ok
	d, err := c.it.Next(ctx)
	c.started = true
	if errors.Is(err, io.EOF) {
		c.ok = false
		return nil
	}
	if err != nil {
		c.ok = false
		return err
	}
	if hadPrev && d.Key <= prev {
		c.ok = false
		return syncerr.Listf("%s keys out of order: %q after %q", c.side, d.Key, prev)
	}
	c.cur, c.ok = d, true
	return nil
}

// SliceIterator iterates over a slice.
type SliceIterator struct {
	items []storage.ObjectDescriptor
	i     int
}

// NewSliceIterator creates an Iterator over items, which must be sorted.
func NewSliceIterator(items []storage.ObjectDescriptor) *SliceIterator {
	return &SliceIterator{items: items}
}

func (s *SliceIterator) Next(context.Context) (storage.ObjectDescriptor, error) {
	if s.i >= len(s.items) {
		return storage.ObjectDescriptor{}, io.EOF
	}
	d := s.items[s.i]
	s.i++
	return d, nil
}

// Counts tallies results per class.
type Counts struct {
	Unchanged int `json:"unchanged"`
	New       int `json:"new"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
}

// Add counts r.
func (c *Counts) Add(r Result) {
	switch r.Class {
	case Unchanged:
		c.Unchanged++
	case New:
		c.New++
	case Modified:
		c.Modified++
	case Deleted:
		c.Deleted++
	}
}

// Total returns the number of results counted.
func (c Counts) Total() int {
	return c.Unchanged + c.New + c.Modified + c.Deleted
}
