// Package lister enumerates the objects of an endpoint as a lazy, key-ordered
// sequence of descriptors.
package lister

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const defaultHeadConcurrency = 50

// Lister pulls pages from a storage.Storage on demand. It is not safe for
// concurrent use.
type Lister struct {
	store    storage.Storage
	excludes []string
	includes []string
	alg      checksum.Algorithm
	heads    int
	logger   *slog.Logger

	token     string
	nextToken string
	page      []storage.ObjectDescriptor
	idx       int
	fetched   bool
	lastKey   string
	hasLast   bool
	err       error
	pages     int
}

// Option configures a Lister.
type Option func(*Lister)

// WithExcludes drops keys matching any of the doublestar patterns.
func WithExcludes(patterns []string) Option {
	return func(l *Lister) { l.excludes = patterns }
}

// WithIncludes keeps only keys matching at least one of the patterns.
func WithIncludes(patterns []string) Option {
	return func(l *Lister) { l.includes = patterns }
}

// WithChecksums fills in checksums of alg for descriptors that lack one,
// issuing up to concurrency Head requests per page.
func WithChecksums(alg checksum.Algorithm, concurrency int) Option {
	return func(l *Lister) {
		l.alg = alg
		if concurrency > 0 {
			l.heads = concurrency
		}
	}
}

// WithStartToken resumes a listing at the page identified by token, as
// previously returned by Position.
func WithStartToken(token string) Option {
	return func(l *Lister) { l.token = token }
}

// WithLogger sets the lister's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lister) { l.logger = logger }
}

// New creates a Lister over store. No request is made until Prime or Next.
func New(store storage.Storage, opts ...Option) *Lister {
	l := &Lister{
		store:  store,
		heads:  defaultHeadConcurrency,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ValidatePatterns reports the first malformed doublestar pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// Prime fetches the first page so that authentication and connectivity
// failures surface before any work is scheduled.
func (l *Lister) Prime(ctx context.Context) error {
	if l.fetched || l.err != nil {
		return l.err
	}
	return l.fetch(ctx)
}

// Position returns the token of the page currently being consumed. Passing
// it to WithStartToken restarts the listing at the start of that page.
func (l *Lister) Position() string {
	return l.token
}

// Pages returns the number of pages fetched.
func (l *Lister) Pages() int {
	return l.pages
}

// Next returns the next descriptor in ascending key order, or io.EOF after
// the last one. Any other error is a ListError and is sticky.
func (l *Lister) Next(ctx context.Context) (storage.ObjectDescriptor, error) {
	for {
		if l.err != nil {
			return storage.ObjectDescriptor{}, l.err
		}
		if !l.fetched {
			if err := l.fetch(ctx); err != nil {
				return storage.ObjectDescriptor{}, err
			}
			continue
		}
		if l.idx < len(l.page) {
			d := l.page[l.idx]
			l.idx++
			return d, nil
		}
		if l.nextToken == "" {
			return storage.ObjectDescriptor{}, io.EOF
		}
		l.token = l.nextToken
		l.fetched = false
	}
}

func (l *Lister) fail(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) && se.Kind == syncerr.KindList {
		l.err = err
	} else {
		l.err = syncerr.New(syncerr.KindList, "list "+l.store.Name(), err)
	}
	return l.err
}

func (l *Lister) fetch(ctx context.Context) error {
	page, err := l.store.ListPage(ctx, l.token)
	if err != nil {
		return l.fail(err)
	}
	l.pages++

	kept := make([]storage.ObjectDescriptor, 0, len(page.Objects))
	for _, d := range page.Objects {
		if l.hasLast && d.Key <= l.lastKey {
			return l.fail(fmt.Errorf("key %q listed after %q: listing is not strictly ascending", d.Key, l.lastKey))
		}
		l.lastKey, l.hasLast = d.Key, true

		ok, err := l.keep(d.Key)
		if err != nil {
			return l.fail(err)
		}
		if ok {
			kept = append(kept, d)
		}
	}

	if l.alg.Enabled() {
		if err := l.enrich(ctx, kept); err != nil {
			return l.fail(err)
		}
	}

	l.logger.Debug("listed page", "store", l.store.Name(), "page", l.pages, "objects", len(page.Objects), "kept", len(kept))
	l.page = kept
	l.idx = 0
	l.nextToken = page.NextToken
	l.fetched = true
	return nil
}

func (l *Lister) keep(key string) (bool, error) {
	if len(l.includes) > 0 {
		matched, err := matchAny(l.includes, key)
		if err != nil || !matched {
			return false, err
		}
	}
	excluded, err := matchAny(l.excludes, key)
	if err != nil {
		return false, err
	}
	return !excluded, nil
}

func matchAny(patterns []string, key string) (bool, error) {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, key)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// enrich fills in missing checksums in place. Objects that vanished between
// the listing and the Head keep no checksum.
func (l *Lister) enrich(ctx context.Context, page []storage.ObjectDescriptor) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.heads)
	for i := range page {
		if page[i].HasChecksum(l.alg) {
			continue
		}
		g.Go(func() error {
			d, err := l.store.Head(ctx, page[i].Key, l.alg)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			page[i].ChecksumAlgorithm = d.ChecksumAlgorithm
			page[i].ChecksumValue = d.ChecksumValue
			return nil
		})
	}
	return g.Wait()
}
