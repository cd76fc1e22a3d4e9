// Package localfs implements storage.Storage on a directory tree through a
// go-billy filesystem.
package localfs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const (
	// stagingDir holds in-progress multipart uploads and is never listed.
	stagingDir = ".strict-sync-uploads"
	tempPrefix = ".strict-sync-tmp-"

	defaultPageSize = 1000
	bufferSize      = 64 * 1024
)

// Store is a local directory.
type Store struct {
	fs       billy.Filesystem
	osRoot   string
	pageSize int
	logger   *slog.Logger

	mu       sync.Mutex
	snapshot []storage.ObjectDescriptor
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets the number of descriptors per listing page.
func WithPageSize(n int) Option {
	return func(s *Store) { s.pageSize = n }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens the directory root on the OS filesystem.
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	s := NewWithFS(osfs.New(abs), opts...)
	s.osRoot = abs
	return s, nil
}

// NewWithFS uses fsys as the root. Modification times are only applied when
// fsys supports billy.Change or is rooted on the OS filesystem.
func NewWithFS(fsys billy.Filesystem, opts ...Option) *Store {
	s := &Store{
		fs:       fsys,
		pageSize: defaultPageSize,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string {
	if s.osRoot != "" {
		return s.osRoot
	}
	return s.fs.Root()
}

// Limits places no real bound on parts; the minimum keeps chunk plans sane.
func (s *Store) Limits() storage.Limits {
	return storage.Limits{
		MinPartSize:  1024 * 1024,
		MaxPartSize:  5 * 1024 * 1024 * 1024,
		MaxPartCount: 10000,
	}
}

// ListPage walks the tree once, on the first page, and serves every page from
// that snapshot. A token is the last key of the previous page, so a listing
// can restart from any page boundary even after the snapshot is rebuilt.
func (s *Store) ListPage(ctx context.Context, token string) (*storage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" || s.snapshot == nil {
		snap, err := s.walk(ctx)
		if err != nil {
			return nil, err
		}
		s.snapshot = snap
	}

	start := 0
	if token != "" {
		start = sort.Search(len(s.snapshot), func(i int) bool { return s.snapshot[i].Key > token })
	}
	end := min(start+s.pageSize, len(s.snapshot))

	page := &storage.Page{Objects: append([]storage.ObjectDescriptor(nil), s.snapshot[start:end]...)}
	if end < len(s.snapshot) {
		page.NextToken = s.snapshot[end-1].Key
	}
	return page, nil
}

func (s *Store) walk(ctx context.Context) ([]storage.ObjectDescriptor, error) {
	var objects []storage.ObjectDescriptor
	err := util.Walk(s.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == "." && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if name == stagingDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || strings.HasPrefix(name, tempPrefix) {
			return nil
		}
		objects = append(objects, storage.ObjectDescriptor{
			Key:          filepath.ToSlash(filepath.Clean(p)),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.Name(), err)
	}

	// Object stores order keys by bytes; a directory walk does not.
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *Store) Head(ctx context.Context, key string, alg checksum.Algorithm) (*storage.ObjectDescriptor, error) {
	info, err := s.fs.Stat(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	d := &storage.ObjectDescriptor{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}
	if alg.Enabled() {
		sum, err := s.sumFile(key, alg)
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", key, err)
		}
		d.ChecksumAlgorithm = alg
		d.ChecksumValue = sum
	}
	return d, nil
}

func (s *Store) sumFile(name string, alg checksum.Algorithm) (string, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return checksum.Sum(alg, f)
}

type rangeReader struct {
	io.Reader
	io.Closer
}

func (s *Store) GetObject(_ context.Context, key string, r storage.ByteRange) (io.ReadCloser, error) {
	f, err := s.fs.Open(key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if r.Whole() {
		return f, nil
	}
	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("get %s: seek: %w", key, err)
	}
	if r.End < 0 {
		return f, nil
	}
	return rangeReader{Reader: io.LimitReader(f, r.Length()), Closer: f}, nil
}

func (s *Store) PutObject(_ context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (*storage.CommitResult, error) {
	var tee *checksum.TeeReader
	if opts.ChecksumAlgorithm.Enabled() {
		tee = checksum.NewTeeReader(body, opts.ChecksumAlgorithm)
		body = tee
	}

	written, err := s.writeAtomic(key, opts.LastModified, func(w io.Writer) (int64, error) {
		return io.CopyBuffer(w, body, make([]byte, bufferSize))
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	if written != size {
		return nil, fmt.Errorf("put %s: wrote %d bytes, expected %d", key, written, size)
	}

	res := &storage.CommitResult{}
	if tee != nil {
		if res.Checksum, err = tee.Checksum(); err != nil {
			return nil, fmt.Errorf("put %s: %w", key, err)
		}
	}
	return res, nil
}

// writeAtomic writes through a temporary file in the destination directory
// and renames it into place, so readers never observe a partial object.
func (s *Store) writeAtomic(key string, mtime time.Time, write func(io.Writer) (int64, error)) (int64, error) {
	dir := path.Dir(key)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := write(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return n, err
	}

	if err := s.fs.Rename(tmpName, key); err != nil {
		_ = s.fs.Remove(tmpName)
		return n, fmt.Errorf("rename into place: %w", err)
	}
	if !mtime.IsZero() {
		if err := s.chtimes(key, mtime); err != nil {
			return n, fmt.Errorf("set modification time: %w", err)
		}
	}
	return n, nil
}

func (s *Store) chtimes(name string, mtime time.Time) error {
	if ch, ok := s.fs.(billy.Change); ok {
		return ch.Chtimes(name, mtime, mtime)
	}
	if s.osRoot != "" {
		return os.Chtimes(filepath.Join(s.osRoot, filepath.FromSlash(name)), mtime, mtime)
	}
	s.logger.Debug("filesystem cannot set modification times", "key", name)
	return nil
}

func (s *Store) uploadDir(uploadID string) string {
	return path.Join(stagingDir, uploadID)
}

func (s *Store) CreateMultipartUpload(_ context.Context, key string, _ storage.PutOptions) (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	id := hex.EncodeToString(b[:])
	if err := s.fs.MkdirAll(s.uploadDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	return id, nil
}

func (s *Store) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, size int64, alg checksum.Algorithm) (*storage.CompletedPart, error) {
	partPath := path.Join(s.uploadDir(uploadID), strconv.Itoa(partNumber))

	var tee *checksum.TeeReader
	if alg.Enabled() {
		tee = checksum.NewTeeReader(body, alg)
		body = tee
	}

	f, err := s.fs.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	n, err := io.CopyBuffer(f, body, make([]byte, bufferSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(partPath)
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	if n != size {
		_ = s.fs.Remove(partPath)
		return nil, fmt.Errorf("upload part %d of %s: wrote %d bytes, expected %d", partNumber, key, n, size)
	}

	part := &storage.CompletedPart{PartNumber: partNumber, ETag: strconv.FormatInt(n, 10)}
	if tee != nil {
		if part.Checksum, err = tee.Checksum(); err != nil {
			return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
		}
	}
	return part, nil
}

// CompleteMultipartUpload concatenates the staged parts in the given order.
// The reported checksum is the composite of the part digests, as S3 reports
// for multipart objects.
func (s *Store) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []storage.CompletedPart, opts storage.PutOptions) (*storage.CommitResult, error) {
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			return nil, fmt.Errorf("complete multipart upload %s: parts out of order at index %d", key, i)
		}
	}

	alg := opts.ChecksumAlgorithm
	digests := make([][]byte, 0, len(parts))

	_, err := s.writeAtomic(key, opts.LastModified, func(w io.Writer) (int64, error) {
		var total int64
		buf := make([]byte, bufferSize)
		for _, p := range parts {
			f, err := s.fs.Open(path.Join(s.uploadDir(uploadID), strconv.Itoa(p.PartNumber)))
			if err != nil {
				return total, fmt.Errorf("part %d: %w", p.PartNumber, err)
			}
			var r io.Reader = f
			var tee *checksum.TeeReader
			if alg.Enabled() {
				tee = checksum.NewTeeReader(f, alg)
				r = tee
			}
			n, err := io.CopyBuffer(w, r, buf)
			f.Close()
			total += n
			if err != nil {
				return total, fmt.Errorf("part %d: %w", p.PartNumber, err)
			}
			if tee != nil {
				raw, err := tee.Raw()
				if err != nil {
					return total, err
				}
				digests = append(digests, raw)
			}
		}
		return total, nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload %s: %w", key, err)
	}

	if err := util.RemoveAll(s.fs, s.uploadDir(uploadID)); err != nil {
		s.logger.Warn("failed to remove staged parts", "key", key, "upload_id", uploadID, "error", err)
	}

	res := &storage.CommitResult{}
	if alg.Enabled() {
		res.Checksum = checksum.Composite(alg, digests)
	}
	return res, nil
}

func (s *Store) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	if err := util.RemoveAll(s.fs, s.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes key and any directories it leaves empty. Deleting a
// missing key succeeds.
func (s *Store) DeleteObject(_ context.Context, key string) error {
	if err := s.fs.Remove(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	for dir := path.Dir(key); dir != "." && dir != "/"; dir = path.Dir(dir) {
		entries, err := s.fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := s.fs.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

var _ storage.Storage = (*Store)(nil)
