// Package testutil provides an in-memory storage.Storage with fault
// injection for tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

type object struct {
	data         []byte
	modified     time.Time
	etag         string
	metadata     map[string]string
	checksum     string
	checksumAlg  checksum.Algorithm
	storageClass string
	contentType  string
	// part sizes of a multipart commit
	parts []int64
}

type upload struct {
	key   string
	opts  storage.PutOptions
	parts map[int][]byte
}

// MemStore is a thread-safe in-memory endpoint. Its hook fields may be set
// before use to inject faults.
type MemStore struct {
	// OnList is called before serving page n (0-based).
	OnList func(page int) error
	// OnGet may replace the body returned for key; attempt counts from 1.
	OnGet func(key string, attempt int, body io.ReadCloser) io.ReadCloser
	// OnPut is called before a single-part write commits.
	OnPut func(key string) error
	// OnPart is called before a part is stored.
	OnPart func(key string, partNumber int) error
	// OnComplete is called before a multipart upload commits.
	OnComplete func(key string) error
	// OnDelete is called before a key is deleted.
	OnDelete func(key string) error

	// PreserveMtime applies PutOptions.LastModified like a local filesystem.
	PreserveMtime bool
	// Now is the clock for modification times.
	Now func() time.Time

	name     string
	limits   storage.Limits
	pageSize int

	mu       sync.Mutex
	objects  map[string]*object
	uploads  map[string]*upload
	nextID   int
	gets     map[string]int
	puts     map[string]int
	deleted  []string
	aborted  []string
	inflight int
	peak     int
}

// NewMemStore creates an empty store with permissive part limits.
func NewMemStore(name string) *MemStore {
	return &MemStore{
		Now:      time.Now,
		name:     name,
		limits:   storage.Limits{MinPartSize: 1, MaxPartSize: 1 << 40, MaxPartCount: 10000},
		pageSize: 1000,
		objects:  make(map[string]*object),
		uploads:  make(map[string]*upload),
		gets:     make(map[string]int),
		puts:     make(map[string]int),
	}
}

// SetLimits overrides the multipart limits.
func (m *MemStore) SetLimits(l storage.Limits) { m.limits = l }

// SetPageSize overrides the listing page size.
func (m *MemStore) SetPageSize(n int) { m.pageSize = n }

// Seed stores an object directly, bypassing hooks.
func (m *MemStore) Seed(key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &object{data: append([]byte(nil), data...), modified: modified, etag: etagOf(data)}
}

// SeedChecksum stores an object with a provider checksum of alg.
func (m *MemStore) SeedChecksum(key string, data []byte, modified time.Time, alg checksum.Algorithm) {
	m.Seed(key, data, modified)
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[key]
	o.checksumAlg = alg
	o.checksum = checksum.Encode(checksum.SumBytes(alg, data))
}

// SeedMultipart stores an object as if it had been uploaded in parts of the
// given sizes: its ETag and, when alg is enabled, its provider checksum are
// composites over those parts.
func (m *MemStore) SeedMultipart(key string, data []byte, modified time.Time, sizes []int64, alg checksum.Algorithm) {
	var md5s, digests [][]byte
	off := int64(0)
	for _, n := range sizes {
		part := data[off : off+n]
		off += n
		sum := md5.Sum(part)
		md5s = append(md5s, sum[:])
		if alg.Enabled() {
			digests = append(digests, checksum.SumBytes(alg, part))
		}
	}

	o := &object{
		data:     append([]byte(nil), data...),
		modified: modified,
		etag:     checksum.ETag(md5s, true),
		parts:    append([]int64(nil), sizes...),
	}
	if alg.Enabled() {
		o.checksumAlg = alg
		o.checksum = checksum.Composite(alg, digests)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = o
}

// Data returns a copy of key's content.
func (m *MemStore) Data(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Keys returns every stored key in ascending order.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeys()
}

// Metadata returns key's user metadata.
func (m *MemStore) Metadata(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[key]; ok {
		return o.metadata
	}
	return nil
}

// ContentType returns key's content type.
func (m *MemStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[key]; ok {
		return o.contentType
	}
	return ""
}

// StorageClass returns key's storage class.
func (m *MemStore) StorageClass(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[key]; ok {
		return o.storageClass
	}
	return ""
}

// Gets returns how many times key was read.
func (m *MemStore) Gets(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[key]
}

// Puts returns how many objects were committed under key.
func (m *MemStore) Puts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// TotalPuts returns the number of committed writes.
func (m *MemStore) TotalPuts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.puts {
		n += c
	}
	return n
}

// Deleted returns the keys deleted so far, in order.
func (m *MemStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// Aborted returns the keys whose multipart uploads were aborted.
func (m *MemStore) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// OpenUploads returns the number of multipart uploads neither completed nor
// aborted.
func (m *MemStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// PeakConcurrentWrites returns the highest number of simultaneous part or
// object writes observed.
func (m *MemStore) PeakConcurrentWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *MemStore) sortedKeys() []string {
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemStore) Name() string {
	return "mem://" + m.name
}

func (m *MemStore) Limits() storage.Limits {
	return m.limits
}

// ListPage pages over a sorted view of the keys; the token is the index of
// the first key of the page.
func (m *MemStore) ListPage(_ context.Context, token string) (*storage.Page, error) {
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, fmt.Errorf("bad token %q", token)
		}
		start = n
	}
	if m.OnList != nil {
		if err := m.OnList(start / m.pageSize); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.sortedKeys()
	if start > len(keys) {
		start = len(keys)
	}
	end := min(start+m.pageSize, len(keys))

	page := &storage.Page{}
	for _, k := range keys[start:end] {
		o := m.objects[k]
		page.Objects = append(page.Objects, storage.ObjectDescriptor{
			Key:          k,
			Size:         int64(len(o.data)),
			LastModified: o.modified,
			ETag:         o.etag,
			StorageClass: o.storageClass,
		})
	}
	if end < len(keys) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MemStore) Head(_ context.Context, key string, alg checksum.Algorithm) (*storage.ObjectDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
	}
	d := &storage.ObjectDescriptor{
		Key:          key,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ETag:         o.etag,
		StorageClass: o.storageClass,
	}
	if alg.Enabled() {
		value := storage.ChecksumFromMetadata(o.metadata, alg)
		if value == "" && o.checksumAlg == alg {
			value = o.checksum
		}
		if value != "" {
			d.ChecksumAlgorithm = alg
			d.ChecksumValue = value
		}
	}
	return d, nil
}

func (m *MemStore) GetObject(_ context.Context, key string, r storage.ByteRange) (io.ReadCloser, error) {
	m.mu.Lock()
	o, ok := m.objects[key]
	m.gets[key]++
	attempt := m.gets[key]
	var data []byte
	if ok {
		data = o.data
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}

	if !r.Whole() {
		end := r.End
		if end < 0 || end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if r.Start > end+1 {
			return nil, fmt.Errorf("get %s: range %d-%d out of bounds", key, r.Start, r.End)
		}
		data = data[r.Start : end+1]
	}

	body := io.NopCloser(bytes.NewReader(data))
	if m.OnGet != nil {
		body = m.OnGet(key, attempt, body)
	}
	return body, nil
}

func (m *MemStore) beginWrite() {
	m.mu.Lock()
	m.inflight++
	if m.inflight > m.peak {
		m.peak = m.inflight
	}
	m.mu.Unlock()
}

func (m *MemStore) endWrite() {
	m.mu.Lock()
	m.inflight--
	m.mu.Unlock()
}

func (m *MemStore) readBody(body io.Reader, size int64) ([]byte, error) {
	m.beginWrite()
	defer m.endWrite()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("read %d bytes, expected %d", len(data), size)
	}
	return data, nil
}

func (m *MemStore) commit(key string, data []byte, opts storage.PutOptions, sum, etag string, parts []int64) {
	modified := m.Now()
	if m.PreserveMtime && !opts.LastModified.IsZero() {
		modified = opts.LastModified
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &object{
		data:         data,
		modified:     modified,
		etag:         etag,
		metadata:     opts.Metadata,
		checksum:     sum,
		checksumAlg:  opts.ChecksumAlgorithm,
		storageClass: opts.StorageClass,
		contentType:  opts.ContentType,
		parts:        parts,
	}
	m.puts[key]++
}

func (m *MemStore) PutObject(_ context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (*storage.CommitResult, error) {
	data, err := m.readBody(body, size)
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	if m.OnPut != nil {
		if err := m.OnPut(key); err != nil {
			return nil, fmt.Errorf("put %s: %w", key, err)
		}
	}

	var sum string
	if opts.ChecksumAlgorithm.Enabled() {
		sum = checksum.Encode(checksum.SumBytes(opts.ChecksumAlgorithm, data))
	}
	etag := etagOf(data)
	m.commit(key, data, opts, sum, etag, nil)
	return &storage.CommitResult{ETag: etag, Checksum: sum}, nil
}

func (m *MemStore) CreateMultipartUpload(_ context.Context, key string, opts storage.PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &upload{key: key, opts: opts, parts: make(map[int][]byte)}
	return id, nil
}

func (m *MemStore) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, size int64, alg checksum.Algorithm) (*storage.CompletedPart, error) {
	data, err := m.readBody(body, size)
	if err != nil {
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	if m.OnPart != nil {
		if err := m.OnPart(key, partNumber); err != nil {
			return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload part %d of %s: no such upload %s", partNumber, key, uploadID)
	}
	u.parts[partNumber] = data

	part := &storage.CompletedPart{PartNumber: partNumber, ETag: etagOf(data)}
	if alg.Enabled() {
		part.Checksum = checksum.Encode(checksum.SumBytes(alg, data))
	}
	return part, nil
}

func (m *MemStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []storage.CompletedPart, opts storage.PutOptions) (*storage.CommitResult, error) {
	if m.OnComplete != nil {
		if err := m.OnComplete(key); err != nil {
			return nil, fmt.Errorf("complete multipart upload %s: %w", key, err)
		}
	}

	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("complete multipart upload %s: no such upload %s", key, uploadID)
	}
	var (
		buf     bytes.Buffer
		digests [][]byte
		md5s    [][]byte
		sizes   []int64
	)
	alg := u.opts.ChecksumAlgorithm
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			m.mu.Unlock()
			return nil, fmt.Errorf("complete multipart upload %s: parts out of order", key)
		}
		data, ok := u.parts[p.PartNumber]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("complete multipart upload %s: missing part %d", key, p.PartNumber)
		}
		buf.Write(data)
		sum := md5.Sum(data)
		md5s = append(md5s, sum[:])
		sizes = append(sizes, int64(len(data)))
		if alg.Enabled() {
			digests = append(digests, checksum.SumBytes(alg, data))
		}
	}
	delete(m.uploads, uploadID)
	m.mu.Unlock()

	var sum string
	if alg.Enabled() {
		sum = checksum.Composite(alg, digests)
	}
	etag := checksum.ETag(md5s, true)
	m.commit(key, buf.Bytes(), u.opts, sum, etag, sizes)
	return &storage.CommitResult{ETag: etag, Checksum: sum}, nil
}

// PartSizes returns the part sizes of a multipart commit, nil otherwise.
func (m *MemStore) PartSizes(_ context.Context, key string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get attributes of %s: %w", key, storage.ErrNotFound)
	}
	return append([]int64(nil), o.parts...), nil
}

func (m *MemStore) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	m.aborted = append(m.aborted, key)
	return nil
}

func (m *MemStore) DeleteObject(_ context.Context, key string) error {
	if m.OnDelete != nil {
		if err := m.OnDelete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// BatchMemStore adds storage.BatchDeleter to a MemStore.
type BatchMemStore struct {
	*MemStore
	Batches [][]string
}

// DeleteObjects deletes every key, collecting per-key failures.
func (b *BatchMemStore) DeleteObjects(ctx context.Context, keys []string) (map[string]error, error) {
	b.mu.Lock()
	b.Batches = append(b.Batches, append([]string(nil), keys...))
	b.mu.Unlock()

	failed := make(map[string]error)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := b.DeleteObject(ctx, k); err != nil {
			failed[k] = err
		}
	}
	return failed, nil
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

var (
	_ storage.Storage      = (*MemStore)(nil)
	_ storage.BatchDeleter = (*BatchMemStore)(nil)
	_ storage.PartSizer    = (*MemStore)(nil)
)
