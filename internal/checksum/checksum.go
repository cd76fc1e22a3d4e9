// Package checksum implements the additional checksum algorithms supported by
// S3 and the base64 wire format S3 uses for them, including the composite
// form reported for multipart objects.
package checksum

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"hash/crc32"
	"hash/crc64"
	"io"
	"strconv"
	"strings"
	"sync"
)

const bufferSize = 64 * 1024 // 64KB buffer

// Algorithm names an additional checksum algorithm using S3's spelling.
type Algorithm string

const (
	None      Algorithm = ""
	SHA256    Algorithm = "SHA256"
	SHA1      Algorithm = "SHA1"
	CRC32     Algorithm = "CRC32"
	CRC32C    Algorithm = "CRC32C"
	CRC64NVME Algorithm = "CRC64NVME"
)

// CRC64NVME polynomial as per AWS S3 specification
var crc64NVMETable = crc64.MakeTable(0x9a6c9329ac4bc9b5)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ParseAlgorithm parses a user supplied algorithm name. "none" and the empty
// string both disable additional checksums.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return None, nil
	case "SHA256":
		return SHA256, nil
	case "SHA1":
		return SHA1, nil
	case "CRC32":
		return CRC32, nil
	case "CRC32C":
		return CRC32C, nil
	case "CRC64NVME":
		return CRC64NVME, nil
	}
	return None, fmt.Errorf("unknown checksum algorithm %q", s)
}

// Enabled reports whether a is a real algorithm.
func (a Algorithm) Enabled() bool {
	return a != None
}

func (a Algorithm) String() string {
	if a == None {
		return "none"
	}
	return string(a)
}

// New returns a fresh hash for a. It panics for None.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA1:
		return sha1.New()
	case CRC32:
		return crc32.NewIEEE()
	case CRC32C:
		return crc32.New(castagnoliTable)
	case CRC64NVME:
		return crc64.New(crc64NVMETable)
	}
	panic(fmt.Sprintf("checksum: no hash for algorithm %q", string(a)))
}

// Encode returns the base64 form S3 uses for raw digests.
func Encode(sum []byte) string {
	return base64.StdEncoding.EncodeToString(sum)
}

// Sum reads r to EOF and returns its base64 encoded digest.
func Sum(a Algorithm, r io.Reader) (string, error) {
	h := a.New()
	buffer := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, r, buffer); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return Encode(h.Sum(nil)), nil
}

// SumBytes returns the raw digest of data.
func SumBytes(a Algorithm, data []byte) []byte {
	h := a.New()
	h.Write(data)
	return h.Sum(nil)
}

// Composite returns the checksum S3 reports for a multipart object whose
// parts have the given raw digests: the digest of the concatenated part
// digests followed by "-<part count>".
func Composite(a Algorithm, partDigests [][]byte) string {
	h := a.New()
	for _, d := range partDigests {
		h.Write(d)
	}
	return Encode(h.Sum(nil)) + "-" + strconv.Itoa(len(partDigests))
}

// IsComposite reports whether v is a composite multipart checksum.
func IsComposite(v string) bool {
	_, ok := PartCount(v)
	return ok
}

// PartCount returns the part count suffix of a composite checksum.
func PartCount(v string) (int, bool) {
	i := strings.LastIndexByte(v, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Equal compares two base64 encoded checksums
func Equal(a, b string) bool {
	return a != "" && a == b
}

// TeeReader computes a digest of everything read through it.
type TeeReader struct {
	reader io.Reader
	hash   hash.Hash
	sum    []byte
	done   bool
}

// NewTeeReader creates a reader that hashes with a while reading r.
func NewTeeReader(r io.Reader, a Algorithm) *TeeReader {
	return &TeeReader{
		reader: r,
		hash:   a.New(),
	}
}

// Read implements io.Reader
func (t *TeeReader) Read(p []byte) (n int, err error) {
	n, err = t.reader.Read(p)
	if n > 0 {
		t.hash.Write(p[:n])
	}
	if err == io.EOF {
		t.done = true
		t.sum = t.hash.Sum(nil)
	}
	return n, err
}

// Raw returns the raw digest (only valid after EOF)
func (t *TeeReader) Raw() ([]byte, error) {
	if !t.done {
		return nil, fmt.Errorf("checksum not yet calculated (read not complete)")
	}
	return t.sum, nil
}

// Checksum returns the base64 digest (only valid after EOF)
func (t *TeeReader) Checksum() (string, error) {
	raw, err := t.Raw()
	if err != nil {
		return "", err
	}
	return Encode(raw), nil
}

// OrderedHasher computes a full-object digest from chunks that may arrive
// out of order. Chunks are held until every chunk before them has been
// hashed; onHashed is called once per chunk after it has been consumed.
type OrderedHasher struct {
	mu       sync.Mutex
	hash     hash.Hash
	next     int
	pending  map[int][]byte
	onHashed func(index int)
}

// NewOrderedHasher creates an OrderedHasher for chunk indexes starting at 0.
func NewOrderedHasher(a Algorithm, onHashed func(index int)) *OrderedHasher {
	return &OrderedHasher{
		hash:     a.New(),
		pending:  make(map[int][]byte),
		onHashed: onHashed,
	}
}

// Add hands chunk index over to the hasher. data must not be modified
// afterwards.
func (o *OrderedHasher) Add(index int, data []byte) {
	o.mu.Lock()
	o.pending[index] = data
	var hashed []int
	for {
		chunk, ok := o.pending[o.next]
		if !ok {
			break
		}
		o.hash.Write(chunk)
		delete(o.pending, o.next)
		hashed = append(hashed, o.next)
		o.next++
	}
	o.mu.Unlock()

	if o.onHashed != nil {
		for _, i := range hashed {
			o.onHashed(i)
		}
	}
}

// Sum returns the digest of chunks 0..count-1.
func (o *OrderedHasher) Sum(count int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.next != count || len(o.pending) > 0 {
		return "", fmt.Errorf("ordered hash incomplete: hashed %d of %d chunks", o.next, count)
	}
	return Encode(o.hash.Sum(nil)), nil
}
