package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
)

// Unknown stands in for a value that cannot be derived because the content
// does not split into the requested part sizes. It never equals a real value.
const Unknown = "UNKNOWN"

var errLayout = errors.New("content does not match the part layout")

// ETag returns the ETag S3 assigns to an upload whose parts have the given
// raw MD5 digests: the hex digest for a single-part upload, otherwise the hex
// MD5 of the concatenated part digests followed by "-<part count>".
func ETag(partDigests [][]byte, multipart bool) string {
	if !multipart && len(partDigests) == 1 {
		return hex.EncodeToString(partDigests[0])
	}
	h := md5.New()
	for _, d := range partDigests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(partDigests))
}

// ETagOf reads r to EOF and returns the ETag it would get if uploaded in parts
// of the given sizes, or Unknown if r does not split into them.
func ETagOf(r io.Reader, sizes []int64, multipart bool) (string, error) {
	digests, err := sumParts(md5.New, r, sizes)
	if errors.Is(err, errLayout) {
		return Unknown, nil
	}
	if err != nil {
		return "", err
	}
	return ETag(digests, multipart), nil
}

// SumLayout reads r to EOF and returns the checksum of a it would get if
// uploaded in parts of the given sizes: the full-object digest for a
// single-part upload, the composite otherwise. It returns Unknown if r does
// not split into the sizes.
func SumLayout(a Algorithm, r io.Reader, sizes []int64, multipart bool) (string, error) {
	digests, err := sumParts(a.New, r, sizes)
	if errors.Is(err, errLayout) {
		return Unknown, nil
	}
	if err != nil {
		return "", err
	}
	if !multipart && len(digests) == 1 {
		return Encode(digests[0]), nil
	}
	return Composite(a, digests), nil
}

// sumParts hashes consecutive parts of r with the given sizes. It returns
// errLayout if r ends inside a part or has bytes left after the last one.
func sumParts(newHash func() hash.Hash, r io.Reader, sizes []int64) ([][]byte, error) {
	if len(sizes) == 0 {
		return nil, errLayout
	}
	buffer := make([]byte, bufferSize)
	digests := make([][]byte, 0, len(sizes))
	for _, n := range sizes {
		h := newHash()
		copied, err := io.CopyBuffer(h, io.LimitReader(r, n), buffer)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if copied < n {
			return nil, errLayout
		}
		digests = append(digests, h.Sum(nil))
	}

	var extra [1]byte
	n, err := io.ReadFull(r, extra[:])
	if n > 0 {
		return nil, errLayout
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read: %w", err)
	}
	return digests, nil
}

// EvenParts splits size into count parts of partSize bytes, the last one
// taking the remainder. It returns nil if that does not produce exactly
// count non-empty parts.
func EvenParts(size, partSize int64, count int) []int64 {
	if count <= 0 || partSize <= 0 {
		return nil
	}
	if count == 1 {
		return []int64{size}
	}
	last := size - partSize*int64(count-1)
	if last <= 0 || last > partSize {
		return nil
	}
	sizes := make([]int64, count)
	for i := range sizes {
		sizes[i] = partSize
	}
	sizes[count-1] = last
	return sizes
}
