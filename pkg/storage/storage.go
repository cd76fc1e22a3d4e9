// Package storage defines the capability a sync endpoint must provide and
// the values that flow through it.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
)

// ErrNotFound is returned by Head when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ChecksumMetadataPrefix prefixes the user metadata key under which a
// full-object checksum is stored, e.g. "strict-sync-checksum-sha256".
const ChecksumMetadataPrefix = "strict-sync-checksum-"

// ChecksumMetadataKey returns the metadata key carrying the full-object
// checksum for a.
func ChecksumMetadataKey(a checksum.Algorithm) string {
	return ChecksumMetadataPrefix + strings.ToLower(string(a))
}

// ChecksumFromMetadata looks up the full-object checksum for a in md,
// ignoring key case since providers canonicalize metadata keys differently.
func ChecksumFromMetadata(md map[string]string, a checksum.Algorithm) string {
	want := ChecksumMetadataKey(a)
	for k, v := range md {
		if strings.EqualFold(k, want) {
			return v
		}
	}
	return ""
}

// ObjectDescriptor describes one object at an endpoint. Keys are relative to
// the endpoint root and use "/" separators.
type ObjectDescriptor struct {
	Key               string             `json:"key"`
	Size              int64              `json:"size"`
	LastModified      time.Time          `json:"last_modified"`
	ETag              string             `json:"etag,omitempty"`
	ChecksumAlgorithm checksum.Algorithm `json:"checksum_algorithm,omitempty"`
	ChecksumValue     string             `json:"checksum_value,omitempty"`
	StorageClass      string             `json:"storage_class,omitempty"`
}

// HasChecksum reports whether d carries a checksum computed with a.
func (d ObjectDescriptor) HasChecksum(a checksum.Algorithm) bool {
	return a.Enabled() && d.ChecksumAlgorithm == a && d.ChecksumValue != ""
}

// Page is one page of a listing.
type Page struct {
	Objects []ObjectDescriptor
	// NextToken continues the listing; empty on the last page.
	NextToken string
}

// Limits are the multipart bounds of an endpoint.
type Limits struct {
	MinPartSize  int64
	MaxPartSize  int64
	MaxPartCount int
}

// ByteRange selects bytes [Start, End] inclusive. End < 0 reads to the end
// of the object.
type ByteRange struct {
	Start int64
	End   int64
}

// WholeObject selects the entire object.
var WholeObject = ByteRange{Start: 0, End: -1}

// Whole reports whether r selects the entire object.
func (r ByteRange) Whole() bool {
	return r.Start == 0 && r.End < 0
}

// Length returns the number of bytes selected, or -1 for the whole object.
func (r ByteRange) Length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// PutOptions carries per-object write settings.
type PutOptions struct {
	ContentType  string
	StorageClass string
	Metadata     map[string]string
	// ChecksumAlgorithm asks the endpoint to compute and store an additional
	// checksum of the written bytes.
	ChecksumAlgorithm checksum.Algorithm
	// LastModified is applied by endpoints that can set modification times.
	LastModified time.Time
}

// CommitResult describes a committed object.
type CommitResult struct {
	ETag string
	// Checksum is the value the endpoint reports for the committed object,
	// full-object or composite, empty if it reports none.
	Checksum string
}

// CompletedPart is one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
	Checksum   string
}

// Storage is the capability the sync core needs from an endpoint.
type Storage interface {
	Name() string
	Limits() Limits

	ListPage(ctx context.Context, token string) (*Page, error)
	// Head returns the descriptor of key with the checksum for alg filled in
	// when the endpoint has one.
	Head(ctx context.Context, key string, alg checksum.Algorithm) (*ObjectDescriptor, error)
	GetObject(ctx context.Context, key string, r ByteRange) (io.ReadCloser, error)

	PutObject(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (*CommitResult, error)
	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64, alg checksum.Algorithm) (*CompletedPart, error)
	// CompleteMultipartUpload commits parts in the given order, which must be
	// ascending by part number.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart, opts PutOptions) (*CommitResult, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	DeleteObject(ctx context.Context, key string) error
}

// BatchDeleter is implemented by endpoints that can delete many keys per
// request. The returned map holds per-key failures; the error is set when the
// whole batch failed.
type BatchDeleter interface {
	DeleteObjects(ctx context.Context, keys []string) (map[string]error, error)
}

// PartSizer is implemented by endpoints that can report how a multipart
// object was split. PartSizes returns the part sizes in part order, or nil
// when the object is not multipart or its layout is not available.
type PartSizer interface {
	PartSizes(ctx context.Context, key string) ([]int64, error)
}

// ClientConfig carries the connection settings of one endpoint.
type ClientConfig struct {
	Profile        string `yaml:"profile"`
	Region         string `yaml:"region"`
	EndpointURL    string `yaml:"endpoint_url"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	// ProxyURL may carry user:password for proxy authentication.
	ProxyURL string `yaml:"proxy_url"`
}
