// Package miniostore implements storage.Storage on any S3-compatible
// endpoint through the MinIO client.
package miniostore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const (
	minPartSize  = 5 * 1024 * 1024
	maxPartSize  = 5 * 1024 * 1024 * 1024
	maxPartCount = 10000
	listPageSize = 1000
)

// CoreAPI is the subset of *minio.Core the store calls.
type CoreAPI interface {
	ListObjectsV2(bucketName, objectPrefix, startAfter, continuationToken, delimiter string, maxkeys int) (minio.ListBucketV2Result, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	PutObject(ctx context.Context, bucket, object string, data io.Reader, size int64, md5Base64, sha256Hex string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

var _ CoreAPI = (*minio.Core)(nil)

// Store is a bucket prefix on an S3-compatible server.
type Store struct {
	core   CoreAPI
	host   string
	bucket string
	prefix string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewWithCore creates a Store around an existing client.
func NewWithCore(core CoreAPI, host, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		core:   core,
		host:   host,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New connects to loc.Host. Credentials come from the AWS and MinIO
// environment variables, then the shared AWS credentials file for
// cc.Profile.
func New(loc storage.Location, cc storage.ClientConfig, opts ...Option) (*Store, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cc.ProxyURL != "" {
		proxy, err := url.Parse(cc.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{Profile: cc.Profile},
	})

	lookup := minio.BucketLookupAuto
	if cc.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}

	core, err := minio.NewCore(loc.Host, &minio.Options{
		Creds:        creds,
		Secure:       loc.Secure,
		Transport:    transport,
		Region:       cc.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client for %s: %w", loc.Host, err)
	}
	return NewWithCore(core, loc.Host, loc.Bucket, loc.Prefix, opts...), nil
}

func (s *Store) Name() string {
	return "minio://" + strings.TrimSuffix(s.host+"/"+s.bucket+"/"+s.prefix, "/")
}

func (s *Store) Limits() storage.Limits {
	return storage.Limits{
		MinPartSize:  minPartSize,
		MaxPartSize:  maxPartSize,
		MaxPartCount: maxPartCount,
	}
}

func (s *Store) key(rel string) string {
	return storage.JoinKey(s.prefix, rel)
}

func (s *Store) ListPage(_ context.Context, token string) (*storage.Page, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	res, err := s.core.ListObjectsV2(s.bucket, listPrefix, "", token, "", listPageSize)
	if err != nil {
		return nil, fmt.Errorf("list objects in %s: %w", s.Name(), err)
	}

	page := &storage.Page{Objects: make([]storage.ObjectDescriptor, 0, len(res.Contents))}
	for _, obj := range res.Contents {
		rel := storage.TrimKey(obj.Key, s.prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		page.Objects = append(page.Objects, storage.ObjectDescriptor{
			Key:          rel,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         strings.Trim(obj.ETag, `"`),
			StorageClass: obj.StorageClass,
		})
	}
	if res.IsTruncated {
		page.NextToken = res.NextContinuationToken
	}
	return page, nil
}

func (s *Store) Head(ctx context.Context, key string, alg checksum.Algorithm) (*storage.ObjectDescriptor, error) {
	info, err := s.core.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{Checksum: alg.Enabled()})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	d := &storage.ObjectDescriptor{
		Key:          key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ETag:         strings.Trim(info.ETag, `"`),
		StorageClass: info.StorageClass,
	}
	if alg.Enabled() {
		value := storage.ChecksumFromMetadata(info.UserMetadata, alg)
		if value == "" {
			value = pick(alg, info.ChecksumCRC32, info.ChecksumCRC32C, info.ChecksumCRC64NVME, info.ChecksumSHA1, info.ChecksumSHA256)
		}
		if value != "" {
			d.ChecksumAlgorithm = alg
			d.ChecksumValue = value
		}
	}
	return d, nil
}

func (s *Store) GetObject(ctx context.Context, key string, r storage.ByteRange) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if !r.Whole() {
		end := r.End
		if end < 0 {
			end = 0
		}
		if err := opts.SetRange(r.Start, end); err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
	}
	body, _, _, err := s.core.GetObject(ctx, s.bucket, s.key(key), opts)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (s *Store) putOptions(opts storage.PutOptions) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		UserMetadata: opts.Metadata,
		ContentType:  opts.ContentType,
		StorageClass: opts.StorageClass,
		Checksum:     minioChecksum(opts.ChecksumAlgorithm),
	}
}

func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (*storage.CommitResult, error) {
	info, err := s.core.PutObject(ctx, s.bucket, s.key(key), body, size, "", "", s.putOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return &storage.CommitResult{
		ETag:     strings.Trim(info.ETag, `"`),
		Checksum: pick(opts.ChecksumAlgorithm, info.ChecksumCRC32, info.ChecksumCRC32C, info.ChecksumCRC64NVME, info.ChecksumSHA1, info.ChecksumSHA256),
	}, nil
}

// CreateMultipartUpload starts an upload without a provider checksum; the
// full-object value travels in the user metadata instead.
func (s *Store) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	mopts := s.putOptions(opts)
	mopts.Checksum = minio.ChecksumNone
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, s.key(key), mopts)
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64, _ checksum.Algorithm) (*storage.CompletedPart, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, s.key(key), uploadID, partNumber, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	return &storage.CompletedPart{PartNumber: partNumber, ETag: part.ETag}, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.CompletedPart, opts storage.PutOptions) (*storage.CommitResult, error) {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	mopts := s.putOptions(opts)
	mopts.Checksum = minio.ChecksumNone
	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, s.key(key), uploadID, completed, mopts)
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload %s: %w", key, err)
	}
	return &storage.CommitResult{ETag: strings.Trim(info.ETag, `"`)}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, s.key(key), uploadID); err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := s.core.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteObjects streams keys to the server's multi-object delete.
func (s *Store) DeleteObjects(ctx context.Context, keys []string) (map[string]error, error) {
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for _, k := range keys {
			select {
			case objects <- minio.ObjectInfo{Key: s.key(k)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := make(map[string]error)
	for rerr := range s.core.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		k := storage.TrimKey(rerr.ObjectName, s.prefix)
		failed[k] = fmt.Errorf("delete %s: %w", k, rerr.Err)
	}
	return failed, ctx.Err()
}

func minioChecksum(a checksum.Algorithm) minio.ChecksumType {
	switch a {
	case checksum.CRC32:
		return minio.ChecksumCRC32
	case checksum.CRC32C:
		return minio.ChecksumCRC32C
	case checksum.CRC64NVME:
		return minio.ChecksumCRC64NVME
	case checksum.SHA1:
		return minio.ChecksumSHA1
	case checksum.SHA256:
		return minio.ChecksumSHA256
	}
	return minio.ChecksumNone
}

func pick(a checksum.Algorithm, crc32, crc32c, crc64nvme, sha1, sha256 string) string {
	switch a {
	case checksum.CRC32:
		return crc32
	case checksum.CRC32C:
		return crc32c
	case checksum.CRC64NVME:
		return crc64nvme
	case checksum.SHA1:
		return sha1
	case checksum.SHA256:
		return sha256
	}
	return ""
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

var (
	_ storage.Storage      = (*Store)(nil)
	_ storage.BatchDeleter = (*Store)(nil)
)
