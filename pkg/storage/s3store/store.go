// Package s3store implements storage.Storage on Amazon S3.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

const (
	minPartSize  = 5 * 1024 * 1024
	maxPartSize  = 5 * 1024 * 1024 * 1024
	maxPartCount = 10000

	// S3 accepts at most 1000 keys per DeleteObjects request.
	maxDeleteBatch = 1000
)

// Store is an S3 bucket prefix.
type Store struct {
	api    S3API
	bucket string
	prefix string
	retry  retryPolicy
	logger *slog.Logger

	// algorithms of in-flight multipart uploads, needed to pick the part
	// checksum fields on completion
	mu         sync.Mutex
	uploadAlgs map[string]checksum.Algorithm
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxRetries overrides the number of retries per request.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.retry.maxRetries = n }
}

// NewWithAPI creates a Store around an existing client.
func NewWithAPI(api S3API, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		api:        api,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		retry:      defaultRetryPolicy(),
		logger:     slog.New(slog.DiscardHandler),
		uploadAlgs: make(map[string]checksum.Algorithm),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New loads AWS configuration for cc and creates a Store for loc. When no
// region is configured the bucket's region is discovered.
func New(ctx context.Context, loc storage.Location, cc storage.ClientConfig, opts ...Option) (*Store, error) {
	awsCfg, err := LoadAWSConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	client := newS3Client(awsCfg, cc)
	if cc.Region == "" && cc.EndpointURL == "" {
		region, err := manager.GetBucketRegion(ctx, client, loc.Bucket)
		if err != nil {
			return nil, fmt.Errorf("discover region of bucket %s: %w", loc.Bucket, err)
		}
		if region != awsCfg.Region {
			awsCfg.Region = region
			client = newS3Client(awsCfg, cc)
		}
	}

	return NewWithAPI(client, loc.Bucket, loc.Prefix, opts...), nil
}

// LoadAWSConfig resolves credentials, region and transport for cc.
func LoadAWSConfig(ctx context.Context, cc storage.ClientConfig) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cc.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cc.Profile))
	}
	if cc.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cc.Region))
	}
	if cc.ProxyURL != "" {
		proxy, err := url.Parse(cc.ProxyURL)
		if err != nil {
			return aws.Config{}, fmt.Errorf("invalid proxy URL: %w", err)
		}
		httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
			// Credentials in the URL are sent as Proxy-Authorization.
			tr.Proxy = http.ProxyURL(proxy)
		})
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func newS3Client(cfg aws.Config, cc storage.ClientConfig) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cc.EndpointURL)
		}
		o.UsePathStyle = cc.ForcePathStyle
	})
}

func (s *Store) Name() string {
	return "s3://" + strings.TrimSuffix(s.bucket+"/"+s.prefix, "/")
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

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *Store) ListPage(ctx context.Context, token string) (*storage.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := withRetry(ctx, s, "ListObjectsV2", noRewind, func() (*s3.ListObjectsV2Output, error) {
		return s.api.ListObjectsV2(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("list objects in %s: %w", s.Name(), err)
	}

	page := &storage.Page{Objects: make([]storage.ObjectDescriptor, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		rel := storage.TrimKey(*obj.Key, s.prefix)
		// Directory placeholders carry no data.
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		page.Objects = append(page.Objects, storage.ObjectDescriptor{
			Key:          rel,
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         trimETag(aws.ToString(obj.ETag)),
			StorageClass: string(obj.StorageClass),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (s *Store) Head(ctx context.Context, key string, alg checksum.Algorithm) (*storage.ObjectDescriptor, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	}
	if alg.Enabled() {
		input.ChecksumMode = types.ChecksumModeEnabled
	}

	out, err := withRetry(ctx, s, "HeadObject", noRewind, func() (*s3.HeadObjectOutput, error) {
		return s.api.HeadObject(ctx, input)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	d := &storage.ObjectDescriptor{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         trimETag(aws.ToString(out.ETag)),
		StorageClass: string(out.StorageClass),
	}
	if alg.Enabled() {
		value := storage.ChecksumFromMetadata(out.Metadata, alg)
		if value == "" {
			value = checksumFields{
				CRC32:     out.ChecksumCRC32,
				CRC32C:    out.ChecksumCRC32C,
				CRC64NVME: out.ChecksumCRC64NVME,
				SHA1:      out.ChecksumSHA1,
				SHA256:    out.ChecksumSHA256,
			}.pick(alg)
		}
		if value != "" {
			d.ChecksumAlgorithm = alg
			d.ChecksumValue = value
		}
	}
	return d, nil
}

func (s *Store) GetObject(ctx context.Context, key string, r storage.ByteRange) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	}
	if !r.Whole() {
		if r.End < 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", r.Start))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", r.Start, r.End))
		}
	}

	out, err := withRetry(ctx, s, "GetObject", noRewind, func() (*s3.GetObjectOutput, error) {
		return s.api.GetObject(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

// PartSizes reads the part list of a multipart object. S3 only lists the
// parts of objects uploaded with an additional checksum; for other objects
// nil is returned.
func (s *Store) PartSizes(ctx context.Context, key string) ([]int64, error) {
	input := &s3.GetObjectAttributesInput{
		Bucket:           aws.String(s.bucket),
		Key:              aws.String(s.key(key)),
		ObjectAttributes: []types.ObjectAttributes{types.ObjectAttributesObjectParts},
		MaxParts:         aws.Int32(1000),
	}

	var sizes []int64
	total := 0
	for {
		out, err := withRetry(ctx, s, "GetObjectAttributes", noRewind, func() (*s3.GetObjectAttributesOutput, error) {
			return s.api.GetObjectAttributes(ctx, input)
		})
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("get attributes of %s: %w", key, storage.ErrNotFound)
			}
			return nil, fmt.Errorf("get attributes of %s: %w", key, err)
		}
		parts := out.ObjectParts
		if parts == nil {
			return nil, nil
		}
		total = int(aws.ToInt32(parts.TotalPartsCount))
		for _, p := range parts.Parts {
			sizes = append(sizes, aws.ToInt64(p.Size))
		}
		if !aws.ToBool(parts.IsTruncated) || parts.NextPartNumberMarker == nil {
			break
		}
		input.PartNumberMarker = parts.NextPartNumberMarker
	}

	if total == 0 || len(sizes) != total {
		return nil, nil
	}
	return sizes, nil
}

func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (*storage.CommitResult, error) {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(key)),
		Body:              body,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: sdkAlgorithm(opts.ChecksumAlgorithm),
		Metadata:          opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.StorageClass != "" {
		input.StorageClass = types.StorageClass(opts.StorageClass)
	}

	out, err := withRetry(ctx, s, "PutObject", rewinder(body), func() (*s3.PutObjectOutput, error) {
		return s.api.PutObject(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return &storage.CommitResult{
		ETag: trimETag(aws.ToString(out.ETag)),
		Checksum: checksumFields{
			CRC32:     out.ChecksumCRC32,
			CRC32C:    out.ChecksumCRC32C,
			CRC64NVME: out.ChecksumCRC64NVME,
			SHA1:      out.ChecksumSHA1,
			SHA256:    out.ChecksumSHA256,
		}.pick(opts.ChecksumAlgorithm),
	}, nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(key)),
		ChecksumAlgorithm: sdkAlgorithm(opts.ChecksumAlgorithm),
		Metadata:          opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.StorageClass != "" {
		input.StorageClass = types.StorageClass(opts.StorageClass)
	}

	out, err := withRetry(ctx, s, "CreateMultipartUpload", noRewind, func() (*s3.CreateMultipartUploadOutput, error) {
		return s.api.CreateMultipartUpload(ctx, input)
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}

	uploadID := aws.ToString(out.UploadId)
	s.mu.Lock()
	s.uploadAlgs[uploadID] = opts.ChecksumAlgorithm
	s.mu.Unlock()
	return uploadID, nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64, alg checksum.Algorithm) (*storage.CompletedPart, error) {
	input := &s3.UploadPartInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(key)),
		UploadId:          aws.String(uploadID),
		PartNumber:        aws.Int32(int32(partNumber)),
		Body:              body,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: sdkAlgorithm(alg),
	}

	out, err := withRetry(ctx, s, "UploadPart", rewinder(body), func() (*s3.UploadPartOutput, error) {
		return s.api.UploadPart(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}
	return &storage.CompletedPart{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		Checksum: checksumFields{
			CRC32:     out.ChecksumCRC32,
			CRC32C:    out.ChecksumCRC32C,
			CRC64NVME: out.ChecksumCRC64NVME,
			SHA1:      out.ChecksumSHA1,
			SHA256:    out.ChecksumSHA256,
		}.pick(alg),
	}, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.CompletedPart, opts storage.PutOptions) (*storage.CommitResult, error) {
	s.mu.Lock()
	alg, ok := s.uploadAlgs[uploadID]
	s.mu.Unlock()
	if !ok {
		alg = opts.ChecksumAlgorithm
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = completedPart(alg, int32(p.PartNumber), p.ETag, p.Checksum)
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}

	out, err := withRetry(ctx, s, "CompleteMultipartUpload", noRewind, func() (*s3.CompleteMultipartUploadOutput, error) {
		return s.api.CompleteMultipartUpload(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload %s: %w", key, err)
	}

	s.forget(uploadID)
	return &storage.CommitResult{
		ETag: trimETag(aws.ToString(out.ETag)),
		Checksum: checksumFields{
			CRC32:     out.ChecksumCRC32,
			CRC32C:    out.ChecksumCRC32C,
			CRC64NVME: out.ChecksumCRC64NVME,
			SHA1:      out.ChecksumSHA1,
			SHA256:    out.ChecksumSHA256,
		}.pick(alg),
	}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	defer s.forget(uploadID)
	_, err := withRetry(ctx, s, "AbortMultipartUpload", noRewind, func() (*s3.AbortMultipartUploadOutput, error) {
		return s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(s.key(key)),
			UploadId: aws.String(uploadID),
		})
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	return nil
}

func (s *Store) forget(uploadID string) {
	s.mu.Lock()
	delete(s.uploadAlgs, uploadID)
	s.mu.Unlock()
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := withRetry(ctx, s, "DeleteObject", noRewind, func() (*s3.DeleteObjectOutput, error) {
		return s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
		})
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteObjects deletes keys in batches of up to 1000. A failed batch marks
// every key in it as failed and the remaining batches still run.
func (s *Store) DeleteObjects(ctx context.Context, keys []string) (map[string]error, error) {
	failed := make(map[string]error)
	for start := 0; start < len(keys); start += maxDeleteBatch {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		end := min(start+maxDeleteBatch, len(keys))
		batch := keys[start:end]

		ids := make([]types.ObjectIdentifier, len(batch))
		byFullKey := make(map[string]string, len(batch))
		for i, k := range batch {
			full := s.key(k)
			ids[i] = types.ObjectIdentifier{Key: aws.String(full)}
			byFullKey[full] = k
		}

		out, err := withRetry(ctx, s, "DeleteObjects", noRewind, func() (*s3.DeleteObjectsOutput, error) {
			return s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
		})
		if err != nil {
			for _, k := range batch {
				failed[k] = fmt.Errorf("delete %s: %w", k, err)
			}
			continue
		}
		for _, e := range out.Errors {
			full := aws.ToString(e.Key)
			k, ok := byFullKey[full]
			if !ok {
				k = storage.TrimKey(full, s.prefix)
			}
			failed[k] = fmt.Errorf("delete %s: %s: %s", k, aws.ToString(e.Code), aws.ToString(e.Message))
		}
	}
	return failed, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

var (
	_ storage.Storage      = (*Store)(nil)
	_ storage.BatchDeleter = (*Store)(nil)
	_ storage.PartSizer    = (*Store)(nil)
)
