package s3store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3API is a func-field implementation of S3API for testing
type mockS3API struct {
	listObjectsV2Func           func(ctx context.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	headObjectFunc              func(ctx context.Context, in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	getObjectFunc               func(ctx context.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	getObjectAttributesFunc     func(ctx context.Context, in *s3.GetObjectAttributesInput) (*s3.GetObjectAttributesOutput, error)
	putObjectFunc               func(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	createMultipartUploadFunc   func(ctx context.Context, in *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	uploadPartFunc              func(ctx context.Context, in *s3.UploadPartInput) (*s3.UploadPartOutput, error)
	completeMultipartUploadFunc func(ctx context.Context, in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	abortMultipartUploadFunc    func(ctx context.Context, in *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)
	deleteObjectFunc            func(ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
	deleteObjectsFunc           func(ctx context.Context, in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error)
}

func (m *mockS3API) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listObjectsV2Func != nil {
		return m.listObjectsV2Func(ctx, in)
	}
	return nil, fmt.Errorf("ListObjectsV2 not implemented")
}

func (m *mockS3API) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headObjectFunc != nil {
		return m.headObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("HeadObject not implemented")
}

func (m *mockS3API) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getObjectFunc != nil {
		return m.getObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("GetObject not implemented")
}

func (m *mockS3API) GetObjectAttributes(ctx context.Context, in *s3.GetObjectAttributesInput, _ ...func(*s3.Options)) (*s3.GetObjectAttributesOutput, error) {
	if m.getObjectAttributesFunc != nil {
		return m.getObjectAttributesFunc(ctx, in)
	}
	return nil, fmt.Errorf("GetObjectAttributes not implemented")
}

func (m *mockS3API) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("PutObject not implemented")
}

func (m *mockS3API) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.createMultipartUploadFunc != nil {
		return m.createMultipartUploadFunc(ctx, in)
	}
	return nil, fmt.Errorf("CreateMultipartUpload not implemented")
}

func (m *mockS3API) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.uploadPartFunc != nil {
		return m.uploadPartFunc(ctx, in)
	}
	return nil, fmt.Errorf("UploadPart not implemented")
}

func (m *mockS3API) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.completeMultipartUploadFunc != nil {
		return m.completeMultipartUploadFunc(ctx, in)
	}
	return nil, fmt.Errorf("CompleteMultipartUpload not implemented")
}

func (m *mockS3API) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.abortMultipartUploadFunc != nil {
		return m.abortMultipartUploadFunc(ctx, in)
	}
	return nil, fmt.Errorf("AbortMultipartUpload not implemented")
}

func (m *mockS3API) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteObjectFunc != nil {
		return m.deleteObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("DeleteObject not implemented")
}

func (m *mockS3API) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if m.deleteObjectsFunc != nil {
		return m.deleteObjectsFunc(ctx, in)
	}
	return nil, fmt.Errorf("DeleteObjects not implemented")
}
