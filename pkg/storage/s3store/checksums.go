package s3store

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yuya-takeyama/strict-sync/internal/checksum"
)

// checksumFields mirrors the per-algorithm checksum fields S3 responses carry.
type checksumFields struct {
	CRC32, CRC32C, CRC64NVME, SHA1, SHA256 *string
}

func (f checksumFields) pick(a checksum.Algorithm) string {
	switch a {
	case checksum.CRC32:
		return aws.ToString(f.CRC32)
	case checksum.CRC32C:
		return aws.ToString(f.CRC32C)
	case checksum.CRC64NVME:
		return aws.ToString(f.CRC64NVME)
	case checksum.SHA1:
		return aws.ToString(f.SHA1)
	case checksum.SHA256:
		return aws.ToString(f.SHA256)
	}
	return ""
}

func sdkAlgorithm(a checksum.Algorithm) types.ChecksumAlgorithm {
	switch a {
	case checksum.CRC32:
		return types.ChecksumAlgorithmCrc32
	case checksum.CRC32C:
		return types.ChecksumAlgorithmCrc32c
	case checksum.CRC64NVME:
		return types.ChecksumAlgorithmCrc64nvme
	case checksum.SHA1:
		return types.ChecksumAlgorithmSha1
	case checksum.SHA256:
		return types.ChecksumAlgorithmSha256
	}
	return ""
}

func completedPart(a checksum.Algorithm, number int32, etag, sum string) types.CompletedPart {
	part := types.CompletedPart{
		PartNumber: aws.Int32(number),
		ETag:       aws.String(etag),
	}
	if sum == "" {
		return part
	}
	switch a {
	case checksum.CRC32:
		part.ChecksumCRC32 = aws.String(sum)
	case checksum.CRC32C:
		part.ChecksumCRC32C = aws.String(sum)
	case checksum.CRC64NVME:
		part.ChecksumCRC64NVME = aws.String(sum)
	case checksum.SHA1:
		part.ChecksumSHA1 = aws.String(sum)
	case checksum.SHA256:
		part.ChecksumSHA256 = aws.String(sum)
	}
	return part
}
