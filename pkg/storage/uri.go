package storage

import (
	"fmt"
	"path"
	"strings"
)

// Scheme identifies the backend an endpoint URI selects.
type Scheme string

const (
	SchemeS3    Scheme = "s3"
	SchemeMinIO Scheme = "minio"
	SchemeLocal Scheme = "local"
)

// Location is a parsed endpoint URI.
type Location struct {
	Scheme Scheme
	// Host is the MinIO endpoint host[:port].
	Host   string
	Secure bool
	Bucket string
	// Prefix has no leading or trailing slash.
	Prefix string
	// Path is the local directory.
	Path string
}

func (l Location) String() string {
	switch l.Scheme {
	case SchemeS3:
		return "s3://" + path.Join(l.Bucket, l.Prefix)
	case SchemeMinIO:
		scheme := "minio"
		if !l.Secure {
			scheme = "minio+http"
		}
		return scheme + "://" + path.Join(l.Host, l.Bucket, l.Prefix)
	}
	return l.Path
}

// ParseLocation parses s3://bucket/prefix, minio://host/bucket/prefix,
// minio+http://host/bucket/prefix, or a local path.
func ParseLocation(uri string) (Location, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		bucket, prefix, err := splitBucket(strings.TrimPrefix(uri, "s3://"))
		if err != nil {
			return Location{}, fmt.Errorf("invalid S3 URI %q: %w", uri, err)
		}
		return Location{Scheme: SchemeS3, Bucket: bucket, Prefix: prefix}, nil

	case strings.HasPrefix(uri, "minio://"), strings.HasPrefix(uri, "minio+http://"):
		secure := strings.HasPrefix(uri, "minio://")
		rest := strings.TrimPrefix(strings.TrimPrefix(uri, "minio://"), "minio+http://")
		host, after, ok := strings.Cut(rest, "/")
		if !ok || host == "" {
			return Location{}, fmt.Errorf("invalid MinIO URI %q: missing host or bucket", uri)
		}
		bucket, prefix, err := splitBucket(after)
		if err != nil {
			return Location{}, fmt.Errorf("invalid MinIO URI %q: %w", uri, err)
		}
		return Location{Scheme: SchemeMinIO, Host: host, Secure: secure, Bucket: bucket, Prefix: prefix}, nil

	case strings.Contains(uri, "://"):
		return Location{}, fmt.Errorf("unsupported URI scheme in %q", uri)
	}

	if uri == "" {
		return Location{}, fmt.Errorf("empty path")
	}
	return Location{Scheme: SchemeLocal, Path: uri}, nil
}

func splitBucket(s string) (bucket, prefix string, err error) {
	parts := strings.SplitN(s, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("missing bucket name")
	}
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.Trim(path.Clean("/"+parts[1]), "/")
	}
	return bucket, prefix, nil
}

// JoinKey joins a relative key onto prefix.
func JoinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// TrimKey strips prefix and its trailing slash from a full key. Keys outside
// prefix are returned unchanged.
func TrimKey(key, prefix string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}
