package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// URIScheme prefixes Cloud Storage object URIs.
const URIScheme = "gs://"

// StorageService provides an interface for cloud storage operations.
// This interface enables mocking and testing of storage functionality.
type StorageService interface {
	// UploadFile uploads a local file to a storage bucket under the given object name.
	UploadFile(ctx context.Context, bucketName, objectName, filePath string) error

	// Fetch downloads the object at a gs:// URI.
	Fetch(ctx context.Context, uri string) ([]byte, error)

	// List returns the gs:// URIs of objects under prefix.
	List(ctx context.Context, bucketName, prefix string) ([]string, error)
}

// IsURI reports whether s looks like a Cloud Storage URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, URIScheme)
}

// ParseURI splits gs://bucket/path/to/object into bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	if !IsURI(uri) {
		return "", "", fmt.Errorf("ParseURI: invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, URIScheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("ParseURI: invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// ObjectURI builds gs://bucket/object.
func ObjectURI(bucket, object string) string {
	return URIScheme + bucket + "/" + strings.TrimPrefix(object, "/")
}

// ExtractFilename extracts the filename from a storage URI.
// e.g., "gs://bucket/folder/report.json" → "report.json"
func ExtractFilename(uri string) string {
	trimmed := strings.TrimPrefix(uri, URIScheme)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}
