// Package storage archives pipeline artifacts in object storage. GCS is the
// production backend; MinIO serves local and S3-compatible deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

var ErrBadLocation = errors.New("object location must be bucket/path")

type BlobInfo struct {
	Name string
	Size int64
}

// ObjectStorage is the contract the pipeline needs from a blob store.
type ObjectStorage interface {
	Upload(ctx context.Context, localPath, dest, bucket string) error
	Download(ctx context.Context, bucket, blob, localPath string) error
	// DeleteBySubstring removes every object whose name contains substr and
	// returns the names deleted, including on partial failure.
	DeleteBySubstring(ctx context.Context, bucket, substr string) ([]string, error)
	ListBlobs(ctx context.Context, bucket, prefix string) iter.Seq2[BlobInfo, error]
	EnsureBucket(ctx context.Context, name string) error
	PutJSON(ctx context.Context, bucket, name string, v any) error
}

// ParseLocation splits a tracking-row location "bucket/path/to/object".
func ParseLocation(loc string) (bucket, object string, err error) {
	bucket, object, ok := strings.Cut(strings.TrimSpace(loc), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadLocation, loc)
	}
	return bucket, object, nil
}

// createPart opens <localPath>.part for writing, creating parent folders.
func createPart(localPath string) (*os.File, string, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return nil, "", err
	}
	part := localPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return nil, "", err
	}
	return f, part, nil
}

// commitPart closes f and renames it into place, removing it on failure.
func commitPart(f *os.File, part, localPath string, copyErr error) error {
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(part)
		return err
	}
	return os.Rename(part, localPath)
}
