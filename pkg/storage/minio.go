package storage

import (
	"babyview-pipeline/pkg/progress"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

type MinIOConfig struct {
	URL             string
	AccessID        string
	SecretAccessKey string
	Secure          bool
	Region          string
}

type minioStore struct {
	client *minio.Client
	region string
}

func NewMinIO(cfg MinIOConfig) (ObjectStorage, error) {
	client, err := minio.New(cfg.URL, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &minioStore{client: client, region: cfg.Region}, nil
}

func (m *minioStore) Upload(ctx context.Context, localPath, dest, bucket string) error {
	_, err := m.client.FPutObject(ctx, bucket, dest, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, dest, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", bucket).Str("object", dest).Msg("uploaded object")
	return nil
}

func (m *minioStore) Download(ctx context.Context, bucket, blob, localPath string) error {
	obj, err := m.client.GetObject(ctx, bucket, blob, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, blob, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, blob, err)
	}

	f, part, err := createPart(localPath)
	if err != nil {
		return err
	}
	_, copyErr := progress.Copy(f, obj, info.Size, "download "+filepath.Base(blob))
	return commitPart(f, part, localPath, copyErr)
}

func (m *minioStore) DeleteBySubstring(ctx context.Context, bucket, substr string) ([]string, error) {
	if strings.TrimSpace(substr) == "" {
		return nil, errors.New("refusing to delete with an empty match")
	}

	var (
		deleted []string
		errs    []error
	)
	for blob, err := range m.ListBlobs(ctx, bucket, "") {
		if err != nil {
			return deleted, err
		}
		if !strings.Contains(blob.Name, substr) {
			continue
		}
		if err := m.client.RemoveObject(ctx, bucket, blob.Name, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", bucket, blob.Name, err))
			continue
		}
		deleted = append(deleted, blob.Name)
	}
	return deleted, errors.Join(errs...)
}

func (m *minioStore) ListBlobs(ctx context.Context, bucket, prefix string) iter.Seq2[BlobInfo, error] {
	return func(yield func(BlobInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				yield(BlobInfo{}, obj.Err)
				return
			}
			if !yield(BlobInfo{Name: obj.Key, Size: obj.Size}, nil) {
				return
			}
		}
	}
}

func (m *minioStore) EnsureBucket(ctx context.Context, name string) error {
	exists, err := m.client.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", name).Msg("created bucket")
	return nil
}

func (m *minioStore) PutJSON(ctx context.Context, bucket, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, bucket, name, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
