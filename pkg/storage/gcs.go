package storage

import (
	"babyview-pipeline/pkg/progress"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Location        string
}

type gcs struct {
	client    *storage.Client
	projectID string
	location  string
}

// NewGCS builds a client from a service account file, or from application
// default credentials when none is configured.
func NewGCS(ctx context.Context, cfg GCSConfig) (ObjectStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read gcs credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, b, storage.ScopeFullControl)
		if err != nil {
			return nil, fmt.Errorf("parse gcs credentials: %w", err)
		}
		if cfg.ProjectID == "" {
			cfg.ProjectID = creds.ProjectID
		}
		opts = append(opts, option.WithCredentials(creds))
	} else if cfg.ProjectID == "" {
		creds, err := google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		cfg.ProjectID = creds.ProjectID
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	if cfg.Location == "" {
		cfg.Location = "US"
	}

	return &gcs{client: client, projectID: cfg.ProjectID, location: cfg.Location}, nil
}

func (g *gcs) Upload(ctx context.Context, localPath, dest, bucket string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	err = writeObject(ctx, g.client.Bucket(bucket).Object(dest), "", func(w io.Writer) error {
		_, err := progress.Copy(w, f, info.Size(), "upload "+filepath.Base(dest))
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, dest, err)
	}

	zerolog.Ctx(ctx).Info().Str("bucket", bucket).Str("object", dest).Msg("uploaded object")
	return nil
}

func (g *gcs) Download(ctx context.Context, bucket, blob, localPath string) error {
	r, err := g.client.Bucket(bucket).Object(blob).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, blob, err)
	}
	defer r.Close()

	f, part, err := createPart(localPath)
	if err != nil {
		return err
	}
	_, copyErr := progress.Copy(f, r, r.Attrs.Size, "download "+filepath.Base(blob))
	return commitPart(f, part, localPath, copyErr)
}

func (g *gcs) DeleteBySubstring(ctx context.Context, bucket, substr string) ([]string, error) {
	if strings.TrimSpace(substr) == "" {
		return nil, errors.New("refusing to delete with an empty match")
	}

	var (
		deleted []string
		errs    []error
	)
	for blob, err := range g.ListBlobs(ctx, bucket, "") {
		if err != nil {
			return deleted, err
		}
		if !strings.Contains(blob.Name, substr) {
			continue
		}
		if err := g.client.Bucket(bucket).Object(blob.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", bucket, blob.Name, err))
			continue
		}
		deleted = append(deleted, blob.Name)
	}

	return deleted, errors.Join(errs...)
}

func (g *gcs) ListBlobs(ctx context.Context, bucket, prefix string) iter.Seq2[BlobInfo, error] {
	return func(yield func(BlobInfo, error) bool) {
		it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(BlobInfo{}, err)
				return
			}
			if !yield(BlobInfo{Name: attrs.Name, Size: attrs.Size}, nil) {
				return
			}
		}
	}
}

func (g *gcs) EnsureBucket(ctx context.Context, name string) error {
	b := g.client.Bucket(name)
	_, err := b.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}

	err = b.Create(ctx, g.projectID, &storage.BucketAttrs{
		Location:                 g.location,
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
		PublicAccessPrevention:   storage.PublicAccessPreventionEnforced,
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}

	zerolog.Ctx(ctx).Info().Str("bucket", name).Msg("created bucket")
	return nil
}

func (g *gcs) PutJSON(ctx context.Context, bucket, name string, v any) error {
	return writeObject(ctx, g.client.Bucket(bucket).Object(name), "application/json", func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeObject streams into obj and commits on success. On a write error the
// writer's context is cancelled instead of closing it, so no partial object
// is created.
func writeObject(ctx context.Context, obj *storage.ObjectHandle, contentType string, write func(io.Writer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if err := write(w); err != nil {
		cancel()
		return err
	}
	return w.Close()
}
