// Package drive locates and fetches raw recordings from the shared source
// drive.
package drive

import (
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/progress"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("not found on drive")

// Ref is a resolved source file.
type Ref struct {
	ID   string
	Name string
	Path string
}

// Files is the subset of the drive API the gateway walks with.
type Files interface {
	// FindChild returns the id of the first child of parentID named name, or
	// "" when there is none.
	FindChild(ctx context.Context, parentID, name string, folder bool) (string, error)
	Fetch(ctx context.Context, fileID string) (io.ReadCloser, int64, error)
	Trash(ctx context.Context, fileID string) error
}

type Gateway interface {
	Resolve(ctx context.Context, v entities.Video) (Ref, error)
	Download(ctx context.Context, ref Ref, localPath string) error
	Trash(ctx context.Context, fileID string) error
}

// Roots are the entry folder ids per dataset.
type Roots struct {
	Main string
	Bing string
}

type gateway struct {
	files Files
	roots Roots
}

func NewGateway(files Files, roots Roots) Gateway {
	return &gateway{files: files, roots: roots}
}

func (g *gateway) Resolve(ctx context.Context, v entities.Video) (Ref, error) {
	if len(v.DriveFolderPath) == 0 || v.SourceFileName == "" {
		return Ref{}, fmt.Errorf("%w: %s has no drive path", ErrNotFound, v)
	}

	parent := g.roots.Main
	if v.IsBing() {
		parent = g.roots.Bing
	}

	for _, folder := range v.DriveFolderPath {
		id, err := g.files.FindChild(ctx, parent, folder, true)
		if err != nil {
			return Ref{}, fmt.Errorf("lookup folder %q: %w", folder, err)
		}
		if id == "" {
			return Ref{}, fmt.Errorf("%w: %s folder %q", ErrNotFound, v, folder)
		}
		parent = id
	}

	id, err := g.files.FindChild(ctx, parent, v.SourceFileName, false)
	if err != nil {
		return Ref{}, fmt.Errorf("lookup file %q: %w", v.SourceFileName, err)
	}
	if id == "" {
		return Ref{}, fmt.Errorf("%w: %s video %q", ErrNotFound, v, v.SourceFileName)
	}

	return Ref{ID: id, Name: v.SourceFileName, Path: v.SourceFilePath}, nil
}

// Download streams ref into localPath. An existing localPath is kept as is.
func (g *gateway) Download(ctx context.Context, ref Ref, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		zerolog.Ctx(ctx).Info().Str("path", localPath).Msg("source already downloaded, skipping")
		return nil
	}

	body, size, err := g.files.Fetch(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref.Path, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return err
	}
	part := localPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}

	_, copyErr := progress.Copy(f, body, size, "download "+ref.Name)
	if err := errors.Join(copyErr, f.Close()); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("download %s: %w", ref.Path, err)
	}
	if err := os.Rename(part, localPath); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("source", ref.Path).Str("path", localPath).Msg("downloaded source")
	return nil
}

func (g *gateway) Trash(ctx context.Context, fileID string) error {
	return g.files.Trash(ctx, fileID)
}
