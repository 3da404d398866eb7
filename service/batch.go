package service

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNoInputs = errors.New("no telemetry-bearing videos found")

// BatchResult is the outcome for one local file.
type BatchResult struct {
	File        string
	MetadataDir string
	Highlights  []float64
	Err         error
}

// Extractor runs metadata and highlight extraction over files already on
// disk. It never touches tracking rows or cloud storage.
type Extractor struct {
	proc    *Processor
	workers int
}

func NewExtractor(proc *Processor, workers int) *Extractor {
	if workers <= 0 {
		workers = 1
	}
	return &Extractor{proc: proc, workers: workers}
}

// Run walks dir for MP4 files and extracts each into <file>_metadata next to
// it. Per-file failures land in the result; the returned error is set only
// when the walk fails or ctx is cancelled.
func (e *Extractor) Run(ctx context.Context, dir string) ([]BatchResult, error) {
	files, err := telemetryFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoInputs
	}

	var (
		mu      sync.Mutex
		results = make([]BatchResult, 0, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, file := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res := e.extract(gctx, file)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	slices.SortFunc(results, func(a, b BatchResult) int { return strings.Compare(a.File, b.File) })
	return results, err
}

func (e *Extractor) extract(ctx context.Context, file string) BatchResult {
	logger := zerolog.Ctx(ctx).With().Str("file", file).Logger()
	res := BatchResult{
		File:        file,
		MetadataDir: strings.TrimSuffix(file, filepath.Ext(file)) + "_metadata",
	}

	if err := e.proc.ExtractMetadata(ctx, file, res.MetadataDir); err != nil {
		logger.Error().Err(err).Msg("metadata extraction failed")
		res.Err = err
		return res
	}
	found, err := e.proc.Highlights(ctx, file, res.MetadataDir)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to write highlight report")
	}
	res.Highlights = found

	logger.Info().Int("highlights", len(found)).Msg("extracted")
	return res
}

func telemetryFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasSuffix(d.Name(), "_metadata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".mp4") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}
