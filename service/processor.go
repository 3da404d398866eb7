package service

import (
	"archive/zip"
	"babyview-pipeline/constant"
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/command"
	"babyview-pipeline/pkg/ffprobe"
	"babyview-pipeline/pkg/highlight"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrMetadataTimeout   = errors.New("metadata extraction timed out")
	ErrMetadataOutput    = errors.New("metadata parser reported an error")
	ErrNoVideoStream     = errors.New("no video stream")
)

const (
	canonicalFrameRate = "30/1"
	ntscFrameRate      = "30000/1001"
)

type ProcessorConfig struct {
	FFmpegBin      string
	FFprobeBin     string
	GPMFParserBin  string
	NVENC          bool
	ChannelTimeout time.Duration
}

// BlackoutMarker records redaction instructions as applied.
type BlackoutMarker interface {
	MarkBlackoutProcessed(ctx context.Context, ids []string) error
}

// Processor performs the local, per-video file operations. Every method
// returns an error instead of panicking; the caller decides whether the
// failure stops the record.
type Processor struct {
	run    command.Commander
	cfg    ProcessorConfig
	marker BlackoutMarker
}

func NewProcessor(run command.Commander, cfg ProcessorConfig, marker BlackoutMarker) *Processor {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 120 * time.Second
	}
	return &Processor{run: run, cfg: cfg, marker: marker}
}

// ExtractMetadata writes one <TAG>_meta.txt per telemetry channel into
// outDir. The first failing channel aborts the rest.
func (p *Processor) ExtractMetadata(ctx context.Context, raw, outDir string) error {
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		return err
	}

	for _, tag := range constant.MetadataChannels {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.ChannelTimeout)
		stdout, stderr, err := p.run.Run(cctx, p.cfg.GPMFParserBin, raw, "-f"+tag, "-a")
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()

		if writeErr := os.WriteFile(filepath.Join(outDir, tag+"_meta.txt"), stdout, 0o644); writeErr != nil {
			return fmt.Errorf("write %s metadata: %w", tag, writeErr)
		}
		if timedOut {
			return fmt.Errorf("%w: channel %s after %s", ErrMetadataTimeout, tag, p.cfg.ChannelTimeout)
		}
		if err != nil {
			return fmt.Errorf("channel %s: %w: %s", tag, err, strings.TrimSpace(string(stderr)))
		}
		if strings.Contains(strings.ToLower(string(stdout)), "error") {
			return fmt.Errorf("%w: channel %s: %s", ErrMetadataOutput, tag, firstLine(stdout))
		}
	}

	return nil
}

// Highlights parses camera highlights from raw and writes the
// GP-Highlights_<name>.txt report into outDir. Container format problems
// read as no highlights.
func (p *Processor) Highlights(ctx context.Context, raw, outDir string) ([]float64, error) {
	name := strings.TrimSuffix(filepath.Base(raw), filepath.Ext(raw))
	found, err := highlight.Parse(raw)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("file", raw).Msg("no highlight data")
		found = nil
	}

	report := filepath.Join(outDir, "GP-Highlights_"+name+".txt")
	if err := os.WriteFile(report, []byte(highlight.Report(name, found)), 0o644); err != nil {
		return found, err
	}

	return found, nil
}

// Duration probes the container duration. It returns 0 on any failure.
func (p *Processor) Duration(ctx context.Context, path string) float64 {
	result, err := ffprobe.Inspect(ctx, p.run, p.cfg.FFprobeBin, path)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("file", path).Msg("failed to probe duration")
		return 0
	}
	return result.DurationSeconds()
}

// Compress transcodes raw into <outDir>/<base>.mp4.
func (p *Processor) Compress(ctx context.Context, raw, outDir, base string) (string, error) {
	ext := strings.ToLower(filepath.Ext(raw))
	switch ext {
	case ".mp4", ".avi", ".lrv":
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(raw))
	}

	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		return "", err
	}
	out := filepath.Join(outDir, base+".mp4")

	codec := []string{"-vcodec", "libx264", "-crf", "28"}
	if p.cfg.NVENC && ext != ".lrv" {
		codec = []string{"-vcodec", "h264_nvenc", "-cq", "30"}
	}

	args := append([]string{"-y", "-i", raw}, codec...)
	args = append(args, out)
	if _, _, err := p.run.Run(ctx, p.cfg.FFmpegBin, args...); err != nil {
		return "", fmt.Errorf("compress %s: %w", filepath.Base(raw), err)
	}

	return out, nil
}

// Rotate normalizes the frame rate to 30/1 and turns landscape video
// portrait. On failure the input path is returned unchanged.
func (p *Processor) Rotate(ctx context.Context, path string, luna bool) (string, error) {
	if luna {
		return path, nil
	}

	result, err := ffprobe.Inspect(ctx, p.run, p.cfg.FFprobeBin, path)
	if err != nil {
		return path, err
	}
	video, ok := result.Video()
	if !ok {
		return path, ErrNoVideoStream
	}

	var filters []string
	if video.RFrameRate != canonicalFrameRate && video.RFrameRate != ntscFrameRate {
		filters = append(filters, "fps="+canonicalFrameRate)
	}
	if video.Landscape() {
		filters = append(filters, "transpose=2")
	}
	if len(filters) == 0 {
		return path, nil
	}

	out := siblingPath(path, "_processed")
	args := []string{
		"-y", "-i", path,
		"-map", "0:v:0", "-map", "0:a?",
		"-vf", strings.Join(filters, ","),
		"-c:a", "copy",
		out,
	}
	if _, _, err := p.run.Run(ctx, p.cfg.FFmpegBin, args...); err != nil {
		return path, fmt.Errorf("rotate %s: %w", filepath.Base(path), err)
	}

	return out, nil
}

// ApplyBlackout redacts every instruction in one ffmpeg invocation and marks
// them processed. On failure the input path is returned unchanged.
func (p *Processor) ApplyBlackout(ctx context.Context, path string, instructions []entities.BlackoutInstruction) (string, error) {
	video, audio, ids := blackoutFilters(instructions)
	if len(ids) == 0 {
		return path, nil
	}

	out := siblingPath(path, "_blackout")
	args := []string{"-y", "-i", path}
	if video != "" {
		args = append(args, "-vf", video)
	} else {
		args = append(args, "-c:v", "copy")
	}
	if audio != "" {
		args = append(args, "-af", audio)
	} else {
		args = append(args, "-c:a", "copy")
	}
	args = append(args, out)

	if _, _, err := p.run.Run(ctx, p.cfg.FFmpegBin, args...); err != nil {
		_ = os.Remove(out)
		return path, fmt.Errorf("blackout %s: %w", filepath.Base(path), err)
	}

	if p.marker != nil {
		if err := p.marker.MarkBlackoutProcessed(ctx, ids); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Strs("ids", ids).Msg("failed to mark blackout instructions processed")
		}
	}

	return out, nil
}

func blackoutFilters(instructions []entities.BlackoutInstruction) (string, string, []string) {
	var video, audio, ids []string
	for _, in := range instructions {
		if !in.Valid() {
			continue
		}
		window := fmt.Sprintf("between(t,%s,%s)", seconds(in.StartOffset), seconds(in.EndOffset))
		switch in.Action {
		case constant.BlackoutActionBlackout:
			video = append(video, fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=ih:color=black:t=fill:enable='%s'", window))
		case constant.BlackoutActionMute:
			audio = append(audio, fmt.Sprintf("volume=enable='%s':volume=0", window))
		}
		ids = append(ids, in.ID)
	}
	return strings.Join(video, ","), strings.Join(audio, ","), ids
}

// ZipMetadata archives the files of dir, flat, into zipPath.
func (p *Processor) ZipMetadata(dir, zipPath string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(f)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addToZip(zw, filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
			zw.Close()
			f.Close()
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	return zipPath, nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// ClearWorkingDirs empties each root. Entries that cannot be removed are
// logged and skipped.
func (p *Processor) ClearWorkingDirs(ctx context.Context, roots ...string) {
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				zerolog.Ctx(ctx).Warn().Err(err).Str("root", root).Msg("failed to list working directory")
			}
			continue
		}
		for _, entry := range entries {
			target := filepath.Join(root, entry.Name())
			if err := os.RemoveAll(target); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("path", target).Msg("failed to delete")
			}
		}
	}
}

func siblingPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
