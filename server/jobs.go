package server

import (
	"babyview-pipeline/config"
	"babyview-pipeline/dto"
	"babyview-pipeline/pkg/highlight"
	"babyview-pipeline/pkg/rabbitmq"
	"babyview-pipeline/service"
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
)

func signalContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
}

// RunProcess executes one pipeline run in the foreground.
func RunProcess(cfg *config.Config, req dto.RunRequest) error {
	ctx, cancel := signalContext(cfg)
	defer cancel()

	deps, err := NewDeps(ctx, cfg)
	if err != nil {
		return err
	}
	_, err = deps.Pipeline(cfg).Run(ctx, req)
	return err
}

func RunDriveCleanup(cfg *config.Config, req dto.DriveCleanupRequest) error {
	ctx, cancel := signalContext(cfg)
	defer cancel()

	deps, err := NewDeps(ctx, cfg)
	if err != nil {
		return err
	}
	_, err = deps.Maintenance(cfg).DriveCleanup(ctx, req)
	return err
}

func RunArchiveBackfill(cfg *config.Config, req dto.BackfillRequest) error {
	ctx, cancel := signalContext(cfg)
	defer cancel()

	deps, err := NewDeps(ctx, cfg)
	if err != nil {
		return err
	}
	_, err = deps.Maintenance(cfg).ArchiveBackfill(ctx, req)
	return err
}

// RunExtract extracts telemetry for every MP4 under dir without touching
// tracking rows or cloud storage, then prints a result table to out.
func RunExtract(cfg *config.Config, dir string, workers int, out io.Writer) error {
	ctx, cancel := signalContext(cfg)
	defer cancel()

	results, err := service.NewExtractor(NewProcessor(cfg, nil), workers).Run(ctx, dir)
	if len(results) > 0 {
		fmt.Fprintln(out, renderBatch(dir, results))
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

func renderBatch(dir string, results []service.BatchResult) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("extract " + dir)
	tw.AppendHeader(table.Row{"file", "highlights", "error"})
	for _, r := range results {
		name, err := filepath.Rel(dir, r.File)
		if err != nil {
			name = r.File
		}
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		tw.AppendRow(table.Row{name, strconv.Itoa(len(r.Highlights)), msg})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, WidthMax: 60},
	})
	return tw.Render()
}

// PrintHighlights writes the highlight report of one local file to out.
func PrintHighlights(path string, out io.Writer) error {
	found, err := highlight.Parse(path)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	_, err = io.WriteString(out, highlight.Report(name, found))
	return err
}

// Trigger publishes a run request for the worker and returns its message id.
func Trigger(cfg *config.Config, req dto.RunRequest) (string, error) {
	ctx, cancel := signalContext(cfg)
	defer cancel()

	if req.RunId == uuid.Nil {
		req.RunId = uuid.New()
	}
	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		return "", err
	}

	id, err := rabbitmq.NewPublisher(conn, cfg.Queue).Publish(ctx, req)
	if err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Info().Str("message_id", id).Str("run_id", req.RunId.String()).Msg("published run request")
	return id, nil
}
