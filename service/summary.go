package service

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/dto"
	"babyview-pipeline/pkg/storage"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
)

// Category groups run log messages.
type Category string

const (
	LogTracking          Category = "airtable"
	LogResolveFail       Category = "loading_download_info_error"
	LogRawSuccess        Category = "process_raw_success"
	LogRawFail           Category = "process_raw_fail"
	LogStorageSuccess    Category = "storage_upload_success"
	LogStorageFail       Category = "storage_upload_fail"
	LogMetaFail          Category = "meta_extract_fail"
	LogHighlightsFail    Category = "get_highlights_fail"
	LogCompressFail      Category = "compress_zip_fail"
	LogRotateFail        Category = "rotation_fail"
	LogBlackoutFail      Category = "blackout_fail"
	LogHighlightDetected Category = "gopro_highlight_detected"
	LogDeletion          Category = "file_deletion"
	LogArchive           Category = "databrary"
	LogWriteBack         Category = "tracking_update_fail"
	LogSkipped           Category = "skipped"
	LogLeaseFail         Category = "lease_fail"
	LogPanic             Category = "panic"
	LogDriveTrash        Category = "drive_trash"
	LogDriveTrashFail    Category = "drive_trash_fail"
)

const (
	logNamePrefix          = "hs-babyview-upload-log-"
	logNameTimestampLayout = "20060102150405"
)

// RunLog collects per-category messages and outcome counts for one run.
type RunLog struct {
	mu       sync.Mutex
	entries  map[Category][]string
	statuses map[constant.VideoStatus]int
}

func NewRunLog() *RunLog {
	return &RunLog{entries: map[Category][]string{}, statuses: map[constant.VideoStatus]int{}}
}

func (l *RunLog) Add(cat Category, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[cat] = append(l.entries[cat], fmt.Sprintf(format, args...))
}

func (l *RunLog) Count(s constant.VideoStatus) {
	if s == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[s]++
}

func (l *RunLog) Entries(cat Category) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries[cat])
}

func (l *RunLog) Summary(runID uuid.UUID, kind string, started, finished time.Time, selected int, dryRun bool) dto.RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := dto.RunSummary{
		RunId:      runID,
		Kind:       kind,
		StartedAt:  started,
		FinishedAt: finished,
		DryRun:     dryRun,
		Selected:   selected,
		Statuses:   map[string]int{},
		Logs:       map[string][]string{},
	}
	for s, n := range l.statuses {
		out.Statuses[s.String()] = n
	}
	for c, msgs := range l.entries {
		out.Logs[string(c)] = slices.Clone(msgs)
	}
	return out
}

// RenderSummary draws the outcome counts and log category sizes as a table.
func RenderSummary(s dto.RunSummary) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(fmt.Sprintf("%s run %s", s.Kind, s.RunId))
	tw.AppendHeader(table.Row{"group", "name", "count"})

	for _, status := range slices.Sorted(maps.Keys(s.Statuses)) {
		tw.AppendRow(table.Row{"status", status, strconv.Itoa(s.Statuses[status])})
	}
	tw.AppendSeparator()
	for _, cat := range slices.Sorted(maps.Keys(s.Logs)) {
		tw.AppendRow(table.Row{"log", cat, strconv.Itoa(len(s.Logs[cat]))})
	}
	tw.AppendFooter(table.Row{"", "selected", strconv.Itoa(s.Selected)})

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

// LogName is the object name the run summary is uploaded under.
func LogName(at time.Time) string {
	return logNamePrefix + at.Format(logNameTimestampLayout) + ".json"
}

// publishSummary prints the summary and uploads it to the logs bucket. Upload
// failures are logged only.
func publishSummary(ctx context.Context, store storage.ObjectStorage, bucket string, s dto.RunSummary) {
	zerolog.Ctx(ctx).Info().Msg("run summary\n" + RenderSummary(s))
	if s.DryRun || bucket == "" {
		return
	}
	name := LogName(s.FinishedAt)
	if err := store.PutJSON(ctx, bucket, name, s); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("bucket", bucket).Str("object", name).Msg("failed to upload run summary")
		return
	}
	zerolog.Ctx(ctx).Info().Str("bucket", bucket).Str("object", name).Msg("uploaded run summary")
}
