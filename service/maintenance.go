package service

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/dto"
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/databrary"
	"babyview-pipeline/pkg/drive"
	"babyview-pipeline/pkg/storage"
	"babyview-pipeline/repository"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultCleanupDays = 180

var ErrArchiveDisabled = errors.New("archive uploads are not configured")

// Maintenance holds the jobs that revisit already processed rows.
type Maintenance struct {
	tracking repository.TrackingRepository
	store    storage.ObjectStorage
	gateway  drive.Gateway
	archive  databrary.Uploader
	cfg      MaintenanceConfig
	now      func() time.Time
}

type MaintenanceConfig struct {
	BackfillRoot string
	LogsBucket   string
	Location     *time.Location
}

func NewMaintenance(
	tracking repository.TrackingRepository,
	store storage.ObjectStorage,
	gateway drive.Gateway,
	archive databrary.Uploader,
	cfg MaintenanceConfig,
) *Maintenance {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Maintenance{
		tracking: tracking,
		store:    store,
		gateway:  gateway,
		archive:  archive,
		cfg:      cfg,
		now:      time.Now,
	}
}

// DriveCleanup moves the drive source of every processed row older than
// DaysOld days to the drive trash and records the trash date.
func (m *Maintenance) DriveCleanup(ctx context.Context, req dto.DriveCleanupRequest) (dto.RunSummary, error) {
	runID := uuid.New()
	ctx = zerolog.Ctx(ctx).With().Str("run_id", runID.String()).Str("job", "drive-cleanup").Logger().WithContext(ctx)

	days := req.DaysOld
	if days <= 0 {
		days = DefaultCleanupDays
	}
	started := m.now().In(m.cfg.Location)
	filter := repository.AllOf(
		repository.StatusIs(constant.StatusSuccessfullyProcessed),
		repository.FieldNotEmpty("pipeline_run_date"),
		repository.OlderThan("pipeline_run_date", days, started),
		repository.FieldEmpty("drive_trashed_date"),
	)

	rows, err := m.selectRows(ctx, filter, req.Limit)
	if err != nil {
		return dto.RunSummary{}, err
	}

	runLog := NewRunLog()
	runLog.Add(LogTracking, "%d_Loaded", len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		m.trashSource(ctx, row, started, req.DryRun, runLog)
	}

	summary := runLog.Summary(runID, "drive-cleanup", started, m.now().In(m.cfg.Location), len(rows), req.DryRun)
	publishSummary(ctx, m.store, m.cfg.LogsBucket, summary)
	return summary, ctx.Err()
}

func (m *Maintenance) trashSource(ctx context.Context, row entities.VideoRow, today time.Time, dryRun bool, runLog *RunLog) {
	v, err := entities.NewVideo(row)
	if err != nil {
		runLog.Add(LogDriveTrashFail, "%s_%v", v, err)
		return
	}

	ref, err := m.gateway.Resolve(ctx, v)
	if err != nil {
		runLog.Add(LogDriveTrashFail, "%s_%v", v, err)
		return
	}
	if dryRun {
		runLog.Add(LogDriveTrash, "%s_would_trash_%s", v, ref.Path)
		return
	}

	if err := m.gateway.Trash(ctx, ref.ID); err != nil {
		runLog.Add(LogDriveTrashFail, "%s_%v", v, err)
		return
	}
	runLog.Add(LogDriveTrash, "%s_trashed_%s", v, ref.Path)

	update := entities.VideoUpdate{DriveTrashedDate: today.Format(runDateLayout)}
	if err := m.tracking.UpdateVideo(ctx, v.RecordID, update); err != nil {
		runLog.Add(LogWriteBack, "%s_%v", v, err)
	}
}

// ArchiveBackfill pushes processed videos that never reached the archive,
// fetching each from object storage.
func (m *Maintenance) ArchiveBackfill(ctx context.Context, req dto.BackfillRequest) (dto.RunSummary, error) {
	if m.archive == nil {
		return dto.RunSummary{}, ErrArchiveDisabled
	}
	runID := uuid.New()
	ctx = zerolog.Ctx(ctx).With().Str("run_id", runID.String()).Str("job", "archive-backfill").Logger().WithContext(ctx)

	parts := []repository.Predicate{
		repository.StatusIs(constant.StatusSuccessfullyProcessed),
		repository.FieldNotEmpty("gcp_storage_video_location"),
		repository.FieldEmpty("databrary_upload_date"),
	}
	if req.FilterKey != "" {
		field, err := repository.FieldFilter(req.FilterKey, req.FilterValues)
		if err != nil {
			return dto.RunSummary{}, err
		}
		parts = append(parts, field)
	}

	rows, err := m.selectRows(ctx, repository.AllOf(parts...), req.Limit)
	if err != nil {
		return dto.RunSummary{}, err
	}

	started := m.now().In(m.cfg.Location)
	runLog := NewRunLog()
	runLog.Add(LogTracking, "%d_Loaded", len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		m.backfill(ctx, row, started, req.DryRun, runLog)
	}

	summary := runLog.Summary(runID, "archive-backfill", started, m.now().In(m.cfg.Location), len(rows), req.DryRun)
	publishSummary(ctx, m.store, m.cfg.LogsBucket, summary)
	return summary, ctx.Err()
}

func (m *Maintenance) backfill(ctx context.Context, row entities.VideoRow, today time.Time, dryRun bool, runLog *RunLog) {
	v, err := entities.NewVideo(row)
	if err != nil {
		runLog.Add(LogArchive, "%s_%v", v, err)
		return
	}

	bucket, object, err := storage.ParseLocation(row.GcpStorageVideoLocation)
	if err != nil {
		runLog.Add(LogArchive, "%s_%v", v, err)
		return
	}
	if dryRun {
		runLog.Add(LogArchive, "%s_would_archive_%s", v, row.GcpStorageVideoLocation)
		return
	}

	local := filepath.Join(m.cfg.BackfillRoot, filepath.FromSlash(object))
	defer func() {
		if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file", local).Msg("failed to delete backfill file")
		}
	}()
	if err := m.store.Download(ctx, bucket, object, local); err != nil {
		runLog.Add(LogArchive, "%s_%v", v, fmt.Errorf("download %s: %w", row.GcpStorageVideoLocation, err))
		return
	}

	out := m.archive.Upload(ctx, databrary.Request{
		SubjectID:  v.SubjectID,
		Dataset:    v.Dataset,
		LocalPath:  local,
		Filename:   path.Base(object),
		SourceDate: v.RecordingDate,
	})
	runLog.Add(LogArchive, "%s_%s", v, out.Value())

	update := entities.VideoUpdate{
		DatabraryUploadDate:      today.Format(runDateLayout),
		DatabraryUploadStatusURL: out.Value(),
	}
	if err := m.tracking.UpdateVideo(ctx, v.RecordID, update); err != nil {
		runLog.Add(LogWriteBack, "%s_%v", v, err)
	}
}

func (m *Maintenance) selectRows(ctx context.Context, filter repository.Predicate, limit int) ([]entities.VideoRow, error) {
	rows, err := m.tracking.FindVideos(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query tracking rows: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	zerolog.Ctx(ctx).Info().Int("rows", len(rows)).Msg("selected rows")
	return rows, nil
}
