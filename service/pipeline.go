package service

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/dto"
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/databrary"
	"babyview-pipeline/pkg/drive"
	"babyview-pipeline/pkg/lease"
	"babyview-pipeline/pkg/storage"
	"babyview-pipeline/repository"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const runDateLayout = "2006-01-02"

type PipelineConfig struct {
	RawRoot       string
	ProcessedRoot string
	LockDir       string
	LogsBucket    string
	Location      *time.Location
}

// Pipeline drives every selected tracking row through deletion, retrieval,
// telemetry extraction, packaging and write-back, one row at a time.
type Pipeline struct {
	tracking repository.TrackingRepository
	store    storage.ObjectStorage
	gateway  drive.Gateway
	proc     *Processor
	archive  databrary.Uploader
	lease    lease.Lease
	cfg      PipelineConfig
	now      func() time.Time
}

// NewPipeline wires the collaborators. archive may be nil when archive
// uploads are disabled; leases may be nil for a single-host deployment.
func NewPipeline(
	tracking repository.TrackingRepository,
	store storage.ObjectStorage,
	gateway drive.Gateway,
	proc *Processor,
	archive databrary.Uploader,
	leases lease.Lease,
	cfg PipelineConfig,
) *Pipeline {
	if leases == nil {
		leases = lease.Noop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Pipeline{
		tracking: tracking,
		store:    store,
		gateway:  gateway,
		proc:     proc,
		archive:  archive,
		lease:    leases,
		cfg:      cfg,
		now:      time.Now,
	}
}

type logEntry struct {
	cat Category
	msg string
}

// stepResult carries what a step wants logged and whether the record stops
// here.
type stepResult struct {
	stop bool
	logs []logEntry
}

func (r *stepResult) add(cat Category, format string, args ...any) {
	r.logs = append(r.logs, logEntry{cat: cat, msg: fmt.Sprintf(format, args...)})
}

func proceed() stepResult { return stepResult{} }

type step func(ctx context.Context, v entities.Video) (entities.Video, stepResult)

// run is the state shared by the steps of one pipeline run.
type run struct {
	*Pipeline
	dryRun  bool
	runDate time.Time
}

// Run processes every row selected by req and returns the run summary. Only
// failures that prevent the run from starting are returned as errors.
func (p *Pipeline) Run(ctx context.Context, req dto.RunRequest) (dto.RunSummary, error) {
	runID := req.RunId
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	logger := zerolog.Ctx(ctx).With().Str("run_id", runID.String()).Logger()
	ctx = logger.WithContext(ctx)

	started := p.now().In(p.cfg.Location)
	filter, err := repository.BuildRunFilter(repository.RunFilter{
		Key:        req.FilterKey,
		Values:     req.FilterValues,
		Recent:     req.Recent,
		RecentDays: req.RecentDays,
		Now:        started,
	})
	if err != nil {
		return dto.RunSummary{}, err
	}

	if p.cfg.LockDir != "" {
		lock, err := lease.HostLock(p.cfg.LockDir)
		if err != nil {
			return dto.RunSummary{}, err
		}
		defer lock.Unlock()
	}

	rows, err := p.tracking.FindVideos(ctx, filter)
	if err != nil {
		return dto.RunSummary{}, fmt.Errorf("query tracking rows: %w", err)
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}

	runLog := NewRunLog()
	if len(rows) == 0 {
		runLog.Add(LogTracking, "No_Record_From_Airtable.")
	} else {
		runLog.Add(LogTracking, "%d_Loaded", len(rows))
	}
	zerolog.Ctx(ctx).Info().Int("rows", len(rows)).Bool("dry_run", req.DryRun).Msg("starting pipeline run")

	if !req.DryRun {
		p.ensureBuckets(ctx)
	}

	r := run{Pipeline: p, dryRun: req.DryRun, runDate: started}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		v := r.processRow(ctx, row, runLog)
		runLog.Count(v.Outcome)
	}

	summary := runLog.Summary(runID, "process", started, p.now().In(p.cfg.Location), len(rows), req.DryRun)
	publishSummary(ctx, p.store, p.cfg.LogsBucket, summary)
	return summary, ctx.Err()
}

func (p *Pipeline) ensureBuckets(ctx context.Context) {
	buckets := entities.NamespaceBuckets()
	if p.cfg.LogsBucket != "" {
		buckets = append(buckets, p.cfg.LogsBucket)
	}
	for _, b := range buckets {
		if err := p.store.EnsureBucket(ctx, b); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("bucket", b).Msg("failed to ensure bucket")
		}
	}
}

// processRow runs one record end to end. Cleanup and write-back always run,
// including after a panic in a step.
func (r run) processRow(ctx context.Context, row entities.VideoRow, runLog *RunLog) (v entities.Video) {
	v, err := entities.NewVideo(row)
	logger := zerolog.Ctx(ctx).With().Str("unique_video_id", v.UniqueID).Str("subject_id", v.SubjectID).Logger()
	ctx = logger.WithContext(ctx)

	if err != nil {
		runLog.Add(LogResolveFail, "%s_%v", v, err)
		v = v.WithOutcome(constant.StatusNotFound)
		r.writeBack(ctx, v, runLog)
		return v
	}

	ok, err := r.lease.Acquire(ctx, v.UniqueID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to acquire lease, skipping")
		runLog.Add(LogLeaseFail, "%s_%v", v, err)
		return v
	}
	if !ok {
		zerolog.Ctx(ctx).Warn().Msg("record is leased by another run, skipping")
		runLog.Add(LogSkipped, "%s_leased", v)
		return v
	}
	defer func() {
		if err := r.lease.Release(ctx, v.UniqueID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to release lease")
		}
	}()

	v = v.WithLocalPaths(r.cfg.RawRoot, r.cfg.ProcessedRoot)

	var current stage
	defer func() {
		if rec := recover(); rec != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", rec).Str("stage", current.name).Msg("recovered from panic while processing record")
			runLog.Add(LogPanic, "%s_%s_panic_%v", v, current.name, rec)
			v = v.WithOutcome(current.onPanic)
		}
		r.proc.ClearWorkingDirs(ctx, r.cfg.RawRoot, r.cfg.ProcessedRoot)
		r.writeBack(ctx, v, runLog)
	}()

	for _, current = range r.stages() {
		var res stepResult
		v, res = current.run(ctx, v)
		for _, e := range res.logs {
			runLog.Add(e.cat, "%s", e.msg)
		}
		if res.stop {
			break
		}
	}

	zerolog.Ctx(ctx).Info().Str("outcome", v.Outcome.String()).Msg("record finished")
	return v
}

// stage is a step plus the status a record ends with if the step panics.
type stage struct {
	name    string
	run     step
	onPanic constant.VideoStatus
}

func (r run) stages() []stage {
	return []stage{
		{"delete", r.deleteExisting, constant.StatusDeletionFailed},
		{"retrieve", r.retrieve, constant.StatusDownloadFailed},
		{"metadata", r.extractMetadata, constant.StatusMetaExtractionFailed},
		{"raw_upload", r.uploadRaw, constant.StatusUploadFailed},
		{"package", r.packageOutputs, constant.StatusCompressionFailed},
	}
}

// deleteExisting removes every stored object of a record marked for deletion
// or reprocessing before anything new is uploaded.
func (r run) deleteExisting(ctx context.Context, v entities.Video) (entities.Video, stepResult) {
	res := proceed()
	if !v.Status.RequestsDeletion() {
		return v, res
	}

	if r.dryRun {
		res.add(LogDeletion, "%s_would_delete_from_%v", v, v.Buckets())
		res.stop = v.Status == constant.StatusToBeDeleted
		return v, res
	}

	var errs []error
	for _, bucket := range v.Buckets() {
		deleted, err := r.store.DeleteBySubstring(ctx, bucket, v.UniqueID)
		for _, name := range deleted {
			res.add(LogDeletion, "%s_deleted_%s", v, entities.Location(bucket, name))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bucket, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		res.add(LogDeletion, "%s_deletion_failed_%v", v, err)
		res.stop = true
		return v.WithOutcome(constant.StatusDeletionFailed), res
	}
	v.RawPurged = true
	v.StoragePurged = true
	if v.Status == constant.StatusToBeDeleted {
		res.stop = true
		return v.WithOutcome(constant.StatusSuccessfullyDeleted), res
	}
	return v, res
}

// retrieve resolves the source on the drive and downloads it.
func (r run) retrieve(ctx context.Context, v entities.Video) (entities.Video, stepResult) {
	res := proceed()

	ref, err := r.gateway.Resolve(ctx, v)
	if err != nil {
		res.add(LogResolveFail, "%s_%v", v, err)
		res.stop = true
		if errors.Is(err, drive.ErrNotFound) {
			return v.WithOutcome(constant.StatusNotFound), res
		}
		return v.WithOutcome(constant.StatusDownloadFailed), res
	}
	v.SourceFileID = ref.ID

	if r.dryRun {
		res.add(LogRawSuccess, "%s_would_download_%s", v, ref.Path)
		res.stop = true
		return v, res
	}

	if err := r.gateway.Download(ctx, ref, v.LocalRawPath); err != nil {
		res.add(LogRawFail, "%s_%v", v, err)
		res.stop = true
		return v.WithOutcome(constant.StatusDownloadFailed), res
	}
	v.DurationSeconds = r.proc.Duration(ctx, v.LocalRawPath)
	return v, res
}

// extractMetadata pulls the telemetry channels and, for MP4 sources, the
// camera highlights. A failure here is recorded but the raw upload still
// happens.
func (r run) extractMetadata(ctx context.Context, v entities.Video) (entities.Video, stepResult) {
	res := proceed()
	if !v.HasTelemetry() {
		return v, res
	}

	if err := r.proc.ExtractMetadata(ctx, v.LocalRawPath, v.LocalMetadataDir); err != nil {
		res.add(LogMetaFail, "%s_%v", v, err)
		return v.WithOutcome(constant.StatusMetaExtractionFailed), res
	}

	if v.SourceExt() != ".mp4" {
		return v, res
	}
	found, err := r.proc.Highlights(ctx, v.LocalRawPath, v.LocalMetadataDir)
	if err != nil {
		res.add(LogHighlightsFail, "%s_%v", v, err)
	}
	v.Highlights = found
	if len(found) > 0 && len(v.BlackoutRegionIDs) == 0 && !v.HighlightReviewed {
		v.FlaggedForReview = true
		res.add(LogHighlightDetected, "%s_%d_highlights", v, len(found))
	}
	return v, res
}

// uploadRaw archives the untouched source. Footage awaiting highlight review
// goes to the blackout bucket and stops there.
func (r run) uploadRaw(ctx context.Context, v entities.Video) (entities.Video, stepResult) {
	res := proceed()

	bucket := v.RawBucket()
	if v.FlaggedForReview {
		bucket = v.BlackoutBucket()
	}
	if err := r.store.Upload(ctx, v.LocalRawPath, v.RawObjectPath, bucket); err != nil {
		res.add(LogRawFail, "%s_%v", v, err)
		res.stop = true
		return v.WithOutcome(constant.StatusUploadFailed), res
	}
	v.UploadedRaw = entities.Location(bucket, v.RawObjectPath)
	res.add(LogRawSuccess, "%s_uploaded_to_%s", v, v.UploadedRaw)

	if v.FlaggedForReview {
		res.stop = true
		return v.WithOutcome(constant.StatusHighlightDetected), res
	}
	return v, res
}

// packageOutputs builds and uploads the metadata zip and the final video.
func (r run) packageOutputs(ctx context.Context, v entities.Video) (entities.Video, stepResult) {
	res := proceed()
	if v.Outcome.IsError() {
		return v, res
	}

	if v.HasTelemetry() {
		if _, err := r.proc.ZipMetadata(v.LocalMetadataDir, v.LocalZipPath); err != nil {
			res.add(LogCompressFail, "%s: zip_failed_%v", v, err)
			v = v.WithOutcome(constant.StatusCompressionFailed)
		} else if err := r.store.Upload(ctx, v.LocalZipPath, v.StorageZipObjectPath, v.StorageBucket()); err != nil {
			res.add(LogStorageFail, "%s: zip_upload_fail_%v", v, err)
			v = v.WithOutcome(constant.StatusUploadFailed)
		} else {
			v.UploadedZip = entities.Location(v.StorageBucket(), v.StorageZipObjectPath)
		}
	}

	compressed, err := r.proc.Compress(ctx, v.LocalRawPath, v.LocalProcessedDir, v.BaseName)
	if err != nil {
		res.add(LogCompressFail, "%s: compress_fail_%v", v, err)
		res.stop = true
		v = r.discardStorage(ctx, v, &res)
		return v.WithOutcome(constant.StatusCompressionFailed), res
	}
	v.LocalCompressedPath = compressed
	final := compressed

	rotated, err := r.proc.Rotate(ctx, final, v.IsLuna())
	if err != nil {
		res.add(LogRotateFail, "%s_%v", v, err)
		v = v.WithOutcome(constant.StatusRotationFailed)
	}
	final = rotated

	if len(v.BlackoutRegionIDs) > 0 {
		redacted, err := r.redact(ctx, v, final)
		if err != nil {
			res.add(LogBlackoutFail, "%s_%v", v, err)
			res.stop = true
			v = r.discardStorage(ctx, v, &res)
			return v.WithOutcome(constant.StatusBlackoutFailed), res
		}
		final = redacted
	}

	if err := r.store.Upload(ctx, final, v.StorageVideoObjectPath, v.StorageBucket()); err != nil {
		res.add(LogStorageFail, "%s: compress_upload_fail_%v", v, err)
		res.stop = true
		return v.WithOutcome(constant.StatusUploadFailed), res
	}
	v.UploadedVideo = entities.Location(v.StorageBucket(), v.StorageVideoObjectPath)
	res.add(LogStorageSuccess, "%s_uploaded_to_%s", v, v.UploadedVideo)

	if r.archive != nil {
		out := r.archive.Upload(ctx, databrary.Request{
			SubjectID:  v.SubjectID,
			Dataset:    v.Dataset,
			LocalPath:  final,
			Filename:   path.Base(v.StorageVideoObjectPath),
			SourceDate: v.RecordingDate,
		})
		v.ArchiveUploadDate = r.runDate.Format(runDateLayout)
		v.ArchiveStatusURL = out.Value()
		res.add(LogArchive, "%s_%s", v, out.Value())
	}

	return v.WithOutcome(constant.StatusSuccessfullyProcessed), res
}

// redact applies every valid instruction linked to the record. Linked ids
// that yield no usable instruction fail the step so unredacted footage is
// never published.
func (r run) redact(ctx context.Context, v entities.Video, input string) (string, error) {
	found, err := r.tracking.FindBlackoutInstructions(ctx, v.BlackoutRegionIDs)
	if err != nil {
		return input, fmt.Errorf("load blackout instructions: %w", err)
	}
	var valid []entities.BlackoutInstruction
	for _, in := range found {
		if in.Valid() {
			valid = append(valid, in)
		} else {
			zerolog.Ctx(ctx).Warn().Str("instruction", in.ID).Msg("skipping invalid blackout instruction")
		}
	}
	if len(valid) == 0 {
		return input, fmt.Errorf("no valid blackout instructions among %v", v.BlackoutRegionIDs)
	}
	return r.proc.ApplyBlackout(ctx, input, valid)
}

// discardStorage removes derived objects already uploaded for a record whose
// packaging failed.
func (r run) discardStorage(ctx context.Context, v entities.Video, res *stepResult) entities.Video {
	if v.UploadedZip == "" {
		return v
	}
	deleted, err := r.store.DeleteBySubstring(ctx, v.StorageBucket(), v.UniqueID)
	for _, name := range deleted {
		res.add(LogDeletion, "%s_deleted_%s", v, entities.Location(v.StorageBucket(), name))
	}
	if err != nil {
		res.add(LogDeletion, "%s_cleanup_failed_%v", v, err)
		return v
	}
	v.UploadedZip = ""
	v.StoragePurged = true
	return v
}

func (r run) writeBack(ctx context.Context, v entities.Video, runLog *RunLog) {
	update := entities.NewVideoUpdate(v, r.runDate)
	if r.dryRun {
		zerolog.Ctx(ctx).Info().Interface("fields", update.Fields()).Msg("dry run, skipping tracking update")
		return
	}
	if v.RecordID == "" {
		runLog.Add(LogWriteBack, "%s_no_record_id", v)
		return
	}
	if err := r.tracking.UpdateVideo(ctx, v.RecordID, update); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to update tracking row")
		runLog.Add(LogWriteBack, "%s_%v", v, err)
	}
}
