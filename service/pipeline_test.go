package service

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/dto"
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/databrary"
	"babyview-pipeline/pkg/lease"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)

func pipelineRow(unique string) entities.VideoRow {
	return entities.VideoRow{
		RecordID:      "rec" + unique,
		UniqueVideoID: unique,
		SubjectID:     "S001",
		GoproVideoID:  "GX020123",
		Dataset:       "main",
		RecordingWeek: "03/11/2024-03/17/2024",
		Date:          "2024-03-15",
	}
}

type fakeArchive struct {
	requests []databrary.Request
	result   databrary.Result
}

func (a *fakeArchive) Upload(_ context.Context, req databrary.Request) databrary.Result {
	a.requests = append(a.requests, req)
	return a.result
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, string) (bool, error) { return false, nil }
func (heldLease) Release(context.Context, string) error         { return nil }

type brokenLease struct{ err error }

func (l brokenLease) Acquire(context.Context, string) (bool, error) { return false, l.err }
func (brokenLease) Release(context.Context, string) error           { return nil }

type pipelineFixture struct {
	tracking *fakeTracking
	store    *fakeStorage
	gateway  *fakeGateway
	run      *scriptedCommander
	archive  databrary.Uploader
	leases   lease.Lease
	cfg      PipelineConfig
}

func newFixture(t *testing.T, rows ...entities.VideoRow) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	return &pipelineFixture{
		tracking: newFakeTracking(rows...),
		store:    &fakeStorage{},
		gateway:  &fakeGateway{},
		run:      &scriptedCommander{hook: toolHook(portrait30, nil)},
		cfg: PipelineConfig{
			RawRoot:       filepath.Join(root, "raw"),
			ProcessedRoot: filepath.Join(root, "processed"),
			LockDir:       root,
			LogsBucket:    "babyview_logs",
		},
	}
}

func (f *pipelineFixture) pipeline() *Pipeline {
	proc := NewProcessor(f.run, ProcessorConfig{GPMFParserBin: "gpmf-parser"}, f.tracking)
	p := NewPipeline(f.tracking, f.store, f.gateway, proc, f.archive, f.leases, f.cfg)
	p.now = func() time.Time { return testNow }
	return p
}

func uploadKeys(ops []storageOp) []string {
	var out []string
	for _, o := range ops {
		out = append(out, entities.Location(o.bucket, o.key))
	}
	return out
}

func TestPipelineProcessesRecord(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"babyview_main_raw/S001/By_Date/2024.03.11-2024.03.17/S001_2024-03-15_2_vid1.MP4",
		"babyview_main_storage/S001/S001_2024-03-15_2_vid1_metadata.zip",
		"babyview_main_storage/S001/S001_2024-03-15_2_vid1.mp4",
	}, uploadKeys(f.store.opsOf("upload")))

	update := f.tracking.updates["recvid1"]
	assert.Equal(t, constant.StatusSuccessfullyProcessed, update.Status)
	assert.Equal(t, testNow, update.PipelineRunDate)
	assert.InDelta(t, 12.345, update.DurationSec, 0.01)
	assert.Equal(t, "babyview_main_storage/S001/S001_2024-03-15_2_vid1.mp4", update.GcpStorageVideoLocation)
	assert.Equal(t, "babyview_main_storage/S001/S001_2024-03-15_2_vid1_metadata.zip", update.GcpStorageZipLocation)

	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, 1, summary.Statuses[constant.StatusSuccessfullyProcessed.String()])
	assert.Equal(t, []string{"1_Loaded"}, summary.Logs[string(LogTracking)])

	ensured := f.store.opsOf("ensure")
	assert.Len(t, ensured, len(entities.NamespaceBuckets())+1)
	put := f.store.opsOf("put_json")
	require.Len(t, put, 1)
	assert.Equal(t, "babyview_logs", put[0].bucket)
	assert.Equal(t, LogName(testNow), put[0].key)

	entries, err := os.ReadDir(f.cfg.RawRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipelineMetadataFailureStillUploadsRaw(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.run.hook = toolHook(portrait30, func(args []string) ([]byte, []byte, error) {
		return nil, []byte("bad file"), errors.New("exit status 1")
	})

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	uploads := f.store.opsOf("upload")
	require.Len(t, uploads, 1)
	assert.Equal(t, "babyview_main_raw", uploads[0].bucket)
	assert.Empty(t, f.run.callsTo("ffmpeg"))

	update := f.tracking.updates["recvid1"]
	assert.Equal(t, constant.StatusMetaExtractionFailed, update.Status)
	assert.NotEmpty(t, update.GcpRawLocation)
	assert.Empty(t, update.GcpStorageVideoLocation)
}

func TestPipelineReprocessDeletesBeforeUpload(t *testing.T) {
	row := pipelineRow("vid1")
	row.Status = "to_be_reprocessed"
	f := newFixture(t, row)

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	var ops []string
	for _, o := range f.store.all() {
		if o.op == "delete" || o.op == "upload" {
			ops = append(ops, o.op)
		}
	}
	require.NotEmpty(t, ops)
	assert.Equal(t, []string{"delete", "delete", "delete"}, ops[:3])
	assert.Equal(t, 3, strings.Count(strings.Join(ops, ","), "upload"))
	assert.Equal(t, constant.StatusSuccessfullyProcessed, f.tracking.updates["recvid1"].Status)
}

func TestPipelineDeletesRecord(t *testing.T) {
	row := pipelineRow("vid1")
	row.Status = "to_be_deleted"
	f := newFixture(t, row)

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Len(t, f.store.opsOf("delete"), 3)
	assert.Empty(t, f.store.opsOf("upload"))
	assert.Empty(t, f.gateway.fetched)
	assert.Equal(t, constant.StatusSuccessfullyDeleted, f.tracking.updates["recvid1"].Status)
	assert.Len(t, summary.Logs[string(LogDeletion)], 3)

	fields := f.tracking.updates["recvid1"].Fields()
	for _, k := range []string{
		entities.FieldGcpRawLocation,
		entities.FieldGcpStorageVideoLocation,
		entities.FieldGcpStorageZipLocation,
	} {
		assert.Contains(t, fields, k)
		assert.Nil(t, fields[k], k)
	}
}

func TestPipelineFailedReprocessClearsStorageLocations(t *testing.T) {
	row := pipelineRow("vid1")
	row.Status = "to_be_reprocessed"
	row.GcpRawLocation = "babyview_main_raw/S001/old.MP4"
	row.GcpStorageVideoLocation = "babyview_main_storage/S001/S001_2024-03-15_2_vid1.mp4"
	row.GcpStorageZipLocation = "babyview_main_storage/S001/S001_2024-03-15_2_vid1_metadata.zip"
	f := newFixture(t, row)
	base := toolHook(portrait30, nil)
	f.run.hook = func(name string, args []string) ([]byte, []byte, error) {
		if name == "ffmpeg" {
			return nil, nil, errors.New("exit status 1")
		}
		return base(name, args)
	}

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	fields := f.tracking.updates["recvid1"].Fields()
	assert.Equal(t, constant.StatusCompressionFailed.String(), fields["status"])
	assert.Equal(t, "babyview_main_raw/S001/By_Date/2024.03.11-2024.03.17/S001_2024-03-15_2_vid1.MP4", fields[entities.FieldGcpRawLocation])
	assert.Contains(t, fields, entities.FieldGcpStorageVideoLocation)
	assert.Nil(t, fields[entities.FieldGcpStorageVideoLocation])
	assert.Contains(t, fields, entities.FieldGcpStorageZipLocation)
	assert.Nil(t, fields[entities.FieldGcpStorageZipLocation])
}

func TestPipelinePanicWritesStageStatus(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"), pipelineRow("vid2"))
	base := toolHook(portrait30, nil)
	f.run.hook = func(name string, args []string) ([]byte, []byte, error) {
		if name == "ffmpeg" {
			panic("encoder crashed")
		}
		return base(name, args)
	}

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	for _, id := range []string{"recvid1", "recvid2"} {
		update := f.tracking.updates[id]
		assert.Equal(t, constant.StatusCompressionFailed, update.Status)
		assert.NotEmpty(t, update.GcpRawLocation)
		assert.Equal(t, constant.StatusCompressionFailed.String(), update.Fields()["status"])
	}
	assert.Len(t, summary.Logs[string(LogPanic)], 2)
	assert.Equal(t, 2, summary.Statuses[constant.StatusCompressionFailed.String()])
}

func TestPipelineDeletionFailureStops(t *testing.T) {
	row := pipelineRow("vid1")
	row.Status = "to_be_reprocessed"
	f := newFixture(t, row)
	f.store.deleteErr = errors.New("permission denied")

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Empty(t, f.store.opsOf("upload"))
	assert.Equal(t, constant.StatusDeletionFailed, f.tracking.updates["recvid1"].Status)
}

func TestPipelineSourceNotFound(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.gateway.missing = true

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Empty(t, f.store.opsOf("upload"))
	assert.Equal(t, constant.StatusNotFound, f.tracking.updates["recvid1"].Status)
	assert.Len(t, summary.Logs[string(LogResolveFail)], 1)
}

func TestPipelineDownloadFailure(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.gateway.failFetch = errors.New("connection reset")

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, constant.StatusDownloadFailed, f.tracking.updates["recvid1"].Status)
}

func TestPipelineNamingFailureWritesNotFound(t *testing.T) {
	row := pipelineRow("vid1")
	row.Date = "someday"
	f := newFixture(t, row)

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.fetched)
	assert.Equal(t, constant.StatusNotFound, f.tracking.updates["recvid1"].Status)
}

func TestPipelineContinuesAfterFailedRecord(t *testing.T) {
	bad := pipelineRow("vid1")
	bad.GoproVideoID = "GX1"
	f := newFixture(t, bad, pipelineRow("vid2"))

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, constant.StatusNotFound, f.tracking.updates["recvid1"].Status)
	assert.Equal(t, constant.StatusSuccessfullyProcessed, f.tracking.updates["recvid2"].Status)
	assert.Equal(t, 2, summary.Selected)
}

func TestPipelineBlackoutFailureUploadsNoVideo(t *testing.T) {
	row := pipelineRow("vid1")
	row.SetBlackoutRegionIDs([]string{"blk1"})
	f := newFixture(t, row)
	f.tracking.instructions["blk1"] = entities.BlackoutInstruction{
		ID: "blk1", StartOffset: 1, EndOffset: 2, Action: constant.BlackoutActionBlackout,
	}
	base := toolHook(portrait30, nil)
	f.run.hook = func(name string, args []string) ([]byte, []byte, error) {
		if name == "ffmpeg" && hasArg(args, "drawbox") {
			return nil, nil, errors.New("exit status 1")
		}
		return base(name, args)
	}

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	for _, key := range uploadKeys(f.store.opsOf("upload")) {
		assert.False(t, strings.HasSuffix(key, ".mp4"), key)
	}
	deletes := f.store.opsOf("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, storageOp{op: "delete", bucket: "babyview_main_storage", key: "vid1"}, deletes[0])

	update := f.tracking.updates["recvid1"]
	assert.Equal(t, constant.StatusBlackoutFailed, update.Status)
	assert.Empty(t, update.GcpStorageZipLocation)
	assert.Empty(t, f.tracking.marked)
}

func TestPipelineBlackoutWithoutValidInstructionsFailsClosed(t *testing.T) {
	row := pipelineRow("vid1")
	row.SetBlackoutRegionIDs([]string{"blk1"})
	f := newFixture(t, row)
	f.tracking.instructions["blk1"] = entities.BlackoutInstruction{
		ID: "blk1", StartOffset: 5, EndOffset: 2, Action: constant.BlackoutActionBlackout,
	}

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, constant.StatusBlackoutFailed, f.tracking.updates["recvid1"].Status)
	assert.Empty(t, f.tracking.updates["recvid1"].GcpStorageVideoLocation)
}

func TestPipelineAppliesBlackout(t *testing.T) {
	row := pipelineRow("vid1")
	row.SetBlackoutRegionIDs([]string{"blk1"})
	f := newFixture(t, row)
	f.tracking.instructions["blk1"] = entities.BlackoutInstruction{
		ID: "blk1", StartOffset: 1, EndOffset: 2, Action: constant.BlackoutActionMute, Processed: true,
	}

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, constant.StatusSuccessfullyProcessed, f.tracking.updates["recvid1"].Status)
	assert.Equal(t, []string{"blk1"}, f.tracking.marked)
	assert.True(t, slices.ContainsFunc(f.run.callsTo("ffmpeg"), func(c call) bool { return hasArg(c.args, "volume=") }))
}

func TestPipelineCompressionFailureRemovesZip(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	base := toolHook(portrait30, nil)
	f.run.hook = func(name string, args []string) ([]byte, []byte, error) {
		if name == "ffmpeg" {
			return nil, nil, errors.New("exit status 1")
		}
		return base(name, args)
	}

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Len(t, f.store.opsOf("delete"), 1)
	update := f.tracking.updates["recvid1"]
	assert.Equal(t, constant.StatusCompressionFailed, update.Status)
	assert.NotEmpty(t, update.GcpRawLocation)
	assert.Empty(t, update.GcpStorageZipLocation)
}

func TestPipelineUploadsToArchive(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	archive := &fakeArchive{result: databrary.Result{StatusURL: "https://archive.test/status/1"}}
	f.archive = archive

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	require.Len(t, archive.requests, 1)
	req := archive.requests[0]
	assert.Equal(t, "S001", req.SubjectID)
	assert.Equal(t, "S001_2024-03-15_2_vid1.mp4", req.Filename)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), req.SourceDate)

	update := f.tracking.updates["recvid1"]
	assert.Equal(t, "2024-04-01", update.DatabraryUploadDate)
	assert.Equal(t, "https://archive.test/status/1", update.DatabraryUploadStatusURL)
}

func TestPipelineDryRunWritesNothing(t *testing.T) {
	row := pipelineRow("vid1")
	row.Status = "to_be_reprocessed"
	f := newFixture(t, row)

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, f.store.all())
	assert.Empty(t, f.gateway.fetched)
	assert.Empty(t, f.tracking.updates)
	assert.True(t, summary.DryRun)
	assert.Len(t, summary.Logs[string(LogDeletion)], 1)
}

func TestPipelineSkipsLeasedRecord(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.leases = heldLease{}

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.fetched)
	assert.Empty(t, f.tracking.updates)
	assert.Len(t, summary.Logs[string(LogSkipped)], 1)
}

func TestPipelineLeaseStoreFailureIsLogged(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.leases = brokenLease{err: errors.New("dial tcp: connection refused")}

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.fetched)
	assert.Empty(t, summary.Logs[string(LogSkipped)])
	require.Len(t, summary.Logs[string(LogLeaseFail)], 1)
	assert.Contains(t, summary.Logs[string(LogLeaseFail)][0], "connection refused")
}

func TestPipelineLimitAndFilter(t *testing.T) {
	other := pipelineRow("vid3")
	other.SubjectID = "S002"
	f := newFixture(t, pipelineRow("vid1"), pipelineRow("vid2"), other)

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{
		FilterKey:    "subject_id",
		FilterValues: []string{"S001"},
		Limit:        1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Selected)
	assert.Len(t, f.tracking.updates, 1)
	assert.Contains(t, f.tracking.updates, "recvid1")
}

func TestPipelineWriteBackFailureIsLogged(t *testing.T) {
	f := newFixture(t, pipelineRow("vid1"))
	f.tracking.updateErr = errors.New("rate limited")

	summary, err := f.pipeline().Run(context.Background(), dto.RunRequest{})
	require.NoError(t, err)

	assert.Len(t, summary.Logs[string(LogWriteBack)], 1)
}

func TestPipelineRejectsUnknownFilterKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline().Run(context.Background(), dto.RunRequest{FilterKey: "colour"})
	require.Error(t, err)
	assert.Empty(t, f.store.all())
}

func TestUploadRawRoutesFlaggedFootage(t *testing.T) {
	f := newFixture(t)
	v, err := entities.NewVideo(pipelineRow("vid1"))
	require.NoError(t, err)
	v.FlaggedForReview = true

	r := run{Pipeline: f.pipeline(), runDate: testNow}
	out, res := r.uploadRaw(context.Background(), v)

	assert.True(t, res.stop)
	assert.Equal(t, constant.StatusHighlightDetected, out.Outcome)
	assert.Equal(t, "babyview_main_blackout/"+v.RawObjectPath, out.UploadedRaw)
}
