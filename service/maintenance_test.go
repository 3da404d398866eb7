package service

import (
	"babyview-pipeline/dto"
	"babyview-pipeline/entities"
	"babyview-pipeline/pkg/databrary"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processedRow(unique, runDate string) entities.VideoRow {
	row := pipelineRow(unique)
	row.Status = "successfully_processed"
	row.PipelineRunDate = runDate
	row.GcpStorageVideoLocation = "babyview_main_storage/S001/S001_2024-03-15_2_" + unique + ".mp4"
	return row
}

func newMaintenance(tracking *fakeTracking, store *fakeStorage, gw *fakeGateway, archive databrary.Uploader, root string) *Maintenance {
	m := NewMaintenance(tracking, store, gw, archive, MaintenanceConfig{
		BackfillRoot: root,
		LogsBucket:   "babyview_logs",
	})
	m.now = func() time.Time { return testNow }
	return m
}

func TestDriveCleanupTrashesOldSources(t *testing.T) {
	trashed := processedRow("vid3", "2023-01-01")
	trashed.DriveTrashedDate = "2023-08-01"
	pending := pipelineRow("vid4")
	pending.PipelineRunDate = "2023-01-01"
	tracking := newFakeTracking(
		processedRow("vid1", "2023-01-01"),
		processedRow("vid2", "2024-03-30"),
		trashed,
		pending,
	)
	gw := &fakeGateway{}
	store := &fakeStorage{}

	summary, err := newMaintenance(tracking, store, gw, nil, t.TempDir()).
		DriveCleanup(context.Background(), dto.DriveCleanupRequest{})
	require.NoError(t, err)

	assert.Equal(t, []string{"file-vid1"}, gw.trashed)
	assert.Equal(t, "2024-04-01", tracking.updates["recvid1"].DriveTrashedDate)
	assert.Equal(t, map[string]any{"drive_trashed_date": "2024-04-01"}, tracking.updates["recvid1"].Fields())
	assert.Equal(t, 1, summary.Selected)
	assert.Len(t, store.opsOf("put_json"), 1)
}

func TestDriveCleanupDryRun(t *testing.T) {
	tracking := newFakeTracking(processedRow("vid1", "2024-03-01"))
	gw := &fakeGateway{}

	summary, err := newMaintenance(tracking, &fakeStorage{}, gw, nil, t.TempDir()).
		DriveCleanup(context.Background(), dto.DriveCleanupRequest{DaysOld: 7, DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, gw.trashed)
	assert.Empty(t, tracking.updates)
	assert.Len(t, summary.Logs[string(LogDriveTrash)], 1)
}

func TestDriveCleanupTrashFailure(t *testing.T) {
	tracking := newFakeTracking(processedRow("vid1", "2023-01-01"))
	gw := &fakeGateway{failTrash: errors.New("insufficient permissions")}

	summary, err := newMaintenance(tracking, &fakeStorage{}, gw, nil, t.TempDir()).
		DriveCleanup(context.Background(), dto.DriveCleanupRequest{})
	require.NoError(t, err)

	assert.Empty(t, tracking.updates)
	assert.Len(t, summary.Logs[string(LogDriveTrashFail)], 1)
}

func TestArchiveBackfill(t *testing.T) {
	archived := processedRow("vid2", "2024-03-20")
	archived.DatabraryUploadDate = "2024-03-21"
	tracking := newFakeTracking(processedRow("vid1", "2024-03-20"), archived)
	store := &fakeStorage{}
	archive := &fakeArchive{result: databrary.Result{StatusURL: "https://archive.test/status/9"}}
	root := t.TempDir()

	summary, err := newMaintenance(tracking, store, &fakeGateway{}, archive, root).
		ArchiveBackfill(context.Background(), dto.BackfillRequest{})
	require.NoError(t, err)

	downloads := store.opsOf("download")
	require.Len(t, downloads, 1)
	assert.Equal(t, storageOp{op: "download", bucket: "babyview_main_storage", key: "S001/S001_2024-03-15_2_vid1.mp4"}, downloads[0])

	require.Len(t, archive.requests, 1)
	assert.Equal(t, "S001_2024-03-15_2_vid1.mp4", archive.requests[0].Filename)
	assert.NoFileExists(t, archive.requests[0].LocalPath)
	assert.Equal(t, filepath.Join(root, "S001", "S001_2024-03-15_2_vid1.mp4"), archive.requests[0].LocalPath)

	update := tracking.updates["recvid1"]
	assert.Equal(t, "2024-04-01", update.DatabraryUploadDate)
	assert.Equal(t, "https://archive.test/status/9", update.DatabraryUploadStatusURL)
	assert.Equal(t, 1, summary.Selected)
}

func TestArchiveBackfillRecordsArchiveErrors(t *testing.T) {
	tracking := newFakeTracking(processedRow("vid1", "2024-03-20"))
	archive := &fakeArchive{result: databrary.Result{Errors: []string{"SESSION_MATCH: no session"}}}

	_, err := newMaintenance(tracking, &fakeStorage{}, &fakeGateway{}, archive, t.TempDir()).
		ArchiveBackfill(context.Background(), dto.BackfillRequest{})
	require.NoError(t, err)

	assert.Equal(t, "ERROR: SESSION_MATCH: no session", tracking.updates["recvid1"].DatabraryUploadStatusURL)
}

func TestArchiveBackfillDownloadFailure(t *testing.T) {
	tracking := newFakeTracking(processedRow("vid1", "2024-03-20"))
	store := &fakeStorage{failOn: map[string]error{"download:babyview_main_storage": os.ErrPermission}}
	archive := &fakeArchive{}

	summary, err := newMaintenance(tracking, store, &fakeGateway{}, archive, t.TempDir()).
		ArchiveBackfill(context.Background(), dto.BackfillRequest{})
	require.NoError(t, err)

	assert.Empty(t, archive.requests)
	assert.Empty(t, tracking.updates)
	assert.Len(t, summary.Logs[string(LogArchive)], 1)
}

func TestArchiveBackfillNeedsArchive(t *testing.T) {
	_, err := newMaintenance(newFakeTracking(), &fakeStorage{}, &fakeGateway{}, nil, t.TempDir()).
		ArchiveBackfill(context.Background(), dto.BackfillRequest{})
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}
