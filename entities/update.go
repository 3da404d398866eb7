package entities

import (
	"babyview-pipeline/constant"
	"time"
)

const trackingDateLayout = "2006-01-02"

const (
	FieldGcpRawLocation          = "gcp_raw_location"
	FieldGcpStorageVideoLocation = "gcp_storage_video_location"
	FieldGcpStorageZipLocation   = "gcp_storage_zip_location"
)

// VideoUpdate is the write-back delta for one row. Empty strings are not
// written so a partial run never erases an earlier location; fields named in
// Clear are written as null when the update carries no value for them.
type VideoUpdate struct {
	PipelineRunDate          time.Time
	Status                   constant.VideoStatus
	DurationSec              float64
	GcpRawLocation           string
	GcpStorageVideoLocation  string
	GcpStorageZipLocation    string
	DatabraryUploadDate      string
	DatabraryUploadStatusURL string
	DriveTrashedDate         string
	Clear                    []string
}

// NewVideoUpdate builds the write-back delta from the final snapshot.
func NewVideoUpdate(v Video, runDate time.Time) VideoUpdate {
	var cleared []string
	if v.RawPurged && v.UploadedRaw == "" {
		cleared = append(cleared, FieldGcpRawLocation)
	}
	if v.StoragePurged {
		if v.UploadedVideo == "" {
			cleared = append(cleared, FieldGcpStorageVideoLocation)
		}
		if v.UploadedZip == "" {
			cleared = append(cleared, FieldGcpStorageZipLocation)
		}
	}
	return VideoUpdate{
		PipelineRunDate:          runDate,
		Status:                   v.Outcome,
		DurationSec:              v.DurationSeconds,
		GcpRawLocation:           v.UploadedRaw,
		GcpStorageVideoLocation:  v.UploadedVideo,
		GcpStorageZipLocation:    v.UploadedZip,
		DatabraryUploadDate:      v.ArchiveUploadDate,
		DatabraryUploadStatusURL: v.ArchiveStatusURL,
		Clear:                    cleared,
	}
}

// Fields is the tracking-field map for the update.
func (u VideoUpdate) Fields() map[string]any {
	out := map[string]any{}
	if !u.PipelineRunDate.IsZero() {
		out["pipeline_run_date"] = u.PipelineRunDate.Format(trackingDateLayout)
	}
	if u.Status != "" {
		out["status"] = u.Status.String()
	}
	if u.DurationSec > 0 {
		out["duration_sec"] = u.DurationSec
	}
	for k, val := range map[string]string{
		FieldGcpRawLocation:           u.GcpRawLocation,
		FieldGcpStorageVideoLocation:  u.GcpStorageVideoLocation,
		FieldGcpStorageZipLocation:    u.GcpStorageZipLocation,
		"databrary_upload_date":       u.DatabraryUploadDate,
		"databrary_upload_status_url": u.DatabraryUploadStatusURL,
		"drive_trashed_date":          u.DriveTrashedDate,
	} {
		if val != "" {
			out[k] = val
		}
	}
	for _, k := range u.Clear {
		if _, set := out[k]; !set {
			out[k] = nil
		}
	}
	return out
}

// Location renders an object location as stored in the tracking row.
func Location(bucket, object string) string {
	return bucket + "/" + object
}
