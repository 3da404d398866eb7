package entities

import (
	"encoding/json"
	"gorm.io/datatypes"
)

// VideoRow is one tracking-sheet row as stored by the tracking service.
// Date-ish columns are kept as text because the sheet is hand-edited.
type VideoRow struct {
	RecordID                 string         `json:"-" gorm:"-"`
	UniqueVideoID            string         `json:"unique_video_id" gorm:"column:unique_video_id;type:varchar(64);primaryKey"`
	SubjectID                string         `json:"subject_id" gorm:"column:subject_id;type:varchar(64);index"`
	GoproVideoID             string         `json:"gopro_video_id" gorm:"column:gopro_video_id;type:varchar(128)"`
	Dataset                  string         `json:"dataset" gorm:"column:dataset;type:varchar(32)"`
	RecordingWeek            string         `json:"recording_week" gorm:"column:recording_week;type:varchar(32)"`
	Date                     string         `json:"date" gorm:"column:date;type:varchar(32)"`
	StartTime                string         `json:"start_time" gorm:"column:start_time;type:varchar(32)"`
	LoggingDate              string         `json:"logging_date" gorm:"column:logging_date;type:varchar(32)"`
	BlackoutRegion           datatypes.JSON `json:"blackout_region" gorm:"column:blackout_region;type:jsonb"`
	HighlightReviewed        bool           `json:"highlight_reviewed" gorm:"column:highlight_reviewed;not null;default:false"`
	PipelineRunDate          string         `json:"pipeline_run_date" gorm:"column:pipeline_run_date;type:varchar(32)"`
	Status                   string         `json:"status" gorm:"column:status;type:varchar(64);index"`
	DurationSec              float64        `json:"duration_sec" gorm:"column:duration_sec"`
	GcpRawLocation           string         `json:"gcp_raw_location" gorm:"column:gcp_raw_location;type:text"`
	GcpStorageVideoLocation  string         `json:"gcp_storage_video_location" gorm:"column:gcp_storage_video_location;type:text"`
	GcpStorageZipLocation    string         `json:"gcp_storage_zip_location" gorm:"column:gcp_storage_zip_location;type:text"`
	DatabraryUploadDate      string         `json:"databrary_upload_date" gorm:"column:databrary_upload_date;type:varchar(32)"`
	DatabraryUploadStatusURL string         `json:"databrary_upload_status_url" gorm:"column:databrary_upload_status_url;type:text"`
	DriveTrashedDate         string         `json:"drive_trashed_date" gorm:"column:drive_trashed_date;type:varchar(32)"`
}

func (VideoRow) TableName() string {
	return "videos"
}

// BlackoutRegionIDs decodes the linked redaction instruction ids. A malformed
// column reads as no instructions.
func (r VideoRow) BlackoutRegionIDs() []string {
	if len(r.BlackoutRegion) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(r.BlackoutRegion, &ids); err != nil {
		return nil
	}
	return ids
}

func (r *VideoRow) SetBlackoutRegionIDs(ids []string) {
	if len(ids) == 0 {
		r.BlackoutRegion = nil
		return
	}
	b, _ := json.Marshal(ids)
	r.BlackoutRegion = datatypes.JSON(b)
}

// Fields exposes the row keyed by tracking field name.
func (r VideoRow) Fields() map[string]any {
	return map[string]any{
		"unique_video_id":             r.UniqueVideoID,
		"subject_id":                  r.SubjectID,
		"gopro_video_id":              r.GoproVideoID,
		"dataset":                     r.Dataset,
		"recording_week":              r.RecordingWeek,
		"date":                        r.Date,
		"start_time":                  r.StartTime,
		"logging_date":                r.LoggingDate,
		"blackout_region":             r.BlackoutRegionIDs(),
		"highlight_reviewed":          r.HighlightReviewed,
		"pipeline_run_date":           r.PipelineRunDate,
		"status":                      r.Status,
		"duration_sec":                r.DurationSec,
		"gcp_raw_location":            r.GcpRawLocation,
		"gcp_storage_video_location":  r.GcpStorageVideoLocation,
		"gcp_storage_zip_location":    r.GcpStorageZipLocation,
		"databrary_upload_date":       r.DatabraryUploadDate,
		"databrary_upload_status_url": r.DatabraryUploadStatusURL,
		"drive_trashed_date":          r.DriveTrashedDate,
	}
}
