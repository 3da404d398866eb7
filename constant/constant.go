package constant

import (
	"slices"
	"strings"
)

type VideoStatus string

const (
	StatusNotFound              VideoStatus = "not_found"
	StatusToBeDeleted           VideoStatus = "to_be_deleted"
	StatusToBeReprocessed       VideoStatus = "to_be_reprocessed"
	StatusSuccessfullyDeleted   VideoStatus = "successfully_deleted"
	StatusSuccessfullyProcessed VideoStatus = "successfully_processed"
	StatusMetaExtractionFailed  VideoStatus = "error_in_meta_extraction"
	StatusDeletionFailed        VideoStatus = "error_in_GCP_deletion"
	StatusCompressionFailed     VideoStatus = "error_in_compression"
	StatusRotationFailed        VideoStatus = "error_in_rotation"
	StatusBlackoutFailed        VideoStatus = "error_in_blackout"
	StatusDownloadFailed        VideoStatus = "error_in_download"
	StatusUploadFailed          VideoStatus = "error_in_upload"
	StatusHighlightDetected     VideoStatus = "gopro_highlight_detected"
)

// AllStatuses is the closed set of statuses the pipeline reads or writes.
var AllStatuses = []VideoStatus{
	StatusNotFound,
	StatusToBeDeleted,
	StatusToBeReprocessed,
	StatusSuccessfullyDeleted,
	StatusSuccessfullyProcessed,
	StatusMetaExtractionFailed,
	StatusDeletionFailed,
	StatusCompressionFailed,
	StatusRotationFailed,
	StatusBlackoutFailed,
	StatusDownloadFailed,
	StatusUploadFailed,
	StatusHighlightDetected,
}

func (s VideoStatus) String() string {
	return string(s)
}

// Terminal reports whether the orchestrator leaves the record alone until an
// operator re-marks it.
func (s VideoStatus) Terminal() bool {
	switch s {
	case StatusSuccessfullyProcessed, StatusSuccessfullyDeleted, StatusNotFound:
		return true
	}
	return false
}

// AwaitingReview is true for records parked for manual highlight review.
func (s VideoStatus) AwaitingReview() bool {
	return s == StatusHighlightDetected
}

func (s VideoStatus) IsError() bool {
	return strings.HasPrefix(string(s), "error_in_")
}

// RequestsDeletion is true for statuses that require removing existing cloud
// objects before anything else happens.
func (s VideoStatus) RequestsDeletion() bool {
	return s == StatusToBeDeleted || s == StatusToBeReprocessed
}

// ExcludedFromRuns lists statuses a default run never selects.
func ExcludedFromRuns() []VideoStatus {
	var out []VideoStatus
	for _, s := range AllStatuses {
		if s.Terminal() || s.AwaitingReview() {
			out = append(out, s)
		}
	}
	return out
}

var legacyStatuses = map[string]VideoStatus{
	"delete":                        StatusToBeDeleted,
	"update":                        StatusToBeReprocessed,
	"to be deleted":                 StatusToBeDeleted,
	"to be reprocessed":             StatusToBeReprocessed,
	"removed from gcp":              StatusSuccessfullyDeleted,
	"successfully_deleted_from_gcp": StatusSuccessfullyDeleted,
	"processed":                     StatusSuccessfullyProcessed,
	"not found":                     StatusNotFound,
	"meta extraction failed":        StatusMetaExtractionFailed,
	"compress zip failed":           StatusCompressionFailed,
	"gopro highlight detected":      StatusHighlightDetected,
	"error_in_gcp_deletion":         StatusDeletionFailed,
}

// Spellings lists every lower-cased value a tracking row may carry for s,
// the canonical one first and then the legacy sheet values.
func (s VideoStatus) Spellings() []string {
	canonical := strings.ToLower(string(s))
	var legacy []string
	for raw, status := range legacyStatuses {
		if status == s && raw != canonical {
			legacy = append(legacy, raw)
		}
	}
	slices.Sort(legacy)
	return append([]string{canonical}, legacy...)
}

// ParseVideoStatus maps a tracking-sheet value onto the closed status set.
// Unknown or empty values return ok == false and are treated as "never processed".
func ParseVideoStatus(raw string) (VideoStatus, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", false
	}
	for _, s := range AllStatuses {
		if v == string(s) {
			return s, true
		}
	}
	if s, ok := legacyStatuses[strings.ToLower(v)]; ok {
		return s, true
	}
	return "", false
}

type Dataset string

const (
	DatasetMain Dataset = "main"
	DatasetBing Dataset = "bing"
	DatasetLuna Dataset = "luna"
)

type BlackoutAction string

const (
	BlackoutActionBlackout BlackoutAction = "blackout"
	BlackoutActionMute     BlackoutAction = "mute"
)

// MetadataChannels are the GPMF telemetry streams extracted per video.
var MetadataChannels = []string{
	"ACCL", "GYRO", "SHUT", "WBAL", "WRGB", "ISOE",
	"UNIF", "FACE", "CORI", "MSKP", "IORI", "GRAV",
	"WNDM", "MWET", "AALP", "LSKP",
}

// FilterKeys are the tracking fields a run may be filtered on.
var FilterKeys = []string{
	"pipeline_run_date",
	"status",
	"dataset",
	"subject_id",
	"unique_video_id",
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
