package entities

import (
	"babyview-pipeline/constant"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNoSessionNumber = errors.New("session number not derivable from device video id")
	ErrInvalidDate     = errors.New("recording date not parseable")
	ErrInvalidWeek     = errors.New("recording week not parseable")
	ErrMissingIdentity = errors.New("unique video id or subject id missing")
)

const (
	namespaceMain = "babyview_main"
	namespaceBing = "babyview_bing"

	bucketSuffixRaw      = "_raw"
	bucketSuffixStorage  = "_storage"
	bucketSuffixBlackout = "_blackout"

	entryMain = "BabyView_Main"
	entryBing = "BabyView_Bing"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"2006.01.02",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Video is an immutable snapshot of one recording. Pipeline steps receive a
// copy and return an updated copy.
type Video struct {
	RecordID      string
	UniqueID      string
	SubjectID     string
	DeviceVideoID string
	Dataset       string

	RecordingDate time.Time
	RecordingWeek string
	WeekStart     time.Time
	WeekEnd       time.Time
	StartTime     string
	LoggingDate   string

	SessionNumber   string
	BaseName        string
	SourceFileName  string
	DriveFolderPath []string

	SourceFileID   string
	SourceFilePath string

	BucketNamespace        string
	RawObjectPath          string
	StorageVideoObjectPath string
	StorageZipObjectPath   string

	Status            constant.VideoStatus
	Outcome           constant.VideoStatus
	BlackoutRegionIDs []string
	HighlightReviewed bool
	DurationSeconds   float64
	Highlights        []float64
	FlaggedForReview  bool

	LocalRawPath        string
	LocalProcessedDir   string
	LocalMetadataDir    string
	LocalCompressedPath string
	LocalZipPath        string

	UploadedRaw   string
	UploadedVideo string
	UploadedZip   string

	// RawPurged and StoragePurged record that this run deleted the
	// record's earlier objects from those buckets.
	RawPurged     bool
	StoragePurged bool

	ArchiveUploadDate string
	ArchiveStatusURL  string
}

// NewVideo derives every name and path from the tracking row. Naming errors
// are returned alongside a partially populated Video so the caller can still
// write a not_found status back against UniqueID.
func NewVideo(row VideoRow) (Video, error) {
	v := Video{
		RecordID:          row.RecordID,
		UniqueID:          strings.TrimSpace(row.UniqueVideoID),
		SubjectID:         strings.TrimSpace(row.SubjectID),
		DeviceVideoID:     strings.TrimSpace(row.GoproVideoID),
		Dataset:           strings.TrimSpace(row.Dataset),
		RecordingWeek:     strings.TrimSpace(row.RecordingWeek),
		StartTime:         row.StartTime,
		LoggingDate:       row.LoggingDate,
		BlackoutRegionIDs: row.BlackoutRegionIDs(),
		HighlightReviewed: row.HighlightReviewed,
	}
	if v.RecordID == "" {
		v.RecordID = v.UniqueID
	}
	if s, ok := constant.ParseVideoStatus(row.Status); ok {
		v.Status = s
	}
	v.BucketNamespace = bucketNamespace(v.Dataset)
	v.SourceFileName = sourceFileName(v.DeviceVideoID)

	if v.UniqueID == "" || v.SubjectID == "" {
		return v, ErrMissingIdentity
	}

	session, err := sessionNumber(v.DeviceVideoID)
	if err != nil {
		return v, fmt.Errorf("%s: %w", v.DeviceVideoID, err)
	}
	v.SessionNumber = session

	date, err := ParseDate(row.Date)
	if err != nil {
		return v, err
	}
	v.RecordingDate = date
	v.BaseName = BaseName(v.SubjectID, date, session, v.UniqueID)

	ext := path.Ext(v.SourceFileName)
	if v.IsBing() {
		v.DriveFolderPath = []string{v.SubjectID, date.Format("01/02/2006")}
		v.RawObjectPath = path.Join(v.SubjectID, date.Format("2006-01-02"), v.BaseName+ext)
	} else {
		start, end, err := parseWeek(v.RecordingWeek)
		if err != nil {
			return v, err
		}
		v.WeekStart, v.WeekEnd = start, end
		v.DriveFolderPath = []string{
			v.SubjectID,
			"By Date",
			start.Format("01/02/2006") + "-" + end.Format("01/02/2006"),
		}
		v.RawObjectPath = path.Join(
			v.SubjectID,
			"By_Date",
			start.Format("2006.01.02")+"-"+end.Format("2006.01.02"),
			v.BaseName+ext,
		)
	}
	v.StorageVideoObjectPath = path.Join(v.SubjectID, v.BaseName+".mp4")
	v.StorageZipObjectPath = path.Join(v.SubjectID, v.BaseName+"_metadata.zip")
	v.SourceFilePath = strings.Join(append(append([]string{}, v.DriveFolderPath...), v.SourceFileName), "/")

	return v, nil
}

// BaseName is the canonical artifact name shared by the raw, zip and video
// objects of one recording.
func BaseName(subjectID string, date time.Time, session, uniqueID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", subjectID, date.Format("2006-01-02"), session, uniqueID)
}

func (v Video) IsLuna() bool {
	return strings.Contains(strings.ToLower(v.DeviceVideoID), string(constant.DatasetLuna))
}

func (v Video) IsBing() bool {
	return strings.Contains(strings.ToLower(v.Dataset), string(constant.DatasetBing))
}

// SourceExt is the lower-cased source extension including the dot.
func (v Video) SourceExt() string {
	return strings.ToLower(filepath.Ext(v.SourceFileName))
}

// HasTelemetry is false for inputs that carry no extractable GPMF streams.
func (v Video) HasTelemetry() bool {
	return !v.IsLuna() && v.SourceExt() != ".lrv"
}

func (v Video) RawBucket() string      { return v.BucketNamespace + bucketSuffixRaw }
func (v Video) StorageBucket() string  { return v.BucketNamespace + bucketSuffixStorage }
func (v Video) BlackoutBucket() string { return v.BucketNamespace + bucketSuffixBlackout }

// Buckets lists every bucket that may hold objects for this recording.
func (v Video) Buckets() []string {
	return []string{v.RawBucket(), v.StorageBucket(), v.BlackoutBucket()}
}

// NamespaceBuckets lists every bucket the pipeline writes to.
func NamespaceBuckets() []string {
	var out []string
	for _, ns := range []string{namespaceMain, namespaceBing} {
		out = append(out, ns+bucketSuffixRaw, ns+bucketSuffixStorage, ns+bucketSuffixBlackout)
	}
	return out
}

// WithLocalPaths places the recording's working files under the raw and
// processed roots, one tree per dataset.
func (v Video) WithLocalPaths(rawRoot, processedRoot string) Video {
	entry := entryMain
	if v.IsBing() {
		entry = entryBing
	}
	v.LocalRawPath = filepath.Join(rawRoot, entry, filepath.FromSlash(v.RawObjectPath))
	v.LocalProcessedDir = filepath.Join(processedRoot, entry, v.SubjectID, v.DeviceVideoID)
	v.LocalMetadataDir = filepath.Join(v.LocalProcessedDir, v.BaseName+"_metadata")
	v.LocalZipPath = filepath.Join(v.LocalProcessedDir, v.BaseName+"_metadata.zip")
	return v
}

// WithOutcome returns a copy carrying status s unless an earlier step already
// recorded a failure.
func (v Video) WithOutcome(s constant.VideoStatus) Video {
	if v.Outcome != "" && v.Outcome.IsError() {
		return v
	}
	v.Outcome = s
	return v
}

func (v Video) String() string {
	return fmt.Sprintf("%s_%s_%s", v.UniqueID, v.SubjectID, v.DeviceVideoID)
}

func bucketNamespace(dataset string) string {
	if strings.Contains(strings.ToLower(dataset), string(constant.DatasetBing)) {
		return namespaceBing
	}
	return namespaceMain
}

func sourceFileName(deviceID string) string {
	switch {
	case strings.Contains(strings.ToLower(deviceID), string(constant.DatasetLuna)):
		return deviceID + ".avi"
	case strings.HasPrefix(deviceID, "GX"):
		return deviceID + ".MP4"
	default:
		return deviceID + ".LRV"
	}
}

func sessionNumber(deviceID string) (string, error) {
	if strings.Contains(strings.ToLower(deviceID), string(constant.DatasetLuna)) {
		parts := strings.Split(deviceID, "_")
		last := parts[len(parts)-1]
		if len(parts) < 2 || last == "" {
			return "", ErrNoSessionNumber
		}
		return last, nil
	}
	if len(deviceID) <= 4 {
		return "", ErrNoSessionNumber
	}
	return deviceID[3:4], nil
}

// ParseDate accepts the date spellings found in tracking rows.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}

func parseWeek(raw string) (time.Time, time.Time, error) {
	start, end, ok := strings.Cut(raw, "-")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidWeek, raw)
	}
	s, err := ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Join(ErrInvalidWeek, err)
	}
	e, err := ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Join(ErrInvalidWeek, err)
	}
	return s, e, nil
}
