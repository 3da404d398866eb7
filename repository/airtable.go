package repository

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/entities"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const defaultAirtableURL = "https://api.airtable.com/v0"

type AirtableConfig struct {
	BaseURL          string
	Token            string
	AppID            string
	VideoTable       string
	ParticipantTable string
	BlackoutTable    string
	HTTPClient       *http.Client
	MaxRetries       uint
}

// LoadAirtableToken reads {"token": "..."} from path.
func LoadAirtableToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("airtable token file: %w", err)
	}
	if doc.Token == "" {
		return "", errors.New("airtable token file: empty token")
	}
	return doc.Token, nil
}

type airtable struct {
	cfg          AirtableConfig
	client       *http.Client
	participants map[string]string
}

type airtableRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("airtable: status %d: %s", e.code, e.body)
}

// NewAirtable builds the participant lookup once and returns the tracking
// adapter.
func NewAirtable(ctx context.Context, cfg AirtableConfig) (TrackingRepository, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAirtableURL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	a := &airtable{cfg: cfg, client: client, participants: map[string]string{}}
	if cfg.ParticipantTable != "" {
		records, err := a.list(ctx, cfg.ParticipantTable, "")
		if err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
		for _, rec := range records {
			a.participants[rec.ID] = str(rec.Fields["subject_id"])
		}
		zerolog.Ctx(ctx).Info().Int("participants", len(a.participants)).Msg("loaded participant table")
	}

	return a, nil
}

func (a *airtable) FindVideos(ctx context.Context, filter Predicate) ([]entities.VideoRow, error) {
	formula := ""
	if filter != nil {
		formula = filter.Formula()
	}
	records, err := a.list(ctx, a.cfg.VideoTable, formula)
	if err != nil {
		return nil, err
	}

	out := make([]entities.VideoRow, 0, len(records))
	for _, rec := range records {
		out = append(out, a.toRow(rec))
	}
	return out, nil
}

func (a *airtable) GetVideo(ctx context.Context, id string) (entities.VideoRow, error) {
	var rec airtableRecord
	if err := a.do(ctx, http.MethodGet, a.recordURL(a.cfg.VideoTable, id), nil, &rec); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return entities.VideoRow{}, ErrNotFound
		}
		return entities.VideoRow{}, err
	}
	return a.toRow(rec), nil
}

func (a *airtable) UpdateVideo(ctx context.Context, id string, update entities.VideoUpdate) error {
	fields := update.Fields()
	if len(fields) == 0 {
		return nil
	}
	return a.do(ctx, http.MethodPatch, a.recordURL(a.cfg.VideoTable, id), map[string]any{"fields": fields}, nil)
}

func (a *airtable) FindBlackoutInstructions(ctx context.Context, ids []string) ([]entities.BlackoutInstruction, error) {
	var out []entities.BlackoutInstruction
	for _, id := range ids {
		var rec airtableRecord
		if err := a.do(ctx, http.MethodGet, a.recordURL(a.cfg.BlackoutTable, id), nil, &rec); err != nil {
			return nil, fmt.Errorf("blackout %s: %w", id, err)
		}
		out = append(out, entities.BlackoutInstruction{
			ID:          rec.ID,
			VideoID:     firstLink(rec.Fields["video"]),
			StartOffset: num(rec.Fields["start_offset"]),
			EndOffset:   num(rec.Fields["end_offset"]),
			Action:      constant.BlackoutAction(strings.ToLower(str(rec.Fields["action"]))),
			Processed:   flag(rec.Fields["processed"]),
		})
	}
	return out, nil
}

func (a *airtable) MarkBlackoutProcessed(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		body := map[string]any{"fields": map[string]any{"processed": true}}
		if err := a.do(ctx, http.MethodPatch, a.recordURL(a.cfg.BlackoutTable, id), body, nil); err != nil {
			errs = append(errs, fmt.Errorf("blackout %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (a *airtable) toRow(rec airtableRecord) entities.VideoRow {
	f := rec.Fields
	subject := str(f["subject_id"])
	if link := firstLink(f["subject_id"]); link != "" {
		if resolved, ok := a.participants[link]; ok {
			subject = resolved
		} else {
			subject = link
		}
	}

	row := entities.VideoRow{
		RecordID:                 rec.ID,
		UniqueVideoID:            str(f["unique_video_id"]),
		SubjectID:                subject,
		GoproVideoID:             str(f["gopro_video_id"]),
		Dataset:                  str(f["dataset"]),
		RecordingWeek:            str(f["recording_week"]),
		Date:                     str(f["date"]),
		StartTime:                str(f["start_time"]),
		LoggingDate:              str(f["logging_date"]),
		HighlightReviewed:        flag(f["highlight_reviewed"]),
		PipelineRunDate:          str(f["pipeline_run_date"]),
		Status:                   str(f["status"]),
		DurationSec:              num(f["duration_sec"]),
		GcpRawLocation:           str(f["gcp_raw_location"]),
		GcpStorageVideoLocation:  str(f["gcp_storage_video_location"]),
		GcpStorageZipLocation:    str(f["gcp_storage_zip_location"]),
		DatabraryUploadDate:      str(f["databrary_upload_date"]),
		DatabraryUploadStatusURL: str(f["databrary_upload_status_url"]),
		DriveTrashedDate:         str(f["drive_trashed_date"]),
	}
	row.SetBlackoutRegionIDs(links(f["blackout_region"]))
	return row
}

func (a *airtable) list(ctx context.Context, table, formula string) ([]airtableRecord, error) {
	var out []airtableRecord
	offset := ""
	for {
		q := url.Values{}
		if formula != "" {
			q.Set("filterByFormula", formula)
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		u := a.tableURL(table)
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		var page airtableList
		if err := a.do(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

// do sends one request, retrying rate limits and server errors.
func (a *airtable) do(ctx context.Context, method, u string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			zerolog.Ctx(ctx).Warn().Int("status", resp.StatusCode).Str("method", method).Msg("airtable request failed. Retrying...")
			return nil, &statusError{code: resp.StatusCode, body: string(b)}
		}
		if resp.StatusCode >= 300 {
			return nil, backoff.Permanent(&statusError{code: resp.StatusCode, body: string(b)})
		}
		return b, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	b, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(a.cfg.MaxRetries))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

func (a *airtable) tableURL(table string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/" + url.PathEscape(a.cfg.AppID) + "/" + url.PathEscape(table)
}

func (a *airtable) recordURL(table, id string) string {
	return a.tableURL(table) + "/" + url.PathEscape(id)
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) == 0 {
			return ""
		}
		return str(t[0])
	default:
		return fmt.Sprint(t)
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}

func flag(v any) bool {
	b, _ := v.(bool)
	return b
}

func links(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstLink(v any) string {
	if l := links(v); len(l) > 0 {
		return l[0]
	}
	return ""
}
