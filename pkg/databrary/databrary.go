// Package databrary pushes finished recordings to the Databrary archive.
//
// Every call rotates the stored refresh token and rewrites the token file, so
// the file must be writable by the pipeline.
package databrary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	requestTimeout = 30 * time.Second
	uploadTimeout  = 600 * time.Second
)

type Config struct {
	TokenURL string
	// SessionsURL carries a {volume_id} placeholder.
	SessionsURL  string
	InitiateURL  string
	ClientID     string
	ClientSecret string
	UserAgent    string
	TokenFile    string
	MainVolume   int
	BingVolume   int
	HTTPClient   *http.Client
}

// Request is one file to archive.
type Request struct {
	SubjectID string
	Dataset   string
	LocalPath string
	// Filename defaults to the base name of LocalPath.
	Filename   string
	SourceDate time.Time
}

// Result carries the status URL handed out by the archive and every error
// hit on the way. Both may be set.
type Result struct {
	StatusURL string
	Errors    []string
}

// Value is what gets written to the tracking row.
func (r Result) Value() string {
	if len(r.Errors) > 0 {
		return "ERROR: " + strings.Join(r.Errors, " | ")
	}
	if r.StatusURL != "" {
		return r.StatusURL
	}
	return "UNKNOWN: no error log, no status url"
}

func (r Result) OK() bool {
	return len(r.Errors) == 0 && r.StatusURL != ""
}

type Uploader interface {
	Upload(ctx context.Context, req Request) Result
}

type Client struct {
	cfg    Config
	oauth  *oauth2.Config
	client *http.Client
}

func New(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := &http.Client{
		Transport: userAgent{agent: cfg.UserAgent, next: transport},
		Timeout:   base.Timeout,
	}

	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

// Upload runs token refresh, session lookup, initiate and the signed PUT.
// Failures are collected in the Result and never returned as errors.
func (c *Client) Upload(ctx context.Context, req Request) Result {
	var res Result
	fail := func(stage string, err error) Result {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", stage, err))
		zerolog.Ctx(ctx).Error().Err(err).Str("stage", stage).Str("subject_id", req.SubjectID).Msg("databrary upload failed")
		return res
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return fail("TOKEN_REFRESH", err)
	}

	volume := c.volumeFor(req.Dataset)
	sessions, err := c.sessions(ctx, token, volume)
	if err != nil {
		return fail("SESSIONS", err)
	}

	objectID, err := matchSession(sessions, req.SubjectID, volume)
	if err != nil {
		return fail("SESSION_MATCH", err)
	}

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.LocalPath)
	}
	zerolog.Ctx(ctx).Info().Int("volume", volume).Int64("object_id", objectID).Str("filename", filename).Msg("initiating databrary upload")
	signed, status, err := c.initiate(ctx, token, filename, objectID, req.SourceDate)
	if err != nil {
		return fail("INITIATE", err)
	}
	res.StatusURL = status

	if err := c.put(ctx, token, signed, req.LocalPath); err != nil {
		return fail("UPLOAD", err)
	}
	return res
}

func (c *Client) volumeFor(dataset string) int {
	if strings.Contains(strings.ToLower(dataset), "bing") {
		return c.cfg.BingVolume
	}
	return c.cfg.MainVolume
}

// accessToken exchanges the stored refresh token and persists the new pair.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	b, err := os.ReadFile(c.cfg.TokenFile)
	if err != nil {
		return "", err
	}
	var stored oauth2.Token
	if err := json.Unmarshal(b, &stored); err != nil {
		return "", fmt.Errorf("token file: %w", err)
	}
	if stored.RefreshToken == "" {
		return "", errors.New("refresh_token missing in token file")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	fresh, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		return "", err
	}
	if fresh.AccessToken == "" {
		return "", errors.New("no access_token in response")
	}

	out, err := json.Marshal(fresh)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(c.cfg.TokenFile, out, 0o600); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to persist rotated databrary token")
	}
	return fresh.AccessToken, nil
}

type session struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Volume json.RawMessage `json:"volume"`
}

type sessionPage struct {
	Results []session `json:"results"`
	Next    string    `json:"next"`
}

func (c *Client) sessions(ctx context.Context, token string, volume int) ([]session, error) {
	var all []session
	next := strings.ReplaceAll(c.cfg.SessionsURL, "{volume_id}", strconv.Itoa(volume))
	for next != "" {
		var page sessionPage
		if err := c.call(ctx, http.MethodPost, next, token, "application/octet-stream", nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		next = page.Next
	}
	return all, nil
}

func matchSession(sessions []session, subjectID string, volume int) (int64, error) {
	subject := strings.ToLower(strings.TrimSpace(subjectID))
	if subject == "" {
		return 0, errors.New("subject_id is empty")
	}
	for _, s := range sessions {
		v, err := strconv.Atoi(strings.Trim(string(s.Volume), `"`))
		if err != nil {
			continue
		}
		if strings.ToLower(strings.TrimSpace(s.Name)) == subject && v == volume {
			return s.ID, nil
		}
	}
	return 0, fmt.Errorf("no session found for subject_id=%s, volume=%d", subjectID, volume)
}

func (c *Client) initiate(ctx context.Context, token, filename string, objectID int64, sourceDate time.Time) (string, string, error) {
	payload := map[string]any{
		"filename":         filename,
		"destination_type": "session",
		"object_id":        objectID,
	}
	if !sourceDate.IsZero() {
		payload["source_date"] = sourceDate.Format("2006-01-02")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	var out struct {
		SignedUploadURL string `json:"signedUploadUrl"`
		StatusURL       string `json:"statusUrl"`
	}
	if err := c.call(ctx, http.MethodPost, c.cfg.InitiateURL, token, "application/json", bytes.NewReader(body), &out); err != nil {
		return "", "", err
	}
	if out.SignedUploadURL == "" || out.StatusURL == "" {
		return "", out.StatusURL, errors.New("missing signedUploadUrl or statusUrl in response")
	}
	return out.SignedUploadURL, out.StatusURL, nil
}

func (c *Client) put(ctx context.Context, token, signedURL, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, u, token, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, out)
}

type userAgent struct {
	agent string
	next  http.RoundTripper
}

func (u userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	if u.agent != "" {
		r = r.Clone(r.Context())
		r.Header.Set("User-Agent", u.agent)
	}
	return u.next.RoundTrip(r)
}
