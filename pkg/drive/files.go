package drive

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

type driveFiles struct {
	svc     *gdrive.Service
	driveID string
}

// NewFiles connects to a shared drive with a service account or authorized
// user credential file.
func NewFiles(ctx context.Context, credentialsFile, driveID string) (Files, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, b, gdrive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	svc, err := gdrive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}
	return &driveFiles{svc: svc, driveID: driveID}, nil
}

func (d *driveFiles) FindChild(ctx context.Context, parentID, name string, folder bool) (string, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", escape(parentID), escape(name))
	if folder {
		q += fmt.Sprintf(" and mimeType = '%s'", folderMimeType)
	}

	call := d.svc.Files.List().
		Q(q).
		Fields("files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if d.driveID != "" {
		call = call.DriveId(d.driveID).Corpora("drive")
	}

	res, err := call.Do()
	if err != nil {
		return "", err
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

func (d *driveFiles) Fetch(ctx context.Context, fileID string) (io.ReadCloser, int64, error) {
	resp, err := d.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (d *driveFiles) Trash(ctx context.Context, fileID string) error {
	_, err := d.svc.Files.Update(fileID, &gdrive.File{Trashed: true}).
		SupportsAllDrives(true).
		Fields("id, trashed").
		Context(ctx).
		Do()
	return err
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
