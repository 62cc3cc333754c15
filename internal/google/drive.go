package google

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveDownloader fetches voice recordings from one Drive folder.
type DriveDownloader struct {
	service  *drive.Service
	logger   *slog.Logger
	folderID string
	// deleteAfterFetch removes the remote file once it is stored locally.
	deleteAfterFetch bool
}

// NewDriveDownloader creates a new Drive downloader for folderID.
func NewDriveDownloader(ctx context.Context, logger *slog.Logger, httpClient *http.Client, folderID string, deleteAfterFetch bool, opts ...option.ClientOption) (*DriveDownloader, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &DriveDownloader{service: service, logger: logger, folderID: folderID, deleteAfterFetch: deleteAfterFetch}, nil
}

// Download stores every recording in the folder whose extension is listed
// and that is not already present in dir. It returns the new local paths.
func (d *DriveDownloader) Download(ctx context.Context, dir string, extensions []string) ([]string, error) {
	var files []*drive.File
	err := d.service.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(d.folderID, "'", `\'`))).
		Fields("nextPageToken, files(id, name, mimeType)").
		Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			files = append(files, page.Files...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list drive folder: %w", err)
	}
	d.logger.Debug("Listed drive folder.", "folderID", d.folderID, "count", len(files))

	var out []string
	for _, f := range files {
		if !wanted(f.Name, extensions) {
			continue
		}
		local := filepath.Join(dir, filepath.Base(f.Name))
		if _, err := os.Stat(local); err == nil {
			continue
		}
		if err := d.fetch(ctx, f.Id, local); err != nil {
			d.logger.Error("Failed to download recording", "name", f.Name, "error", err)
			continue
		}
		out = append(out, local)
		d.logger.Info("Downloaded recording.", "name", f.Name)

		if d.deleteAfterFetch {
			if err := d.service.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
				d.logger.Warn("Could not delete recording from drive.", "name", f.Name, "error", err)
			}
		}
	}
	return out, nil
}

func (d *DriveDownloader) fetch(ctx context.Context, id, local string) error {
	resp, err := d.service.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp := local + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, local)
}

func wanted(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
