package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bindrop/svc/util"

	"github.com/pkg/errors"
)

const (
	driveBoundary   = "bindrop-multipart"
	driveFolderName = "Pastebin!!"
)

// Drive uploads paste bodies to Google Drive as the alternate backend.
// The OAuth dance lives elsewhere; callers hand in a bearer token per
// request. Uploaded files are made world-readable so the download URL
// works without credentials.
type Drive struct {
	client  *http.Client
	baseURL string
}

func NewDrive() *Drive {
	return &Drive{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://www.googleapis.com",
	}
}

// NewDriveWithBase exists for tests pointed at a local server.
func NewDriveWithBase(baseURL string) *Drive {
	d := NewDrive()
	d.baseURL = strings.TrimRight(baseURL, "/")
	return d
}

// Upload stores content in the app folder and returns the remote file id
// and its public download URL. Any failure aborts the paste creation
// before the metadata transaction begins.
func (d *Drive) Upload(ctx context.Context, token string, content []byte, contentType, filename, title string, tags []string) (string, string, error) {
	if token == "" {
		return "", "", errors.New("no drive token")
	}
	folderID, err := d.findFolder(ctx, token)
	if err != nil {
		return "", "", err
	}
	id, dl, err := d.uploadMultipart(ctx, token, folderID, content, contentType, filename, title, tags)
	if err != nil {
		return "", "", err
	}
	if err := d.shareWithAnyone(ctx, token, id); err != nil {
		return "", "", err
	}
	return id, dl, nil
}

func (d *Drive) findFolder(ctx context.Context, token string) (string, error) {
	q := fmt.Sprintf("properties has { key='name' and value='%s' }", driveFolderName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/drive/v3/files", nil)
	if err != nil {
		return "", errors.Wrap(err, "build folder lookup")
	}
	query := req.URL.Query()
	query.Set("q", q)
	query.Set("fields", "files(id,name)")
	query.Set("pageSize", "1")
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "folder lookup")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		var out struct {
			Files []struct {
				ID string `json:"id"`
			} `json:"files"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && len(out.Files) > 0 {
			return out.Files[0].ID, nil
		}
	}
	return d.makeFolder(ctx, token)
}

func (d *Drive) makeFolder(ctx context.Context, token string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"name":     driveFolderName,
		"mimeType": "application/vnd.google-apps.folder",
		"properties": map[string]string{
			"name": driveFolderName,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal folder body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/drive/v3/files", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build folder create")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create folder")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", driveError(resp)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode folder response")
	}
	return out.ID, nil
}

func (d *Drive) uploadMultipart(ctx context.Context, token, folderID string, content []byte, contentType, filename, title string, tags []string) (string, string, error) {
	meta, err := json.Marshal(map[string]interface{}{
		"name":        filename,
		"mimeType":    contentType,
		"parents":     []string{folderID},
		"description": title,
		"properties": map[string]string{
			"tags": strings.Join(tags, ", "),
		},
	})
	if err != nil {
		return "", "", errors.Wrap(err, "marshal file metadata")
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "--%s\r\nContent-Type: application/json; charset=UTF-8\r\n\r\n%s\r\n", driveBoundary, meta)
	fmt.Fprintf(&body, "--%s\r\nContent-Type: %s\r\n\r\n", driveBoundary, contentType)
	body.Write(content)
	fmt.Fprintf(&body, "\r\n--%s--\r\n", driveBoundary)

	url := d.baseURL + "/upload/drive/v3/files?uploadType=multipart&fields=id,webContentLink"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", "", errors.Wrap(err, "build upload")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "multipart/related; boundary="+driveBoundary)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "upload")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", driveError(resp)
	}
	var out struct {
		ID             string `json:"id"`
		WebContentLink string `json:"webContentLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", errors.Wrap(err, "decode upload response")
	}
	if out.ID == "" || out.WebContentLink == "" {
		return "", "", errors.New("upload response missing id or webContentLink")
	}
	return out.ID, out.WebContentLink, nil
}

func (d *Drive) shareWithAnyone(ctx context.Context, token, fileID string) error {
	body, err := json.Marshal(map[string]string{
		"role": "reader",
		"type": "anyone",
	})
	if err != nil {
		return errors.Wrap(err, "marshal permission body")
	}
	url := fmt.Sprintf("%s/drive/v3/files/%s/permissions", d.baseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build permission request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "update permissions")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return driveError(resp)
	}
	return nil
}

func driveError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	util.Warn().Int("status", resp.StatusCode).Str("body", string(detail)).Msg("drive API error")
	return errors.Errorf("drive API returned %d", resp.StatusCode)
}
