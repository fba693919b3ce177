package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quarkstore/gateway/telemetry"
)

// CloudDrive implements Adapter against a remote drive HTTP API that
// addresses objects by item id. The gateway key is used as the upload path;
// the drive returns an item id which callers persist in the backend ref and
// use for subsequent reads and deletes.
type CloudDrive struct {
	baseURL string
	token   string
	client  *http.Client
}

// CloudDriveOption configures a CloudDrive adapter.
type CloudDriveOption func(*CloudDrive)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) CloudDriveOption {
	return func(d *CloudDrive) {
		d.client = c
	}
}

// NewCloudDrive creates a cloud-drive adapter for the given API base URL.
func NewCloudDrive(baseURL, token string, opts ...CloudDriveOption) *CloudDrive {
	d := &CloudDrive{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: telemetry.NewTransport(http.DefaultTransport, "clouddrive"),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// driveItem is the drive API's item representation.
type driveItem struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	ETag string `json:"etag,omitempty"`
}

// Write uploads data under the gateway key and records the assigned item id.
func (d *CloudDrive) Write(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	cr := &countingReader{r: r}
	u := d.baseURL + "/items?path=" + url.QueryEscape(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, cr)
	if err != nil {
		return WriteResult{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploading item: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return WriteResult{}, fmt.Errorf("uploading item: unexpected status %d", resp.StatusCode)
	}

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return WriteResult{}, fmt.Errorf("decoding item response: %w", err)
	}

	return WriteResult{
		BytesTransferred: true,
		Bytes:            cr.n,
		RemoteETag:       item.ETag,
		ItemID:           item.ID,
	}, nil
}

// Read retrieves the full object. The key is the drive item id assigned on
// write.
func (d *CloudDrive) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return d.get(ctx, key, "")
}

// ReadRange retrieves bytes [start, end] via an HTTP Range request.
func (d *CloudDrive) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	var rng string
	if end < 0 {
		rng = fmt.Sprintf("bytes=%d-", start)
	} else {
		rng = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	return d.get(ctx, key, rng)
}

func (d *CloudDrive) get(ctx context.Context, itemID, rng string) (io.ReadCloser, error) {
	u := d.baseURL + "/items/" + url.PathEscape(itemID) + "/content"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading item %s: %w", itemID, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("downloading item %s: unexpected status %d", itemID, resp.StatusCode)
	}
}

// Delete removes the item. Missing items are treated as already deleted.
func (d *CloudDrive) Delete(ctx context.Context, itemID string) error {
	u := d.baseURL + "/items/" + url.PathEscape(itemID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting item %s: %w", itemID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting item %s: unexpected status %d", itemID, resp.StatusCode)
	}
	return nil
}

// Purge removes every item under the given path prefix.
func (d *CloudDrive) Purge(ctx context.Context, prefix string) error {
	u := d.baseURL + "/items?path_prefix=" + url.QueryEscape(prefix)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("creating purge request: %w", err)
	}
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("purging %s: %w", prefix, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("purging %s: unexpected status %d", prefix, resp.StatusCode)
	}
	return nil
}

func (d *CloudDrive) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

var _ Adapter = (*CloudDrive)(nil)
