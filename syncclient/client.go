package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/changelog"
)

var mon = monkit.Package()

// Error is the default syncclient errs class.
var Error = errs.Class("syncclient")

// Client talks to one peer's /sync endpoints.
type Client struct {
	log      *zap.Logger
	client   *http.Client
	baseURL  string
	serverID string
}

// New creates a Client for the peer at baseURL. The timeout bounds every
// request; sync calls must fail fast rather than hang a scan.
func New(log *zap.Logger, baseURL, serverID string, timeout time.Duration) *Client {
	return &Client{
		log:      log,
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		serverID: serverID,
	}
}

// Ping probes the peer's health endpoint.
func (c *Client) Ping(ctx context.Context) (_ PingResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	var ping PingResponse
	err = c.getJSON(ctx, "/sync/ping", nil, &ping)
	return ping, err
}

// SendChanges posts a list of changes to the peer's intake endpoint and
// returns how many the peer applied.
func (c *Client) SendChanges(ctx context.Context, changes []changelog.ChangeRecord, catchupMode bool) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(ReceiveChangesRequest{
		Changes:     changes,
		ServerID:    c.serverID,
		Timestamp:   time.Now().UTC(),
		CatchupMode: catchupMode,
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/sync/receive-changes", nil, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	var applied ReceiveChangesResponse
	if err := c.doJSON(req, &applied); err != nil {
		return 0, err
	}
	return applied.AppliedCount, nil
}

// GetChanges pulls the peer's changes newer than since.
func (c *Client) GetChanges(ctx context.Context, since time.Time) (_ []changelog.ChangeRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339Nano))
	query.Set("server_id", c.serverID)

	var resp ChangesResponse
	if err := c.getJSON(ctx, "/sync/changes", query, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// GetChecksums fetches the peer's checksum map for one directory class.
func (c *Client) GetChecksums(ctx context.Context, baseFolder string) (_ ChecksumsResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("path", baseFolder)

	var resp ChecksumsResponse
	if err := c.getJSON(ctx, "/sync/files/checksums", query, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UploadFile streams one file to the peer as a multipart form.
func (c *Client) UploadFile(ctx context.Context, baseFolder, relPath string, content io.Reader) (err error) {
	defer mon.Task()(&ctx)(&err)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", relPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Error.Wrap(err)
	}
	for field, value := range map[string]string{
		"path":        relPath,
		"base_folder": baseFolder,
		"server_id":   c.serverID,
	} {
		if err := writer.WriteField(field, value); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := writer.Close(); err != nil {
		return Error.Wrap(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/sync/files/upload", nil, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	return c.checkStatus(resp)
}

// DownloadFile fetches one file's raw bytes from the peer.
func (c *Client) DownloadFile(ctx context.Context, baseFolder, relPath string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("path", relPath)
	query.Set("base_folder", baseFolder)

	req, err := c.newRequest(ctx, http.MethodGet, "/sync/files/download", query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	return data, Error.Wrap(err)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set(OriginHeader, c.serverID)
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out interface{}) (err error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	return Error.Wrap(json.NewDecoder(resp.Body).Decode(out))
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return Error.New("%s %s returned status %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
}
