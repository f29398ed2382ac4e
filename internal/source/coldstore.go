// Package source talks the coldstore bulk-export protocol of the legacy
// system: initiate an asynchronous export, poll its status and download the
// finished file in resumable chunks.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// TokenProvider supplies bearer tokens. Credential acquisition is owned by an
// external collaborator; the clients only consume tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a pre-acquired token.
type StaticToken string

// Token returns the static token.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

const downloadChunkSize = 20480

// maxAuthRetries bounds consecutive 401 responses while resuming a download.
const maxAuthRetries = 3

// ColdstoreClient drives the source system's export endpoints.
type ColdstoreClient struct {
	baseURL     string // initiate + status
	downloadURL string // download host
	tokens      TokenProvider
	client      *http.Client
}

// NewColdstoreClient creates a client for the coldstore export protocol.
func NewColdstoreClient(baseURL, downloadURL string, tokens TokenProvider) *ColdstoreClient {
	return &ColdstoreClient{
		baseURL:     baseURL,
		downloadURL: downloadURL,
		tokens:      tokens,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// InitiateExport starts an export for one indicator group and time range.
// A 208 response means an export for the same partition is already running;
// alreadyInitiated is returned true and the caller reuses its persisted
// request. Non-2xx responses yield an ExportInitiationError.
func (c *ColdstoreClient) InitiateExport(ctx context.Context, indicatorGroup, timeRange string) (requestID string, alreadyInitiated bool, err error) {
	endpoint := fmt.Sprintf("%s/v1/InitiateDataExport/%s?timerange=%s",
		c.baseURL, url.PathEscape(indicatorGroup), url.QueryEscape(timeRange))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", false, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", false, err
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, &model.TransportError{Op: "initiate export", Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		RequestID string `json:"RequestId"`
		Message   string `json:"message"`
	}
	// Initiation errors arrive as JSON too; decode failures are only fatal
	// on the success path.
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusAlreadyReported:
		return body.RequestID, true, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		if decodeErr != nil {
			return "", false, &model.TransportError{Op: "initiate export", Err: decodeErr}
		}
		return body.RequestID, false, nil
	case resp.StatusCode >= 500:
		return "", false, &model.TransportError{Op: "initiate export", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", body.Message)}
	default:
		return "", false, &model.ExportInitiationError{
			PartitionKey: indicatorGroup,
			StatusCode:   resp.StatusCode,
			Message:      body.Message,
		}
	}
}

// readyStatusMessage is how the source reports a downloadable export.
const readyStatusMessage = "The file is available for download."

// ExportStatus queries the source-reported status of an export request.
// The download-ready sentence is normalized; all other values are returned
// as reported (Initiated, Submitted, Failed, Exception, Expired).
func (c *ColdstoreClient) ExportStatus(ctx context.Context, requestID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/DataExportStatus?requestId=%s", c.baseURL, url.QueryEscape(requestID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &model.TransportError{Op: "export status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &model.TransportError{Op: "export status", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
	}

	var body struct {
		Status string `json:"Status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &model.TransportError{Op: "export status", Err: err}
	}
	if body.Status == readyStatusMessage {
		return "Ready for Download", nil
	}
	return body.Status, nil
}

// Download pulls the finished export to filePath in bounded chunks. Short
// first responses are resumed with Range requests pinned to the original
// entity via If-Match; an expired token mid-download is refreshed and the
// part retried. A 410 (or 404) means the export aged out of the source's
// retention window and yields an ExportExpiredError.
func (c *ColdstoreClient) Download(ctx context.Context, requestID, filePath string) (int64, error) {
	endpoint := fmt.Sprintf("%s/v1/DownloadData('%s')", c.downloadURL, requestID)

	file, err := os.Create(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, &model.TransportError{Op: "download export", Err: err}
	}
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return 0, &model.ExportExpiredError{RequestID: requestID}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return 0, &model.TransportError{Op: "download export", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
	}

	totalSize := resp.ContentLength
	etag := resp.Header.Get("Etag")

	written, err := copyChunks(file, resp.Body)
	resp.Body.Close()
	// A truncated body is resumed below; everything else aborts.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return written, &model.TransportError{Op: "download export", Err: err}
	}

	// Resume until the advertised length is on disk.
	authRetries := 0
	for totalSize > 0 && written < totalSize {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		part, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return written, err
		}
		if err := c.authorize(ctx, part); err != nil {
			return written, err
		}
		part.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", written, totalSize))
		if etag != "" {
			part.Header.Set("If-Match", etag)
		}

		resp, err := c.client.Do(part)
		if err != nil {
			return written, &model.TransportError{Op: "download export", Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			// Token aged out mid-download; the next authorize call fetches
			// a fresh one and the part is retried. A token the source keeps
			// rejecting will never recover, so the retries are bounded.
			resp.Body.Close()
			authRetries++
			if authRetries > maxAuthRetries {
				return written, &model.TransportError{Op: "download export", StatusCode: resp.StatusCode,
					Err: fmt.Errorf("token rejected on %d consecutive resume attempts", authRetries)}
			}
			continue
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return written, &model.TransportError{Op: "download export", StatusCode: resp.StatusCode,
				Err: fmt.Errorf("unexpected status on resume")}
		}
		authRetries = 0

		n, err := copyChunks(file, resp.Body)
		resp.Body.Close()
		written += n
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return written, &model.TransportError{Op: "download export", Err: err}
		}
	}

	return written, nil
}

func (c *ColdstoreClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, downloadChunkSize)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
