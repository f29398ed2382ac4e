package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/source"
)

// FileUploadResponse is the target's acknowledgment of a submitted file.
type FileUploadResponse struct {
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	UploadedTime string `json:"uploadedTime"`
}

// FileUploadStatus is the processing state of an uploaded file.
type FileUploadStatus struct {
	FileID            string `json:"fileId"`
	FileName          string `json:"fileName"`
	FileSize          int64  `json:"fileSize"`
	NumberOfRecords   int64  `json:"numberOfRecords"`
	UploadedTime      string `json:"uploadedTime"`
	Status            string `json:"status"`
	Description       string `json:"description"`
	ProcessingEndTime string `json:"processingEndTime"`
}

// UploadClient submits parquet files to the target's file upload service and
// polls their processing status.
type UploadClient struct {
	baseURL string
	apiKey  string
	tokens  source.TokenProvider
	client  *http.Client
}

// NewUploadClient creates a client for the file upload service.
func NewUploadClient(baseURL, apiKey string, tokens source.TokenProvider) *UploadClient {
	return &UploadClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// UploadFile submits one file as multipart form data. A 202 returns the
// target-assigned file id; a synchronous validation rejection yields an
// UploadRejectedError.
func (c *UploadClient) UploadFile(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return "", err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &model.TransportError{Op: "upload file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		var ack FileUploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return "", &model.TransportError{Op: "upload file", Err: err}
		}
		return ack.FileID, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return "", &model.TransportError{Op: "upload file", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", body)}
	}
	return "", &model.UploadRejectedError{
		FilePath:   filePath,
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}

// FileStatus queries the processing status of an uploaded file.
func (c *UploadClient) FileStatus(ctx context.Context, fileID string) (*FileUploadStatus, error) {
	endpoint := fmt.Sprintf("%s/files/status('%s')", c.baseURL, url.PathEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &model.TransportError{Op: "file status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &model.TransportError{Op: "file status", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
	}

	var status FileUploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, &model.TransportError{Op: "file status", Err: err}
	}
	return &status, nil
}

func (c *UploadClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("accept", "application/json")
	return nil
}
