package model

import "fmt"

// TransportError marks a network-level failure (timeout, 5xx, connection
// reset). Transport errors are retryable with backoff; they are never cached
// and never treated as a business outcome.
type TransportError struct {
	Op         string
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transport error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExportInitiationError reports a non-2xx response to an export initiation.
type ExportInitiationError struct {
	PartitionKey string
	StatusCode   int
	Message      string
}

func (e *ExportInitiationError) Error() string {
	return fmt.Sprintf("failed to initiate export for %s: status %d: %s",
		e.PartitionKey, e.StatusCode, e.Message)
}

// ExportExpiredError reports a download attempted after the source's
// retention window. The export must be re-initiated.
type ExportExpiredError struct {
	RequestID string
}

func (e *ExportExpiredError) Error() string {
	return fmt.Sprintf("export %s expired before download; re-initiation required", e.RequestID)
}

// ExportTimeoutError reports that the poll deadline passed before the export
// reached a pollable end state. The request keeps its last known status.
type ExportTimeoutError struct {
	PartitionKey string
	LastStatus   ExportStatus
}

func (e *ExportTimeoutError) Error() string {
	return fmt.Sprintf("export polling for %s timed out in status %s", e.PartitionKey, e.LastStatus)
}

// UploadRejectedError reports a synchronous validation rejection by the
// target's upload endpoint. Terminal; resubmission is an operator action.
type UploadRejectedError struct {
	FilePath   string
	StatusCode int
	Message    string
}

func (e *UploadRejectedError) Error() string {
	return fmt.Sprintf("upload of %s rejected: status %d: %s", e.FilePath, e.StatusCode, e.Message)
}
