package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/source"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

// ExportCoordinator drives the coldstore's asynchronous export protocol for
// one partition at a time: initiate, poll to a downloadable or terminal
// state, download. All state lives in the status store, so an interrupted
// coordinator resumes where it left off.
type ExportCoordinator struct {
	coldstore *source.ColdstoreClient
	store     *store.Store
	interval  time.Duration
	retry     model.RetryConfig
}

// NewExportCoordinator creates a coordinator polling at the given interval.
func NewExportCoordinator(cs *source.ColdstoreClient, st *store.Store, interval time.Duration, retry model.RetryConfig) *ExportCoordinator {
	return &ExportCoordinator{coldstore: cs, store: st, interval: interval, retry: retry}
}

// mapSourceStatus maps a source-reported export status onto the local state
// machine. Unknown strings map to "" and leave the local state untouched.
func mapSourceStatus(raw string) model.ExportStatus {
	switch raw {
	case "Initiated":
		return model.ExportInitiated
	case "Submitted":
		return model.ExportSubmitted
	case "Ready for Download":
		return model.ExportReadyForDownload
	case "Failed":
		return model.ExportFailed
	case "Exception":
		return model.ExportException
	case "Expired":
		return model.ExportExpired
	default:
		return ""
	}
}

// Initiate creates (or resumes) the export request for a partition. An
// active request is reused, never duplicated; a terminal request is replaced
// by a fresh initiation.
func (c *ExportCoordinator) Initiate(ctx context.Context, runID string, p model.Partition) (*model.ExportRequest, error) {
	existing, err := c.store.GetExportRequest(p)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Status.Terminal() {
		fmt.Printf("📦 Export %s: reusing request %s (%s)\n", p.ID(), existing.RequestID, existing.Status)
		return existing, nil
	}

	var requestID string
	var alreadyInitiated bool
	err = withRetry(ctx, c.retry, func() error {
		var ierr error
		requestID, alreadyInitiated, ierr = c.coldstore.InitiateExport(ctx, p.Key, p.TimeRange())
		return ierr
	})
	if err != nil {
		return nil, err
	}

	if alreadyInitiated && requestID == "" {
		if existing != nil {
			// The source still runs an export we only know from a previous
			// request record.
			return existing, nil
		}
		return nil, &model.ExportInitiationError{
			PartitionKey: p.Key,
			StatusCode:   0,
			Message:      "export already initiated but no request id is known locally",
		}
	}

	req := &model.ExportRequest{
		PartitionKey: p.Key,
		StartDate:    p.StartDate,
		EndDate:      p.EndDate,
		RequestID:    requestID,
		Status:       model.ExportInitiated,
	}
	if existing != nil && existing.Status.Terminal() {
		err = c.store.ReplaceExportRequest(runID, req)
	} else {
		err = c.store.SaveExportRequest(runID, req)
	}
	if err != nil {
		return nil, err
	}
	fmt.Printf("📦 Export %s: initiated request %s\n", p.ID(), requestID)
	return req, nil
}

// Poll queries the source until the request is downloadable or terminal,
// persisting every transition. When ctx expires first, the request keeps its
// last known non-terminal status and an ExportTimeoutError is returned so a
// later attempt can resume.
func (c *ExportCoordinator) Poll(ctx context.Context, p model.Partition, req *model.ExportRequest) (model.ExportStatus, error) {
	for {
		var raw string
		err := withRetry(ctx, c.retry, func() error {
			var serr error
			raw, serr = c.coldstore.ExportStatus(ctx, req.RequestID)
			return serr
		})
		if err != nil {
			if ctx.Err() != nil {
				return req.Status, &model.ExportTimeoutError{PartitionKey: p.ID(), LastStatus: req.Status}
			}
			return req.Status, err
		}

		if status := mapSourceStatus(raw); status != "" && status != req.Status {
			if err := c.store.UpdateExportStatus(p, status, raw); err != nil {
				return req.Status, err
			}
			req.Status = status
			fmt.Printf("📦 Export %s: %s\n", p.ID(), status)
		}

		if req.Status == model.ExportReadyForDownload || req.Status.Terminal() {
			return req.Status, nil
		}

		select {
		case <-ctx.Done():
			return req.Status, &model.ExportTimeoutError{PartitionKey: p.ID(), LastStatus: req.Status}
		case <-time.After(c.interval):
		}
	}
}

// Download pulls the ready export into filePath. A source-side expiry marks
// the request Expired and surfaces an ExportExpiredError; the partition must
// be re-initiated.
func (c *ExportCoordinator) Download(ctx context.Context, p model.Partition, req *model.ExportRequest, filePath string) error {
	err := withRetry(ctx, c.retry, func() error {
		_, derr := c.coldstore.Download(ctx, req.RequestID, filePath)
		return derr
	})
	var expired *model.ExportExpiredError
	if errors.As(err, &expired) {
		if serr := c.store.UpdateExportStatus(p, model.ExportExpired, "expired before download"); serr != nil {
			return serr
		}
		req.Status = model.ExportExpired
		return err
	}
	return err
}
