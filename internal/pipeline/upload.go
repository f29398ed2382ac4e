package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
	"github.com/SAP-samples/apm-migration-tools/internal/target"
)

// UploadCoordinator submits assembled files to the target's file upload
// service and polls their processing status. Submission is idempotent per
// unit: a unit that already holds a file id is never uploaded again.
type UploadCoordinator struct {
	uploads  *target.UploadClient
	store    *store.Store
	interval time.Duration
	retry    model.RetryConfig
}

// NewUploadCoordinator creates a coordinator polling at the given interval.
func NewUploadCoordinator(uc *target.UploadClient, st *store.Store, interval time.Duration, retry model.RetryConfig) *UploadCoordinator {
	return &UploadCoordinator{uploads: uc, store: st, interval: interval, retry: retry}
}

// Submit uploads every not-yet-submitted unit in the batch. A synchronous
// rejection marks the unit Failed and moves on; transport failures abort
// after retries so the batch can be resubmitted later.
func (c *UploadCoordinator) Submit(ctx context.Context, units []model.UploadUnit) error {
	for i := range units {
		u := &units[i]
		if u.Status != model.UploadAssembled || u.FileID != "" {
			continue
		}

		var fileID string
		err := withRetry(ctx, c.retry, func() error {
			var uerr error
			fileID, uerr = c.uploads.UploadFile(ctx, u.FilePath)
			return uerr
		})

		var rejected *model.UploadRejectedError
		if errors.As(err, &rejected) {
			if serr := c.store.UpdateUploadStatus(u.FilePath, "", model.UploadFailed, rejected.Message); serr != nil {
				return serr
			}
			u.Status = model.UploadFailed
			u.Message = rejected.Message
			fmt.Printf("❌ Upload %s: rejected (%d)\n", u.FilePath, rejected.StatusCode)
			continue
		}
		if err != nil {
			return err
		}

		u.FileID = fileID
		u.Status = model.UploadSubmitted
		u.SubmittedAt = time.Now().UTC()
		if err := c.store.UpdateUploadStatus(u.FilePath, fileID, model.UploadSubmitted, ""); err != nil {
			return err
		}
		fmt.Printf("⬆️ Upload %s: submitted as %s\n", u.FilePath, fileID)
	}
	return nil
}

// mapUploadStatus normalizes the target's processing status strings onto the
// local state machine. Unknown strings keep the unit Processing so polling
// continues.
func mapUploadStatus(raw string) model.UploadStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "UPLOADED", "QUEUED":
		return model.UploadSubmitted
	case "IN_PROGRESS", "PROCESSING", "RUNNING":
		return model.UploadProcessing
	case "SUCCESS", "PROCESSED", "DONE":
		return model.UploadSucceeded
	case "ERROR", "FAILED":
		return model.UploadFailed
	default:
		return model.UploadProcessing
	}
}

// PollUploads drives every non-terminal submitted unit to a terminal status,
// persisting each transition. The worklist is reloaded from the status store
// on every cycle, so a restarted process resumes polling where the previous
// one stopped. Units that were assembled but never submitted are left alone.
func (c *UploadCoordinator) PollUploads(ctx context.Context) error {
	for {
		units, err := c.store.ListNonTerminalUploads()
		if err != nil {
			return err
		}

		pending := 0
		for _, u := range units {
			if u.FileID == "" {
				continue
			}
			pending++

			var status *target.FileUploadStatus
			err := withRetry(ctx, c.retry, func() error {
				var serr error
				status, serr = c.uploads.FileStatus(ctx, u.FileID)
				return serr
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}

			mapped := mapUploadStatus(status.Status)
			if mapped != u.Status {
				if err := c.store.UpdateUploadStatus(u.FilePath, u.FileID, mapped, status.Description); err != nil {
					return err
				}
				fmt.Printf("⬆️ Upload %s: %s\n", u.FileID, mapped)
			}
			if mapped.Terminal() {
				pending--
			}
		}

		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}
