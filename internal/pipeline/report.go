package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

// Report accumulates the outcome of one run: per-partition summaries and
// every reported business error. Safe for concurrent use by the partition
// workers. Errors are persisted to the status store as they arrive; the
// summary is written as a JSON artifact when the run finishes.
type Report struct {
	mu      sync.Mutex
	runID   string
	store   *store.Store
	summary model.RunSummary
}

// NewReport creates a report for one run.
func NewReport(runID string, st *store.Store) *Report {
	return &Report{
		runID: runID,
		store: st,
		summary: model.RunSummary{
			RunID:     runID,
			StartedAt: time.Now().UTC(),
		},
	}
}

// RecordError persists one business error and logs it. Storage failures are
// logged rather than propagated; a lost error record must not fail the run.
func (r *Report) RecordError(detail model.ErrorDetail) {
	if detail.Timestamp.IsZero() {
		detail.Timestamp = time.Now().UTC()
	}
	if r.store != nil {
		if err := r.store.SaveRunError(r.runID, detail); err != nil {
			fmt.Printf("⚠️ Report: failed to persist error record: %v\n", err)
		}
	}
	fmt.Printf("⚠️ %s [%s] %s: %s\n", detail.PartitionKey, detail.Stage, detail.Reason, detail.Detail)
}

// AddPartition records the outcome of one partition.
func (r *Report) AddPartition(ps model.PartitionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Partitions = append(r.summary.Partitions, ps)
}

// Summary returns a snapshot of the accumulated run summary.
func (r *Report) Summary() model.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.Partitions = append([]model.PartitionSummary(nil), r.summary.Partitions...)
	return s
}

// Write finalizes the summary and writes summary.json and errors.json into
// dir. Returns the finalized summary.
func (r *Report) Write(dir, status string) (model.RunSummary, error) {
	r.mu.Lock()
	r.summary.Status = status
	r.summary.FinishedAt = time.Now().UTC()
	summary := r.summary
	r.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return summary, fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return summary, err
	}

	if r.store != nil {
		details, err := r.store.ListRunErrors(r.runID)
		if err != nil {
			return summary, err
		}
		if err := writeJSON(filepath.Join(dir, "errors.json"), details); err != nil {
			return summary, err
		}
	}
	fmt.Printf("📊 Report: run %s finished with status %s (%d partitions)\n",
		r.runID, status, len(summary.Partitions))
	return summary, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
