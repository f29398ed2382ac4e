package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SAP-samples/apm-migration-tools/internal/config"
	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/pipeline"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

// Handler serves the migration control API.
type Handler struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Cfg      *config.Config
}

// NewHandler creates an API handler.
func NewHandler(st *store.Store, p *pipeline.Pipeline, cfg *config.Config) *Handler {
	return &Handler{Store: st, Pipeline: p, Cfg: cfg}
}

// CreateRun starts a new migration run
// @Summary Create a new migration run
// @Description Create and start a migration run; empty spec fields fall back to the configured defaults
// @Tags runs
// @Accept json
// @Produce json
// @Param run body model.RunSpec true "Run specification"
// @Success 200 {object} map[string]interface{} "Run created successfully"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [post]
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var spec model.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	if err := h.Store.SaveRun(runID, spec); err != nil {
		http.Error(w, "Failed to save run", http.StatusInternalServerError)
		return
	}

	go func() {
		if _, err := h.Pipeline.Run(context.Background(), runID, spec); err != nil {
			fmt.Printf("❌ Run %s failed: %v\n", runID, err)
			h.Store.UpdateRunStatus(runID, "failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":   "Run created successfully!",
		"runId":     runID,
		"status":    "pending",
		"createdAt": time.Now().UTC(),
	})
}

// ListRuns retrieves all migration runs
// @Summary List all runs
// @Description Get all migration runs with their current status, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} map[string]interface{} "List of runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns()
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetRun retrieves one migration run
// @Summary Get run
// @Description Retrieve one run's spec and status
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run details"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "/api/v1/runs/", "")
	if !ok {
		return
	}
	run, err := h.Store.GetRun(runID)
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// GetRunSummary retrieves the summary artifact of a finished run
// @Summary Get run summary
// @Description Retrieve the per-partition summary of a finished run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.RunSummary "Run summary"
// @Failure 404 {object} map[string]interface{} "Summary not available"
// @Router /runs/{id}/summary [get]
func (h *Handler) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "/api/v1/runs/", "/summary")
	if !ok {
		return
	}

	path := filepath.Join(h.Cfg.Migration.StagingDir, "reports", filepath.Base(runID), "summary.json")
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "Summary not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// GetRunErrors retrieves the reported errors of a run
// @Summary Get run errors
// @Description Retrieve every business error recorded during a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/errors [get]
func (h *Handler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "/api/v1/runs/", "/errors")
	if !ok {
		return
	}
	details, err := h.Store.ListRunErrors(runID)
	if err != nil {
		http.Error(w, "Failed to retrieve errors", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":  runID,
		"errors": details,
		"count":  len(details),
	})
}

// GetRunExports retrieves the export requests touched by a run
// @Summary Get run exports
// @Description Retrieve every coldstore export request of a run with its current status
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Export requests"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/exports [get]
func (h *Handler) GetRunExports(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "/api/v1/runs/", "/exports")
	if !ok {
		return
	}
	exports, err := h.Store.ListExportRequests(runID)
	if err != nil {
		http.Error(w, "Failed to retrieve exports", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":   runID,
		"exports": exports,
		"count":   len(exports),
	})
}

// GetRunUploads retrieves the upload units touched by a run
// @Summary Get run uploads
// @Description Retrieve every upload unit of a run with its current status
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Upload units"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/uploads [get]
func (h *Handler) GetRunUploads(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "/api/v1/runs/", "/uploads")
	if !ok {
		return
	}
	uploads, err := h.Store.ListUploadUnitsByRun(runID)
	if err != nil {
		http.Error(w, "Failed to retrieve uploads", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runId":   runID,
		"uploads": uploads,
		"count":   len(uploads),
	})
}

// ResubmitUpload re-submits one failed or rejected upload file
// @Summary Resubmit an upload
// @Description Re-upload one file by its target-assigned file id, replacing its terminal status
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Param fileId path string true "File ID"
// @Success 200 {object} map[string]interface{} "Resubmission result"
// @Failure 404 {object} map[string]interface{} "No upload unit for file id"
// @Router /runs/{id}/uploads/{fileId}/resubmit [post]
func (h *Handler) ResubmitUpload(w http.ResponseWriter, r *http.Request) {
	// /api/v1/runs/{id}/uploads/{fileId}/resubmit
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 7 || parts[4] != "uploads" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	runID, fileID := parts[3], parts[5]
	if runID == "" || fileID == "" {
		http.Error(w, "Run ID and file ID are required", http.StatusBadRequest)
		return
	}

	unit, err := h.Pipeline.ResubmitUpload(r.Context(), runID, fileID)
	if err != nil {
		if unit == nil {
			http.Error(w, "No upload unit recorded for file id", http.StatusNotFound)
			return
		}
		http.Error(w, "Resubmission failed", http.StatusInternalServerError)
		return
	}

	go func() {
		if err := h.Pipeline.PollUploads(context.Background()); err != nil {
			fmt.Printf("❌ Upload polling after resubmit failed: %v\n", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Resubmission initiated",
		"runId":   runID,
		"file":    unit,
	})
}

// pathID extracts the identifier between prefix and suffix of the URL path.
func pathID(w http.ResponseWriter, r *http.Request, prefix, suffix string) (string, bool) {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Identifier is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}
