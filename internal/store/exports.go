package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// GetExportRequest loads the export request for a partition, if any.
func (s *Store) GetExportRequest(p model.Partition) (*model.ExportRequest, error) {
	var req model.ExportRequest
	var message sql.NullString
	err := s.db.QueryRow(
		`SELECT partition_key, start_date, end_date, request_id, status, message, created_at, updated_at
		 FROM export_requests WHERE partition_key = ? AND start_date = ? AND end_date = ?`,
		p.Key, p.StartDate, p.EndDate).
		Scan(&req.PartitionKey, &req.StartDate, &req.EndDate, &req.RequestID, &req.Status,
			&message, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.Message = message.String
	return &req, nil
}

// SaveExportRequest upserts an export request. An existing terminal row is
// left untouched; re-initiating an expired or failed export replaces it via
// ReplaceExportRequest instead.
func (s *Store) SaveExportRequest(runID string, req *model.ExportRequest) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO export_requests
			(partition_key, start_date, end_date, run_id, request_id, status, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition_key, start_date, end_date) DO UPDATE SET
			run_id = excluded.run_id,
			request_id = excluded.request_id,
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at
		 WHERE export_requests.status NOT IN (?, ?, ?)`,
		req.PartitionKey, req.StartDate, req.EndDate, runID, req.RequestID, string(req.Status),
		req.Message, now, now,
		string(model.ExportFailed), string(model.ExportException), string(model.ExportExpired))
	return err
}

// ReplaceExportRequest overwrites a terminal export request with a freshly
// initiated one. Used when an expired export must be re-driven.
func (s *Store) ReplaceExportRequest(runID string, req *model.ExportRequest) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO export_requests
			(partition_key, start_date, end_date, run_id, request_id, status, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.PartitionKey, req.StartDate, req.EndDate, runID, req.RequestID, string(req.Status),
		req.Message, now, now)
	return err
}

// UpdateExportStatus records a status transition. Terminal rows are never
// overwritten; the guard lives in the WHERE clause so concurrent writers
// cannot race past it.
func (s *Store) UpdateExportStatus(p model.Partition, status model.ExportStatus, message string) error {
	_, err := s.db.Exec(
		`UPDATE export_requests SET status = ?, message = ?, updated_at = ?
		 WHERE partition_key = ? AND start_date = ? AND end_date = ?
		   AND status NOT IN (?, ?, ?)`,
		string(status), message, time.Now().UTC(),
		p.Key, p.StartDate, p.EndDate,
		string(model.ExportFailed), string(model.ExportException), string(model.ExportExpired))
	return err
}

// ListExportRequests returns all export requests touched by a run.
func (s *Store) ListExportRequests(runID string) ([]model.ExportRequest, error) {
	rows, err := s.db.Query(
		`SELECT partition_key, start_date, end_date, request_id, status, message, created_at, updated_at
		 FROM export_requests WHERE run_id = ? ORDER BY partition_key, start_date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []model.ExportRequest
	for rows.Next() {
		var req model.ExportRequest
		var message sql.NullString
		if err := rows.Scan(&req.PartitionKey, &req.StartDate, &req.EndDate, &req.RequestID,
			&req.Status, &message, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		req.Message = message.String
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
