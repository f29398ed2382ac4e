package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// SaveUploadUnit upserts an assembled upload unit, keyed by file path.
// Terminal rows are never overwritten.
func (s *Store) SaveUploadUnit(runID string, u model.UploadUnit) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO upload_units
			(file_path, partition_key, run_id, row_count, byte_size, file_id, status, message, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET
			run_id = excluded.run_id,
			row_count = excluded.row_count,
			byte_size = excluded.byte_size,
			file_id = excluded.file_id,
			status = excluded.status,
			message = excluded.message,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at
		 WHERE upload_units.status NOT IN (?, ?)`,
		u.FilePath, u.PartitionKey, runID, u.RowCount, u.ByteSize, u.FileID, string(u.Status),
		u.Message, u.SubmittedAt, now,
		string(model.UploadSucceeded), string(model.UploadFailed))
	return err
}

// ReplaceUploadUnit overwrites an upload unit unconditionally, terminal or
// not. Used for operator-driven resubmission of a failed file.
func (s *Store) ReplaceUploadUnit(runID string, u model.UploadUnit) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO upload_units
			(file_path, partition_key, run_id, row_count, byte_size, file_id, status, message, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.FilePath, u.PartitionKey, runID, u.RowCount, u.ByteSize, u.FileID, string(u.Status),
		u.Message, u.SubmittedAt, time.Now().UTC())
	return err
}

// UpdateUploadStatus records a status transition for one upload unit.
// Terminal statuses are guarded in the WHERE clause.
func (s *Store) UpdateUploadStatus(filePath, fileID string, status model.UploadStatus, message string) error {
	_, err := s.db.Exec(
		`UPDATE upload_units SET file_id = ?, status = ?, message = ?, updated_at = ?
		 WHERE file_path = ? AND status NOT IN (?, ?)`,
		fileID, string(status), message, time.Now().UTC(), filePath,
		string(model.UploadSucceeded), string(model.UploadFailed))
	return err
}

// GetUploadUnit loads one upload unit by file path.
func (s *Store) GetUploadUnit(filePath string) (*model.UploadUnit, error) {
	row := s.db.QueryRow(
		`SELECT file_path, partition_key, row_count, byte_size, file_id, status, message, submitted_at, updated_at
		 FROM upload_units WHERE file_path = ?`, filePath)
	return scanUploadUnit(row)
}

// GetUploadUnitByFileID loads one upload unit by its target-assigned file id.
func (s *Store) GetUploadUnitByFileID(fileID string) (*model.UploadUnit, error) {
	row := s.db.QueryRow(
		`SELECT file_path, partition_key, row_count, byte_size, file_id, status, message, submitted_at, updated_at
		 FROM upload_units WHERE file_id = ?`, fileID)
	return scanUploadUnit(row)
}

// ListUploadUnitsByPartition returns all units belonging to one partition.
func (s *Store) ListUploadUnitsByPartition(partitionKey string) ([]model.UploadUnit, error) {
	return s.listUploadUnits(
		`SELECT file_path, partition_key, row_count, byte_size, file_id, status, message, submitted_at, updated_at
		 FROM upload_units WHERE partition_key = ? ORDER BY file_path`, partitionKey)
}

// ListUploadUnitsByRun returns all units touched by a run.
func (s *Store) ListUploadUnitsByRun(runID string) ([]model.UploadUnit, error) {
	return s.listUploadUnits(
		`SELECT file_path, partition_key, row_count, byte_size, file_id, status, message, submitted_at, updated_at
		 FROM upload_units WHERE run_id = ? ORDER BY file_path`, runID)
}

// ListNonTerminalUploads returns every unit still awaiting a terminal status.
// The upload poll loop resumes from this after a restart.
func (s *Store) ListNonTerminalUploads() ([]model.UploadUnit, error) {
	return s.listUploadUnits(
		`SELECT file_path, partition_key, row_count, byte_size, file_id, status, message, submitted_at, updated_at
		 FROM upload_units WHERE status NOT IN (?, ?) ORDER BY file_path`,
		string(model.UploadSucceeded), string(model.UploadFailed))
}

func (s *Store) listUploadUnits(query string, args ...interface{}) ([]model.UploadUnit, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []model.UploadUnit
	for rows.Next() {
		var u model.UploadUnit
		var fileID, message sql.NullString
		var submittedAt sql.NullTime
		if err := rows.Scan(&u.FilePath, &u.PartitionKey, &u.RowCount, &u.ByteSize,
			&fileID, &u.Status, &message, &submittedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.FileID = fileID.String
		u.Message = message.String
		u.SubmittedAt = submittedAt.Time
		units = append(units, u)
	}
	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUploadUnit(row rowScanner) (*model.UploadUnit, error) {
	var u model.UploadUnit
	var fileID, message sql.NullString
	var submittedAt sql.NullTime
	err := row.Scan(&u.FilePath, &u.PartitionKey, &u.RowCount, &u.ByteSize,
		&fileID, &u.Status, &message, &submittedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.FileID = fileID.String
	u.Message = message.String
	u.SubmittedAt = submittedAt.Time
	return &u, nil
}
