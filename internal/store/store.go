package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// Store is the durable record of every run, export request, identity mapping
// and upload unit. All writes are single-row upserts; sqlite serializes
// writers per key, and terminal statuses are guarded in the UPDATE itself so
// they are never overwritten.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the status database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps concurrent upserts serialized instead of
	// surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			spec TEXT,
			status TEXT,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS export_requests (
			partition_key TEXT,
			start_date TEXT,
			end_date TEXT,
			run_id TEXT,
			request_id TEXT,
			status TEXT,
			message TEXT,
			created_at DATETIME,
			updated_at DATETIME,
			PRIMARY KEY (partition_key, start_date, end_date)
		);`,
		`CREATE TABLE IF NOT EXISTS identity_mappings (
			object_id TEXT,
			indicator_id TEXT,
			technical_object TEXT,
			managed_object_id TEXT,
			measuring_node_id TEXT,
			data_type TEXT,
			sync_status TEXT,
			reason TEXT,
			resolved_at DATETIME,
			PRIMARY KEY (object_id, indicator_id)
		);`,
		`CREATE TABLE IF NOT EXISTS upload_units (
			file_path TEXT PRIMARY KEY,
			partition_key TEXT,
			run_id TEXT,
			row_count INTEGER,
			byte_size INTEGER,
			file_id TEXT,
			status TEXT,
			message TEXT,
			submitted_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS run_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			partition_key TEXT,
			stage TEXT,
			reason TEXT,
			detail TEXT,
			created_at DATETIME
		);`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return err
		}
	}
	return nil
}

// ------------------- Runs -------------------

// SaveRun stores a new migration run.
func (s *Store) SaveRun(runID string, spec model.RunSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO runs (id, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		runID, specJSON, "pending", now, now)
	return err
}

// UpdateRunStatus updates a run's status.
func (s *Store) UpdateRunStatus(runID string, status string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, runID)
	return err
}

// GetRun fetches one run's spec and status.
func (s *Store) GetRun(runID string) (map[string]interface{}, error) {
	var specJSON, status string
	var createdAt, updatedAt time.Time
	err := s.db.QueryRow(`SELECT spec, status, created_at, updated_at FROM runs WHERE id = ?`, runID).
		Scan(&specJSON, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var spec model.RunSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":        runID,
		"spec":      spec,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
	}, nil
}

// ListRuns returns all runs with basic info, newest first.
func (s *Store) ListRuns() ([]map[string]interface{}, error) {
	rows, err := s.db.Query(`SELECT id, status, created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []map[string]interface{}
	for rows.Next() {
		var id, status string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&id, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, map[string]interface{}{
			"id":        id,
			"status":    status,
			"createdAt": createdAt,
			"updatedAt": updatedAt,
		})
	}
	return runs, rows.Err()
}

// SaveRunError records a reported business error for a run.
func (s *Store) SaveRunError(runID string, detail model.ErrorDetail) error {
	_, err := s.db.Exec(
		`INSERT INTO run_errors (run_id, partition_key, stage, reason, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, detail.PartitionKey, detail.Stage, detail.Reason, detail.Detail, time.Now().UTC())
	return err
}

// ListRunErrors returns all reported errors for a run, oldest first.
func (s *Store) ListRunErrors(runID string) ([]model.ErrorDetail, error) {
	rows, err := s.db.Query(
		`SELECT partition_key, stage, reason, detail, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []model.ErrorDetail
	for rows.Next() {
		var d model.ErrorDetail
		if err := rows.Scan(&d.PartitionKey, &d.Stage, &d.Reason, &d.Detail, &d.Timestamp); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}
