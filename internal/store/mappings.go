package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// GetMapping looks up a cached identity mapping. The second return value is
// false on a cache miss.
func (s *Store) GetMapping(objectID, indicatorID string) (model.IdentityMapping, bool, error) {
	var m model.IdentityMapping
	err := s.db.QueryRow(
		`SELECT object_id, indicator_id, technical_object, managed_object_id, measuring_node_id,
			data_type, sync_status, reason, resolved_at
		 FROM identity_mappings WHERE object_id = ? AND indicator_id = ?`,
		objectID, indicatorID).
		Scan(&m.ObjectID, &m.IndicatorID, &m.TechnicalObject, &m.ManagedObjectID,
			&m.MeasuringNodeID, &m.DataType, &m.SyncStatus, &m.Reason, &m.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IdentityMapping{}, false, nil
	}
	if err != nil {
		return model.IdentityMapping{}, false, err
	}
	return m, true, nil
}

// SaveMapping upserts an identity mapping. Concurrent resolutions of the same
// pair converge: the last successful writer wins.
func (s *Store) SaveMapping(m model.IdentityMapping) error {
	if m.ResolvedAt.IsZero() {
		m.ResolvedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO identity_mappings
			(object_id, indicator_id, technical_object, managed_object_id, measuring_node_id,
			 data_type, sync_status, reason, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(object_id, indicator_id) DO UPDATE SET
			technical_object = excluded.technical_object,
			managed_object_id = excluded.managed_object_id,
			measuring_node_id = excluded.measuring_node_id,
			data_type = excluded.data_type,
			sync_status = excluded.sync_status,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at`,
		m.ObjectID, m.IndicatorID, m.TechnicalObject, m.ManagedObjectID, m.MeasuringNodeID,
		m.DataType, m.SyncStatus, m.Reason, m.ResolvedAt)
	return err
}

// CountMappings returns the number of cached mappings, split by sync status.
func (s *Store) CountMappings() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM identity_mappings GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
