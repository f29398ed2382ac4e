package model

import "time"

// ExportStatus is the local state of a coldstore export request.
type ExportStatus string

const (
	ExportInitiated        ExportStatus = "Initiated"
	ExportSubmitted        ExportStatus = "Submitted"
	ExportReadyForDownload ExportStatus = "ReadyForDownload"
	ExportFailed           ExportStatus = "Failed"
	ExportException        ExportStatus = "Exception"
	ExportExpired          ExportStatus = "Expired"
)

// Terminal reports whether the status can never change again.
// ReadyForDownload is not terminal: it still ages into Expired.
func (s ExportStatus) Terminal() bool {
	return s == ExportFailed || s == ExportException || s == ExportExpired
}

// ExportRequest tracks one coldstore export for a partition and time range.
// At most one non-terminal request exists per (partition, time range).
type ExportRequest struct {
	PartitionKey string       `json:"partitionKey"` // indicator group / property set type
	StartDate    string       `json:"startDate"`    // YYYY-MM-DD, inclusive
	EndDate      string       `json:"endDate"`      // YYYY-MM-DD, inclusive
	RequestID    string       `json:"requestId"`
	Status       ExportStatus `json:"status"`
	Message      string       `json:"message,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Sync statuses for identity mappings. Only synced mappings may tag data
// for upload.
const (
	SyncStatusSynced     = "synced"
	SyncStatusUnresolved = "unresolved"
)

// Resolver reason codes for unresolved mappings.
const (
	ReasonObjectNotFound    = "ObjectNotFound"
	ReasonMetadataNotSynced = "MetadataNotSynced"
	ReasonIndicatorNotFound = "IndicatorNotFound"
)

// IdentityMapping links a source (object, indicator) pair to the target
// managed object and measuring node. Cached in the status store; keyed by
// (ObjectID, IndicatorID).
type IdentityMapping struct {
	ObjectID        string    `json:"objectId"`
	IndicatorID     string    `json:"indicatorId"`
	TechnicalObject string    `json:"technicalObject,omitempty"` // target-side TO number
	ManagedObjectID string    `json:"managedObjectId,omitempty"`
	MeasuringNodeID string    `json:"measuringNodeId,omitempty"`
	DataType        string    `json:"dataType,omitempty"` // numeric, numeric-flexible, date, ...
	SyncStatus      string    `json:"syncStatus"`
	Reason          string    `json:"reason,omitempty"`
	ResolvedAt      time.Time `json:"resolvedAt"`
}

// Synced reports whether the mapping may be used to tag data for upload.
func (m IdentityMapping) Synced() bool {
	return m.SyncStatus == SyncStatusSynced
}

// MeasurementRow is one raw reading parsed from a coldstore export file.
// Transient; never persisted.
type MeasurementRow struct {
	ObjectID    string    `json:"objectId"`
	IndicatorID string    `json:"indicatorId"`
	Timestamp   time.Time `json:"timestamp"`
	Value       string    `json:"value"` // raw, typed during the pivot
}

// ColumnValue is one typed indicator cell of a wide record.
type ColumnValue struct {
	DataType string    `json:"dataType"` // "numeric" or "date"
	Number   float64   `json:"number,omitempty"`
	Date     time.Time `json:"date,omitempty"` // calendar date, no time component
}

// WideRecord is one pivoted row: key columns plus one column per indicator.
// Keyed by (ManagedObjectID, Timestamp, MeasuringNodeID); duplicate keys
// overwrite (last write wins).
type WideRecord struct {
	ManagedObjectID string                 `json:"managedObjectId"`
	MeasuringNodeID string                 `json:"measuringNodeId"`
	Timestamp       time.Time              `json:"timestamp"`
	Columns         map[string]ColumnValue `json:"columns"` // indicator id -> value
}

// UploadStatus is the local state of an assembled upload file.
type UploadStatus string

const (
	UploadAssembled  UploadStatus = "Assembled"
	UploadSubmitted  UploadStatus = "Submitted"
	UploadProcessing UploadStatus = "Processing"
	UploadSucceeded  UploadStatus = "Succeeded"
	UploadFailed     UploadStatus = "Failed"
)

// Terminal reports whether the upload status can never change again.
func (s UploadStatus) Terminal() bool {
	return s == UploadSucceeded || s == UploadFailed
}

// UploadUnit is one size-bounded parquet file ready for (or past) upload.
// Immutable once submitted except for status transitions.
type UploadUnit struct {
	FilePath     string       `json:"filePath"`
	PartitionKey string       `json:"partitionKey"`
	RowCount     int64        `json:"rowCount"`
	ByteSize     int64        `json:"byteSize"`
	FileID       string       `json:"fileId,omitempty"` // assigned by the target on submission
	Status       UploadStatus `json:"status"`
	Message      string       `json:"message,omitempty"`
	SubmittedAt  time.Time    `json:"submittedAt,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
