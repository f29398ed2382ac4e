package model

import "time"

// Granularity values for slicing the configured time range into partitions.
const (
	GranularityYears  = "YEARS"
	GranularityMonths = "MONTHS"
	GranularityWeeks  = "WEEKS"
	GranularityDays   = "DAYS"
)

// RunSpec is the payload for POST /api/v1/runs.
type RunSpec struct {
	IndicatorGroups []string `json:"indicatorGroups"`
	StartDate       string   `json:"startDate"`   // YYYY-MM-DD
	EndDate         string   `json:"endDate"`     // YYYY-MM-DD
	Granularity     string   `json:"granularity"` // YEARS, MONTHS, WEEKS, DAYS
}

// Partition is one unit of export/transform/load work: one indicator group
// and one time slice.
type Partition struct {
	Key       string `json:"key"`       // indicator group / property set type
	StartDate string `json:"startDate"` // YYYY-MM-DD
	EndDate   string `json:"endDate"`   // YYYY-MM-DD
}

// ID returns a filesystem- and table-safe identity for the partition.
func (p Partition) ID() string {
	return p.Key + "_" + p.StartDate + "_" + p.EndDate
}

// TimeRange renders the coldstore timerange query value.
func (p Partition) TimeRange() string {
	return p.StartDate + "-" + p.EndDate
}

// Skip reasons recorded by the transformer. Every excluded row carries one.
type SkipReason string

const (
	SkipUnresolvedMapping   SkipReason = "UnresolvedMapping"
	SkipUnsupportedDatatype SkipReason = "UnsupportedDatatype"
	SkipBadTimestamp        SkipReason = "BadTimestamp"
	SkipBadValue            SkipReason = "BadValue"
)

// TransformStats counts the outcome of transforming one raw export file.
type TransformStats struct {
	RowsRead    int64                `json:"rowsRead"`
	RowsPivoted int64                `json:"rowsPivoted"`
	Records     int64                `json:"records"` // wide records emitted
	Skipped     map[SkipReason]int64 `json:"skipped"`
}

// PartitionSummary is the machine-readable outcome of one partition.
type PartitionSummary struct {
	Partition    Partition            `json:"partition"`
	ExportStatus ExportStatus         `json:"exportStatus,omitempty"`
	RowsRead     int64                `json:"rowsRead"`
	RowsPivoted  int64                `json:"rowsPivoted"`
	Skipped      map[SkipReason]int64 `json:"skipped,omitempty"`
	Files        []UploadUnit         `json:"files,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// RunSummary is the machine-readable outcome of one pipeline run.
type RunSummary struct {
	RunID      string             `json:"runId"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt,omitempty"`
	Partitions []PartitionSummary `json:"partitions"`
}

// ErrorDetail is one reported business error, persisted for remediation.
type ErrorDetail struct {
	PartitionKey string    `json:"partitionKey,omitempty"`
	Stage        string    `json:"stage"`  // export, resolve, transform, assemble, upload
	Reason       string    `json:"reason"` // reason or error code
	Detail       string    `json:"detail"`
	Timestamp    time.Time `json:"timestamp"`
}
