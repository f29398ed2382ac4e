package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

func TestReportWriteArtifacts(t *testing.T) {
	st := testStore(t)
	report := NewReport("run-1", st)

	report.RecordError(model.ErrorDetail{
		PartitionKey: "p1", Stage: "transform", Reason: "UnresolvedMapping", Detail: "object=thing-1",
	})
	report.AddPartition(model.PartitionSummary{
		Partition:   model.Partition{Key: "p1", StartDate: "2021-01-01", EndDate: "2021-12-31"},
		RowsRead:    10,
		RowsPivoted: 8,
		Skipped:     map[model.SkipReason]int64{model.SkipUnresolvedMapping: 2},
	})

	dir := t.TempDir()
	summary, err := report.Write(dir, "completed_with_errors")
	require.NoError(t, err)
	assert.Equal(t, "completed_with_errors", summary.Status)
	assert.False(t, summary.FinishedAt.IsZero())

	raw, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	var onDisk model.RunSummary
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "run-1", onDisk.RunID)
	require.Len(t, onDisk.Partitions, 1)
	assert.Equal(t, int64(10), onDisk.Partitions[0].RowsRead)

	raw, err = os.ReadFile(filepath.Join(dir, "errors.json"))
	require.NoError(t, err)
	var details []model.ErrorDetail
	require.NoError(t, json.Unmarshal(raw, &details))
	require.Len(t, details, 1)
	assert.Equal(t, "transform", details[0].Stage)

	// Errors are also queryable through the status store.
	persisted, err := st.ListRunErrors("run-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}
