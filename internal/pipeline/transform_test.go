package pipeline

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// fakeResolver serves canned mappings without any network or cache.
type fakeResolver struct {
	mappings map[string]model.IdentityMapping // "object/indicator" -> mapping
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, objectID, indicatorID string) (model.IdentityMapping, error) {
	if f.err != nil {
		return model.IdentityMapping{}, f.err
	}
	if m, ok := f.mappings[objectID+"/"+indicatorID]; ok {
		return m, nil
	}
	return model.IdentityMapping{
		ObjectID: objectID, IndicatorID: indicatorID,
		SyncStatus: model.SyncStatusUnresolved, Reason: model.ReasonObjectNotFound,
	}, nil
}

func numericMapping(objectID, indicatorID, mo, node string) model.IdentityMapping {
	return model.IdentityMapping{
		ObjectID: objectID, IndicatorID: indicatorID,
		ManagedObjectID: mo, MeasuringNodeID: node,
		DataType: "numeric", SyncStatus: model.SyncStatusSynced,
	}
}

func writeCSV(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.export")
	content := "thingId,propertyId,_time,_value\n"
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func collectRecords(t *testing.T, tr *Transformer, p model.Partition, rawPath string) (model.TransformStats, []model.WideRecord) {
	t.Helper()
	out := make(chan model.WideRecord, 64)
	stats, err := tr.Transform(context.Background(), p, rawPath, out)
	require.NoError(t, err)
	close(out)
	var records []model.WideRecord
	for rec := range out {
		records = append(records, rec)
	}
	return stats, records
}

func TestTransformPivotsByObjectTimestampNode(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp":     numericMapping("thing-1", "temp", "mo-1", "node-1"),
		"thing-1/pressure": numericMapping("thing-1", "pressure", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t,
		"thing-1,temp,2021-06-01T12:00:00Z,21.5",
		"thing-1,pressure,2021-06-01T12:00:00Z,1.2",
		"thing-1,temp,2021-06-01T13:00:00Z,22.0",
	)

	stats, records := collectRecords(t, tr, p, raw)
	assert.Equal(t, int64(3), stats.RowsRead)
	assert.Equal(t, int64(3), stats.RowsPivoted)
	assert.Equal(t, int64(2), stats.Records, "same key collapses into one wide record")

	require.Len(t, records, 2)
	first := records[0]
	assert.Equal(t, "mo-1", first.ManagedObjectID)
	assert.Equal(t, "node-1", first.MeasuringNodeID)
	assert.Equal(t, 21.5, first.Columns["temp"].Number)
	assert.Equal(t, 1.2, first.Columns["pressure"].Number)

	second := records[1]
	assert.True(t, second.Timestamp.After(first.Timestamp), "emission is ordered by timestamp")
	assert.Equal(t, 22.0, second.Columns["temp"].Number)
	assert.NotContains(t, second.Columns, "pressure")
}

func TestTransformDuplicateKeyLastWriteWins(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp": numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t,
		"thing-1,temp,2021-06-01T12:00:00Z,21.5",
		"thing-1,temp,2021-06-01T12:00:00Z,99.9",
	)

	_, records := collectRecords(t, tr, p, raw)
	require.Len(t, records, 1)
	assert.Equal(t, 99.9, records[0].Columns["temp"].Number)
}

func TestTransformSkipsUnresolvedRows(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp": numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t,
		"thing-1,temp,2021-06-01T12:00:00Z,21.5",
		"thing-ghost,temp,2021-06-01T12:00:00Z,3.0",
	)

	stats, records := collectRecords(t, tr, p, raw)
	assert.Equal(t, int64(2), stats.RowsRead)
	assert.Equal(t, int64(1), stats.Skipped[model.SkipUnresolvedMapping])
	require.Len(t, records, 1)
	assert.Equal(t, "mo-1", records[0].ManagedObjectID)
}

func TestTransformSkipsUnsupportedDatatype(t *testing.T) {
	stringMapping := numericMapping("thing-1", "label", "mo-1", "node-1")
	stringMapping.DataType = "string"
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/label": stringMapping,
		"thing-1/temp":  numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t,
		"thing-1,label,2021-06-01T12:00:00Z,running",
		"thing-1,temp,2021-06-01T12:00:00Z,21.5",
	)

	stats, records := collectRecords(t, tr, p, raw)
	assert.Equal(t, int64(1), stats.Skipped[model.SkipUnsupportedDatatype])
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Columns, "label")
}

func TestTransformSkipsBadValuesAndTimestamps(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp": numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t,
		"thing-1,temp,not-a-time,21.5",
		"thing-1,temp,2021-06-01T12:00:00Z,not-a-number",
		"thing-1,temp,2021-06-01T13:00:00Z,21.5",
	)

	stats, records := collectRecords(t, tr, p, raw)
	assert.Equal(t, int64(3), stats.RowsRead)
	assert.Equal(t, int64(1), stats.Skipped[model.SkipBadTimestamp])
	assert.Equal(t, int64(1), stats.Skipped[model.SkipBadValue])
	assert.Len(t, records, 1)
}

func TestTransformDateDatatype(t *testing.T) {
	dateMapping := numericMapping("thing-1", "installed", "mo-1", "node-1")
	dateMapping.DataType = "date"
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/installed": dateMapping,
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t, "thing-1,installed,2021-06-01T12:00:00Z,2019-05-20")

	_, records := collectRecords(t, tr, p, raw)
	require.Len(t, records, 1)
	col := records[0].Columns["installed"]
	assert.Equal(t, "date", col.DataType)
	assert.Equal(t, time.Date(2019, 5, 20, 0, 0, 0, 0, time.UTC), col.Date)
}

func TestTransformEpochMillisTimestamps(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp": numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	ts := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := writeCSV(t, fmt.Sprintf("thing-1,temp,%d,21.5", ts.UnixMilli()))

	_, records := collectRecords(t, tr, p, raw)
	require.Len(t, records, 1)
	assert.True(t, ts.Equal(records[0].Timestamp))
}

func TestTransformResolverErrorAborts(t *testing.T) {
	resolver := &fakeResolver{err: &model.TransportError{Op: "lookup", StatusCode: 502}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}

	raw := writeCSV(t, "thing-1,temp,2021-06-01T12:00:00Z,21.5")

	out := make(chan model.WideRecord, 4)
	_, err := tr.Transform(context.Background(), p, raw, out)
	var transport *model.TransportError
	require.ErrorAs(t, err, &transport)
}

func TestTransformReadsGzipAndZipArchives(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]model.IdentityMapping{
		"thing-1/temp": numericMapping("thing-1", "temp", "mo-1", "node-1"),
	}}
	tr := NewTransformer(resolver, nil)
	p := model.Partition{Key: "g", StartDate: "2021-01-01", EndDate: "2021-12-31"}
	csv := "thingId,propertyId,_time,_value\nthing-1,temp,2021-06-01T12:00:00Z,21.5\n"

	gzPath := filepath.Join(t.TempDir(), "raw.export")
	f, err := os.Create(gzPath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, records := collectRecords(t, tr, p, gzPath)
	require.Len(t, records, 1)

	zipPath := filepath.Join(t.TempDir(), "raw.export")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	entry, err := zw.Create("part-0.csv")
	require.NoError(t, err)
	_, err = entry.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	_, records = collectRecords(t, tr, p, zipPath)
	require.Len(t, records, 1)
	assert.Equal(t, 21.5, records[0].Columns["temp"].Number)
}
