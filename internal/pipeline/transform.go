package pipeline

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// mappingResolver is the transformer's view of the Mapping Resolver.
type mappingResolver interface {
	Resolve(ctx context.Context, objectID, indicatorID string) (model.IdentityMapping, error)
}

// Transformer reshapes one raw export file into wide records: one row per
// (managed object, timestamp, measuring node) with one column per indicator.
type Transformer struct {
	resolver mappingResolver
	report   *Report
}

// NewTransformer creates a transformer resolving identities via resolver and
// reporting skipped rows to report (may be nil).
func NewTransformer(resolver mappingResolver, report *Report) *Transformer {
	return &Transformer{resolver: resolver, report: report}
}

type pivotKey struct {
	managedObjectID string
	measuringNodeID string
	ts              int64 // unix milliseconds
}

// Transform parses the raw file for one partition, pivots it and emits the
// wide records on out. Rows with unresolved mappings or unsupported
// datatypes are counted and reported, never silently dropped. The sequence
// is produced once; re-transform the file to regenerate it. Transport errors
// from the resolver abort the partition.
func (t *Transformer) Transform(ctx context.Context, p model.Partition, rawPath string, out chan<- model.WideRecord) (model.TransformStats, error) {
	stats := model.TransformStats{Skipped: make(map[model.SkipReason]int64)}

	groups := make(map[pivotKey]*model.WideRecord)
	badTimestamp := func(raw string) {
		stats.RowsRead++
		t.skip(&stats, p, model.SkipBadTimestamp, fmt.Sprintf("unparseable timestamp %q", raw))
	}
	err := t.readRawFile(ctx, rawPath, badTimestamp, func(row model.MeasurementRow) error {
		stats.RowsRead++

		mapping, err := t.resolver.Resolve(ctx, row.ObjectID, row.IndicatorID)
		if err != nil {
			return err
		}
		if !mapping.Synced() {
			t.skip(&stats, p, model.SkipUnresolvedMapping,
				fmt.Sprintf("object=%s indicator=%s reason=%s", row.ObjectID, row.IndicatorID, mapping.Reason))
			return nil
		}

		value, ok := typedValue(mapping.DataType, row)
		if !ok {
			reason := model.SkipUnsupportedDatatype
			if mapping.DataType == "numeric" || mapping.DataType == "numeric-flexible" || mapping.DataType == "date" {
				reason = model.SkipBadValue
			}
			t.skip(&stats, p, reason,
				fmt.Sprintf("object=%s indicator=%s datatype=%s value=%q", row.ObjectID, row.IndicatorID, mapping.DataType, row.Value))
			return nil
		}

		key := pivotKey{
			managedObjectID: mapping.ManagedObjectID,
			measuringNodeID: mapping.MeasuringNodeID,
			ts:              row.Timestamp.UnixMilli(),
		}
		rec, ok := groups[key]
		if !ok {
			rec = &model.WideRecord{
				ManagedObjectID: mapping.ManagedObjectID,
				MeasuringNodeID: mapping.MeasuringNodeID,
				Timestamp:       row.Timestamp,
				Columns:         make(map[string]model.ColumnValue),
			}
			groups[key] = rec
		}
		// Duplicate (object, timestamp, node, indicator) keys overwrite:
		// last write wins, matching the pivot semantics of the source tooling.
		rec.Columns[row.IndicatorID] = value
		stats.RowsPivoted++
		return nil
	})
	if err != nil {
		return stats, err
	}

	keys := make([]pivotKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.managedObjectID != b.managedObjectID {
			return a.managedObjectID < b.managedObjectID
		}
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		return a.measuringNodeID < b.measuringNodeID
	})

	for _, k := range keys {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case out <- *groups[k]:
			stats.Records++
		}
	}
	return stats, nil
}

func (t *Transformer) skip(stats *model.TransformStats, p model.Partition, reason model.SkipReason, detail string) {
	stats.Skipped[reason]++
	if t.report != nil {
		t.report.RecordError(model.ErrorDetail{
			PartitionKey: p.ID(),
			Stage:        "transform",
			Reason:       string(reason),
			Detail:       detail,
			Timestamp:    time.Now().UTC(),
		})
	}
}

// typedValue converts a raw value according to the indicator's declared
// datatype. Only numeric, numeric-flexible and date survive; everything else
// (string, datetime, timestamp) is out of scope for the target's ingestion
// format.
func typedValue(dataType string, row model.MeasurementRow) (model.ColumnValue, bool) {
	switch dataType {
	case "numeric", "numeric-flexible":
		f, err := strconv.ParseFloat(strings.TrimSpace(row.Value), 64)
		if err != nil {
			return model.ColumnValue{}, false
		}
		return model.ColumnValue{DataType: "numeric", Number: f}, true
	case "date":
		raw := strings.TrimSpace(row.Value)
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			if parsed, perr := time.Parse(time.RFC3339, raw); perr == nil {
				d = parsed.UTC().Truncate(24 * time.Hour)
			} else {
				return model.ColumnValue{}, false
			}
		}
		return model.ColumnValue{DataType: "date", Date: d}, true
	default:
		return model.ColumnValue{}, false
	}
}

// ------------------- Raw file parsing -------------------

// readRawFile streams measurement rows out of a coldstore download. The
// archive layout is sniffed from magic bytes: zip archives, gzip members and
// plain CSV are all accepted.
func (t *Transformer) readRawFile(ctx context.Context, rawPath string, badTimestamp func(string), emit func(model.MeasurementRow) error) error {
	head := make([]byte, 2)
	file, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("failed to open raw export file: %w", err)
	}
	if _, err := io.ReadFull(file, head); err != nil {
		file.Close()
		return fmt.Errorf("failed to read raw export file: %w", err)
	}
	file.Close()

	switch {
	case head[0] == 'P' && head[1] == 'K':
		return t.readZip(ctx, rawPath, badTimestamp, emit)
	case head[0] == 0x1f && head[1] == 0x8b:
		f, err := os.Open(rawPath)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip member: %w", err)
		}
		defer gz.Close()
		return t.readCSV(ctx, gz, badTimestamp, emit)
	default:
		f, err := os.Open(rawPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return t.readCSV(ctx, f, badTimestamp, emit)
	}
}

func (t *Transformer) readZip(ctx context.Context, rawPath string, badTimestamp func(string), emit func(model.MeasurementRow) error) error {
	archive, err := zip.OpenReader(rawPath)
	if err != nil {
		return fmt.Errorf("failed to open export archive: %w", err)
	}
	defer archive.Close()

	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
		}
		var reader io.Reader = rc
		if strings.HasSuffix(entry.Name, ".gz") {
			gz, err := gzip.NewReader(rc)
			if err != nil {
				rc.Close()
				return fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
			}
			reader = gz
		}
		err = t.readCSV(ctx, reader, badTimestamp, emit)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Column aliases seen across coldstore export variants.
var (
	objectColumns    = []string{"thingid", "thing_id", "objectid", "object_id"}
	indicatorColumns = []string{"propertyid", "property", "indicatorid", "indicator_id"}
	timeColumns      = []string{"_time", "time", "timestamp"}
	valueColumns     = []string{"_value", "value"}
)

func (t *Transformer) readCSV(ctx context.Context, r io.Reader, badTimestamp func(string), emit func(model.MeasurementRow) error) error {
	csvReader := csv.NewReader(r)
	csvReader.LazyQuotes = true

	headers, err := csvReader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(h), `"`, ""))
	}

	objectIdx := columnIndex(headers, objectColumns)
	indicatorIdx := columnIndex(headers, indicatorColumns)
	timeIdx := columnIndex(headers, timeColumns)
	valueIdx := columnIndex(headers, valueColumns)
	if objectIdx < 0 || indicatorIdx < 0 || timeIdx < 0 || valueIdx < 0 {
		return fmt.Errorf("raw export file is missing required columns (got %v)", headers)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, err := csvReader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("CSV read error: %w", err)
		}

		ts, err := parseTimestamp(record[timeIdx])
		if err != nil {
			badTimestamp(record[timeIdx])
			continue
		}

		if err := emit(model.MeasurementRow{
			ObjectID:    strings.TrimSpace(record[objectIdx]),
			IndicatorID: strings.TrimSpace(record[indicatorIdx]),
			Timestamp:   ts,
			Value:       record[valueIdx],
		}); err != nil {
			return err
		}
	}
}

func columnIndex(headers []string, candidates []string) int {
	for _, c := range candidates {
		for i, h := range headers {
			if h == c {
				return i
			}
		}
	}
	return -1
}

// parseTimestamp accepts RFC3339 strings and unix epoch milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
