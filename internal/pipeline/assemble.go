package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

// Assembler combines a partition's wide records into upload-ready parquet
// files. A file is finalized before either ceiling would be exceeded: the
// row count or the estimated serialized size. Files never mix partitions.
type Assembler struct {
	store    *store.Store
	readyDir string
	maxRows  int64
	maxBytes int64
}

// NewAssembler creates an assembler writing under readyDir with the given
// per-file ceilings.
func NewAssembler(st *store.Store, readyDir string, maxRows, maxBytes int64) *Assembler {
	return &Assembler{store: st, readyDir: readyDir, maxRows: maxRows, maxBytes: maxBytes}
}

// Assemble consumes the partition's wide records and returns the finalized
// upload units, each persisted in the status store as Assembled. Re-running
// assembly for a partition whose units all succeeded already is a no-op.
func (a *Assembler) Assemble(ctx context.Context, runID string, p model.Partition, in <-chan model.WideRecord) ([]model.UploadUnit, error) {
	partitionID := p.ID()

	existing, err := a.store.ListUploadUnitsByPartition(partitionID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && allSucceeded(existing) {
		for range in {
		}
		fmt.Printf("🗂️ Assemble %s: %d units already succeeded, skipping\n", partitionID, len(existing))
		return existing, nil
	}

	dir := filepath.Join(a.readyDir, partitionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ready directory: %w", err)
	}

	var units []model.UploadUnit
	var buffer []model.WideRecord
	var pendingBytes int64
	part := 0

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		part++
		path := filepath.Join(dir, fmt.Sprintf("part-%05d.parquet", part))
		unit, err := writeParquet(path, partitionID, buffer)
		if err != nil {
			return err
		}
		if err := a.store.SaveUploadUnit(runID, unit); err != nil {
			return err
		}
		fmt.Printf("🗂️ Assemble %s: finalized %s (%d rows)\n", partitionID, filepath.Base(path), unit.RowCount)
		units = append(units, unit)
		buffer = buffer[:0]
		pendingBytes = 0
		return nil
	}

	for rec := range in {
		select {
		case <-ctx.Done():
			return units, ctx.Err()
		default:
		}

		recBytes := estimateRecordBytes(rec)
		// Checked before appending so neither ceiling is ever exceeded in
		// the finalized artifact.
		if len(buffer) > 0 &&
			(int64(len(buffer))+1 > a.maxRows || pendingBytes+recBytes > a.maxBytes) {
			if err := flush(); err != nil {
				return units, err
			}
		}
		buffer = append(buffer, rec)
		pendingBytes += recBytes
	}
	if err := flush(); err != nil {
		return units, err
	}
	return units, nil
}

func allSucceeded(units []model.UploadUnit) bool {
	for _, u := range units {
		if u.Status != model.UploadSucceeded {
			return false
		}
	}
	return true
}

// estimateRecordBytes is a conservative serialized-size estimate: key
// columns plus 8 bytes per populated indicator cell, taking no credit for
// compression.
func estimateRecordBytes(rec model.WideRecord) int64 {
	return int64(len(rec.ManagedObjectID)+len(rec.MeasuringNodeID)) + 8 + int64(8*len(rec.Columns))
}

// ------------------- Parquet writing -------------------

var timestampMsUTC = &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}

// writeParquet serializes one batch of wide records as a Snappy-compressed
// parquet file: key columns (managedObjectId, _time, measuringNodeId) plus
// one nullable column per indicator.
func writeParquet(path, partitionID string, records []model.WideRecord) (model.UploadUnit, error) {
	indicators, types := indicatorColumnsOf(records)

	fields := []arrow.Field{
		{Name: "managedObjectId", Type: arrow.BinaryTypes.String},
		{Name: "_time", Type: timestampMsUTC},
		{Name: "measuringNodeId", Type: arrow.BinaryTypes.String},
	}
	for _, ind := range indicators {
		var typ arrow.DataType = arrow.PrimitiveTypes.Float64
		if types[ind] == "date" {
			typ = arrow.FixedWidthTypes.Date32
		}
		fields = append(fields, arrow.Field{Name: ind, Type: typ, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	file, err := os.Create(path)
	if err != nil {
		return model.UploadUnit{}, fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer, err := pqarrow.NewFileWriter(schema, file,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.DefaultWriterProps())
	if err != nil {
		file.Close()
		return model.UploadUnit{}, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for _, rec := range records {
		builder.Field(0).(*array.StringBuilder).Append(rec.ManagedObjectID)
		builder.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(rec.Timestamp.UnixMilli()))
		builder.Field(2).(*array.StringBuilder).Append(rec.MeasuringNodeID)

		for i, ind := range indicators {
			field := builder.Field(3 + i)
			value, ok := rec.Columns[ind]
			if !ok {
				field.AppendNull()
				continue
			}
			switch b := field.(type) {
			case *array.Float64Builder:
				b.Append(value.Number)
			case *array.Date32Builder:
				epoch := value.Date.Unix() / 86400
				b.Append(arrow.Date32(epoch))
			}
		}
	}

	batch := builder.NewRecord()
	writeErr := writer.Write(batch)
	batch.Release()
	if writeErr != nil {
		writer.Close()
		return model.UploadUnit{}, fmt.Errorf("failed to write parquet file: %w", writeErr)
	}
	// Close writes the footer and closes the underlying file.
	if err := writer.Close(); err != nil {
		return model.UploadUnit{}, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return model.UploadUnit{}, err
	}
	return model.UploadUnit{
		FilePath:     path,
		PartitionKey: partitionID,
		RowCount:     int64(len(records)),
		ByteSize:     info.Size(),
		Status:       model.UploadAssembled,
	}, nil
}

// indicatorColumnsOf returns the sorted union of indicator columns across
// the batch and the datatype of each.
func indicatorColumnsOf(records []model.WideRecord) ([]string, map[string]string) {
	types := make(map[string]string)
	for _, rec := range records {
		for ind, val := range rec.Columns {
			if _, seen := types[ind]; !seen {
				types[ind] = val.DataType
			}
		}
	}
	indicators := make([]string, 0, len(types))
	for ind := range types {
		indicators = append(indicators, ind)
	}
	sort.Strings(indicators)
	return indicators, types
}
