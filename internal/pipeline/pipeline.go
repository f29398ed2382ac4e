// Package pipeline coordinates the migration stages: export from the source
// coldstore, identity resolution, pivot to wide records, parquet assembly and
// upload to the target. Every stage checkpoints its progress in the status
// store, so an interrupted run resumes instead of repeating work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SAP-samples/apm-migration-tools/internal/config"
	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/source"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
	"github.com/SAP-samples/apm-migration-tools/internal/target"
	"github.com/SAP-samples/apm-migration-tools/pkg/utils"
)

// Pipeline wires the stage coordinators for one deployment. Safe for
// concurrent runs only against distinct partitions; the status store
// serializes the bookkeeping.
type Pipeline struct {
	cfg     *config.Config
	store   *store.Store
	staging *utils.StagingManager

	exports  *ExportCoordinator
	resolver *Resolver
	uploads  *UploadCoordinator
}

// New assembles a pipeline from configuration. The equipment mapping file is
// optional; a missing path simply disables overrides.
func New(cfg *config.Config, st *store.Store) (*Pipeline, error) {
	sourceTokens := source.StaticToken(cfg.Source.Token)
	targetTokens := source.StaticToken(cfg.Target.Token)

	coldstore := source.NewColdstoreClient(cfg.Source.ColdstoreURL, cfg.Source.DownloadURL, sourceTokens)
	metadata := target.NewMetadataClient(cfg.Target.MetadataURL, cfg.Target.ExternalIDURL, cfg.Target.APIKey, targetTokens)
	uploadClient := target.NewUploadClient(cfg.Target.UploadURL, cfg.Target.APIKey, targetTokens)

	var equipmentMap map[string]string
	if cfg.Migration.EquipmentMappingFile != "" {
		m, err := config.LoadEquipmentMapping(cfg.Migration.EquipmentMappingFile)
		if err != nil {
			return nil, err
		}
		equipmentMap = m
	}

	staging := utils.NewStagingManager(cfg.Migration.StagingDir)
	if err := staging.EnsureBaseDirExists(); err != nil {
		return nil, err
	}

	retry := model.DefaultRetryConfig()
	interval := cfg.PollIntervalDuration()

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		staging:  staging,
		exports:  NewExportCoordinator(coldstore, st, interval, retry),
		resolver: NewResolver(st, metadata, equipmentMap, cfg.Migration.Workers.Lookups, retry),
		uploads:  NewUploadCoordinator(uploadClient, st, interval, retry),
	}, nil
}

// Run executes one migration run: every partition through export, transform
// and assembly on a bounded worker pool, then the upload poll loop, then the
// report artifacts. Partition failures are isolated; the run finishes with
// status "completed_with_errors" instead of aborting siblings.
func (p *Pipeline) Run(ctx context.Context, runID string, spec model.RunSpec) (model.RunSummary, error) {
	partitions, err := p.partitionsFor(spec)
	if err != nil {
		return model.RunSummary{}, err
	}

	report := NewReport(runID, p.store)
	if err := p.store.UpdateRunStatus(runID, "running"); err != nil {
		return model.RunSummary{}, err
	}
	fmt.Printf("🚀 Run %s: %d partitions, %d workers\n", runID, len(partitions), p.cfg.Migration.Workers.Partitions)

	jobs := make(chan model.Partition)
	var wg sync.WaitGroup
	var failures int64
	var mu sync.Mutex

	for w := 0; w < p.cfg.Migration.Workers.Partitions; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range jobs {
				summary := p.runPartition(ctx, runID, part, report)
				if summary.Error != "" {
					mu.Lock()
					failures++
					mu.Unlock()
				}
				report.AddPartition(summary)
			}
		}()
	}

	for _, part := range partitions {
		select {
		case <-ctx.Done():
		case jobs <- part:
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() == nil {
		if err := p.uploads.PollUploads(ctx); err != nil && !errors.Is(err, context.Canceled) {
			report.RecordError(model.ErrorDetail{
				Stage:  "upload",
				Reason: "PollFailed",
				Detail: err.Error(),
			})
			mu.Lock()
			failures++
			mu.Unlock()
		}
	}

	status := "completed"
	if failures > 0 {
		status = "completed_with_errors"
	}
	if ctx.Err() != nil {
		status = "interrupted"
	}

	reportDir, err := p.staging.ReportDir(runID)
	if err != nil {
		return report.Summary(), err
	}
	summary, err := report.Write(reportDir, status)
	if err != nil {
		return summary, err
	}
	if err := p.store.UpdateRunStatus(runID, status); err != nil {
		return summary, err
	}
	return summary, nil
}

// partitionsFor expands the run spec, falling back to the configured defaults
// for any field left empty.
func (p *Pipeline) partitionsFor(spec model.RunSpec) ([]model.Partition, error) {
	cfg := *p.cfg
	if len(spec.IndicatorGroups) > 0 {
		cfg.Migration.IndicatorGroups = spec.IndicatorGroups
	}
	if spec.StartDate != "" {
		cfg.Migration.StartDate = spec.StartDate
	}
	if spec.EndDate != "" {
		cfg.Migration.EndDate = spec.EndDate
	}
	if spec.Granularity != "" {
		cfg.Migration.Granularity = spec.Granularity
	}
	return cfg.Partitions()
}

// runPartition takes one partition through export, download, transform and
// assembly. Failures are recorded on the summary; the caller decides how they
// affect the run.
func (p *Pipeline) runPartition(ctx context.Context, runID string, part model.Partition, report *Report) model.PartitionSummary {
	summary := model.PartitionSummary{Partition: part}
	fail := func(stage, reason string, err error) model.PartitionSummary {
		summary.Error = err.Error()
		report.RecordError(model.ErrorDetail{
			PartitionKey: part.ID(),
			Stage:        stage,
			Reason:       reason,
			Detail:       err.Error(),
		})
		return summary
	}

	req, err := p.exports.Initiate(ctx, runID, part)
	if err != nil {
		return fail("export", "InitiationFailed", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeoutDuration())
	status, err := p.exports.Poll(pollCtx, part, req)
	cancel()
	summary.ExportStatus = status
	if err != nil {
		return fail("export", "PollFailed", err)
	}
	if status.Terminal() {
		return fail("export", string(status),
			fmt.Errorf("export for partition %s ended %s: %s", part.ID(), status, req.Message))
	}

	rawPath, err := p.staging.RawFilePath(part.ID())
	if err != nil {
		return fail("export", "StagingFailed", err)
	}
	if err := p.exports.Download(ctx, part, req, rawPath); err != nil {
		return fail("export", "DownloadFailed", err)
	}
	summary.ExportStatus = req.Status
	if size, err := p.staging.FileSize(rawPath); err == nil {
		fmt.Printf("⬇️ Partition %s: downloaded %d bytes\n", part.ID(), size)
	}

	readyDir, err := p.staging.ReadyDir()
	if err != nil {
		return fail("assemble", "StagingFailed", err)
	}

	transformer := NewTransformer(p.resolver, report)
	assembler := NewAssembler(p.store, readyDir, p.cfg.Migration.MaxRowsPerFile, p.cfg.Migration.MaxBytesPerFile)

	records := make(chan model.WideRecord, 256)
	var stats model.TransformStats
	var transformErr error
	var tw sync.WaitGroup
	tw.Add(1)
	go func() {
		defer tw.Done()
		defer close(records)
		stats, transformErr = transformer.Transform(ctx, part, rawPath, records)
	}()

	units, assembleErr := assembler.Assemble(ctx, runID, part, records)
	if assembleErr != nil {
		// Unblock the producer before collecting its result.
		for range records {
		}
	}
	tw.Wait()

	summary.RowsRead = stats.RowsRead
	summary.RowsPivoted = stats.RowsPivoted
	summary.Skipped = stats.Skipped
	summary.Files = units
	if transformErr != nil {
		return fail("transform", "TransformFailed", transformErr)
	}
	if assembleErr != nil {
		return fail("assemble", "AssembleFailed", assembleErr)
	}

	if err := p.uploads.Submit(ctx, units); err != nil {
		return fail("upload", "SubmitFailed", err)
	}
	for i, u := range units {
		if updated, err := p.store.GetUploadUnit(u.FilePath); err == nil && updated != nil {
			units[i] = *updated
		}
	}
	summary.Files = units

	fmt.Printf("✅ Partition %s: %d rows read, %d pivoted, %d files\n",
		part.ID(), stats.RowsRead, stats.RowsPivoted, len(units))
	return summary
}

// PollUploads exposes the upload poll loop for resuming a run that was
// interrupted after submission.
func (p *Pipeline) PollUploads(ctx context.Context) error {
	return p.uploads.PollUploads(ctx)
}

// ResubmitUpload re-submits one previously uploaded file, identified by the
// target-assigned file id. The terminal status is explicitly replaced; this is
// the operator escape hatch for rejected or failed files.
func (p *Pipeline) ResubmitUpload(ctx context.Context, runID, fileID string) (*model.UploadUnit, error) {
	unit, err := p.store.GetUploadUnitByFileID(fileID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, fmt.Errorf("no upload unit recorded for file %s", fileID)
	}

	unit.FileID = ""
	unit.Status = model.UploadAssembled
	unit.Message = ""
	if err := p.store.ReplaceUploadUnit(runID, *unit); err != nil {
		return nil, err
	}

	units := []model.UploadUnit{*unit}
	if err := p.uploads.Submit(ctx, units); err != nil {
		return unit, err
	}
	return &units[0], nil
}
