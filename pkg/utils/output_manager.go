package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// StagingManager handles the on-disk layout of a migration run: raw coldstore
// downloads, upload-ready parquet files and run reports.
type StagingManager struct {
	BaseDir string
}

// NewStagingManager creates a staging manager rooted at baseDir.
func NewStagingManager(baseDir string) *StagingManager {
	return &StagingManager{BaseDir: baseDir}
}

// RawDir returns (and creates) the directory holding raw export downloads.
func (sm *StagingManager) RawDir() (string, error) {
	return sm.ensure("raw")
}

// RawFilePath returns the download path for one partition's raw export.
func (sm *StagingManager) RawFilePath(partitionID string) (string, error) {
	dir, err := sm.RawDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(partitionID)+".export"), nil
}

// ReadyDir returns (and creates) the directory holding upload-ready files.
func (sm *StagingManager) ReadyDir() (string, error) {
	return sm.ensure("ready")
}

// ReportDir returns (and creates) the directory holding one run's report
// artifacts.
func (sm *StagingManager) ReportDir(runID string) (string, error) {
	return sm.ensure(filepath.Join("reports", filepath.Base(runID)))
}

// FileSize returns the size of a staged file in bytes.
func (sm *StagingManager) FileSize(filePath string) (int64, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return fileInfo.Size(), nil
}

// EnsureBaseDirExists ensures the staging root exists.
func (sm *StagingManager) EnsureBaseDirExists() error {
	return os.MkdirAll(sm.BaseDir, 0755)
}

func (sm *StagingManager) ensure(sub string) (string, error) {
	dir := filepath.Join(sm.BaseDir, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}
