package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/pkg/utils"
)

// FatalConfigError aborts the whole run: required configuration is missing
// or unusable. It is never retried.
type FatalConfigError struct {
	Field  string
	Detail string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal config error: %s: %s", e.Field, e.Detail)
}

// SourceConfig connects the coldstore export protocol of the source system.
// Token acquisition is owned by an external collaborator; the pipeline only
// consumes a bearer token provider.
type SourceConfig struct {
	ColdstoreURL string `yaml:"coldstoreUrl"` // initiate + status endpoints
	DownloadURL  string `yaml:"downloadUrl"`  // download endpoint (separate host)
	Token        string `yaml:"token"`
}

// TargetConfig connects the target platform's metadata and file upload APIs.
type TargetConfig struct {
	MetadataURL   string `yaml:"metadataUrl"`   // EIoT metadata sync service
	ExternalIDURL string `yaml:"externalIdUrl"` // external-id lookup service
	UploadURL     string `yaml:"uploadUrl"`     // file upload service
	APIKey        string `yaml:"apiKey"`
	Token         string `yaml:"token"`
	SSID          string `yaml:"ssid"` // logical system id of the ERP backend
}

// Workers defines the degree of parallelism per concern.
type Workers struct {
	Partitions int `yaml:"partitions" json:"partitions"` // concurrent partition pipelines
	Lookups    int `yaml:"lookups" json:"lookups"`       // in-flight resolver lookups
}

// MigrationConfig is the tunable surface of one migration run.
type MigrationConfig struct {
	IndicatorGroups      []string `yaml:"indicatorGroups"`
	StartDate            string   `yaml:"startDate"`   // YYYY-MM-DD
	EndDate              string   `yaml:"endDate"`     // YYYY-MM-DD
	Granularity          string   `yaml:"granularity"` // YEARS, MONTHS, WEEKS, DAYS
	StagingDir           string   `yaml:"stagingDir"`
	DatabasePath         string   `yaml:"databasePath"`
	MaxRowsPerFile       int64    `yaml:"maxRowsPerFile"`
	MaxBytesPerFile      int64    `yaml:"maxBytesPerFile"`
	PollInterval         string   `yaml:"pollInterval"` // e.g. "30s"
	PollTimeout          string   `yaml:"pollTimeout"`  // e.g. "2h"
	Workers              Workers  `yaml:"workers"`
	EquipmentMappingFile string   `yaml:"equipmentMappingFile"`
}

// Config is the full YAML configuration of the migration tooling.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Target    TargetConfig    `yaml:"target"`
	Migration MigrationConfig `yaml:"migration"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FatalConfigError{Field: "config", Detail: err.Error()}
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &FatalConfigError{Field: "config", Detail: err.Error()}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills optional fields with their defaults.
func (c *Config) ApplyDefaults() {
	m := &c.Migration
	if m.Granularity == "" {
		m.Granularity = model.GranularityYears
	}
	if m.StagingDir == "" {
		m.StagingDir = "staging"
	}
	if m.DatabasePath == "" {
		m.DatabasePath = "migration.db"
	}
	if m.MaxRowsPerFile == 0 {
		m.MaxRowsPerFile = 1_000_000
	}
	if m.MaxBytesPerFile == 0 {
		m.MaxBytesPerFile = 50 * 1024 * 1024
	}
	if m.PollInterval == "" {
		m.PollInterval = "30s"
	}
	if m.PollTimeout == "" {
		m.PollTimeout = "2h"
	}
	if m.Workers.Partitions == 0 {
		m.Workers.Partitions = 4
	}
	if m.Workers.Lookups == 0 {
		m.Workers.Lookups = 20
	}
}

// Validate checks the required fields. Any failure is a FatalConfigError.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"source.coldstoreUrl", c.Source.ColdstoreURL != ""},
		{"source.downloadUrl", c.Source.DownloadURL != ""},
		{"target.metadataUrl", c.Target.MetadataURL != ""},
		{"target.externalIdUrl", c.Target.ExternalIDURL != ""},
		{"target.uploadUrl", c.Target.UploadURL != ""},
		{"target.ssid", c.Target.SSID != ""},
		{"migration.indicatorGroups", len(c.Migration.IndicatorGroups) > 0},
	}
	for _, chk := range checks {
		if !chk.ok {
			return &FatalConfigError{Field: chk.field, Detail: "required"}
		}
	}
	for _, field := range []struct{ name, value string }{
		{"migration.startDate", c.Migration.StartDate},
		{"migration.endDate", c.Migration.EndDate},
	} {
		if field.value == "" {
			return &FatalConfigError{Field: field.name, Detail: "required"}
		}
		if _, err := time.Parse("2006-01-02", field.value); err != nil {
			return &FatalConfigError{Field: field.name, Detail: "expected YYYY-MM-DD"}
		}
	}
	switch c.Migration.Granularity {
	case model.GranularityYears, model.GranularityMonths, model.GranularityWeeks, model.GranularityDays:
	default:
		return &FatalConfigError{Field: "migration.granularity", Detail: "must be YEARS, MONTHS, WEEKS or DAYS"}
	}
	for _, d := range []struct{ name, value string }{
		{"migration.pollInterval", c.Migration.PollInterval},
		{"migration.pollTimeout", c.Migration.PollTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return &FatalConfigError{Field: d.name, Detail: "invalid duration"}
		}
	}
	return nil
}

// PollIntervalDuration returns the parsed poll interval.
func (c *Config) PollIntervalDuration() time.Duration {
	return utils.ParseDuration(c.Migration.PollInterval, 30*time.Second)
}

// PollTimeoutDuration returns the parsed poll deadline.
func (c *Config) PollTimeoutDuration() time.Duration {
	return utils.ParseDuration(c.Migration.PollTimeout, 2*time.Hour)
}
