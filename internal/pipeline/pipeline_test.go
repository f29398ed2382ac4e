package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-samples/apm-migration-tools/internal/config"
	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// sourceStub simulates the coldstore export endpoints with one scripted
// status and payload per indicator group, so sibling partitions can take
// different paths through the same run.
type sourceStub struct {
	mu       sync.Mutex
	nextID   int
	groups   map[string]string // request id -> indicator group
	statuses map[string]string // group -> reported status
	payloads map[string][]byte // group -> download payload
}

func (s *sourceStub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/InitiateDataExport/", func(w http.ResponseWriter, r *http.Request) {
		group := strings.TrimPrefix(r.URL.Path, "/v1/InitiateDataExport/")
		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("req-%d", s.nextID)
		if s.groups == nil {
			s.groups = make(map[string]string)
		}
		s.groups[id] = group
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"RequestId": id})
	})
	mux.HandleFunc("/v1/DataExportStatus", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.statuses[s.groups[r.URL.Query().Get("requestId")]]
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"Status": status})
	})
	// The download path embeds quotes, so it lands on the fallback route.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		start, end := strings.Index(path, "('"), strings.Index(path, "')")
		if start < 0 || end < 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.mu.Lock()
		payload := s.payloads[s.groups[path[start+2:end]]]
		s.mu.Unlock()
		w.Write(payload)
	})
	return httptest.NewServer(mux)
}

func testPipelineConfig(t *testing.T, srcURL, metaURL, uploadURL string, groups []string) *config.Config {
	t.Helper()
	return &config.Config{
		Source: config.SourceConfig{ColdstoreURL: srcURL, DownloadURL: srcURL, Token: "t"},
		Target: config.TargetConfig{
			MetadataURL: metaURL, ExternalIDURL: metaURL, UploadURL: uploadURL,
			APIKey: "key", Token: "t", SSID: "QM7CLNT910",
		},
		Migration: config.MigrationConfig{
			IndicatorGroups: groups,
			StartDate:       "2021-01-01",
			EndDate:         "2021-12-31",
			Granularity:     model.GranularityYears,
			StagingDir:      t.TempDir(),
			MaxRowsPerFile:  1000,
			MaxBytesPerFile: 1 << 20,
			PollInterval:    "1ms",
			PollTimeout:     "5s",
			Workers:         config.Workers{Partitions: 2, Lookups: 4},
		},
	}
}

func TestRunIsolatesFailedExportPartition(t *testing.T) {
	src := &sourceStub{
		statuses: map[string]string{
			"good": "The file is available for download.",
			"bad":  "Failed",
		},
		payloads: map[string][]byte{
			"good": []byte("thingId,propertyId,_time,_value\n" +
				"thing-1,temp,2021-06-01T00:00:00Z,21.5\n" +
				"thing-1,temp,2021-06-01T00:01:00Z,22.0\n"),
		},
	}
	srcSrv := src.server()
	t.Cleanup(srcSrv.Close)

	metaSrv := syncedObject().server()
	t.Cleanup(metaSrv.Close)

	up := &uploadStub{sequence: []string{"UPLOADED", "SUCCESS"}}
	upSrv := up.server()
	t.Cleanup(upSrv.Close)

	st := testStore(t)
	cfg := testPipelineConfig(t, srcSrv.URL, metaSrv.URL, upSrv.URL, []string{"good", "bad"})
	p, err := New(cfg, st)
	require.NoError(t, err)

	require.NoError(t, st.SaveRun("run-1", model.RunSpec{}))
	summary, err := p.Run(context.Background(), "run-1", model.RunSpec{})
	require.NoError(t, err)
	assert.Equal(t, "completed_with_errors", summary.Status)
	require.Len(t, summary.Partitions, 2)

	var good, bad model.PartitionSummary
	for _, ps := range summary.Partitions {
		if ps.Partition.Key == "good" {
			good = ps
		} else {
			bad = ps
		}
	}

	// The failed export aborts its own partition before any downstream stage.
	assert.Equal(t, model.ExportFailed, bad.ExportStatus)
	assert.NotEmpty(t, bad.Error)
	assert.Empty(t, bad.Files)
	assert.Zero(t, bad.RowsRead)

	// The sibling completes end to end.
	assert.Empty(t, good.Error)
	assert.Equal(t, int64(2), good.RowsRead)
	assert.Equal(t, int64(2), good.RowsPivoted)
	require.Len(t, good.Files, 1)
	assert.Equal(t, int64(2), good.Files[0].RowCount)

	// The run's poll loop drove the sibling's upload to its terminal state.
	units, err := st.ListUploadUnitsByPartition("good_2021-01-01_2021-12-31")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, model.UploadSucceeded, units[0].Status)
	assert.Equal(t, int64(1), up.uploads.Load(), "only the healthy partition may reach the upload service")

	// Outcome and artifacts are persisted.
	run, err := st.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed_with_errors", run["status"])
	assert.FileExists(t, filepath.Join(cfg.Migration.StagingDir, "reports", "run-1", "summary.json"))

	errorsLogged, err := st.ListRunErrors("run-1")
	require.NoError(t, err)
	require.NotEmpty(t, errorsLogged)
	assert.Equal(t, "export", errorsLogged[0].Stage)
}

func TestRunCompletesWhenAllPartitionsSucceed(t *testing.T) {
	src := &sourceStub{
		statuses: map[string]string{"good": "The file is available for download."},
		payloads: map[string][]byte{
			"good": []byte("thingId,propertyId,_time,_value\n" +
				"thing-1,temp,2021-06-01T00:00:00Z,21.5\n"),
		},
	}
	srcSrv := src.server()
	t.Cleanup(srcSrv.Close)

	metaSrv := syncedObject().server()
	t.Cleanup(metaSrv.Close)

	up := &uploadStub{sequence: []string{"SUCCESS"}}
	upSrv := up.server()
	t.Cleanup(upSrv.Close)

	st := testStore(t)
	cfg := testPipelineConfig(t, srcSrv.URL, metaSrv.URL, upSrv.URL, []string{"good"})
	p, err := New(cfg, st)
	require.NoError(t, err)

	require.NoError(t, st.SaveRun("run-1", model.RunSpec{}))
	summary, err := p.Run(context.Background(), "run-1", model.RunSpec{})
	require.NoError(t, err)
	assert.Equal(t, "completed", summary.Status)
	require.Len(t, summary.Partitions, 1)
	assert.Empty(t, summary.Partitions[0].Error)
}
