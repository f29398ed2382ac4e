package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/source"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

func fastRetry() model.RetryConfig {
	return model.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// coldstoreStub simulates the source export endpoints with a scripted status
// sequence.
type coldstoreStub struct {
	statuses  []string
	polls     atomic.Int64
	initiates atomic.Int64
	payload   []byte
	expired   bool
}

func (cs *coldstoreStub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/InitiateDataExport/", func(w http.ResponseWriter, r *http.Request) {
		cs.initiates.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"RequestId": fmt.Sprintf("req-%d", cs.initiates.Load())})
	})
	mux.HandleFunc("/v1/DataExportStatus", func(w http.ResponseWriter, r *http.Request) {
		n := cs.polls.Add(1)
		idx := int(n) - 1
		if idx >= len(cs.statuses) {
			idx = len(cs.statuses) - 1
		}
		json.NewEncoder(w).Encode(map[string]string{"Status": cs.statuses[idx]})
	})
	// The download path embeds quotes, so it lands on the fallback route.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if cs.expired {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Write(cs.payload)
	})
	return httptest.NewServer(mux)
}

func newTestCoordinator(t *testing.T, cs *coldstoreStub, interval time.Duration) (*ExportCoordinator, *store.Store) {
	t.Helper()
	srv := cs.server()
	t.Cleanup(srv.Close)
	client := source.NewColdstoreClient(srv.URL, srv.URL, source.StaticToken("t"))
	st := testStore(t)
	return NewExportCoordinator(client, st, interval, fastRetry()), st
}

func TestExportLifecycleToReady(t *testing.T) {
	cs := &coldstoreStub{
		statuses: []string{"Initiated", "Submitted", "The file is available for download."},
		payload:  []byte("csv-data"),
	}
	coord, st := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, model.ExportInitiated, req.Status)

	status, err := coord.Poll(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, model.ExportReadyForDownload, status)

	// Every transition is persisted.
	saved, err := st.GetExportRequest(p)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.ExportReadyForDownload, saved.Status)
}

func TestInitiateReusesActiveRequest(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"Submitted"}}
	coord, st := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	require.NoError(t, st.SaveExportRequest("run-1", &model.ExportRequest{
		PartitionKey: p.Key, StartDate: p.StartDate, EndDate: p.EndDate,
		RequestID: "req-old", Status: model.ExportSubmitted,
	}))

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)
	assert.Equal(t, "req-old", req.RequestID)
	assert.Equal(t, int64(0), cs.initiates.Load(), "active request must not be re-initiated")
}

func TestInitiateReplacesTerminalRequest(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"Initiated"}}
	coord, st := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	require.NoError(t, st.SaveExportRequest("run-1", &model.ExportRequest{
		PartitionKey: p.Key, StartDate: p.StartDate, EndDate: p.EndDate,
		RequestID: "req-old", Status: model.ExportExpired,
	}))

	req, err := coord.Initiate(context.Background(), "run-2", p)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, model.ExportInitiated, req.Status)

	saved, err := st.GetExportRequest(p)
	require.NoError(t, err)
	assert.Equal(t, "req-1", saved.RequestID)
}

func TestPollStopsOnTerminalFailure(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"Submitted", "Failed"}}
	coord, st := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)

	status, err := coord.Poll(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, model.ExportFailed, status)
	assert.True(t, status.Terminal())

	saved, err := st.GetExportRequest(p)
	require.NoError(t, err)
	assert.Equal(t, model.ExportFailed, saved.Status)
}

func TestPollTimeoutKeepsNonTerminalStatus(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"Submitted"}}
	coord, st := newTestCoordinator(t, cs, 10*time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	status, err := coord.Poll(ctx, p, req)

	var timeout *model.ExportTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, model.ExportSubmitted, status)
	assert.Equal(t, model.ExportSubmitted, timeout.LastStatus)

	// A later attempt resumes from the persisted non-terminal status.
	saved, err := st.GetExportRequest(p)
	require.NoError(t, err)
	assert.Equal(t, model.ExportSubmitted, saved.Status)
	assert.False(t, saved.Status.Terminal())
}

func TestDownloadExpiredMarksRequest(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"The file is available for download."}, expired: true}
	coord, st := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)

	err = coord.Download(context.Background(), p, req, filepath.Join(t.TempDir(), "raw.export"))
	var expired *model.ExportExpiredError
	require.ErrorAs(t, err, &expired)

	saved, serr := st.GetExportRequest(p)
	require.NoError(t, serr)
	assert.Equal(t, model.ExportExpired, saved.Status)
}

func TestDownloadWritesFile(t *testing.T) {
	cs := &coldstoreStub{statuses: []string{"The file is available for download."}, payload: []byte("a,b,c\n1,2,3\n")}
	coord, _ := newTestCoordinator(t, cs, time.Millisecond)
	p := model.Partition{Key: "PressureReadings", StartDate: "2020-01-01", EndDate: "2020-12-31"}

	req, err := coord.Initiate(context.Background(), "run-1", p)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "raw.export")
	require.NoError(t, coord.Download(context.Background(), p, req, path))
	assert.FileExists(t, path)
}
