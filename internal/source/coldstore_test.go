package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

// truncatingServer advertises the full payload length but delivers only the
// first cut bytes, forcing the client into the Range resume path. Resume
// requests are answered by onResume.
func truncatingServer(t *testing.T, payload []byte, cut int, onResume http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			onResume(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer is not a hijacker")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nEtag: \"v1\"\r\n\r\n", len(payload))
		buf.Write(payload[:cut])
		buf.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadResumesTruncatedResponse(t *testing.T) {
	payload := []byte("0123456789abcdef")
	var resumes atomic.Int64

	srv := truncatingServer(t, payload, 6, func(w http.ResponseWriter, r *http.Request) {
		resumes.Add(1)
		assert.Equal(t, fmt.Sprintf("bytes=6-%d", len(payload)), r.Header.Get("Range"))
		assert.Equal(t, `"v1"`, r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[6:])
	})

	client := NewColdstoreClient(srv.URL, srv.URL, StaticToken("t"))
	path := filepath.Join(t.TempDir(), "raw.export")
	written, err := client.Download(context.Background(), "req-1", path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(1), resumes.Load())
}

func TestDownloadBoundsStaleTokenRetries(t *testing.T) {
	payload := []byte("0123456789")
	var resumes atomic.Int64

	// The source rejects every resume attempt: the token never recovers, so
	// the download must give up instead of looping.
	srv := truncatingServer(t, payload, 4, func(w http.ResponseWriter, r *http.Request) {
		resumes.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := NewColdstoreClient(srv.URL, srv.URL, StaticToken("t"))
	path := filepath.Join(t.TempDir(), "raw.export")
	_, err := client.Download(context.Background(), "req-1", path)

	var transport *model.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, http.StatusUnauthorized, transport.StatusCode)
	assert.Equal(t, int64(maxAuthRetries+1), resumes.Load())
}
