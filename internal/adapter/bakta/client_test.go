package bakta_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bakta "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/domain"
)

func newTestClient(baseURL string) *bakta.Client {
	return bakta.NewWithOptions(baseURL, "test-key", 5*time.Second, 5*time.Second,
		bakta.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
}

func TestInit_SendsAuthAndValidatesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/job/init", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sample", body["name"])
		assert.Equal(t, "CSV", body["repliconTableType"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job":             map[string]string{"jobID": "r1", "secret": "s1"},
			"uploadLinkFasta": "https://storage.example/f",
		})
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Init(context.Background(), "sample", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", out.Job.JobID)
	assert.Equal(t, "s1", out.Job.Secret)
}

func TestInit_MissingSecretIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job":             map[string]string{"jobID": "r1"},
			"uploadLinkFasta": "https://storage.example/f",
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Init(context.Background(), "sample", "CSV")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemotePermanent)
	assert.Contains(t, err.Error(), "job.secret")
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"toolVersion": "1.9", "dbVersion": "5.0", "backendVersion": "3"})
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.9", out.ToolVersion)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad replicon table", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Init(context.Background(), "sample", "CSV")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemotePermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_TooManyRequestsHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"toolVersion": "1.9"})
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newTestClient(srv.URL).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestUpload_PutsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Upload(context.Background(), srv.URL+"/presigned", []byte(">c\nACGT\n"))
	require.NoError(t, err)
}

func TestStart_RejectsInvalidConfigLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for an invalid config")
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Start(context.Background(),
		bakta.JobRef{JobID: "r1", Secret: "s1"},
		domain.BaktaConfig{MinContigLength: 1, TranslationTable: 7})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestList_UnknownStatusRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]string{{"jobID": "r1", "jobStatus": "EXPLODED"}},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).List(context.Background(), []bakta.JobRef{{JobID: "r1", Secret: "s1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemotePermanent)
}

func TestDownload_PartialBodyFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("abc"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := newTestClient(srv.URL).Download(context.Background(), srv.URL+"/result.json", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteTransient)
	// Retrying into the same writer would append to the partial body;
	// the caller restarts the whole download with a fresh file instead.
	assert.Equal(t, int32(1), calls.Load())
}

func TestDelete_SendsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/job/delete", r.URL.Path)
		assert.Equal(t, "r1", r.URL.Query().Get("jobID"))
		assert.Equal(t, "s1", r.URL.Query().Get("secret"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Delete(context.Background(), bakta.JobRef{JobID: "r1", Secret: "s1"}))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, domain.BaktaInit, bakta.NormalizeStatus("INIT"))
	assert.Equal(t, domain.BaktaRunning, bakta.NormalizeStatus("RUNNING"))
	// The remote historically misspells SUCCESSFULL.
	assert.Equal(t, domain.BaktaSuccessful, bakta.NormalizeStatus("SUCCESSFULL"))
	assert.Equal(t, domain.BaktaSuccessful, bakta.NormalizeStatus("SUCCESSFUL"))
	assert.Equal(t, domain.BaktaError, bakta.NormalizeStatus("ERROR"))
	assert.Equal(t, domain.BaktaError, bakta.NormalizeStatus("whatever"))
}
