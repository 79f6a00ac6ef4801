package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/genomeops/amr-service/internal/adapter/httpserver"
	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/internal/usecase"
)

type stubJobRepo struct {
	mu      sync.Mutex
	jobs    map[string]domain.AMRJob
	history map[string][]domain.StatusEvent
	idem    map[string][2]string // keyHash -> (bodyHash, jobID)
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{
		jobs:    map[string]domain.AMRJob{},
		history: map[string][]domain.StatusEvent{},
		idem:    map[string][2]string{},
	}
}

func (r *stubJobRepo) Create(_ context.Context, j domain.AMRJob) (domain.AMRJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	r.history[j.ID] = append(r.history[j.ID], domain.StatusEvent{
		JobID: j.ID, Status: string(j.Status), Timestamp: j.CreatedAt,
	})
	return j, nil
}

func (r *stubJobRepo) Get(_ context.Context, id string) (domain.AMRJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.AMRJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *stubJobRepo) List(_ context.Context, f domain.JobListFilter) ([]domain.AMRJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.AMRJob{}
	for _, j := range r.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *stubJobRepo) UpdateStatus(_ context.Context, id string, upd domain.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	if upd.Status != nil {
		if !j.Status.CanTransition(*upd.Status) {
			return false, domain.ErrConflict
		}
		j.Status = *upd.Status
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = upd.CompletedAt
	}
	if upd.ResultFile != nil {
		j.ResultFilePath = *upd.ResultFile
	}
	r.jobs[id] = j
	return true, nil
}

func (r *stubJobRepo) Claim(_ context.Context, id, workerID string) (domain.AMRJob, error) {
	j, err := r.Get(context.Background(), id)
	if err != nil {
		return domain.AMRJob{}, err
	}
	j.WorkerID = &workerID
	r.mu.Lock()
	r.jobs[id] = j
	r.mu.Unlock()
	return j, nil
}

func (r *stubJobRepo) AddParameters(_ context.Context, id string, extra map[string]string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Params.Extra == nil {
		j.Params.Extra = map[string]string{}
	}
	for k, v := range extra {
		j.Params.Extra[k] = v
	}
	r.jobs[id] = j
	return true, nil
}

func (r *stubJobRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false, nil
	}
	delete(r.jobs, id)
	return true, nil
}

func (r *stubJobRepo) History(_ context.Context, id string) ([]domain.StatusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history[id], nil
}

func (r *stubJobRepo) FindByIdempotencyKey(_ context.Context, keyHash string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.idem[keyHash]
	if !ok {
		return "", "", domain.ErrNotFound
	}
	return e[1], e[0], nil
}

func (r *stubJobRepo) SaveIdempotencyKey(_ context.Context, keyHash, bodyHash, jobID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.idem[keyHash]; ok {
		return false, nil
	}
	r.idem[keyHash] = [2]string{bodyHash, jobID}
	return true, nil
}

func (r *stubJobRepo) DeleteIdempotencyKey(_ context.Context, keyHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.idem, keyHash)
	return nil
}

type stubQueue struct {
	mu  sync.Mutex
	amr []domain.AMRTaskPayload
}

func (q *stubQueue) EnqueueAMR(_ context.Context, p domain.AMRTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.amr = append(q.amr, p)
	return nil
}

func (q *stubQueue) EnqueueBakta(context.Context, domain.BaktaTaskPayload) error { return nil }

type testEnv struct {
	repo   *stubJobRepo
	queue  *stubQueue
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newStubJobRepo()
	queue := &stubQueue{}
	submit := usecase.NewSubmitService(repo, queue, t.TempDir())
	jobs := usecase.NewJobService(repo)
	srv := httpserver.NewServer(submit, jobs, nil, 1<<20)

	r := chi.NewRouter()
	r.Post("/predict", srv.PredictHandler())
	r.Post("/sequence", srv.SequenceHandler())
	r.Post("/aggregate", srv.AggregateHandler())
	r.Post("/visualize", srv.VisualizeHandler())
	r.Get("/jobs", srv.ListJobsHandler())
	r.Get("/jobs/{id}", srv.GetJobHandler())
	r.Get("/jobs/{id}/history", srv.JobHistoryHandler())
	r.Get("/jobs/{id}/download", srv.DownloadHandler())
	r.Patch("/jobs/{id}", srv.CancelJobHandler())
	r.Delete("/jobs/{id}", srv.DeleteJobHandler())
	r.Post("/jobs/{id}/parameters", srv.AddParametersHandler())
	return &testEnv{repo: repo, queue: queue, router: r}
}

func multipartRequest(t *testing.T, target string, fields map[string]string, fileField, fileName string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) httpserver.JobResponse {
	t.Helper()
	var out httpserver.JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestPredict_Accepted(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/predict", map[string]string{
		"job_name":       "run1",
		"segment_length": "300",
	}, "file", "genome.fasta", []byte(">c1\nACGTACGT\n"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, string(domain.JobSubmitted), job.Status)
	require.Len(t, env.queue.amr, 1)
	assert.Equal(t, 300, env.queue.amr[0].Params.SegmentLength)
}

func TestPredict_MissingFile(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/predict", map[string]string{"job_name": "x"}, "", "", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var out struct {
		Detail  []string `json:"detail"`
		Message string   `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "Validation error - check your request format", out.Message)
	require.Len(t, out.Detail, 1)
	assert.Contains(t, out.Detail[0], `file field "file" is required`)
}

func TestPredict_CollectsAllParamProblems(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/predict", map[string]string{
		"batch_size":           "abc",
		"resistance_threshold": "high",
	}, "file", "genome.fasta", []byte(">c1\nACGT\n"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var out struct {
		Detail []string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Contains(t, out.Detail, "batch_size must be an integer")
	assert.Contains(t, out.Detail, "resistance_threshold must be a number")
}

func TestPredict_OverlapConstraint(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/predict", map[string]string{
		"segment_length":  "100",
		"segment_overlap": "100",
	}, "file", "genome.fasta", []byte(">c1\nACGT\n"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "segment_overlap must be < segment_length")
}

func TestPredict_IdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)
	content := []byte(">c1\nACGTACGT\n")

	send := func() httpserver.JobResponse {
		req := multipartRequest(t, "/predict", nil, "file", "genome.fasta", content)
		req.Header.Set("Idempotency-Key", "abc-123")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeJob(t, rec)
	}
	first := send()
	second := send()
	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, env.queue.amr, 1)
}

func TestSequence_ForcesAggregation(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/sequence", nil, "file", "genome.fasta", []byte(">c1\nACGT\n"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.queue.amr, 1)
	assert.True(t, env.queue.amr[0].Params.EnableSequenceAggregation)
	assert.Equal(t, domain.KindSequence, env.queue.amr[0].Kind)
}

func TestVisualize_RejectsBadStepSize(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/visualize", map[string]string{"step_size": "0"},
		"file", "preds.tsv", []byte("Sequence_ID\tStart\tEnd\tResistant\tSusceptible\n"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "step_size must be a positive integer")
}

func TestListJobs_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?status=Bogus", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=0", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?offset=-1", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "NOT_FOUND", out.Error.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.Create(context.Background(), domain.AMRJob{ID: "j1", Status: domain.JobRunning})
	require.NoError(t, err)

	body := strings.NewReader(`{"status":"Cancelled"}`)
	req := httptest.NewRequest(http.MethodPatch, "/jobs/j1", body)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)
	assert.Equal(t, string(domain.JobCancelled), job.Status)
}

func TestCancelJob_OnlyCancelledAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.Create(context.Background(), domain.AMRJob{ID: "j1", Status: domain.JobRunning})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/jobs/j1", strings.NewReader(`{"status":"Completed"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelJob_CompletedConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.Create(context.Background(), domain.AMRJob{ID: "j1", Status: domain.JobCompleted})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/jobs/j1", strings.NewReader(`{"status":"Cancelled"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteJob_RunningConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.Create(context.Background(), domain.AMRJob{ID: "j1", Status: domain.JobRunning})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/j1", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "result.tsv")
	require.NoError(t, os.WriteFile(resultPath, []byte("Sequence_ID\tStart\n"), 0o644))
	_, err := env.repo.Create(context.Background(), domain.AMRJob{
		ID: "j1", Status: domain.JobCompleted, ResultFilePath: resultPath,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1/download?file_type=regular", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sequence_ID\tStart\n", rec.Body.String())

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1/download?file_type=nope", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestJobHistory(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.Create(context.Background(), domain.AMRJob{ID: "j1", Status: domain.JobSubmitted})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "Submitted", events[0]["status"])
}
