package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	baktaapi "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/adapter/httpserver"
	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/internal/usecase"
)

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

type stubBaktaRepo struct {
	mu          sync.Mutex
	jobs        map[string]domain.BaktaJob
	sequences   map[string][]domain.BaktaSequence
	resultFiles map[string][]domain.BaktaResultFile
	annotations map[string][]domain.Annotation
	history     map[string][]domain.StatusEvent
}

func newStubBaktaRepo() *stubBaktaRepo {
	return &stubBaktaRepo{
		jobs:        map[string]domain.BaktaJob{},
		sequences:   map[string][]domain.BaktaSequence{},
		resultFiles: map[string][]domain.BaktaResultFile{},
		annotations: map[string][]domain.Annotation{},
		history:     map[string][]domain.StatusEvent{},
	}
}

func (r *stubBaktaRepo) CreateJob(_ context.Context, j domain.BaktaJob) (domain.BaktaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	return j, nil
}

func (r *stubBaktaRepo) GetJob(_ context.Context, id string) (domain.BaktaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.BaktaJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *stubBaktaRepo) ListUnfinished(context.Context) ([]domain.BaktaJob, error) { return nil, nil }

func (r *stubBaktaRepo) SetRemote(_ context.Context, id, remoteID, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.RemoteID, j.Secret = remoteID, secret
	r.jobs[id] = j
	return nil
}

func (r *stubBaktaRepo) UpdateJobStatus(_ context.Context, id string, status domain.BaktaStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status, j.ErrorMsg = status, errMsg
	r.jobs[id] = j
	return nil
}

func (r *stubBaktaRepo) DeleteJob(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false, nil
	}
	delete(r.jobs, id)
	return true, nil
}

func (r *stubBaktaRepo) SaveSequences(_ context.Context, jobID string, seqs []domain.BaktaSequence) error {
	r.sequences[jobID] = append(r.sequences[jobID], seqs...)
	return nil
}

func (r *stubBaktaRepo) Sequences(_ context.Context, jobID string) ([]domain.BaktaSequence, error) {
	return r.sequences[jobID], nil
}

func (r *stubBaktaRepo) SaveResultFile(_ context.Context, f domain.BaktaResultFile) error {
	r.resultFiles[f.JobID] = append(r.resultFiles[f.JobID], f)
	return nil
}

func (r *stubBaktaRepo) ResultFiles(_ context.Context, jobID string) ([]domain.BaktaResultFile, error) {
	return r.resultFiles[jobID], nil
}

func (r *stubBaktaRepo) ResultFile(_ context.Context, jobID, fileType string) (domain.BaktaResultFile, error) {
	for _, f := range r.resultFiles[jobID] {
		if f.FileType == fileType {
			return f, nil
		}
	}
	return domain.BaktaResultFile{}, domain.ErrNotFound
}

func (r *stubBaktaRepo) SaveAnnotations(_ context.Context, jobID string, anns []domain.Annotation) error {
	r.annotations[jobID] = append(r.annotations[jobID], anns...)
	return nil
}

func (r *stubBaktaRepo) Annotations(_ context.Context, jobID string, _ domain.AnnotationFilter) ([]domain.Annotation, error) {
	return r.annotations[jobID], nil
}

func (r *stubBaktaRepo) AppendHistory(_ context.Context, ev domain.StatusEvent) error {
	r.history[ev.JobID] = append(r.history[ev.JobID], ev)
	return nil
}

func (r *stubBaktaRepo) History(_ context.Context, jobID string) ([]domain.StatusEvent, error) {
	return r.history[jobID], nil
}

type baktaEnv struct {
	repo    *stubBaktaRepo
	service *usecase.BaktaService
	router  chi.Router
	results string
}

func newBaktaEnv(t *testing.T) *baktaEnv {
	t.Helper()
	presets, err := baktaapi.LoadPresets()
	require.NoError(t, err)
	repo := newStubBaktaRepo()
	results := t.TempDir()
	svc := usecase.NewBaktaService(repo, &stubQueue{}, presets, nil, t.TempDir(), results, nil)
	srv := httpserver.NewServer(nil, nil, svc, 1<<20)

	r := chi.NewRouter()
	r.Post("/bakta/jobs", srv.BaktaSubmitHandler())
	r.Get("/bakta/jobs/{id}", srv.BaktaGetHandler())
	r.Get("/bakta/jobs/{id}/history", srv.BaktaHistoryHandler())
	r.Get("/bakta/jobs/{id}/files/{type}", srv.BaktaFileHandler())
	r.Get("/bakta/jobs/{id}/annotations", srv.BaktaAnnotationsHandler())
	r.Delete("/bakta/jobs/{id}", srv.BaktaDeleteHandler())
	return &baktaEnv{repo: repo, service: svc, router: r, results: results}
}

func (e *baktaEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestBaktaSubmit_Accepted(t *testing.T) {
	env := newBaktaEnv(t)

	req := multipartRequest(t, "/bakta/jobs", map[string]string{
		"name":   "sample-1",
		"preset": "gram_positive",
		"config": `{"strain":"DSM 20231"}`,
	}, "file", "genome.fasta", []byte(">c1\nACGTACGT\n"))
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out httpserver.BaktaJobResponse
	decodeJSON(t, rec, &out)
	assert.NotEmpty(t, out.JobID)
	assert.Equal(t, "sample-1", out.Name)
	assert.Equal(t, string(domain.BaktaInit), out.Status)
	assert.Empty(t, out.Files)

	stored, err := env.repo.GetJob(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, "DSM 20231", stored.Config.Strain)
	assert.Equal(t, 200, stored.Config.MinContigLength)
}

func TestBaktaSubmit_MalformedConfig(t *testing.T) {
	env := newBaktaEnv(t)

	req := multipartRequest(t, "/bakta/jobs", map[string]string{
		"config": "not-json",
	}, "file", "genome.fasta", []byte(">c1\nACGT\n"))
	rec := env.do(req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "config must be a JSON object")
}

func TestBaktaGet_NeverLeaksSecret(t *testing.T) {
	env := newBaktaEnv(t)
	now := time.Now().UTC()
	_, err := env.repo.CreateJob(context.Background(), domain.BaktaJob{
		ID: "b1", RemoteID: "remote-1", Secret: "s3cret-value", Name: "leaky",
		Status: domain.BaktaRunning, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret-value")
	assert.NotContains(t, rec.Body.String(), "remote-1")
}

func TestBaktaAnnotations(t *testing.T) {
	env := newBaktaEnv(t)
	_, err := env.repo.CreateJob(context.Background(), domain.BaktaJob{ID: "b1"})
	require.NoError(t, err)
	require.NoError(t, env.repo.SaveAnnotations(context.Background(), "b1", []domain.Annotation{
		{JobID: "b1", FeatureID: "LOC_0001", FeatureType: "cds", Contig: "contig_1",
			Start: 100, End: 400, Strand: "+", Attributes: `{"gene":"blaTEM"}`},
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/annotations?start=1&end=500", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	decodeJSON(t, rec, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "LOC_0001", out[0]["feature_id"])
	attrs, ok := out[0]["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "blaTEM", attrs["gene"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/annotations?start=abc", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/annotations?start=5&end=2", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBaktaFile_ServesDownloadedResult(t *testing.T) {
	env := newBaktaEnv(t)
	_, err := env.repo.CreateJob(context.Background(), domain.BaktaJob{ID: "b1"})
	require.NoError(t, err)

	path := filepath.Join(env.results, "result.gff3")
	require.NoError(t, os.WriteFile(path, []byte("##gff-version 3\n"), 0o644))
	require.NoError(t, env.repo.SaveResultFile(context.Background(), domain.BaktaResultFile{
		JobID: "b1", FileType: "GFF3", FilePath: path, DownloadedAt: time.Now().UTC(),
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/files/gff3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "##gff-version 3\n", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/files/tsv", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBaktaHistory(t *testing.T) {
	env := newBaktaEnv(t)
	_, err := env.repo.CreateJob(context.Background(), domain.BaktaJob{ID: "b1"})
	require.NoError(t, err)
	require.NoError(t, env.repo.AppendHistory(context.Background(), domain.StatusEvent{
		JobID: "b1", Status: string(domain.BaktaInit), Timestamp: time.Now().UTC(),
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	decodeJSON(t, rec, &out)
	require.Len(t, out, 1)
	assert.Equal(t, string(domain.BaktaInit), out[0]["status"])
}

func TestBaktaDelete(t *testing.T) {
	env := newBaktaEnv(t)
	_, err := env.repo.CreateJob(context.Background(), domain.BaktaJob{ID: "b1"})
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/bakta/jobs/b1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/bakta/jobs/b1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
