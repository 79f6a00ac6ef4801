package bakta_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/bakta"
	"github.com/genomeops/amr-service/internal/domain"
)

// memBaktaRepo is an in-memory BaktaRepository.
type memBaktaRepo struct {
	mu          sync.Mutex
	jobs        map[string]domain.BaktaJob
	sequences   map[string][]domain.BaktaSequence
	resultFiles map[string][]domain.BaktaResultFile
	annotations map[string][]domain.Annotation
	history     map[string][]domain.StatusEvent
}

func newMemBaktaRepo() *memBaktaRepo {
	return &memBaktaRepo{
		jobs:        map[string]domain.BaktaJob{},
		sequences:   map[string][]domain.BaktaSequence{},
		resultFiles: map[string][]domain.BaktaResultFile{},
		annotations: map[string][]domain.Annotation{},
		history:     map[string][]domain.StatusEvent{},
	}
}

func (r *memBaktaRepo) CreateJob(_ context.Context, j domain.BaktaJob) (domain.BaktaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.CreatedAt = time.Now().UTC()
	r.jobs[j.ID] = j
	r.history[j.ID] = append(r.history[j.ID], domain.StatusEvent{JobID: j.ID, Status: string(j.Status)})
	return j, nil
}

func (r *memBaktaRepo) GetJob(_ context.Context, id string) (domain.BaktaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.BaktaJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *memBaktaRepo) ListUnfinished(_ context.Context) ([]domain.BaktaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BaktaJob
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memBaktaRepo) SetRemote(_ context.Context, id, remoteID, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.RemoteID = remoteID
	j.Secret = secret
	r.jobs[id] = j
	return nil
}

func (r *memBaktaRepo) UpdateJobStatus(_ context.Context, id string, status domain.BaktaStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != status {
		r.history[id] = append(r.history[id], domain.StatusEvent{
			JobID: id, Status: string(status), Timestamp: time.Now().UTC(), Message: errMsg,
		})
	}
	j.Status = status
	j.ErrorMsg = errMsg
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return nil
}

func (r *memBaktaRepo) DeleteJob(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false, nil
	}
	delete(r.jobs, id)
	return true, nil
}

func (r *memBaktaRepo) SaveSequences(_ context.Context, jobID string, seqs []domain.BaktaSequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences[jobID] = append(r.sequences[jobID], seqs...)
	return nil
}

func (r *memBaktaRepo) Sequences(_ context.Context, jobID string) ([]domain.BaktaSequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequences[jobID], nil
}

func (r *memBaktaRepo) SaveResultFile(_ context.Context, f domain.BaktaResultFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultFiles[f.JobID] = append(r.resultFiles[f.JobID], f)
	return nil
}

func (r *memBaktaRepo) ResultFiles(_ context.Context, jobID string) ([]domain.BaktaResultFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultFiles[jobID], nil
}

func (r *memBaktaRepo) ResultFile(_ context.Context, jobID, fileType string) (domain.BaktaResultFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.resultFiles[jobID] {
		if f.FileType == fileType {
			return f, nil
		}
	}
	return domain.BaktaResultFile{}, domain.ErrNotFound
}

func (r *memBaktaRepo) SaveAnnotations(_ context.Context, jobID string, anns []domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations[jobID] = append(r.annotations[jobID], anns...)
	return nil
}

func (r *memBaktaRepo) Annotations(_ context.Context, jobID string, _ domain.AnnotationFilter) ([]domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.annotations[jobID], nil
}

func (r *memBaktaRepo) AppendHistory(_ context.Context, ev domain.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[ev.JobID] = append(r.history[ev.JobID], ev)
	return nil
}

func (r *memBaktaRepo) History(_ context.Context, jobID string) ([]domain.StatusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StatusEvent(nil), r.history[jobID]...), nil
}

const gff3Fixture = `##gff-version 3
# annotated with Bakta
contig_1	Bakta	CDS	1	300	.	+	0	ID=LOC_0001;locus_tag=LOC_0001;product=hypothetical protein
contig_1	Bakta	CDS	400	900	.	-	0	ID=LOC_0002;gene=blaTEM;product=beta-lactamase
contig_2	Bakta	tRNA	10	85	.	+	0	ID=LOC_0003
##FASTA
>contig_1
ACGT
`

// fakeRemote scripts the remote API: statuses are returned in order,
// the last one repeating.
type fakeRemote struct {
	mu       sync.Mutex
	statuses []string
	polls    int
	uploads  []string
	started  bool
	logs     string
	files    map[string]string // file type -> content served by Download
}

func (f *fakeRemote) Init(_ context.Context, name, _ string) (api.InitResponse, error) {
	return api.InitResponse{
		Job:                 api.JobRef{JobID: "remote-1", Secret: "s3cret"},
		UploadLinkFasta:     "https://storage.example/fasta",
		UploadLinkReplicons: "https://storage.example/replicons",
	}, nil
}

func (f *fakeRemote) Upload(_ context.Context, uploadURL string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploadURL)
	return nil
}

func (f *fakeRemote) Start(_ context.Context, ref api.JobRef, _ domain.BaktaConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.Secret == "" {
		return fmt.Errorf("missing secret")
	}
	f.started = true
	return nil
}

func (f *fakeRemote) List(_ context.Context, refs []api.JobRef) (api.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return api.ListResponse{Jobs: []api.JobStatusEntry{{JobID: refs[0].JobID, JobStatus: f.statuses[i]}}}, nil
}

func (f *fakeRemote) Logs(context.Context, api.JobRef) (string, error) { return f.logs, nil }

func (f *fakeRemote) Result(_ context.Context, ref api.JobRef) (api.ResultResponse, error) {
	files := map[string]string{}
	for t := range f.files {
		files[t] = "https://storage.example/results/" + t
	}
	return api.ResultResponse{JobID: ref.JobID, ResultFiles: files}, nil
}

func (f *fakeRemote) Download(_ context.Context, fileURL string, w io.Writer) error {
	for t, content := range f.files {
		if fileURL == "https://storage.example/results/"+t {
			_, err := io.WriteString(w, content)
			return err
		}
	}
	return fmt.Errorf("unknown file url")
}

func (f *fakeRemote) Delete(context.Context, api.JobRef) error { return nil }

func validConfig() domain.BaktaConfig {
	return domain.BaktaConfig{MinContigLength: 1, TranslationTable: 11}
}

func newJob(t *testing.T, repo *memBaktaRepo, dir string) domain.BaktaJob {
	t.Helper()
	fastaPath := filepath.Join(dir, "input.fasta")
	require.NoError(t, os.WriteFile(fastaPath, []byte(">contig_1\nACGTACGT\n"), 0o644))
	j, err := repo.CreateJob(context.Background(), domain.BaktaJob{
		ID: "bj-1", Name: "sample", Status: domain.BaktaInit,
		FastaPath: fastaPath, Config: validConfig(),
	})
	require.NoError(t, err)
	return j
}

func TestRun_SubmitPollHarvest(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)

	remote := &fakeRemote{
		statuses: []string{"RUNNING", "RUNNING", "SUCCESSFULL"},
		files:    map[string]string{"GFF3": gff3Fixture},
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 2)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BaktaSuccessful, got.Status)
	assert.Equal(t, "remote-1", got.RemoteID)
	assert.Equal(t, "s3cret", got.Secret)
	assert.True(t, remote.started)
	// Both the FASTA and the (empty) replicon table are uploaded.
	assert.Equal(t, []string{"https://storage.example/fasta", "https://storage.example/replicons"}, remote.uploads)
	assert.GreaterOrEqual(t, remote.polls, 3)

	files, err := repo.ResultFiles(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "GFF3", files[0].FileType)
	raw, err := os.ReadFile(files[0].FilePath)
	require.NoError(t, err)
	assert.Equal(t, gff3Fixture, string(raw))

	anns, err := repo.Annotations(context.Background(), job.ID, domain.AnnotationFilter{})
	require.NoError(t, err)
	require.Len(t, anns, 3)
	assert.Equal(t, "LOC_0001", anns[0].FeatureID)
	assert.Equal(t, "blaTEM", mustAttr(t, anns[1], "gene"))
	assert.Equal(t, "contig_2", anns[2].Contig)

	history, err := repo.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, string(domain.BaktaInit), history[0].Status)
	assert.Equal(t, string(domain.BaktaRunning), history[1].Status)
	assert.Equal(t, string(domain.BaktaSuccessful), history[len(history)-1].Status)
}

func mustAttr(t *testing.T, a domain.Annotation, key string) string {
	t.Helper()
	var attrs map[string]string
	require.NoError(t, json.Unmarshal([]byte(a.Attributes), &attrs))
	return attrs[key]
}

func TestRun_RemoteErrorUsesLastLogLine(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)

	remote := &fakeRemote{
		statuses: []string{"ERROR"},
		logs:     "step 1 ok\nstep 2 ok\nBakta failed: database missing\n",
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BaktaError, got.Status)
	assert.Equal(t, "Bakta failed: database missing", got.ErrorMsg)
	assert.Empty(t, repo.resultFiles[job.ID])
}

func TestRun_RemoteRejectionIsPermanent(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)

	remote := &rejectingRemote{fakeRemote: &fakeRemote{statuses: []string{"RUNNING"}}}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BaktaError, got.Status)
	assert.Contains(t, got.ErrorMsg, "remote rejected job")
}

type rejectingRemote struct{ *fakeRemote }

func (r *rejectingRemote) List(_ context.Context, refs []api.JobRef) (api.ListResponse, error) {
	return api.ListResponse{
		FailedJobs: []api.FailedJobEntry{{JobID: refs[0].JobID, Reason: "UNAUTHORIZED"}},
	}, nil
}

// flakyRemote fails the first downloads mid-body, like a dropped
// connection, after writing a partial prefix.
type flakyRemote struct {
	*fakeRemote
	failures int
}

func (r *flakyRemote) Download(ctx context.Context, fileURL string, w io.Writer) error {
	r.mu.Lock()
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		_, _ = io.WriteString(w, "partial")
		return fmt.Errorf("%w: body copy: unexpected EOF", domain.ErrRemoteTransient)
	}
	return r.fakeRemote.Download(ctx, fileURL, w)
}

func TestRun_InterruptedDownloadRetriesWithFreshFile(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)

	remote := &flakyRemote{
		fakeRemote: &fakeRemote{
			statuses: []string{"SUCCESSFULL"},
			files:    map[string]string{"GFF3": gff3Fixture},
		},
		failures: 1,
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BaktaSuccessful, got.Status)

	files, err := repo.ResultFiles(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0].FilePath)
	require.NoError(t, err)
	// The retried download must not keep the partial prefix of the
	// failed attempt.
	assert.Equal(t, gff3Fixture, string(raw))
	assert.GreaterOrEqual(t, remote.polls, 2)
}

func TestRun_RepeatedObservationRecordedOnce(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)

	remote := &fakeRemote{
		statuses: []string{"RUNNING", "RUNNING", "SUCCESSFULL"},
		files:    map[string]string{"GFF3": gff3Fixture},
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	history, err := repo.History(context.Background(), job.ID)
	require.NoError(t, err)
	// One Running row from the local transition, one from the first
	// remote observation of the same status; the repeat poll adds none.
	var running int
	for _, ev := range history {
		if ev.Status == string(domain.BaktaRunning) {
			running++
		}
	}
	assert.Equal(t, 2, running)
	assert.Equal(t, string(domain.BaktaSuccessful), history[len(history)-1].Status)
}

func TestResume_DrivesUnfinishedJobs(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)
	require.NoError(t, repo.SetRemote(context.Background(), job.ID, "remote-1", "s3cret"))
	require.NoError(t, repo.UpdateJobStatus(context.Background(), job.ID, domain.BaktaRunning, ""))

	remote := &fakeRemote{
		statuses: []string{"SUCCESSFULL"},
		files:    map[string]string{"GFF3": gff3Fixture},
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Resume(context.Background()))

	assert.Eventually(t, func() bool {
		got, err := repo.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == domain.BaktaSuccessful
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_TerminalJobIsNoOp(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)
	require.NoError(t, repo.UpdateJobStatus(context.Background(), job.ID, domain.BaktaSuccessful, ""))

	remote := &fakeRemote{statuses: []string{"RUNNING"}}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))
	assert.Zero(t, remote.polls)
	assert.Empty(t, remote.uploads)
}

func TestRun_ResumesExistingRemoteJob(t *testing.T) {
	dir := t.TempDir()
	repo := newMemBaktaRepo()
	job := newJob(t, repo, dir)
	require.NoError(t, repo.SetRemote(context.Background(), job.ID, "remote-1", "s3cret"))
	require.NoError(t, repo.UpdateJobStatus(context.Background(), job.ID, domain.BaktaRunning, ""))

	remote := &fakeRemote{
		statuses: []string{"SUCCESSFULL"},
		files:    map[string]string{"GFF3": gff3Fixture},
	}
	orch := bakta.New(repo, remote, dir, time.Millisecond, time.Minute, 1)

	require.NoError(t, orch.Run(context.Background(), job.ID))

	// No re-submission happens for a job that already has a remote id.
	assert.Empty(t, remote.uploads)
	assert.False(t, remote.started)
	got, _ := repo.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.BaktaSuccessful, got.Status)
}
