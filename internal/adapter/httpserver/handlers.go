package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/internal/usecase"
)

// Server bundles the handler dependencies.
type Server struct {
	Submit *usecase.SubmitService
	Jobs   *usecase.JobService
	Bakta  *usecase.BaktaService
	// MaxUploadBytes bounds multipart memory and upload size.
	MaxUploadBytes int64
}

// NewServer constructs a Server.
func NewServer(submit *usecase.SubmitService, jobs *usecase.JobService, bakta *usecase.BaktaService, maxUploadBytes int64) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	return &Server{Submit: submit, Jobs: jobs, Bakta: bakta, MaxUploadBytes: maxUploadBytes}
}

// JobResponse is the wire shape of an AMR job.
type JobResponse struct {
	JobID                string            `json:"job_id"`
	Status               string            `json:"status"`
	Progress             float64           `json:"progress"`
	StartTime            string            `json:"start_time"`
	EndTime              *string           `json:"end_time,omitempty"`
	ResultFile           *string           `json:"result_file,omitempty"`
	AggregatedResultFile *string           `json:"aggregated_result_file,omitempty"`
	Error                *string           `json:"error,omitempty"`
	AdditionalInfo       map[string]string `json:"additional_info,omitempty"`
}

func toJobResponse(j domain.AMRJob) JobResponse {
	resp := JobResponse{
		JobID:          j.ID,
		Status:         string(j.Status),
		Progress:       j.Progress,
		AdditionalInfo: j.Params.Extra,
	}
	if j.StartedAt != nil {
		resp.StartTime = j.StartedAt.UTC().Format(timeLayout)
	} else {
		resp.StartTime = j.CreatedAt.UTC().Format(timeLayout)
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(timeLayout)
		resp.EndTime = &s
	}
	if j.ResultFilePath != "" {
		p := j.ResultFilePath
		resp.ResultFile = &p
	}
	if j.AggregatedResultFilePath != "" {
		p := j.AggregatedResultFilePath
		resp.AggregatedResultFile = &p
	}
	if j.ErrorMsg != "" {
		e := j.ErrorMsg
		resp.Error = &e
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// PredictHandler accepts a FASTA upload and enqueues a prediction job.
func (s *Server) PredictHandler() http.HandlerFunc {
	return s.submitHandler(domain.KindPredict)
}

// SequenceHandler enqueues a prediction with aggregation forced on.
func (s *Server) SequenceHandler() http.HandlerFunc {
	return s.submitHandler(domain.KindSequence)
}

func (s *Server) submitHandler(kind domain.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, content, form, err := s.readUpload(r, "file")
		if err != nil {
			writeValidationError(w, err.Error())
			return
		}
		params, detail := paramsFromForm(form)
		if kind == domain.KindSequence {
			params.EnableSequenceAggregation = true
		}
		if len(detail) > 0 {
			writeValidationError(w, detail...)
			return
		}
		in := usecase.SubmitInput{
			JobName:        form.Get("job_name"),
			FileName:       name,
			Content:        content,
			Kind:           kind,
			Params:         params,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		}
		if uid := form.Get("user_id"); uid != "" {
			in.UserID = &uid
		}
		job, err := s.Submit.Submit(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// VisualizeHandler accepts a per-segment result file and renders a WIG.
func (s *Server) VisualizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, content, form, err := s.readUpload(r, "file")
		if err != nil {
			writeValidationError(w, err.Error())
			return
		}
		params := defaultParams()
		params.Extra = map[string]string{}
		if step := form.Get("step_size"); step != "" {
			if n, err := strconv.Atoi(step); err != nil || n < 1 {
				writeValidationError(w, "step_size must be a positive integer")
				return
			}
			params.Extra["step_size"] = step
		}
		in := usecase.SubmitInput{
			JobName:        form.Get("job_name"),
			FileName:       name,
			Content:        content,
			Kind:           domain.KindVisualize,
			Params:         params,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		}
		job, err := s.Submit.Submit(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// AggregateHandler accepts previously produced per-segment files and
// enqueues an aggregation over them.
func (s *Server) AggregateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
			writeValidationError(w, "multipart form expected")
			return
		}
		fhs := r.MultipartForm.File["files"]
		if len(fhs) == 0 {
			writeValidationError(w, "at least one file is required")
			return
		}
		files := map[string][]byte{}
		for _, fh := range fhs {
			content, err := readMultipartFile(fh, s.MaxUploadBytes)
			if err != nil {
				writeValidationError(w, err.Error())
				return
			}
			files[fh.Filename] = content
		}
		params, detail := paramsFromForm(r.Form)
		if len(detail) > 0 {
			writeValidationError(w, detail...)
			return
		}
		in := usecase.AggregateInput{
			JobName:     r.Form.Get("job_name"),
			Files:       files,
			ModelSuffix: r.Form.Get("model_suffix"),
			FilePattern: r.Form.Get("file_pattern"),
			Params:      params,
		}
		if uid := r.Form.Get("user_id"); uid != "" {
			in.UserID = &uid
		}
		job, err := s.Submit.SubmitAggregate(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ListJobsHandler serves paginated job listings, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.JobListFilter{Limit: 100}
		q := r.URL.Query()
		if v := q.Get("status"); v != "" {
			st := domain.JobStatus(v)
			switch st {
			case domain.JobSubmitted, domain.JobRunning, domain.JobCompleted, domain.JobError, domain.JobCancelled:
				f.Status = &st
			default:
				writeValidationError(w, "unknown status "+v)
				return
			}
		}
		if v := q.Get("user_id"); v != "" {
			f.UserID = &v
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeValidationError(w, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeValidationError(w, "offset must be a non-negative integer")
				return
			}
			f.Offset = n
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]JobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetJobHandler serves one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// JobHistoryHandler serves the status history of a job.
func (s *Server) JobHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.Jobs.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type eventResponse struct {
			Status    string `json:"status"`
			Timestamp string `json:"timestamp"`
			Message   string `json:"message,omitempty"`
		}
		out := make([]eventResponse, 0, len(events))
		for _, e := range events {
			out = append(out, eventResponse{
				Status:    e.Status,
				Timestamp: e.Timestamp.UTC().Format(timeLayout),
				Message:   e.Message,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DownloadHandler streams a result file. file_type selects regular or
// aggregated output.
func (s *Server) DownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := s.Jobs.DownloadPath(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("file_type"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "text/tab-separated-values")
		http.ServeFile(w, r, path)
	}
}

// CancelJobHandler handles PATCH with {"status":"Cancelled"}.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	type patchRequest struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeValidationError(w, "invalid JSON body")
			return
		}
		if req.Status != string(domain.JobCancelled) {
			writeValidationError(w, "only status=Cancelled may be requested")
			return
		}
		job, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// DeleteJobHandler removes a terminal job with its files.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AddParametersHandler merges extra side parameters onto a job.
func (s *Server) AddParametersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var extra map[string]string
		if err := json.NewDecoder(r.Body).Decode(&extra); err != nil {
			writeValidationError(w, "invalid JSON body")
			return
		}
		if err := s.Jobs.AddParameters(r.Context(), chi.URLParam(r, "id"), extra); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// readUpload parses the multipart form and returns the named file.
func (s *Server) readUpload(r *http.Request, field string) (string, []byte, url.Values, error) {
	if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
		return "", nil, nil, fmt.Errorf("multipart form expected")
	}
	f, fh, err := r.FormFile(field)
	if err != nil {
		return "", nil, nil, fmt.Errorf("file field %q is required", field)
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(io.LimitReader(f, s.MaxUploadBytes+1))
	if err != nil {
		return "", nil, nil, fmt.Errorf("upload read failed")
	}
	if int64(len(content)) > s.MaxUploadBytes {
		return "", nil, nil, fmt.Errorf("upload exceeds the size limit")
	}
	return fh.Filename, content, r.Form, nil
}

func readMultipartFile(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("file %s unreadable", fh.Filename)
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("file %s unreadable", fh.Filename)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("file %s exceeds the size limit", fh.Filename)
	}
	return content, nil
}

func defaultParams() domain.AMRJobParams {
	return domain.AMRJobParams{
		ModelName:           "amr-default",
		BatchSize:           8,
		ResistanceThreshold: 0.5,
	}
}

// paramsFromForm maps the multipart form fields onto job parameters,
// collecting every problem so the 422 lists them all at once.
func paramsFromForm(form map[string][]string) (domain.AMRJobParams, []string) {
	get := func(key string) string {
		if vs := form[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	params := defaultParams()
	var detail []string

	if v := get("model_name"); v != "" {
		params.ModelName = v
	}
	intField := func(key string, dst *int) {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				detail = append(detail, key+" must be an integer")
				return
			}
			*dst = n
		}
	}
	intField("batch_size", &params.BatchSize)
	intField("segment_length", &params.SegmentLength)
	intField("segment_overlap", &params.SegmentOverlap)
	if v := get("resistance_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			detail = append(detail, "resistance_threshold must be a number")
		} else {
			params.ResistanceThreshold = f
		}
	}
	boolField := func(key string, dst *bool) {
		if v := get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				detail = append(detail, key+" must be a boolean")
				return
			}
			*dst = b
		}
	}
	boolField("use_cpu", &params.UseCPU)
	boolField("enable_sequence_aggregation", &params.EnableSequenceAggregation)

	if err := params.Validate(); err != nil {
		detail = append(detail, strings.TrimPrefix(err.Error(), domain.ErrInvalidInput.Error()+": "))
	}
	if len(detail) > 0 {
		slog.Debug("submission rejected", slog.Any("detail", detail))
	}
	return params, detail
}
