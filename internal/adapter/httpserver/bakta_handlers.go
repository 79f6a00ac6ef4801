package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/internal/usecase"
)

// BaktaJobResponse is the wire shape of an annotation job. The remote
// secret is never serialized.
type BaktaJobResponse struct {
	JobID       string              `json:"job_id"`
	Name        string              `json:"name"`
	Status      string              `json:"status"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
	StartedAt   *string             `json:"started_at,omitempty"`
	CompletedAt *string             `json:"completed_at,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Files       []BaktaFileResponse `json:"files"`
}

// BaktaFileResponse describes one downloaded result artifact.
type BaktaFileResponse struct {
	FileType     string `json:"file_type"`
	DownloadedAt string `json:"downloaded_at"`
}

func toBaktaResponse(d usecase.BaktaJobDetail) BaktaJobResponse {
	j := d.Job
	resp := BaktaJobResponse{
		JobID:     j.ID,
		Name:      j.Name,
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: j.UpdatedAt.UTC().Format(timeLayout),
		Files:     make([]BaktaFileResponse, 0, len(d.Files)),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(timeLayout)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(timeLayout)
		resp.CompletedAt = &s
	}
	if j.ErrorMsg != "" {
		e := j.ErrorMsg
		resp.Error = &e
	}
	for _, f := range d.Files {
		resp.Files = append(resp.Files, BaktaFileResponse{
			FileType:     f.FileType,
			DownloadedAt: f.DownloadedAt.UTC().Format(timeLayout),
		})
	}
	return resp
}

// BaktaSubmitHandler accepts a FASTA upload plus an optional config
// JSON and preset name, and enqueues an annotation job.
func (s *Server) BaktaSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, content, form, err := s.readUpload(r, "file")
		if err != nil {
			writeValidationError(w, err.Error())
			return
		}
		in := usecase.BaktaSubmitInput{
			Name:     firstValue(form, "name"),
			FileName: name,
			Content:  content,
			Preset:   firstValue(form, "preset"),
		}
		if raw := firstValue(form, "config"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &in.Config); err != nil {
				writeValidationError(w, "config must be a JSON object")
				return
			}
		}
		job, err := s.Bakta.Submit(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toBaktaResponse(usecase.BaktaJobDetail{Job: job}))
	}
}

// BaktaGetHandler serves one annotation job with its files.
func (s *Server) BaktaGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := s.Bakta.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toBaktaResponse(detail))
	}
}

// BaktaHistoryHandler serves the observed status history.
func (s *Server) BaktaHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.Bakta.History(r.Context(), chi.URLParam(r, "id"))
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

// BaktaFileHandler streams a downloaded result file by type.
func (s *Server) BaktaFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := s.Bakta.FilePath(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// BaktaAnnotationsHandler queries persisted features with optional
// type, contig, and coordinate-range filters.
func (s *Server) BaktaAnnotationsHandler() http.HandlerFunc {
	type annotationResponse struct {
		FeatureID   string          `json:"feature_id"`
		FeatureType string          `json:"feature_type"`
		Contig      string          `json:"contig"`
		Start       int             `json:"start"`
		End         int             `json:"end"`
		Strand      string          `json:"strand"`
		Attributes  json.RawMessage `json:"attributes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f domain.AnnotationFilter
		if v := q.Get("feature_type"); v != "" {
			f.FeatureType = &v
		}
		if v := q.Get("contig"); v != "" {
			f.Contig = &v
		}
		intParam := func(key string) (*int, bool) {
			v := q.Get(key)
			if v == "" {
				return nil, true
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, false
			}
			return &n, true
		}
		var ok bool
		if f.Start, ok = intParam("start"); !ok {
			writeValidationError(w, "start must be an integer")
			return
		}
		if f.End, ok = intParam("end"); !ok {
			writeValidationError(w, "end must be an integer")
			return
		}
		if p, ok := intParam("limit"); !ok {
			writeValidationError(w, "limit must be an integer")
			return
		} else if p != nil {
			f.Limit = *p
		}
		if p, ok := intParam("offset"); !ok {
			writeValidationError(w, "offset must be an integer")
			return
		} else if p != nil {
			f.Offset = *p
		}

		anns, err := s.Bakta.Annotations(r.Context(), chi.URLParam(r, "id"), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]annotationResponse, 0, len(anns))
		for _, a := range anns {
			attrs := a.Attributes
			if attrs == "" {
				attrs = "{}"
			}
			out = append(out, annotationResponse{
				FeatureID:   a.FeatureID,
				FeatureType: a.FeatureType,
				Contig:      a.Contig,
				Start:       a.Start,
				End:         a.End,
				Strand:      a.Strand,
				Attributes:  json.RawMessage(attrs),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// BaktaDeleteHandler removes a job locally and remotely (best effort).
func (s *Server) BaktaDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Bakta.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func firstValue(form map[string][]string, key string) string {
	if vs := form[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
