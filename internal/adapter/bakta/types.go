// Package bakta implements the client side of the external Bakta
// annotation API: init, upload, start, list, logs, result, download,
// delete, version.
package bakta

import (
	"fmt"

	"github.com/genomeops/amr-service/internal/domain"
)

// JobRef identifies a remote job. The secret authorizes every call and
// must never be logged.
type JobRef struct {
	JobID  string `json:"jobID"`
	Secret string `json:"secret"`
}

type initRequest struct {
	Name              string `json:"name"`
	RepliconTableType string `json:"repliconTableType"`
}

// InitResponse is the payload of POST /api/v1/job/init.
type InitResponse struct {
	Job                 JobRef `json:"job"`
	UploadLinkFasta     string `json:"uploadLinkFasta"`
	UploadLinkProdigal  string `json:"uploadLinkProdigal"`
	UploadLinkReplicons string `json:"uploadLinkReplicons"`
}

func (r InitResponse) validate() error {
	switch {
	case r.Job.JobID == "":
		return missingField("job.jobID")
	case r.Job.Secret == "":
		return missingField("job.secret")
	case r.UploadLinkFasta == "":
		return missingField("uploadLinkFasta")
	}
	return nil
}

type startRequest struct {
	Config domain.BaktaConfig `json:"config"`
	Job    JobRef             `json:"job"`
}

type listRequest struct {
	Jobs []JobRef `json:"jobs"`
}

// JobStatusEntry is one job's entry in the list response.
type JobStatusEntry struct {
	JobID     string `json:"jobID"`
	JobStatus string `json:"jobStatus"`
	Started   string `json:"started"`
	Updated   string `json:"updated"`
	Name      string `json:"name"`
}

// FailedJobEntry reports a job the remote refused to describe.
type FailedJobEntry struct {
	JobID  string `json:"jobID"`
	Reason string `json:"jobStatus"` // UNAUTHORIZED or NOT_FOUND
}

// ListResponse is the payload of POST /api/v1/job/list.
type ListResponse struct {
	Jobs       []JobStatusEntry `json:"jobs"`
	FailedJobs []FailedJobEntry `json:"failedJobs"`
}

func (e JobStatusEntry) validate() error {
	if e.JobID == "" {
		return missingField("jobs[].jobID")
	}
	switch e.JobStatus {
	case "INIT", "RUNNING", "SUCCESSFULL", "SUCCESSFUL", "ERROR", "Init", "Running", "Successful", "Error":
		return nil
	}
	return fmt.Errorf("%w: unknown jobStatus %q", domain.ErrRemotePermanent, e.JobStatus)
}

type resultRequest struct {
	JobID  string `json:"jobID"`
	Secret string `json:"secret"`
}

// ResultResponse is the payload of POST /api/v1/job/result. ResultFiles
// maps file type to a pre-signed download URL; unknown types are kept
// and downloaded as opaque artifacts.
type ResultResponse struct {
	JobID       string            `json:"jobID"`
	Name        string            `json:"name"`
	Started     string            `json:"started"`
	Updated     string            `json:"updated"`
	ResultFiles map[string]string `json:"ResultFiles"`
}

func (r ResultResponse) validate() error {
	if r.JobID == "" {
		return missingField("jobID")
	}
	if len(r.ResultFiles) == 0 {
		return missingField("ResultFiles")
	}
	return nil
}

// VersionResponse is the payload of GET /api/v1/version.
type VersionResponse struct {
	ToolVersion    string `json:"toolVersion"`
	DBVersion      string `json:"dbVersion"`
	BackendVersion string `json:"backendVersion"`
}

func missingField(name string) error {
	return fmt.Errorf("%w: response missing field %s", domain.ErrRemotePermanent, name)
}

// NormalizeStatus maps remote status spellings onto the local enum.
func NormalizeStatus(s string) domain.BaktaStatus {
	switch s {
	case "INIT", "Init":
		return domain.BaktaInit
	case "RUNNING", "Running":
		return domain.BaktaRunning
	case "SUCCESSFULL", "SUCCESSFUL", "Successful":
		return domain.BaktaSuccessful
	default:
		return domain.BaktaError
	}
}
