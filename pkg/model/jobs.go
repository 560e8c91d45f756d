package model

import "time"

// Build job statuses. A failed job has the status "failure: <message>".
const (
	JobPosted     = "posted"
	JobProcessing = "processing"
	JobDone       = "done"
	JobNotFound   = "not_found"
)

// JobFailure is the status of a job whose build failed with err.
func JobFailure(err error) string {
	return "failure: " + err.Error()
}

// BuildJob is one posted partition build.
type BuildJob struct {
	RequestID        string         `json:"request"`
	SecurityContext  map[string]any `json:"securityContext,omitempty"`
	PreAggregationID string         `json:"preAggregation"`
	Table            string         `json:"table"`
	Timezone         string         `json:"timezone"`
	DataSource       string         `json:"dataSource"`
	Status           string         `json:"status"`
	Posted           time.Time      `json:"posted"`
}

// BuildJobStatus is the poll answer for one job token.
type BuildJobStatus struct {
	Token            string `json:"token"`
	Status           string `json:"status"`
	PreAggregationID string `json:"preAggregation,omitempty"`
	Table            string `json:"table,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	DataSource       string `json:"dataSource,omitempty"`
}

// StatusOf answers a poll for token; a nil job was not found.
func StatusOf(token string, job *BuildJob) BuildJobStatus {
	if job == nil {
		return BuildJobStatus{Token: token, Status: JobNotFound}
	}
	return BuildJobStatus{
		Token:            token,
		Status:           job.Status,
		PreAggregationID: job.PreAggregationID,
		Table:            job.Table,
		Timezone:         job.Timezone,
		DataSource:       job.DataSource,
	}
}
