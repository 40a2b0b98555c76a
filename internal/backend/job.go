package backend

// JobStatus is the state reported by the result endpoint
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusCompleted JobStatus = "completed"
)

// StartRequest represents the request body for the start endpoint
type StartRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

// StartResponse represents the response from the start endpoint
type StartResponse struct {
	JobID string `json:"job_id"`
}

// Job represents the response from the result endpoint.
// Response is only meaningful once Status is StatusCompleted.
type Job struct {
	JobID    string    `json:"job_id,omitempty"`
	Status   JobStatus `json:"status"`
	Response string    `json:"response,omitempty"`
}

// Completed reports whether the job carries a final response.
// Any status other than "completed" means not ready yet.
func (j Job) Completed() bool {
	return j.Status == StatusCompleted
}
