package queue

import (
	"encoding/json"
	"time"

	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/google/uuid"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// NotifyConfig holds notification settings for a job
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	// WebhookSecret overrides the server-wide signing secret.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// ProgressInfo holds detailed progress information
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Stage   string `json:"stage,omitempty"`
	Action  string `json:"action,omitempty"`
}

// JobRequest describes a plan job: open a page, optionally block resource
// types and navigate to URL, then run Plan.
type JobRequest struct {
	URL            string        `json:"url,omitempty"`
	Block          []string      `json:"block,omitempty"`
	Plan           plan.Plan     `json:"plan"`
	Timeout        int           `json:"timeout,omitempty"` // seconds
	Notify         *NotifyConfig `json:"notify,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// Job represents a queued job
type Job struct {
	ID             string        `json:"job_id"`
	Status         JobStatus     `json:"status"`
	Progress       int           `json:"progress"`
	ProgressInfo   *ProgressInfo `json:"progress_info,omitempty"`
	Message        string        `json:"message,omitempty"`
	Request        JobRequest    `json:"request"`
	Result         *plan.Result  `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	CreatedAt      int64         `json:"created_at"`
	UpdatedAt      int64         `json:"updated_at"`
	StartedAt      int64         `json:"started_at,omitempty"`
	CompletedAt    int64         `json:"completed_at,omitempty"`
	ExpiresAt      int64         `json:"expires_at,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Timeout        int           `json:"timeout"` // seconds
}

// NewJob creates a queued job. timeout is already clamped by the caller;
// the result expires resultTTL after creation.
func NewJob(req JobRequest, timeout, resultTTL time.Duration, now time.Time) *Job {
	return &Job{
		ID:             generateJobID(),
		Status:         JobStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(resultTTL).Unix(),
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        int(timeout / time.Second),
	}
}

// SetStatus updates the job status
func (j *Job) SetStatus(status JobStatus, now time.Time) {
	j.Status = status
	j.UpdatedAt = now.Unix()

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = now.Unix()
	}
	if status.Terminal() {
		j.CompletedAt = now.Unix()
	}
}

// SetProgress records step progress.
func (j *Job) SetProgress(current, total int, stage, action, message string, now time.Time) {
	percent := 0
	if total > 0 {
		percent = current * 100 / total
	}
	j.Progress = percent
	j.Message = message
	j.ProgressInfo = &ProgressInfo{Current: current, Total: total, Stage: stage, Action: action}
	j.UpdatedAt = now.Unix()
}

// SetResult marks the job succeeded.
func (j *Job) SetResult(result *plan.Result, now time.Time) {
	j.Result = result
	j.Progress = 100
	j.Message = "Job completed"
	j.SetStatus(JobStatusSucceeded, now)
}

// SetError marks the job failed. result may hold the steps that ran.
func (j *Job) SetError(err, kind string, result *plan.Result, now time.Time) {
	j.Error = err
	j.ErrorKind = kind
	j.Result = result
	j.Message = "Job failed"
	j.SetStatus(JobStatusFailed, now)
}

// IsExpired checks if the job result has expired
func (j *Job) IsExpired(now time.Time) bool {
	return j.ExpiresAt != 0 && now.Unix() > j.ExpiresAt
}

// TimeoutDuration returns the job timeout.
func (j *Job) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}

// ToJSON serializes a job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON deserializes a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobResultResponse represents a job result response
type JobResultResponse struct {
	JobID     string       `json:"job_id"`
	Status    JobStatus    `json:"status"`
	Result    *plan.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
}

// JobCreatedResponse represents the response when a job is created
type JobCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

func generateJobID() string {
	return "job_" + uuid.NewString()
}
