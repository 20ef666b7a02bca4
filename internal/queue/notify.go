package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrdadan/agentab/internal/security"
	"go.uber.org/zap"
)

// WebhookPayload is POSTed to a job's webhook URL when it finishes.
type WebhookPayload struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ResultURL  string    `json:"result_url"`
	FinishedAt int64     `json:"finished_at"`
}

// Notifier delivers webhook notifications. Each job gets one attempt.
type Notifier struct {
	client  *http.Client
	secret  string
	baseURL string
	logger  *zap.Logger
}

// NewNotifier returns a notifier signing payloads with secret (when set) and
// building result links from baseURL.
func NewNotifier(client *http.Client, secret, baseURL string, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, secret: secret, baseURL: baseURL, logger: logger.Named("webhook")}
}

// Notify posts the finished job's payload to its webhook URL.
func (n *Notifier) Notify(ctx context.Context, job *Job) error {
	if job.Request.Notify == nil || job.Request.Notify.WebhookURL == "" {
		return nil
	}
	url := job.Request.Notify.WebhookURL

	data, err := json.Marshal(WebhookPayload{
		JobID:      job.ID,
		Status:     job.Status,
		Error:      job.Error,
		ErrorKind:  job.ErrorKind,
		ResultURL:  fmt.Sprintf("%s/agentab/jobs/%s/result", n.baseURL, job.ID),
		FinishedAt: job.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentab-Event", "job."+string(job.Status))
	secret := n.secret
	if job.Request.Notify.WebhookSecret != "" {
		secret = job.Request.Notify.WebhookSecret
	}
	if secret != "" {
		req.Header.Set(security.SignatureHeader, security.GenerateWebhookSignature(data, secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("webhook delivered", zap.String("job", job.ID), zap.Int("status", resp.StatusCode))
	return nil
}
