package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrdadan/agentab/internal/queue"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	queueManager *queue.Manager
	baseURL      string
	logger       *zap.Logger
}

// NewJobHandler creates a new job handler. baseURL prefixes the links in
// created-job responses; empty keeps them relative.
func NewJobHandler(qm *queue.Manager, baseURL string, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		queueManager: qm,
		baseURL:      baseURL,
		logger:       logger.Named("jobs"),
	}
}

// CreateJob creates a new async plan job
// POST /agentab/jobs
func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req queue.JobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if key := c.Get("X-Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	job, duplicate, err := h.queueManager.Submit(c.UserContext(), req)
	if err != nil {
		return err
	}
	if duplicate {
		c.Set("X-Idempotency-Hit", "true")
	}

	response := queue.JobCreatedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: fmt.Sprintf("%s/agentab/jobs/%s", h.baseURL, job.ID),
		ResultURL: fmt.Sprintf("%s/agentab/jobs/%s/result", h.baseURL, job.ID),
	}
	response.Events.SSEURL = fmt.Sprintf("%s/agentab/jobs/%s/events", h.baseURL, job.ID)
	response.Events.WSURL = fmt.Sprintf("%s/agentab/ws?job_id=%s", h.baseURL, job.ID)

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    response,
	})
}

func jobStatus(job *queue.Job) fiber.Map {
	response := fiber.Map{
		"job_id":     job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"created_at": time.Unix(job.CreatedAt, 0).UTC().Format(time.RFC3339),
		"updated_at": time.Unix(job.UpdatedAt, 0).UTC().Format(time.RFC3339),
		"timeout":    job.Timeout,
	}
	if job.ProgressInfo != nil {
		response["progress_info"] = job.ProgressInfo
	}
	if job.Error != "" {
		response["error"] = job.Error
		response["error_kind"] = job.ErrorKind
	}
	if job.ExpiresAt > 0 {
		response["expires_at"] = time.Unix(job.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}
	return response
}

// ListJobs lists live jobs
// GET /agentab/jobs
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	jobs := h.queueManager.ListJobs()
	out := make([]fiber.Map, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobStatus(job))
	}
	return c.JSON(Response{Success: true, Data: out})
}

// GetJobStatus returns the status of a job
// GET /agentab/jobs/:job_id
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	job, err := h.queueManager.GetJob(c.Params("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(Response{
		Success: true,
		Data:    jobStatus(job),
	})
}

// GetJobResult returns the result of a finished job. Failed jobs carry the
// partial plan result up to the failing step.
// GET /agentab/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	job, err := h.queueManager.GetJob(c.Params("job_id"))
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fiber.NewError(fiber.StatusConflict, "Job not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:     job.ID,
			Status:    job.Status,
			Result:    job.Result,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
		},
	})
}

// CancelJob cancels a queued or running job
// POST /agentab/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	job, err := h.queueManager.CancelJob(c.Params("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"job_id": job.ID,
			"status": job.Status,
		},
	})
}

// StreamEvents streams job events via SSE until the job finishes
// GET /agentab/jobs/:job_id/events
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	job, err := h.queueManager.GetJob(jobID)
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// Subscribe before writing the snapshot so no transition is lost.
	var events <-chan queue.Event
	if !job.Status.Terminal() {
		events = h.queueManager.Subscribe(jobID)
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.queueManager.Unsubscribe(jobID, events)
		}
		if err := writeEvent(w, queue.EventFor(job)); err != nil || events == nil {
			return
		}
		for event := range events {
			if err := writeEvent(w, event); err != nil {
				h.logger.Debug("sse client gone", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			if event.Status.Terminal() {
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, event queue.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleWebSocket handles WebSocket connections for job events
// GET /agentab/ws?job_id=...
func (h *JobHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Query("job_id")
	if jobID == "" {
		_ = c.WriteJSON(Response{Error: "job_id is required"})
		return
	}
	job, err := h.queueManager.GetJob(jobID)
	if err != nil {
		_ = c.WriteJSON(errorResponse(err))
		return
	}

	events := h.queueManager.Subscribe(jobID)
	defer h.queueManager.Unsubscribe(jobID, events)

	if err := c.WriteJSON(queue.EventFor(job)); err != nil || job.Status.Terminal() {
		return
	}
	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
		if event.Status.Terminal() {
			return
		}
	}
}
