package queue

import (
	"sync"
)

// Event is one job status change pushed to SSE and WebSocket subscribers.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Time      int64     `json:"time"`
}

// EventFor snapshots job as an event.
func EventFor(job *Job) Event {
	return Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		Error:     job.Error,
		ErrorKind: job.ErrorKind,
		Time:      job.UpdatedAt,
	}
}

// EventHub fans job events out to subscribers. Slow subscribers miss
// intermediate events rather than blocking the worker.
type EventHub struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	closed      bool
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription for job events. The channel is closed by
// Unsubscribe or Close.
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[jobID] = append(h.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes a subscription
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[jobID]) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Emit sends an event to all subscribers of a job. Terminal events are
// always delivered: a full subscriber has its oldest event dropped.
func (h *EventHub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.JobID] {
		select {
		case ch <- event:
			continue
		default:
		}
		if !event.Status.Terminal() {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for a job.
func (h *EventHub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[jobID])
}

// Close closes all subscriptions
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for jobID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, jobID)
	}
}
