package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotCancelable is returned by CancelJob for finished jobs.
var ErrNotCancelable = errors.New("job cannot be canceled")

var errCanceled = errors.New("job canceled")

// Options configures a Manager.
type Options struct {
	// ResultTTL is how long finished jobs stay readable.
	ResultTTL time.Duration
	// ClampTimeout maps a requested job timeout (0 for none) to the one
	// enforced.
	ClampTimeout func(time.Duration) time.Duration
	Notifier     *Notifier
}

// Manager owns the job store, the event hub and the workers consuming the
// transport.
type Manager struct {
	transport Transport
	store     *Store
	events    *EventHub
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// NewManager creates a queue manager over transport.
func NewManager(transport Transport, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 7 * 24 * time.Hour
	}
	if opts.ClampTimeout == nil {
		opts.ClampTimeout = func(d time.Duration) time.Duration {
			if d <= 0 {
				return time.Minute
			}
			return d
		}
	}
	logger = logger.Named("queue")
	return &Manager{
		transport: transport,
		store:     NewStore(logger),
		events:    NewEventHub(),
		opts:      opts,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

// Start launches n workers feeding messages to processor. It is a no-op when
// already started.
func (m *Manager) Start(n int, processor JobProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.workers = &errgroup.Group{}
	for i := 0; i < max(n, 1); i++ {
		m.workers.Go(func() error {
			m.work(ctx, processor)
			return nil
		})
	}
	m.logger.Info("job workers started", zap.Int("workers", max(n, 1)))
}

func (m *Manager) work(ctx context.Context, processor JobProcessor) {
	for {
		msg, err := m.transport.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNoMessage):
			continue
		case err != nil:
			m.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.processMessage(ctx, msg, processor)
	}
}

// Stop cancels running jobs, waits for the workers and releases the store
// and event hub.
func (m *Manager) Stop() {
	m.mu.Lock()
	workers, cancel := m.workers, m.cancel
	m.workers, m.cancel = nil, nil
	m.mu.Unlock()

	if workers != nil {
		cancel()
		_ = workers.Wait()
		m.logger.Info("job workers stopped")
	}
	m.store.Stop()
	m.events.Close()
}

// Enqueue stores job and publishes it. A publish failure removes the job.
func (m *Manager) Enqueue(ctx context.Context, job *Job) error {
	m.store.Save(job)

	data, err := job.ToJSON()
	if err == nil {
		err = m.transport.Publish(ctx, data)
	}
	if err != nil {
		m.store.Delete(job.ID)
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	job.Message = "Job queued"
	m.events.Emit(EventFor(job))
	m.logger.Debug("job queued", zap.String("job", job.ID), zap.Int("steps", len(job.Request.Plan.Steps)))
	return nil
}

// Submit validates req, builds a job with the clamped timeout and enqueues
// it. A live job with the same idempotency key is returned instead, with
// duplicate set.
func (m *Manager) Submit(ctx context.Context, req JobRequest) (job *Job, duplicate bool, err error) {
	if err := req.Plan.Validate(); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey != "" {
		if existing, ok := m.store.GetByIdempotencyKey(req.IdempotencyKey); ok {
			return existing, true, nil
		}
	}
	timeout := m.opts.ClampTimeout(time.Duration(req.Timeout) * time.Second)
	job = NewJob(req, timeout, m.opts.ResultTTL, m.store.now())
	if err := m.Enqueue(ctx, job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// ListJobs returns every live job.
func (m *Manager) ListJobs() []*Job {
	return m.store.List()
}

// CancelJob cancels a queued job or interrupts a running one.
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	job, err := m.store.Update(jobID, func(job *Job, now time.Time) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: status is %s", ErrNotCancelable, job.Status)
		}
		job.Message = "Job canceled"
		job.SetStatus(JobStatusCanceled, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.mu.Unlock()

	m.events.Emit(EventFor(job))
	return job, nil
}

// Subscribe subscribes to job events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from job events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

// update applies fn unless the job was canceled meanwhile, then emits.
func (m *Manager) update(jobID string, fn func(job *Job, now time.Time)) (*Job, bool) {
	job, err := m.store.Update(jobID, func(job *Job, now time.Time) error {
		if job.Status == JobStatusCanceled {
			return errCanceled
		}
		fn(job, now)
		return nil
	})
	if err != nil {
		return nil, false
	}
	m.events.Emit(EventFor(job))
	return job, true
}

// processMessage runs one delivered job. The message is acknowledged before
// the job runs: a job is attempted at most once, even if this process dies.
func (m *Manager) processMessage(ctx context.Context, msg Message, processor JobProcessor) {
	queued, err := FromJSON(msg.Data())
	if err != nil {
		m.logger.Error("failed to unmarshal job", zap.Error(err))
		_ = msg.Term()
		return
	}
	if err := msg.Ack(); err != nil {
		m.logger.Warn("ack failed", zap.String("job", queued.ID), zap.Error(err))
	}
	logger := m.logger.With(zap.String("job", queued.ID))

	// The cancel func is registered before the job turns running, so a
	// CancelJob that observes the running status always reaches it.
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.running[queued.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, queued.ID)
		m.mu.Unlock()
	}()

	job, ok := m.update(queued.ID, func(job *Job, now time.Time) {
		job.Message = "Processing started"
		job.SetStatus(JobStatusRunning, now)
	})
	if !ok {
		logger.Debug("skipping job", zap.String("reason", "canceled or expired"))
		return
	}

	jobCtx, cancelTimeout := context.WithTimeout(cancelCtx, job.TimeoutDuration())
	defer cancelTimeout()

	start := time.Now()
	result, err := processor.Process(jobCtx, job, func(current, total int, stage, action string) {
		m.update(job.ID, func(job *Job, now time.Time) {
			job.SetProgress(current, total, stage, action, fmt.Sprintf("[Step %d/%d] %s", current, total, stage), now)
		})
	})

	var final *Job
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && browser.KindOf(err) == nil {
			err = &browser.Error{Kind: browser.ErrTimeout, Op: "job", Subject: job.TimeoutDuration().String(), Err: err}
		}
		kind := browser.KindName(err)
		final, ok = m.update(job.ID, func(job *Job, now time.Time) {
			job.SetError(err.Error(), kind, result, now)
		})
		logger.Info("job failed", zap.String("kind", kind), zap.Duration("took", time.Since(start)), zap.Error(err))
	} else {
		final, ok = m.update(job.ID, func(job *Job, now time.Time) {
			job.SetResult(result, now)
		})
		logger.Info("job succeeded", zap.Duration("took", time.Since(start)))
	}
	if !ok {
		final, err = m.store.Get(job.ID)
		if err != nil {
			return
		}
	}

	if m.opts.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := m.opts.Notifier.Notify(notifyCtx, final); err != nil {
			logger.Warn("webhook failed", zap.Error(err))
		}
	}
}
