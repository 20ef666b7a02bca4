package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/ahrdadan/agentab/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type processorFunc func(ctx context.Context, job *Job, progress ProgressFunc) (*plan.Result, error)

func (f processorFunc) Process(ctx context.Context, job *Job, progress ProgressFunc) (*plan.Result, error) {
	return f(ctx, job, progress)
}

var titlePlan = plan.Plan{Steps: []plan.Step{{Action: plan.ActionTitle}}}

func newManager(t *testing.T, opts Options) (*Manager, *MemoryTransport) {
	t.Helper()
	tr := NewMemoryTransport(16)
	tr.maxWait = 20 * time.Millisecond
	m := NewManager(tr, opts, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m, tr
}

func waitStatus(t *testing.T, m *Manager, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetJob(id)
		return err == nil && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitRunsJob(t *testing.T) {
	m, _ := newManager(t, Options{})
	m.Start(2, processorFunc(func(_ context.Context, job *Job, progress ProgressFunc) (*plan.Result, error) {
		progress(1, 1, "running", "title")
		return &plan.Result{OK: true, Total: 1, Completed: 1}, nil
	}))

	job, dup, err := m.Submit(context.Background(), JobRequest{URL: "https://example.com", Plan: titlePlan})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 60, job.Timeout)

	done := waitStatus(t, m, job.ID, JobStatusSucceeded)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.OK)
	assert.NotZero(t, done.StartedAt)
	assert.NotZero(t, done.CompletedAt)
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	m, tr := newManager(t, Options{})
	_, _, err := m.Submit(context.Background(), JobRequest{Plan: plan.Plan{}})
	require.ErrorIs(t, err, plan.ErrInvalidPlan)
	assert.Empty(t, m.ListJobs())
	assert.Zero(t, len(tr.ch))
}

func TestSubmitIdempotencyKey(t *testing.T) {
	m, tr := newManager(t, Options{})
	req := JobRequest{Plan: titlePlan, IdempotencyKey: "same"}

	first, dup, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, len(tr.ch))
}

func TestSubmitClampsTimeout(t *testing.T) {
	m, _ := newManager(t, Options{ClampTimeout: func(d time.Duration) time.Duration {
		return min(d, 2*time.Minute)
	}})
	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan, Timeout: 3600})
	require.NoError(t, err)
	assert.Equal(t, 120, job.Timeout)
}

func TestFailedJobKeepsKindAndPartialResult(t *testing.T) {
	m, _ := newManager(t, Options{})
	partial := &plan.Result{Total: 2, Completed: 1, Steps: []plan.StepResult{
		{Index: 0, Action: plan.ActionTitle, OK: true},
		{Index: 1, Action: plan.ActionClick, Kind: "element_not_found"},
	}}
	m.Start(1, processorFunc(func(context.Context, *Job, ProgressFunc) (*plan.Result, error) {
		return partial, &plan.StepError{Index: 1, Action: plan.ActionClick,
			Err: &browser.Error{Kind: browser.ErrElementNotFound, Op: "click", Subject: "#x"}}
	}))

	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)
	failed := waitStatus(t, m, job.ID, JobStatusFailed)
	assert.Equal(t, "element_not_found", failed.ErrorKind)
	assert.Contains(t, failed.Error, "step 1 (click)")
	require.NotNil(t, failed.Result)
	assert.Equal(t, 1, failed.Result.Completed)
}

func TestJobTimeoutIsTimeoutKind(t *testing.T) {
	m, _ := newManager(t, Options{ClampTimeout: func(time.Duration) time.Duration { return time.Second }})
	m.Start(1, processorFunc(func(ctx context.Context, _ *Job, _ ProgressFunc) (*plan.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)
	failed := waitStatus(t, m, job.ID, JobStatusFailed)
	assert.Equal(t, "timeout", failed.ErrorKind)
}

func TestCancelQueuedJobIsSkipped(t *testing.T) {
	m, tr := newManager(t, Options{})
	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)

	canceled, err := m.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, canceled.Status)

	var calls atomic.Int32
	msg, err := tr.Fetch(context.Background())
	require.NoError(t, err)
	m.processMessage(context.Background(), msg, processorFunc(func(context.Context, *Job, ProgressFunc) (*plan.Result, error) {
		calls.Add(1)
		return nil, nil
	}))
	assert.Zero(t, calls.Load())

	_, err = m.CancelJob(job.ID)
	require.ErrorIs(t, err, ErrNotCancelable)
}

func TestCancelRunningJob(t *testing.T) {
	m, _ := newManager(t, Options{})
	started := make(chan struct{})
	sawCancel := make(chan error, 1)
	m.Start(1, processorFunc(func(ctx context.Context, _ *Job, _ ProgressFunc) (*plan.Result, error) {
		close(started)
		<-ctx.Done()
		sawCancel <- ctx.Err()
		return nil, ctx.Err()
	}))

	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)
	<-started
	_, err = m.CancelJob(job.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, <-sawCancel, context.Canceled)
	final := waitStatus(t, m, job.ID, JobStatusCanceled)
	assert.Empty(t, final.Error, "a canceled job is not overwritten as failed")
}

func TestCancelAsSoonAsRunningReachesProcessor(t *testing.T) {
	m, tr := newManager(t, Options{})
	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)

	events := m.Subscribe(job.ID)
	defer m.Unsubscribe(job.ID, events)
	go func() {
		for ev := range events {
			if ev.Status == JobStatusRunning {
				_, _ = m.CancelJob(job.ID)
				return
			}
		}
	}()

	msg, err := tr.Fetch(context.Background())
	require.NoError(t, err)
	var sawCancel error
	m.processMessage(context.Background(), msg, processorFunc(func(ctx context.Context, _ *Job, _ ProgressFunc) (*plan.Result, error) {
		select {
		case <-ctx.Done():
			sawCancel = ctx.Err()
		case <-time.After(2 * time.Second):
		}
		return &plan.Result{OK: true}, nil
	}))

	assert.ErrorIs(t, sawCancel, context.Canceled)
	final, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, final.Status)
	assert.Nil(t, final.Result)
}

func TestUnknownJob(t *testing.T) {
	m, _ := newManager(t, Options{})
	_, err := m.GetJob("job_nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.CancelJob("job_nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestUndecodableMessageIsTerminated(t *testing.T) {
	m, _ := newManager(t, Options{})
	msg := &recordingMessage{data: []byte("{not json")}
	m.processMessage(context.Background(), msg, nil)
	assert.True(t, msg.termed)
	assert.False(t, msg.acked)
}

type recordingMessage struct {
	data          []byte
	acked, termed bool
}

func (m *recordingMessage) Data() []byte { return m.data }
func (m *recordingMessage) Ack() error   { m.acked = true; return nil }
func (m *recordingMessage) Term() error  { m.termed = true; return nil }

func TestEventsStreamToTerminal(t *testing.T) {
	m, _ := newManager(t, Options{})
	release := make(chan struct{})
	m.Start(1, processorFunc(func(_ context.Context, _ *Job, progress ProgressFunc) (*plan.Result, error) {
		<-release
		progress(1, 2, "running", "goto")
		return &plan.Result{OK: true}, nil
	}))

	job, _, err := m.Submit(context.Background(), JobRequest{Plan: titlePlan})
	require.NoError(t, err)
	events := m.Subscribe(job.ID)
	defer m.Unsubscribe(job.ID, events)
	close(release)

	var statuses []JobStatus
	for ev := range events {
		statuses = append(statuses, ev.Status)
		if ev.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, JobStatusSucceeded, statuses[len(statuses)-1])
	assert.Contains(t, statuses, JobStatusRunning)
}

func TestWebhookDelivered(t *testing.T) {
	type hit struct {
		body []byte
		sig  string
		ev   string
	}
	hits := make(chan hit, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hits <- hit{body: body, sig: r.Header.Get(security.SignatureHeader), ev: r.Header.Get("X-Agentab-Event")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newManager(t, Options{Notifier: NewNotifier(srv.Client(), "server-secret", "http://api.local", nil)})
	m.Start(1, processorFunc(func(context.Context, *Job, ProgressFunc) (*plan.Result, error) {
		return &plan.Result{OK: true}, nil
	}))

	job, _, err := m.Submit(context.Background(), JobRequest{
		Plan:   titlePlan,
		Notify: &NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "job-secret"},
	})
	require.NoError(t, err)

	var got hit
	select {
	case got = <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	assert.Equal(t, "job.succeeded", got.ev)
	assert.True(t, security.VerifyWebhookSignature(got.body, got.sig, "job-secret"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, job.ID, payload.JobID)
	assert.Equal(t, "http://api.local/agentab/jobs/"+job.ID+"/result", payload.ResultURL)
}

func TestNotifierReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), "", "", nil)
	job := &Job{ID: "job_1", Status: JobStatusFailed, Request: JobRequest{Notify: &NotifyConfig{WebhookURL: srv.URL}}}
	err := n.Notify(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.NoError(t, n.Notify(context.Background(), &Job{ID: "job_2"}), "no webhook configured")
}

func TestStopJoinsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewMemoryTransport(1)
	tr.maxWait = 10 * time.Millisecond
	m := NewManager(tr, Options{}, nil)
	m.Start(3, processorFunc(func(context.Context, *Job, ProgressFunc) (*plan.Result, error) {
		return nil, errors.New("unused")
	}))
	m.Start(3, nil)
	m.Stop()
}
