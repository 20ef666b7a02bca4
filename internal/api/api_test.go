package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ahrdadan/agentab/internal/api"
	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/cdp/cdptest"
	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/ahrdadan/agentab/internal/queue"
	"github.com/ahrdadan/agentab/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	homeURL  = "https://shop.local/"
	homePage = `<html><head><title>Shop</title></head><body>
<input id="q" name="q" type="text">
<button id="go">Search</button>
<h1>Welcome</h1>
<img src="/logo.png">
</body></html>`
)

type testEnv struct {
	app  *api.Server
	fake *cdptest.Browser
}

func setup(t *testing.T, maxPages int) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg, err := browser.NewConfig(
		browser.WithTimeout(300*time.Millisecond),
		browser.WithViewport(320, 240),
		browser.WithStealth(false),
	)
	require.NoError(t, err)
	fake := cdptest.NewBrowser()
	fake.AddPage(homeURL, homePage)
	session, err := browser.NewSession(cfg, fake, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	qm := queue.NewManager(queue.NewMemoryTransport(16), queue.Options{}, logger)
	qm.Start(1, queue.NewPlanProcessor(session, logger))
	t.Cleanup(qm.Stop)

	rc := api.DefaultRouteConfig()
	rc.MaxPages = maxPages
	rc.BaseURL = ""
	rc.RateLimit = security.RateLimitConfig{RequestsPerWindow: 10000, WindowDuration: time.Minute, BurstMax: 1000}
	srv := api.NewServer(session, qm, rc, logger)
	t.Cleanup(func() { _ = srv.Shutdown() })
	return &testEnv{app: srv, fake: fake}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.App.Test(req, 5000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func (e *testEnv) openPage(t *testing.T, body any) api.PageInfo {
	t.Helper()
	resp, env := e.do(t, http.MethodPost, "/agentab/pages", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	var info api.PageInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	return info
}

func TestHealthCheck(t *testing.T) {
	e := setup(t, 4)
	resp, env := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestPageLifecycle(t *testing.T) {
	e := setup(t, 4)
	info := e.openPage(t, map[string]any{"url": homeURL})
	assert.Equal(t, homeURL, info.URL)
	assert.Empty(t, info.Blocked)
	base := "/agentab/pages/" + info.ID

	_, env := e.do(t, http.MethodGet, "/agentab/pages", nil)
	var list []api.PageInfo
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	resp, env := e.do(t, http.MethodPost, base+"/type", map[string]any{"selector": "#q", "text": "shoes"})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)

	_, env = e.do(t, http.MethodGet, base+"/text?selector=h1", nil)
	var text string
	require.NoError(t, json.Unmarshal(env.Data, &text))
	assert.Equal(t, "Welcome", text)

	_, env = e.do(t, http.MethodGet, base+"/accessibility_tree", nil)
	var tree string
	require.NoError(t, json.Unmarshal(env.Data, &tree))
	assert.Contains(t, tree, "value=shoes")

	resp, _ = e.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, e.fake.Created(0).IsClosed())

	resp, env = e.do(t, http.MethodGet, base+"/url", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, env.Error, "page not found")
}

func TestCreatePageBlocksFirstNavigation(t *testing.T) {
	e := setup(t, 4)
	info := e.openPage(t, map[string]any{"url": homeURL, "block": []string{"image"}})

	assert.Equal(t, []string{"image"}, info.Blocked)
	assert.Zero(t, e.fake.Created(0).Completed("Image"))
}

func TestCreatePageNavigationFailureClosesTab(t *testing.T) {
	e := setup(t, 4)
	resp, env := e.do(t, http.MethodPost, "/agentab/pages", map[string]any{"url": "https://gone.local/"})

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "navigation", env.Kind)
	assert.True(t, e.fake.Created(0).IsClosed())
}

func TestPageLimit(t *testing.T) {
	e := setup(t, 1)
	e.openPage(t, nil)

	resp, env := e.do(t, http.MethodPost, "/agentab/pages", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestPageLimitUnderConcurrentCreates(t *testing.T) {
	e := setup(t, 2)

	const n = 8
	statuses := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/agentab/pages", nil)
			resp, err := e.app.App.Test(req, 5000)
			if err != nil {
				statuses <- 0
				return
			}
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 2, counts[http.StatusCreated])
	assert.Equal(t, n-2, counts[http.StatusTooManyRequests])

	_, env := e.do(t, http.MethodGet, "/agentab/pages", nil)
	var list []api.PageInfo
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)
}

func TestActionErrorsMapToStatus(t *testing.T) {
	e := setup(t, 4)
	base := "/agentab/pages/" + e.openPage(t, map[string]any{"url": homeURL}).ID

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"missing element", "/click", map[string]any{"selector": "#missing"}, http.StatusGatewayTimeout, "timeout"},
		{"unreachable url", "/goto", map[string]any{"url": "https://gone.local/"}, http.StatusBadGateway, "navigation"},
		{"invalid step", "/click", map[string]any{}, http.StatusBadRequest, ""},
		{"unknown step", "/step", map[string]any{"action": "teleport"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, http.MethodPost, base+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, env.Error)
			assert.False(t, env.Success)
			assert.Equal(t, tt.kind, env.Kind)
		})
	}
}

func TestScreenshotReturnsImage(t *testing.T) {
	e := setup(t, 4)
	base := "/agentab/pages/" + e.openPage(t, map[string]any{"url": homeURL}).ID

	req := httptest.NewRequest(http.MethodGet, base+"/screenshot?format=jpeg&quality=70", nil)
	resp, err := e.app.App.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, raw[:2])

	resp, _ = e.do(t, http.MethodGet, base+"/screenshot?format=gif", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunPlanReturnsPartialResult(t *testing.T) {
	e := setup(t, 4)
	base := "/agentab/pages/" + e.openPage(t, map[string]any{"url": homeURL}).ID

	resp, env := e.do(t, http.MethodPost, base+"/plan", plan.Plan{Steps: []plan.Step{
		{Action: plan.ActionText, Selector: "h1"},
		{Action: plan.ActionClick, Selector: "#missing"},
		{Action: plan.ActionClick, Selector: "#go"},
	}})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "timeout", env.Kind)

	var res plan.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "Welcome", res.Steps[0].Output)
}

func TestJobLifecycle(t *testing.T) {
	e := setup(t, 4)

	resp, env := e.do(t, http.MethodPost, "/agentab/jobs", queue.JobRequest{
		URL:  homeURL,
		Plan: plan.Plan{Steps: []plan.Step{{Action: plan.ActionText, Selector: "h1"}}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, env.Error)
	var created queue.JobCreatedResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "/agentab/jobs/"+created.JobID+"/result", created.ResultURL)

	require.Eventually(t, func() bool {
		_, env := e.do(t, http.MethodGet, "/agentab/jobs/"+created.JobID, nil)
		var status struct {
			Status queue.JobStatus `json:"status"`
		}
		return json.Unmarshal(env.Data, &status) == nil && status.Status == queue.JobStatusSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	_, env = e.do(t, http.MethodGet, created.ResultURL, nil)
	var result queue.JobResultResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.NotNil(t, result.Result)
	assert.True(t, result.Result.OK)
	assert.Equal(t, "Welcome", result.Result.Steps[0].Output)

	req := httptest.NewRequest(http.MethodGet, created.Events.SSEURL, nil)
	sse, err := e.app.App.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))
	body, err := io.ReadAll(sse.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `data: {"job_id":"`+created.JobID)
	assert.Contains(t, string(body), `"status":"succeeded"`)

	resp, _ = e.do(t, http.MethodPost, "/agentab/jobs/"+created.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobErrors(t *testing.T) {
	e := setup(t, 4)

	resp, env := e.do(t, http.MethodPost, "/agentab/jobs", queue.JobRequest{URL: homeURL})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, env.Error, "invalid plan")

	resp, _ = e.do(t, http.MethodGet, "/agentab/jobs/job_nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/agentab/jobs/job_nope/result", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobIdempotencyKeyInBody(t *testing.T) {
	e := setup(t, 4)
	req := queue.JobRequest{
		URL:            homeURL,
		Plan:           plan.Plan{Steps: []plan.Step{{Action: plan.ActionURL}}},
		IdempotencyKey: "order-42",
	}

	_, first := e.do(t, http.MethodPost, "/agentab/jobs", req)
	resp, second := e.do(t, http.MethodPost, "/agentab/jobs", req)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotency-Hit"))

	var a, b queue.JobCreatedResponse
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, a.JobID, b.JobID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&browser.Error{Kind: browser.ErrElementNotFound, Op: "click"}, http.StatusNotFound},
		{&browser.Error{Kind: browser.ErrTimeout, Op: "wait"}, http.StatusGatewayTimeout},
		{&browser.Error{Kind: browser.ErrJS, Op: "evaluate"}, http.StatusUnprocessableEntity},
		{&browser.Error{Kind: browser.ErrLaunch, Op: "launch"}, http.StatusServiceUnavailable},
		{&plan.StepError{Err: &browser.Error{Kind: browser.ErrNavigation, Op: "goto"}}, http.StatusBadGateway},
		{plan.ErrInvalidPlan, http.StatusBadRequest},
		{queue.ErrJobNotFound, http.StatusNotFound},
		{queue.ErrNotCancelable, http.StatusConflict},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusFor(tt.err), tt.err.Error())
	}
}
