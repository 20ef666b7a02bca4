package plan

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/cdp/cdptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	homeURL  = "https://shop.local/"
	homePage = `<html><head><title>Shop</title></head><body>
<input id="q" name="q">
<button id="go">Search</button>
<h1>Welcome</h1>
</body></html>`
)

func newPage(t *testing.T) (*browser.Page, *cdptest.Tab) {
	t.Helper()
	cfg, err := browser.NewConfig(
		browser.WithTimeout(300*time.Millisecond),
		browser.WithViewport(320, 240),
		browser.WithStealth(false),
	)
	require.NoError(t, err)

	fake := cdptest.NewBrowser()
	fake.AddPage(homeURL, homePage)
	s, err := browser.NewSession(cfg, fake, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	p, err := s.NewPage(context.Background(), homeURL)
	require.NoError(t, err)
	return p, fake.Tab(0)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{"empty", Plan{}, "no steps"},
		{"unknown action", Plan{Steps: []Step{{Action: "teleport"}}}, `unknown action "teleport"`},
		{"goto without url", Plan{Steps: []Step{{Action: ActionGoto}}}, "url is required"},
		{"click without selector", Plan{Steps: []Step{{Action: ActionClick}}}, "selector is required"},
		{"scroll without pixels", Plan{Steps: []Step{{Action: ActionScrollDown}}}, "pixels must be positive"},
		{"bad format", Plan{Steps: []Step{{Action: ActionScreenshot, Format: "gif"}}}, `unknown format "gif"`},
		{"too long", Plan{Steps: make([]Step, MaxSteps+1)}, "exceeds the limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.ErrorIs(t, err, ErrInvalidPlan)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	ok := Plan{Steps: []Step{{Action: ActionReload}, {Action: ActionPress, Key: "Enter"}}}
	assert.NoError(t, ok.Validate())
}

func TestValidateReportsEveryBadStep(t *testing.T) {
	err := Plan{Steps: []Step{{Action: ActionGoto}, {Action: ActionTitle}, {Action: ActionBlock}}}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (goto)")
	assert.Contains(t, err.Error(), "step 2 (block)")
	assert.NotContains(t, err.Error(), "step 1")
}

func TestRunInvalidPlanTouchesNothing(t *testing.T) {
	page, tab := newPage(t)
	res, err := NewRunner(nil).Run(context.Background(), page, Plan{Steps: []Step{{Action: ActionClick}}}, nil)
	require.ErrorIs(t, err, ErrInvalidPlan)
	assert.Nil(t, res)
	assert.Empty(t, tab.Actions())
}

func TestRunAllSteps(t *testing.T) {
	page, tab := newPage(t)
	var progress []int

	res, err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), page, Plan{Steps: []Step{
		{Action: ActionType, Selector: "#q", Text: "shoes"},
		{Action: ActionClick, Selector: "#go"},
		{Action: ActionText, Selector: "h1"},
		{Action: ActionURL},
		{Action: ActionAccessibilityTree},
		{Action: ActionScreenshot, Format: "jpeg", Quality: 80},
	}}, func(done, total int, _ Step) {
		assert.Equal(t, 6, total)
		progress = append(progress, done)
	})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 6, res.Completed)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
	_, failed := res.Failed()
	assert.False(t, failed)

	assert.Equal(t, "Welcome", res.Steps[2].Output)
	assert.Equal(t, homeURL, res.Steps[3].Output)
	tree, _ := res.Steps[4].Output.(string)
	assert.Contains(t, tree, "input value=shoes type=text")
	assert.Contains(t, tree, "button\n  text: \"Search\"")

	shot, ok := res.Steps[5].Output.(Screenshot)
	require.True(t, ok)
	assert.Equal(t, "jpeg", shot.Format)
	raw, err := base64.StdEncoding.DecodeString(shot.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, raw[:2])
	assert.Equal(t, shot.Bytes, len(raw))

	actions := tab.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "Type", actions[0].Kind)
	assert.Equal(t, "shoes", actions[0].Arg)
	assert.Equal(t, "Click", actions[1].Kind)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	page, tab := newPage(t)

	res, err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), page, Plan{Steps: []Step{
		{Action: ActionHover, Selector: "#go"},
		{Action: ActionClick, Selector: "#missing"},
		{Action: ActionClick, Selector: "#go"},
	}}, nil)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, ActionClick, stepErr.Action)
	assert.ErrorIs(t, err, browser.ErrTimeout)

	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, res.Steps, 2)
	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "timeout", failed.Kind)
	assert.Contains(t, failed.Error, "#missing")

	actions := tab.Actions()
	require.Len(t, actions, 1, "steps after the failure never run")
	assert.Equal(t, "Hover", actions[0].Kind)
}

func TestRunDoesNotRetry(t *testing.T) {
	page, tab := newPage(t)
	require.Equal(t, 1, tab.Count("Navigate"))

	res, err := NewRunner(nil).Run(context.Background(), page, Plan{Steps: []Step{
		{Action: ActionGoto, URL: "https://gone.local/"},
	}}, nil)
	require.ErrorIs(t, err, browser.ErrNavigation)
	assert.Equal(t, 2, tab.Count("Navigate"))
	assert.Equal(t, "navigation", res.Steps[0].Kind)
}

func TestRunBlockStagesForNextNavigation(t *testing.T) {
	page, _ := newPage(t)

	res, err := NewRunner(nil).Run(context.Background(), page, Plan{Steps: []Step{
		{Action: ActionBlock, Types: []string{"Image", "font"}},
		{Action: ActionScrollDown, Pixels: 0},
	}}, nil)
	require.ErrorIs(t, err, ErrInvalidPlan)
	assert.Nil(t, res)

	res, err = NewRunner(nil).Run(context.Background(), page, Plan{Steps: []Step{
		{Action: ActionBlock, Types: []string{"Image", "font"}},
		{Action: ActionHTML},
	}}, nil)
	require.NoError(t, err)
	html, _ := res.Steps[1].Output.(string)
	assert.True(t, strings.Contains(html, "Welcome"))
	assert.Empty(t, page.BlockedResources(), "block waits for the next navigation")
}

func TestRunCanceledContext(t *testing.T) {
	page, _ := newPage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(nil).Run(ctx, page, Plan{Steps: []Step{
		{Action: ActionWaitForSelector, Selector: "#never"},
	}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "internal", res.Steps[0].Kind)
	assert.Equal(t, 0, res.Completed)
}

func TestRunForceGC(t *testing.T) {
	page, tab := newPage(t)
	res, err := NewRunner(nil).Run(context.Background(), page, Plan{Steps: []Step{{Action: ActionForceGC}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, tab.Count("CollectGarbage"))
}
