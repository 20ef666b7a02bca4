package browser_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// These tests drive a real browser and reach the network. Run them with
// AGENTAB_E2E=1.
func launch(t *testing.T, opts ...browser.Option) *browser.Session {
	t.Helper()
	if os.Getenv("AGENTAB_E2E") != "1" {
		t.Skip("set AGENTAB_E2E=1 to run browser tests")
	}
	cfg, err := browser.NewConfig(opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s, err := browser.Launch(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExampleDomain(t *testing.T) {
	s := launch(t)
	ctx := context.Background()

	p, err := s.NewPage(ctx, "https://example.com")
	require.NoError(t, err)

	title, err := p.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", title)

	h1, err := p.TextContent(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", h1)

	links, err := p.GetLinks(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, links)

	shot, err := p.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, shot[:4])
	assert.Greater(t, len(shot), 1024)
}

func TestStealthHidesWebdriver(t *testing.T) {
	s := launch(t)
	ctx := context.Background()

	p, err := s.NewPage(ctx, "https://example.com")
	require.NoError(t, err)

	got, err := p.Evaluate(ctx, "navigator.webdriver")
	require.NoError(t, err)
	assert.Equal(t, "false", got)

	ua, err := p.Evaluate(ctx, "() => navigator.userAgent")
	require.NoError(t, err)
	assert.NotContains(t, ua, "HeadlessChrome")
}

func TestAccessibilityTreeLive(t *testing.T) {
	s := launch(t, browser.WithStealth(false))
	ctx := context.Background()

	p, err := s.NewPage(ctx, browser.BlankURL)
	require.NoError(t, err)
	require.NoError(t, p.EvaluateVoid(ctx,
		`document.body.innerHTML = '<div><button aria-label="Submit">Send</button></div>'`))

	tree, err := p.AccessibilityTree(ctx)
	require.NoError(t, err)
	assert.Contains(t, tree, `button "Submit"`)
}

func TestWaitForSelectorTimeoutLive(t *testing.T) {
	s := launch(t, browser.WithTimeout(200*time.Millisecond))
	ctx := context.Background()

	p, err := s.NewPage(ctx, browser.BlankURL)
	require.NoError(t, err)
	_, err = p.WaitForSelector(ctx, "#never-appears")
	require.ErrorIs(t, err, browser.ErrTimeout)
}
