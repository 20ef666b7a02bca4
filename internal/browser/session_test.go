package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahrdadan/agentab/internal/cdp"
	"github.com/ahrdadan/agentab/internal/cdp/cdptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestLaunchRejectsInvalidConfig(t *testing.T) {
	s, err := Launch(context.Background(), Config{}, nil)
	assert.Nil(t, s)
	requireKind(t, err, ErrLaunch)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	fake := cdptest.NewBrowser()
	_, err := NewSession(Config{}, fake, nil)
	requireKind(t, err, ErrLaunch)
	assert.Zero(t, fake.Closed())
}

func TestSessionCloseJoinsDrainWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := cdptest.NewBrowser()
	s, err := NewSession(DefaultConfig(), fake, zap.NewNop())
	require.NoError(t, err)

	_, err = s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, fake.Closed())

	_, err = s.NewPage(context.Background(), BlankURL)
	requireKind(t, err, ErrProtocol)
	assert.ErrorIs(t, err, cdp.ErrClosed)
}

func TestSessionCloseError(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &failingClose{Browser: cdptest.NewBrowser()}
	s, err := NewSession(DefaultConfig(), client, nil)
	require.NoError(t, err)

	err = s.Close()
	requireKind(t, err, ErrProtocol)
	assert.Same(t, err, s.Close())
}

type failingClose struct{ *cdptest.Browser }

func (f *failingClose) Close() error {
	_ = f.Browser.Close()
	return errors.New("connection reset")
}

func TestNewPageAppliesViewport(t *testing.T) {
	s, fake := newTestSession(t, WithViewport(1024, 768))
	_, err := s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)
	assert.Equal(t, cdp.Viewport{Width: 1024, Height: 768}, fake.Tab(0).Viewport())
}

func TestNewPageBlankSkipsNavigation(t *testing.T) {
	s, fake := newTestSession(t)
	for _, url := range []string{BlankURL, ""} {
		p, err := s.NewPage(context.Background(), url)
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID())
	}
	assert.Zero(t, fake.Tab(0).Count("Navigate"))
	assert.Zero(t, fake.Tab(1).Count("Navigate"))
}

func TestNewPageNavigates(t *testing.T) {
	p, tab, _ := newTestPage(t, examplePage)
	assert.Equal(t, 1, tab.Count("Navigate"))
	assert.Equal(t, testURL, tab.URL())
	assert.Equal(t, tab.ID(), p.ID())
}

func TestNewPageNavigationFailureClosesTab(t *testing.T) {
	s, fake := newTestSession(t)
	p, err := s.NewPage(context.Background(), "https://nowhere.invalid/")
	assert.Nil(t, p)
	requireKind(t, err, ErrNavigation)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")

	tabs, err := fake.Tabs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tabs)
}

func TestNewPageTabFailure(t *testing.T) {
	s, fake := newTestSession(t)
	fake.NewTabErr = errors.New("target crashed")
	_, err := s.NewPage(context.Background(), BlankURL)
	requireKind(t, err, ErrProtocol)
}

func TestPagesRegistersEveryTab(t *testing.T) {
	s, _ := newTestSession(t)
	a, err := s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)
	b, err := s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)

	pages, err := s.Pages(context.Background())
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Same(t, a, pages[0])
	assert.Same(t, b, pages[1])

	got, ok := s.Page(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestTargetDestroyedForgetsPage(t *testing.T) {
	s, fake := newTestSession(t)
	p, err := s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)

	fake.Emit(cdp.Event{Method: cdp.EventTargetDestroyed, TargetID: p.ID()})
	require.Eventually(t, func() bool {
		_, ok := s.Page(p.ID())
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestPageCloseClosesTab(t *testing.T) {
	s, fake := newTestSession(t)
	p, err := s.NewPage(context.Background(), BlankURL)
	require.NoError(t, err)
	tab := fake.Tab(0)

	require.NoError(t, p.Close(context.Background()))
	assert.True(t, tab.IsClosed())
	_, ok := s.Page(p.ID())
	assert.False(t, ok)

	requireKind(t, p.Close(context.Background()), ErrProtocol)
}
